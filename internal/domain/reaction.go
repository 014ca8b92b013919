package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type Reaction struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reacted_at"`
}

type ReactionGroup struct {
	Emoji       string      `json:"emoji"`
	Count       int         `json:"count"`
	UserIDs     []uuid.UUID `json:"user_ids"`
	ReactedByMe bool        `json:"reacted_by_me"`

	firstAt time.Time
}

// MaxEmojiBytes bounds a single reaction key.
const MaxEmojiBytes = 32

// AggregateReactions groups raw reactions by emoji. Groups are ordered by the
// earliest reaction in each group, then by emoji, so unrelated updates do not
// reshuffle them. Users inside a group keep reaction order.
func AggregateReactions(reactions []*Reaction, viewerID uuid.UUID) []ReactionGroup {
	sorted := make([]*Reaction, len(reactions))
	copy(sorted, reactions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReactedAt.Before(sorted[j].ReactedAt)
	})

	index := make(map[string]int)
	groups := make([]ReactionGroup, 0)
	for _, r := range sorted {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji, firstAt: r.ReactedAt})
		}
		g := &groups[i]
		g.Count++
		g.UserIDs = append(g.UserIDs, r.UserID)
		if r.UserID == viewerID {
			g.ReactedByMe = true
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].firstAt.Equal(groups[j].firstAt) {
			return groups[i].firstAt.Before(groups[j].firstAt)
		}
		return groups[i].Emoji < groups[j].Emoji
	})
	return groups
}
