package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, DirectKey(a, b), DirectKey(b, a))
	assert.NotEqual(t, DirectKey(a, b), DirectKey(a, uuid.New()))
}

func TestCursorRoundTripAndOrder(t *testing.T) {
	at := time.UnixMicro(1_700_000_000_123_456).UTC()
	c := Cursor{CreatedAt: at, ID: uuid.New()}

	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(at))
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, got.Resolved())

	later := Cursor{CreatedAt: at.Add(time.Microsecond), ID: uuid.Nil}
	assert.True(t, c.Before(later))
	assert.False(t, later.Before(c))

	lo := Cursor{CreatedAt: at, ID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}
	hi := Cursor{CreatedAt: at, ID: uuid.MustParse("00000000-0000-0000-0000-000000000002")}
	assert.True(t, lo.Before(hi))
}

func TestDecodeCursorAcceptsBareID(t *testing.T) {
	id := uuid.New()
	c, err := DecodeCursor(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.False(t, c.Resolved())

	_, err = DecodeCursor("not a cursor")
	assert.Error(t, err)
}

func TestTombstoneHidesContent(t *testing.T) {
	text := "secret"
	m := &Message{ID: uuid.New(), Content: &text, IsDeleted: true, Files: []*File{{FileName: "a.pdf"}}}

	ts := m.Tombstone()
	assert.Nil(t, ts.Content)
	assert.Nil(t, ts.Files)
	assert.Equal(t, m.ID, ts.ID)
	assert.NotNil(t, m.Content)

	live := &Message{Content: &text}
	assert.Same(t, live, live.Tombstone())
}

func TestPreview(t *testing.T) {
	long := ""
	for i := 0; i < 150; i++ {
		long += "가"
	}
	m := &Message{Content: &long}
	assert.Equal(t, 101, len([]rune(m.Preview())))

	withFile := &Message{Files: []*File{{FileName: "q.pdf", Kind: FileKindFile}}}
	assert.Equal(t, "[file] q.pdf", withFile.Preview())
}

func TestAggregateReactions(t *testing.T) {
	msg := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	t0 := time.Now()

	reactions := []*Reaction{
		{MessageID: msg, UserID: bob, Emoji: "❤️", ReactedAt: t0.Add(2 * time.Second)},
		{MessageID: msg, UserID: alice, Emoji: "👍", ReactedAt: t0},
		{MessageID: msg, UserID: bob, Emoji: "👍", ReactedAt: t0.Add(time.Second)},
	}

	groups := AggregateReactions(reactions, alice)
	require.Len(t, groups, 2)
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, []uuid.UUID{alice, bob}, groups[0].UserIDs)
	assert.True(t, groups[0].ReactedByMe)
	assert.Equal(t, "❤️", groups[1].Emoji)
	assert.False(t, groups[1].ReactedByMe)

	assert.Empty(t, AggregateReactions(nil, alice))
}

func TestParticipantHasRead(t *testing.T) {
	now := time.Now()
	p := &Participant{}
	assert.False(t, p.HasRead(now))

	p.LastReadAt = &now
	assert.True(t, p.HasRead(now))
	assert.False(t, p.HasRead(now.Add(time.Millisecond)))
}
