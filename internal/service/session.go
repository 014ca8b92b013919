package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/realtime"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

type SessionState int32

const (
	SessionLoading SessionState = iota
	SessionReady
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionLoading:
		return "loading"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

type SessionOptions struct {
	PageSize     int
	ReadDebounce time.Duration
	EventBuffer  int
}

// Session is one user's live view of one room. It holds the confirmed
// messages loaded so far plus a pending overlay of sends that have not been
// acknowledged yet, and keeps both in sync with room events.
type Session struct {
	chat   ChatService
	roomID uuid.UUID
	userID uuid.UUID
	opts   SessionOptions
	log    logger.Logger
	feed   *realtime.Hub
	direct bool

	mu        sync.Mutex
	state     SessionState
	confirmed map[uuid.UUID]*domain.MessageView
	pending   []*domain.MessageView
	oldest    *domain.Cursor
	hasMore   bool

	readMu    sync.Mutex
	readTimer *time.Timer
	readDirty bool

	cancelSub func()
	closeOnce sync.Once
	done      chan struct{}
}

// OpenSession subscribes to the room and loads the newest page. Events that
// arrive while the page loads are merged once it is in.
func OpenSession(ctx context.Context, chat ChatService, roomID, userID uuid.UUID, opts SessionOptions, log logger.Logger) (*Session, error) {
	s := &Session{
		chat:      chat,
		roomID:    roomID,
		userID:    userID,
		opts:      opts,
		log:       log.With("room_id", roomID, "user_id", userID),
		feed:      realtime.NewHub(opts.EventBuffer, log),
		state:     SessionLoading,
		confirmed: make(map[uuid.UUID]*domain.MessageView),
		done:      make(chan struct{}),
	}

	events, cancel, err := chat.Subscribe(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	s.cancelSub = cancel

	room, err := chat.GetRoom(ctx, roomID, userID)
	if err != nil {
		cancel()
		return nil, err
	}
	s.direct = room.IsDirect()

	page, err := chat.History(ctx, roomID, userID, nil, opts.PageSize)
	if err != nil {
		cancel()
		return nil, err
	}

	s.mu.Lock()
	s.mergePage(page)
	s.state = SessionReady
	s.mu.Unlock()

	go s.run(events)
	return s, nil
}

func (s *Session) run(events <-chan domain.Event) {
	defer close(s.done)
	for ev := range events {
		s.apply(ev)
		_ = s.feed.Publish(context.Background(), ev)
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session stops consuming room events.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Subscribe streams room events after they were merged into the session.
func (s *Session) Subscribe() (<-chan domain.Event, func()) {
	return s.feed.Subscribe(s.roomID)
}

// Messages returns confirmed messages oldest first, followed by pending sends.
func (s *Session) Messages() []domain.MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.MessageView, 0, len(s.confirmed)+len(s.pending))
	for _, v := range s.confirmed {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return domain.Less(out[i].Message, out[j].Message)
	})
	for _, v := range s.pending {
		out = append(out, *v)
	}
	return out
}

func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// LoadOlder fetches the page before the oldest loaded message and returns
// how many messages were added.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	before := s.oldest
	s.mu.Unlock()

	page, err := s.chat.History(ctx, s.roomID, s.userID, before, s.opts.PageSize)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergePage(page), nil
}

// Send appends an optimistic entry under localID, then replaces it with the
// stored message or removes it when the send fails.
func (s *Session) Send(ctx context.Context, localID, content string, replyToID *uuid.UUID, fileIDs []uuid.UUID, uploads ...UploadInput) (*SendResult, error) {
	if localID == "" {
		localID = uuid.NewString()
	}

	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for _, p := range s.pending {
		if p.LocalID == localID {
			s.mu.Unlock()
			return nil, apperrors.Conflict("send %s is already in flight", localID)
		}
	}
	userID := s.userID
	draft := &domain.MessageView{
		Message: &domain.Message{
			RoomID:      s.roomID,
			SenderID:    &userID,
			Content:     &content,
			MessageType: domain.MessageTypeText,
			ReplyToID:   replyToID,
			CreatedAt:   time.Now().UTC(),
		},
		Reactions: []domain.ReactionGroup{},
		LocalID:   localID,
		Pending:   true,
	}
	s.pending = append(s.pending, draft)
	s.mu.Unlock()

	res, err := s.chat.Send(ctx, SendInput{
		RoomID:    s.roomID,
		SenderID:  s.userID,
		Content:   content,
		ReplyToID: replyToID,
		FileIDs:   fileIDs,
	}, uploads...)

	s.mu.Lock()
	s.dropPending(localID)
	if err == nil {
		s.upsert(res.Message)
		res.Message.LocalID = localID
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.MarkRead()
	return res, nil
}

func (s *Session) Edit(ctx context.Context, messageID uuid.UUID, content string) (*domain.MessageView, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	view, err := s.chat.Edit(ctx, messageID, s.userID, content)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.replaceMessage(view.Message)
	s.mu.Unlock()
	return view, nil
}

func (s *Session) Delete(ctx context.Context, messageID uuid.UUID) (*domain.MessageView, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	view, err := s.chat.Delete(ctx, messageID, s.userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.replaceMessage(view.Message)
	s.mu.Unlock()
	return view, nil
}

func (s *Session) React(ctx context.Context, messageID uuid.UUID, emoji string) ([]domain.ReactionGroup, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	groups, err := s.chat.React(ctx, messageID, s.userID, emoji)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if v, ok := s.confirmed[messageID]; ok {
		v.Reactions = groups
	}
	s.mu.Unlock()
	return groups, nil
}

func (s *Session) SetTyping(ctx context.Context, isTyping bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.chat.SetTyping(ctx, s.roomID, s.userID, isTyping)
}

// MarkRead schedules a watermark update. Calls inside the debounce window
// collapse into one write.
func (s *Session) MarkRead() {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.readDirty = true
	if s.opts.ReadDebounce <= 0 {
		go s.flushRead()
		return
	}
	if s.readTimer == nil {
		s.readTimer = time.AfterFunc(s.opts.ReadDebounce, s.flushRead)
		return
	}
	s.readTimer.Reset(s.opts.ReadDebounce)
}

func (s *Session) flushRead() {
	s.readMu.Lock()
	if !s.readDirty {
		s.readMu.Unlock()
		return
	}
	s.readDirty = false
	s.readMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.chat.MarkRead(ctx, s.roomID, s.userID, nil); err != nil {
		s.log.Warn("Failed to mark room read", "error", err)
	}
}

// Close stops the session and flushes a pending read mark. Calling it twice is safe.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		left := s.state == SessionClosed
		s.state = SessionClosed
		s.pending = nil
		s.mu.Unlock()

		s.readMu.Lock()
		if s.readTimer != nil {
			s.readTimer.Stop()
		}
		if left {
			s.readDirty = false
		}
		s.readMu.Unlock()
		s.flushRead()

		s.cancelSub()
		<-s.done
	})
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usable()
}

// usable must be called with mu held.
func (s *Session) usable() error {
	if s.state != SessionReady {
		return apperrors.InvalidState("session is %s", s.state)
	}
	return nil
}

// apply merges one room event. Every branch is idempotent so replays and
// echoes of our own writes are harmless.
func (s *Session) apply(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case domain.EventMessageCreated:
		msg, err := ev.DecodeMessage()
		if err != nil {
			s.log.Warn("Dropping malformed message event", "error", err)
			return
		}
		if _, ok := s.confirmed[msg.ID]; ok {
			return
		}
		view := &domain.MessageView{Message: msg.Tombstone(), Reactions: []domain.ReactionGroup{}}
		// own messages from other devices start unread so read.updated can flip them
		if s.direct && !msg.IsSystem() && msg.SenderID != nil && *msg.SenderID == s.userID {
			read := false
			view.IsRead = &read
		}
		if msg.ReplyToID != nil {
			if target, ok := s.confirmed[*msg.ReplyToID]; ok {
				view.ReplyTo = target.Message
			}
		}
		s.confirmed[msg.ID] = view

	case domain.EventMessageUpdated, domain.EventMessageDeleted:
		msg, err := ev.DecodeMessage()
		if err != nil {
			s.log.Warn("Dropping malformed message event", "error", err)
			return
		}
		s.replaceMessage(msg)

	case domain.EventReactionUpdated:
		var payload domain.ReactionEvent
		if err := decodeEventData(ev, &payload); err != nil {
			s.log.Warn("Dropping malformed reaction event", "error", err)
			return
		}
		v, ok := s.confirmed[payload.MessageID]
		if !ok {
			return
		}
		reactions := make([]*domain.Reaction, 0, len(payload.Reactions))
		for i := range payload.Reactions {
			reactions = append(reactions, &payload.Reactions[i])
		}
		v.Reactions = domain.AggregateReactions(reactions, s.userID)

	case domain.EventReadUpdated:
		var payload domain.ReadEvent
		if err := decodeEventData(ev, &payload); err != nil {
			s.log.Warn("Dropping malformed read event", "error", err)
			return
		}
		if payload.UserID == s.userID {
			return
		}
		for _, v := range s.confirmed {
			if v.IsRead == nil || *v.IsRead {
				continue
			}
			if v.SenderID != nil && *v.SenderID == s.userID && !v.CreatedAt.After(payload.LastReadAt) {
				read := true
				v.IsRead = &read
			}
		}

	case domain.EventParticipantLeft:
		if ev.ActorID != nil && *ev.ActorID == s.userID {
			s.state = SessionClosed
			s.pending = nil
		}
	}
}

// replaceMessage swaps the stored message of a loaded view, keeping its
// reactions and read flag. mu must be held.
func (s *Session) replaceMessage(msg *domain.Message) {
	v, ok := s.confirmed[msg.ID]
	if !ok {
		return
	}
	if msg.UpdatedAt.Before(v.UpdatedAt) {
		return
	}
	v.Message = msg.Tombstone()
	for _, other := range s.confirmed {
		if other.ReplyToID != nil && *other.ReplyToID == msg.ID {
			other.ReplyTo = v.Message
		}
	}
}

// upsert stores a canonical view. mu must be held.
func (s *Session) upsert(view *domain.MessageView) {
	cp := *view
	cp.LocalID = ""
	cp.Pending = false
	if existing, ok := s.confirmed[view.ID]; ok && existing.UpdatedAt.After(view.UpdatedAt) {
		return
	}
	s.confirmed[view.ID] = &cp
}

// dropPending removes the optimistic entry for localID. mu must be held.
func (s *Session) dropPending(localID string) {
	for i, p := range s.pending {
		if p.LocalID == localID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// mergePage adds a history page and moves the backward cursor. mu must be held.
func (s *Session) mergePage(page *domain.MessagePage) int {
	added := 0
	for _, v := range page.Messages {
		if _, ok := s.confirmed[v.ID]; ok {
			continue
		}
		s.confirmed[v.ID] = v
		added++
	}
	if n := len(page.Messages); n > 0 {
		c := page.Messages[n-1].Cursor()
		if s.oldest == nil || c.Before(*s.oldest) {
			s.oldest = &c
		}
	}
	s.hasMore = page.HasMore
	return added
}
