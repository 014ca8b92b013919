package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_chat/internal/domain"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db, logger.NewNop()))
	return db
}

func openTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedRoom(t *testing.T, repo RoomRepository, kind string, users ...uuid.UUID) *domain.Room {
	t.Helper()
	ctx := context.Background()
	room := &domain.Room{ID: uuid.New(), Kind: kind, CreatedBy: users[0], CreatedAt: base, UpdatedAt: base}
	require.NoError(t, repo.Create(ctx, room))
	for i, u := range users {
		_, err := repo.AddParticipant(ctx, &domain.Participant{
			RoomID: room.ID, UserID: u, Role: domain.ParticipantRoleMember,
			JoinedAt: base.Add(time.Duration(i) * time.Second), NotificationSetting: domain.NotifyAll,
		})
		require.NoError(t, err)
	}
	return room
}

func seedMessage(t *testing.T, repo MessageRepository, roomID, sender uuid.UUID, text string, at time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{
		ID: uuid.Must(uuid.NewV7()), RoomID: roomID, SenderID: &sender, Content: &text,
		MessageType: domain.MessageTypeText, CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, repo.Create(context.Background(), m))
	return m
}

func TestCreateDirectResolvesExistingRoom(t *testing.T) {
	db := openTestDB(t)
	repo := NewRoomRepository(db, logger.NewNop())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	key := domain.DirectKey(a, b)
	first, created, err := repo.CreateDirect(ctx, &domain.Room{ID: uuid.New(), Kind: domain.RoomKindDirect, DirectKey: &key, CreatedBy: a, CreatedAt: base, UpdatedAt: base})
	require.NoError(t, err)
	assert.True(t, created)

	key2 := domain.DirectKey(b, a)
	second, created, err := repo.CreateDirect(ctx, &domain.Room{ID: uuid.New(), Kind: domain.RoomKindDirect, DirectKey: &key2, CreatedBy: b, CreatedAt: base, UpdatedAt: base})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestAdvanceLastReadIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	repo := NewRoomRepository(db, logger.NewNop())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	room := seedRoom(t, repo, domain.RoomKindGroup, a, b)

	moved, err := repo.AdvanceLastRead(ctx, room.ID, a, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = repo.AdvanceLastRead(ctx, room.ID, a, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = repo.AdvanceLastRead(ctx, room.ID, a, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, moved)

	p, err := repo.GetParticipant(ctx, room.ID, a)
	require.NoError(t, err)
	require.NotNil(t, p.LastReadAt)
	assert.True(t, p.LastReadAt.Equal(base.Add(10*time.Second)))
}

func TestParticipantLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewRoomRepository(db, logger.NewNop())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	room := seedRoom(t, repo, domain.RoomKindGroup, a, b)

	added, err := repo.AddParticipant(ctx, &domain.Participant{RoomID: room.ID, UserID: a, Role: domain.ParticipantRoleMember, JoinedAt: base, NotificationSetting: domain.NotifyAll})
	require.NoError(t, err)
	assert.False(t, added)

	muted, pinned := domain.NotifyNone, true
	require.NoError(t, repo.UpdateParticipantSettings(ctx, room.ID, b, domain.ParticipantSettings{NotificationSetting: &muted, IsPinned: &pinned}))
	p, err := repo.GetParticipant(ctx, room.ID, b)
	require.NoError(t, err)
	assert.Equal(t, domain.NotifyNone, p.NotificationSetting)
	assert.True(t, p.IsPinned)

	removed, err := repo.RemoveParticipant(ctx, room.ID, b)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = repo.RemoveParticipant(ctx, room.ID, b)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = repo.GetParticipant(ctx, room.ID, b)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListForUserOrdersPinnedThenActivity(t *testing.T) {
	db := openTestDB(t)
	repo := NewRoomRepository(db, logger.NewNop())
	ctx := context.Background()
	me, other := uuid.New(), uuid.New()

	quiet := seedRoom(t, repo, domain.RoomKindGroup, me, other)
	busy := seedRoom(t, repo, domain.RoomKindGroup, me, other)
	pinned := seedRoom(t, repo, domain.RoomKindGroup, me, other)

	require.NoError(t, repo.TouchLastMessage(ctx, busy.ID, base.Add(time.Hour), "latest"))
	require.NoError(t, repo.TouchLastMessage(ctx, busy.ID, base.Add(time.Minute), "stale"))
	yes := true
	require.NoError(t, repo.UpdateParticipantSettings(ctx, pinned.ID, me, domain.ParticipantSettings{IsPinned: &yes}))

	rooms, err := repo.ListForUser(ctx, me)
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, pinned.ID, rooms[0].ID)
	assert.Equal(t, busy.ID, rooms[1].ID)
	assert.Equal(t, quiet.ID, rooms[2].ID)
	require.NotNil(t, rooms[1].LastMessagePreview)
	assert.Equal(t, "latest", *rooms[1].LastMessagePreview)
}

func TestMessagePageIsStableUnderNewSends(t *testing.T) {
	db := openTestDB(t)
	rooms := NewRoomRepository(db, logger.NewNop())
	messages := NewMessageRepository(db, logger.NewNop())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	room := seedRoom(t, rooms, domain.RoomKindDirect, a, b)

	var seeded []*domain.Message
	for i := 0; i < 10; i++ {
		seeded = append(seeded, seedMessage(t, messages, room.ID, a, "m", base.Add(time.Duration(i)*time.Millisecond)))
	}

	newest, err := messages.Page(ctx, room.ID, nil, 5)
	require.NoError(t, err)
	require.Len(t, newest, 5)
	assert.Equal(t, seeded[9].ID, newest[0].ID)
	assert.Equal(t, seeded[5].ID, newest[4].ID)

	seedMessage(t, messages, room.ID, b, "m11", base.Add(time.Second))

	cursor := newest[4].Cursor()
	older, err := messages.Page(ctx, room.ID, &cursor, 5)
	require.NoError(t, err)
	require.Len(t, older, 5)
	for i, m := range older {
		assert.Equal(t, seeded[4-i].ID, m.ID)
	}
}

func TestMessagePageBreaksTimestampTiesByID(t *testing.T) {
	db := openTestDB(t)
	rooms := NewRoomRepository(db, logger.NewNop())
	messages := NewMessageRepository(db, logger.NewNop())
	ctx := context.Background()
	a := uuid.New()
	room := seedRoom(t, rooms, domain.RoomKindGroup, a, uuid.New())

	m1 := seedMessage(t, messages, room.ID, a, "one", base)
	m2 := seedMessage(t, messages, room.ID, a, "two", base)

	page, err := messages.Page(ctx, room.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, m2.ID, page[0].ID)

	cursor := m2.Cursor()
	page, err = messages.Page(ctx, room.ID, &cursor, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, m1.ID, page[0].ID)
}

func TestEditAndSoftDeleteConditions(t *testing.T) {
	db := openTestDB(t)
	rooms := NewRoomRepository(db, logger.NewNop())
	messages := NewMessageRepository(db, logger.NewNop())
	ctx := context.Background()
	a := uuid.New()
	room := seedRoom(t, rooms, domain.RoomKindGroup, a, uuid.New())
	m := seedMessage(t, messages, room.ID, a, "draft", base)

	ok, err := messages.UpdateContent(ctx, m.ID, "final", base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = messages.SoftDelete(ctx, m.ID, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = messages.SoftDelete(ctx, m.ID, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = messages.UpdateContent(ctx, m.ID, "again", base.Add(4*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.True(t, stored.IsEdited)
	assert.Nil(t, stored.Content)
	assert.True(t, stored.UpdatedAt.Equal(base.Add(2*time.Second)))
}

func TestCountUnread(t *testing.T) {
	db := openTestDB(t)
	rooms := NewRoomRepository(db, logger.NewNop())
	messages := NewMessageRepository(db, logger.NewNop())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	room := seedRoom(t, rooms, domain.RoomKindDirect, a, b)

	seedMessage(t, messages, room.ID, a, "1", base)
	seedMessage(t, messages, room.ID, a, "2", base.Add(time.Second))
	seedMessage(t, messages, room.ID, b, "mine", base.Add(2*time.Second))

	notice := "Ann joined"
	require.NoError(t, messages.Create(ctx, &domain.Message{
		ID: uuid.Must(uuid.NewV7()), RoomID: room.ID, Content: &notice,
		MessageType: domain.MessageTypeSystem, CreatedAt: base.Add(3 * time.Second), UpdatedAt: base.Add(3 * time.Second),
	}))

	n, err := messages.CountUnread(ctx, room.ID, b, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	watermark := base
	n, err = messages.CountUnread(ctx, room.ID, b, &watermark)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFilesAttachOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	rooms := NewRoomRepository(db, logger.NewNop())
	messages := NewMessageRepository(db, logger.NewNop())
	files := NewFileRepository(db, logger.NewNop())
	ctx := context.Background()
	a := uuid.New()
	room := seedRoom(t, rooms, domain.RoomKindGroup, a, uuid.New())

	f := &domain.File{ID: uuid.New(), RoomID: room.ID, UploaderID: a, FileName: "q.pdf", MimeType: "application/pdf",
		Kind: domain.FileKindFile, Size: 2048, URL: "/files/q.pdf", CreatedAt: base}
	require.NoError(t, files.Create(ctx, f))

	m1 := seedMessage(t, messages, room.ID, a, "first", base)
	m2 := seedMessage(t, messages, room.ID, a, "second", base.Add(time.Second))

	n, err := files.Attach(ctx, m1.ID, room.ID, a, []uuid.UUID{f.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = files.Attach(ctx, m2.ID, room.ID, a, []uuid.UUID{f.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	byMessage, err := files.ListByMessages(ctx, []uuid.UUID{m1.ID, m2.ID})
	require.NoError(t, err)
	require.Len(t, byMessage[m1.ID], 1)
	assert.Equal(t, "2.0 kB", byMessage[m1.ID][0].SizeLabel)
	assert.Empty(t, byMessage[m2.ID])
}

func TestReactionAddRemove(t *testing.T) {
	db := openTestDB(t)
	rooms := NewRoomRepository(db, logger.NewNop())
	messages := NewMessageRepository(db, logger.NewNop())
	reactions := NewReactionRepository(db, logger.NewNop())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	room := seedRoom(t, rooms, domain.RoomKindGroup, a, b)
	m := seedMessage(t, messages, room.ID, a, "hi", base)

	added, err := reactions.Add(ctx, &domain.Reaction{MessageID: m.ID, UserID: b, Emoji: "👍", ReactedAt: base})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = reactions.Add(ctx, &domain.Reaction{MessageID: m.ID, UserID: b, Emoji: "👍", ReactedAt: base})
	require.NoError(t, err)
	assert.False(t, added)
	_, err = reactions.Add(ctx, &domain.Reaction{MessageID: m.ID, UserID: b, Emoji: "🎉", ReactedAt: base.Add(time.Second)})
	require.NoError(t, err)

	list, err := reactions.ListByMessage(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "👍", list[0].Emoji)

	removed, err := reactions.Remove(ctx, m.ID, b, "👍")
	require.NoError(t, err)
	assert.True(t, removed)
	list, err = reactions.ListByMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTypingEntriesExpire(t *testing.T) {
	rdb, _ := openTestRedis(t)
	repo := NewTypingRepository(rdb, logger.NewNop())
	ctx := context.Background()
	room, a, b := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, repo.Set(ctx, room, a, base.Add(3*time.Second), time.Minute))
	require.NoError(t, repo.Set(ctx, room, b, base.Add(5*time.Second), time.Minute))

	users, err := repo.ListActive(ctx, room, base.Add(time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, users)

	users, err = repo.ListActive(ctx, room, base.Add(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b}, users)

	require.NoError(t, repo.Remove(ctx, room, b))
	users, err = repo.ListActive(ctx, room, base.Add(4*time.Second))
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestNotificationQueueIsFIFO(t *testing.T) {
	rdb, _ := openTestRedis(t)
	repo := NewNotificationRepository(rdb, logger.NewNop())
	ctx := context.Background()

	first := &domain.Notification{ID: uuid.New(), Preview: "first"}
	second := &domain.Notification{ID: uuid.New(), Preview: "second"}
	require.NoError(t, repo.Enqueue(ctx, first, second))

	out, err := repo.Dequeue(ctx, 5)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Preview)
	assert.Equal(t, "second", out[1].Preview)
}

func TestRateLimitWindow(t *testing.T) {
	rdb, mr := openTestRedis(t)
	repo := NewRateLimitRepository(rdb, logger.NewNop())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := repo.Hit(ctx, "rl:user:a", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, i, n)
	}

	mr.FastForward(2 * time.Minute)
	n, err := repo.Hit(ctx, "rl:user:a", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "window restarts after expiry")
}

func TestUserUpsertAndAudit(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db, logger.NewNop())
	audit := NewAuditRepository(db, logger.NewNop())
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, users.Upsert(ctx, &domain.User{ID: id, Email: "a@crm.local", DisplayName: "Alice", IsActive: true, CreatedAt: base, UpdatedAt: base}))
	require.NoError(t, users.Upsert(ctx, &domain.User{ID: id, Email: "a@crm.local", DisplayName: "Alice K.", IsActive: true, CreatedAt: base, UpdatedAt: base.Add(time.Hour)}))

	u, err := users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice K.", u.DisplayName)

	room := uuid.New()
	require.NoError(t, audit.CreateLog(ctx, &domain.AuditLog{EventTime: base, ActorUserID: &id, ActorRole: domain.ActorRoleUser,
		RoomID: &room, EventType: domain.AuditRoomRenamed, Payload: map[string]interface{}{"name": "Sales"}}))
	logs, err := audit.ListByRoom(ctx, room, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Sales", logs[0].Payload["name"])
}

func TestWithinTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	repo := NewRoomRepository(db, logger.NewNop())
	ctx := context.Background()
	id := uuid.New()

	err := db.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.Create(ctx, &domain.Room{ID: id, Kind: domain.RoomKindGroup, CreatedBy: uuid.New(), CreatedAt: base, UpdatedAt: base}))
		return apperrors.Conflict("abort")
	})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = repo.GetByID(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
