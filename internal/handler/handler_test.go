package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_chat/internal/blob"
	"crm_chat/internal/config"
	"crm_chat/internal/domain"
	"crm_chat/internal/middleware"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	"crm_chat/internal/service"
	"crm_chat/pkg/jwt"
	"crm_chat/pkg/logger"
)

const testSecret = "handler-test-secret"

type testUser struct {
	id    uuid.UUID
	token string
}

type testServer struct {
	router *gin.Engine
	cfg    *config.Config
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, sendPerMinute int, wrap ...func(service.ChatService) service.ChatService) *testServer {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()

	db, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(ctx, db, log))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{AllowedOrigins: []string{"*"}},
		JWT:         config.JWTConfig{Secret: testSecret, Issuer: "crm"},
		Chat: config.ChatConfig{
			TypingTTL:         3 * time.Second,
			PageSize:          50,
			MaxPageSize:       100,
			MaxContentLength:  2000,
			DirectoryCacheTTL: time.Minute,
			DirectoryCacheMax: 100,
			EventBuffer:       64,
		},
		Blob: config.BlobConfig{
			Dir:           t.TempDir(),
			PublicURL:     "/files",
			MaxUploadSize: 1 << 20,
			ThumbnailSize: 64,
		},
		RateLimit: config.RateLimitConfig{SendPerMinute: sendPerMinute, FramesPerSec: 50, FrameBurst: 50},
	}

	store, err := blob.NewLocalStore(cfg.Blob.Dir, cfg.Blob.PublicURL, cfg.Blob.MaxUploadSize, cfg.Blob.ThumbnailSize, log)
	require.NoError(t, err)

	repos := repository.NewRepositories(db, rdb, log)
	services := service.NewServices(repos, store, realtime.NewHub(64, log), cfg, log)
	for _, w := range wrap {
		services.Chat = w(services.Chat)
	}
	checks := map[string]func(context.Context) error{
		"database": func(ctx context.Context) error { return db.SQL().PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}

	router := NewRouter(
		NewHandlers(services, checks, cfg, log),
		middleware.NewAuthMiddleware(testSecret, "crm", services.Directory, log),
		middleware.NewRateLimitMiddleware(services.RateLimit, log),
		cfg,
		log,
	)
	return &testServer{router: router, cfg: cfg}
}

// login issues a token and registers the user through an authenticated call.
func (s *testServer) login(t *testing.T, name string) testUser {
	t.Helper()
	id := uuid.New()
	token, err := jwt.GenerateAccessToken(id, strings.ToLower(name)+"@crm.local", name, testSecret, "crm", time.Hour)
	require.NoError(t, err)
	u := testUser{id: id, token: token}
	w := s.do(t, u, http.MethodGet, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	return u
}

func (s *testServer) do(t *testing.T, u testUser, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(raw))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if u.token != "" {
		r.Header.Set("Authorization", "Bearer "+u.token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestDirectRoomConversation(t *testing.T) {
	s := newTestServer(t, 0)
	alice, bob := s.login(t, "Alice"), s.login(t, "Bob")

	w := s.do(t, alice, http.MethodPost, "/api/v1/rooms/direct", gin.H{"user_id": bob.id})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var room domain.RoomSummary
	decode(t, w, &room)
	assert.Equal(t, domain.RoomKindDirect, room.Kind)

	w = s.do(t, bob, http.MethodPost, "/api/v1/rooms/direct", gin.H{"user_id": alice.id})
	require.Equal(t, http.StatusOK, w.Code)

	base := "/api/v1/rooms/" + room.ID.String()
	w = s.do(t, alice, http.MethodPost, base+"/messages", gin.H{"content": "Hi Bob, the contract is ready"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent service.SendResult
	decode(t, w, &sent)
	require.NotNil(t, sent.Message)
	msgPath := "/api/v1/messages/" + sent.Message.ID.String()

	w = s.do(t, bob, http.MethodGet, base+"/unread", nil)
	assert.JSONEq(t, `{"unread_count":1}`, w.Body.String())

	w = s.do(t, bob, http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, bob, http.MethodGet, base+"/unread", nil)
	assert.JSONEq(t, `{"unread_count":0}`, w.Body.String())

	w = s.do(t, bob, http.MethodPatch, msgPath, gin.H{"content": "not mine"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, alice, http.MethodPatch, msgPath, gin.H{"content": "Hi Bob, contract v2 is ready"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, bob, http.MethodPost, msgPath+"/reactions", gin.H{"emoji": "👍"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, alice, http.MethodGet, msgPath+"/reactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Reactions []domain.ReactionGroup `json:"reactions"`
	}
	decode(t, w, &listed)
	require.Len(t, listed.Reactions, 1)
	assert.Equal(t, 1, listed.Reactions[0].Count)
	assert.False(t, listed.Reactions[0].ReactedByMe)

	w = s.do(t, alice, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page domain.MessagePage
	decode(t, w, &page)
	require.Len(t, page.Messages, 1)
	got := page.Messages[0]
	assert.True(t, got.IsEdited)
	require.NotNil(t, got.IsRead)
	assert.True(t, *got.IsRead)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, 1, got.Reactions[0].Count)

	w = s.do(t, alice, http.MethodDelete, msgPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, alice, http.MethodDelete, msgPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, alice, http.MethodPatch, msgPath, gin.H{"content": "back"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, bob, http.MethodGet, "/api/v1/rooms?q=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Rooms []domain.RoomSummary `json:"rooms"`
	}
	decode(t, w, &list)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, room.ID, list.Rooms[0].ID)
}

func TestGroupLifecycle(t *testing.T) {
	s := newTestServer(t, 0)
	alice, bob, carol := s.login(t, "Alice"), s.login(t, "Bob"), s.login(t, "Carol")

	w := s.do(t, alice, http.MethodPost, "/api/v1/rooms", gin.H{"name": "Renewals", "member_ids": []uuid.UUID{bob.id}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var room domain.RoomSummary
	decode(t, w, &room)
	base := "/api/v1/rooms/" + room.ID.String()

	w = s.do(t, carol, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, bob, http.MethodPatch, base, gin.H{"name": "Mine"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, bob, http.MethodPost, base+"/participants", gin.H{"user_ids": []uuid.UUID{carol.id}})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, carol, http.MethodPatch, base+"/settings", gin.H{"notification_setting": "mentions", "is_pinned": true})
	require.Equal(t, http.StatusOK, w.Code)
	var me domain.Participant
	decode(t, w, &me)
	assert.Equal(t, domain.NotifyMentions, me.NotificationSetting)
	assert.True(t, me.IsPinned)

	w = s.do(t, carol, http.MethodPost, base+"/typing", gin.H{"is_typing": true})
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, bob, http.MethodGet, base+"/typing", nil)
	assert.JSONEq(t, `{"user_ids":["`+carol.id.String()+`"]}`, w.Body.String())

	w = s.do(t, alice, http.MethodGet, base+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Entries []domain.AuditLog `json:"entries"`
	}
	decode(t, w, &audit)
	assert.NotEmpty(t, audit.Entries)
	w = s.do(t, bob, http.MethodGet, base+"/audit", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, alice, http.MethodPost, base+"/leave", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, alice, http.MethodPost, base+"/leave", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSendWithAttachment(t *testing.T) {
	s := newTestServer(t, 0)
	alice, bob := s.login(t, "Alice"), s.login(t, "Bob")

	w := s.do(t, alice, http.MethodPost, "/api/v1/rooms", gin.H{"name": "Docs", "member_ids": []uuid.UUID{bob.id}})
	require.Equal(t, http.StatusCreated, w.Code)
	var room domain.RoomSummary
	decode(t, w, &room)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("content", "signed copy"))
	fw, err := mw.CreateFormFile("files", "signed.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("signed by both parties"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/rooms/"+room.ID.String()+"/messages", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r.Header.Set("Authorization", "Bearer "+alice.token)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res service.SendResult
	decode(t, w, &res)
	assert.Empty(t, res.FailedUploads)
	require.Len(t, res.Message.Files, 1)
	file := res.Message.Files[0]
	assert.Equal(t, "signed.txt", file.FileName)

	w = s.do(t, bob, http.MethodGet, file.URL, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "signed by both parties", w.Body.String())
}

func TestErrorResponses(t *testing.T) {
	s := newTestServer(t, 0)
	alice, bob := s.login(t, "Alice"), s.login(t, "Bob")

	w := s.do(t, testUser{}, http.MethodGet, "/api/v1/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, alice, http.MethodGet, "/api/v1/rooms/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, alice, http.MethodGet, "/api/v1/rooms/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, alice, http.MethodPost, "/api/v1/rooms/direct", gin.H{"user_id": alice.id})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, alice, http.MethodPost, "/api/v1/rooms/direct", gin.H{"user_id": bob.id})
	var room domain.RoomSummary
	decode(t, w, &room)

	w = s.do(t, alice, http.MethodGet, "/api/v1/rooms/"+room.ID.String()+"/messages?before=not-a-cursor", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, alice, http.MethodPost, "/api/v1/rooms/"+room.ID.String()+"/participants", gin.H{"user_ids": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, alice, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, alice, http.MethodGet, "/ready", nil)
	assert.JSONEq(t, `{"database":"ok","redis":"ok"}`, w.Body.String())
}

func TestSendIsRateLimited(t *testing.T) {
	s := newTestServer(t, 2)
	alice, bob := s.login(t, "Alice"), s.login(t, "Bob")

	w := s.do(t, alice, http.MethodPost, "/api/v1/rooms/direct", gin.H{"user_id": bob.id})
	var room domain.RoomSummary
	decode(t, w, &room)

	path := "/api/v1/rooms/" + room.ID.String() + "/messages"
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(t, alice, http.MethodPost, path, gin.H{"content": "spam"}).Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	w = s.do(t, bob, http.MethodPost, path, gin.H{"content": "not spam"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestWebSocketSession(t *testing.T) {
	s := newTestServer(t, 0)
	alice, bob := s.login(t, "Alice"), s.login(t, "Bob")

	w := s.do(t, alice, http.MethodPost, "/api/v1/rooms/direct", gin.H{"user_id": bob.id})
	var room domain.RoomSummary
	decode(t, w, &room)
	s.do(t, bob, http.MethodPost, "/api/v1/rooms/"+room.ID.String()+"/messages", gin.H{"content": "earlier"})

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + room.ID.String() + "?access_token=" + alice.token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap struct {
		Type string `json:"type"`
		Data struct {
			Messages []domain.MessageView `json:"messages"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, frameSnapshot, snap.Type)
	require.Len(t, snap.Data.Messages, 1)
	assert.Equal(t, "earlier", *snap.Data.Messages[0].Content)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameSend, RequestID: "r1", LocalID: "l1", Content: "over the socket"}))
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "bogus", RequestID: "r2"}))

	var sawAck, sawEvent, sawError bool
	for !(sawAck && sawEvent && sawError) {
		var f serverFrame
		require.NoError(t, conn.ReadJSON(&f))
		switch f.Type {
		case frameAck:
			assert.Equal(t, "r1", f.RequestID)
			assert.Equal(t, "l1", f.LocalID)
			sawAck = true
		case frameEvent:
			if f.Event.Type == domain.EventMessageCreated {
				sawEvent = true
			}
		case frameError:
			assert.Equal(t, "r2", f.RequestID)
			assert.Equal(t, http.StatusBadRequest, f.Code)
			sawError = true
		}
	}

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/rooms/"+room.ID.String(), nil)
	assert.Error(t, err)
}

// slowSend holds every Send until release is closed.
type slowSend struct {
	service.ChatService
	entered chan struct{}
	release chan struct{}
}

func (c *slowSend) Send(ctx context.Context, in service.SendInput, uploads ...service.UploadInput) (*service.SendResult, error) {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.release
	return c.ChatService.Send(ctx, in, uploads...)
}

func TestWebSocketTypingNotBlockedBySend(t *testing.T) {
	slow := &slowSend{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestServer(t, 0, func(chat service.ChatService) service.ChatService {
		slow.ChatService = chat
		return slow
	})
	alice, bob := s.login(t, "Alice"), s.login(t, "Bob")

	w := s.do(t, alice, http.MethodPost, "/api/v1/rooms/direct", gin.H{"user_id": bob.id})
	var room domain.RoomSummary
	decode(t, w, &room)

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + room.ID.String() + "?access_token=" + alice.token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap serverFrame
	require.NoError(t, conn.ReadJSON(&snap))
	require.Equal(t, frameSnapshot, snap.Type)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameSend, RequestID: "send", LocalID: "l1", Content: "slow one"}))
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the chat service")
	}
	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameTyping, RequestID: "typing", IsTyping: true}))

	// the typing ack must arrive while the send is still held
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f serverFrame
		require.NoError(t, conn.ReadJSON(&f))
		require.NotEqual(t, "send", f.RequestID, "send finished before release")
		if f.Type == frameAck && f.RequestID == "typing" {
			break
		}
	}

	close(slow.release)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f serverFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.RequestID == "send" {
			assert.Equal(t, frameAck, f.Type)
			assert.Equal(t, "l1", f.LocalID)
			break
		}
	}
}
