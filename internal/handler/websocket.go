package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"crm_chat/internal/config"
	"crm_chat/internal/domain"
	"crm_chat/internal/metrics"
	"crm_chat/internal/middleware"
	"crm_chat/internal/service"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
	maxFrameSize = 64 << 10
	maxInFlight  = 8
)

const (
	frameSend      = "send"
	frameEdit      = "edit"
	frameDelete    = "delete"
	frameReact     = "react"
	frameTyping    = "typing"
	frameRead      = "read"
	frameLoadOlder = "load_older"

	frameSnapshot = "snapshot"
	frameEvent    = "event"
	frameAck      = "ack"
	frameError    = "error"
)

// clientFrame is a command sent by the browser over the room socket.
type clientFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	LocalID   string      `json:"local_id,omitempty"`
	MessageID *uuid.UUID  `json:"message_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	ReplyToID *uuid.UUID  `json:"reply_to_id,omitempty"`
	FileIDs   []uuid.UUID `json:"file_ids,omitempty"`
	Emoji     string      `json:"emoji,omitempty"`
	IsTyping  bool        `json:"is_typing,omitempty"`
}

type serverFrame struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	LocalID   string        `json:"local_id,omitempty"`
	Event     *domain.Event `json:"event,omitempty"`
	Data      interface{}   `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      int           `json:"code,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

type snapshot struct {
	Messages []domain.MessageView `json:"messages"`
	HasMore  bool                 `json:"has_more"`
}

type WebSocketHandler struct {
	chatService service.ChatService
	upgrader    websocket.Upgrader
	opts        service.SessionOptions
	frameRate   rate.Limit
	frameBurst  int
	log         logger.Logger
}

func NewWebSocketHandler(chatService service.ChatService, cfg *config.Config, log logger.Logger) *WebSocketHandler {
	origins := make(map[string]struct{}, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		origins[o] = struct{}{}
	}
	_, allowAll := origins["*"]

	return &WebSocketHandler{
		chatService: chatService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowAll {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		opts: service.SessionOptions{
			PageSize:     cfg.Chat.PageSize,
			ReadDebounce: cfg.Chat.ReadDebounce,
			EventBuffer:  cfg.Chat.EventBuffer,
		},
		frameRate:  rate.Limit(cfg.RateLimit.FramesPerSec),
		frameBurst: cfg.RateLimit.FrameBurst,
		log:        log,
	}
}

// HandleRoom opens a chat session for the caller and serves it over a
// websocket until either side goes away or the caller leaves the room.
func (h *WebSocketHandler) HandleRoom(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)

	session, err := service.OpenSession(c.Request.Context(), h.chatService, roomID, userID, h.opts, h.log)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer session.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "error", err, "room_id", roomID)
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if h.frameRate > 0 {
		limiter = rate.NewLimiter(h.frameRate, h.frameBurst)
	}

	cl := &wsClient{
		conn:    conn,
		session: session,
		userID:  userID,
		out:     make(chan serverFrame, 32),
		slots:   make(chan struct{}, maxInFlight),
		limiter: limiter,
		log:     h.log.With("room_id", roomID, "user_id", userID),
	}
	cl.serve(context.Background())
}

type wsClient struct {
	conn    *websocket.Conn
	session *service.Session
	userID  uuid.UUID
	out     chan serverFrame
	slots   chan struct{}
	wg      sync.WaitGroup
	limiter *rate.Limiter
	log     logger.Logger
}

func (cl *wsClient) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := cl.session.Subscribe()
	defer unsubscribe()

	// the snapshot goes out before any event so clients can apply events on top of it
	if err := cl.write(serverFrame{Type: frameSnapshot, Data: cl.snapshot()}); err != nil {
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		cl.writeLoop(ctx, events)
	}()

	cl.readLoop(ctx)
	// in-flight operations still get their replies while the writer is up
	cl.wg.Wait()
	cancel()
	<-writerDone
}

func (cl *wsClient) snapshot() snapshot {
	return snapshot{Messages: cl.session.Messages(), HasMore: cl.session.HasMore()}
}

func (cl *wsClient) readLoop(ctx context.Context) {
	cl.conn.SetReadLimit(maxFrameSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Debug("Websocket closed", "error", err)
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			cl.push(ctx, errorFrame("", apperrors.Validation("malformed frame")))
			continue
		}
		if !cl.limiter.Allow() {
			cl.push(ctx, errorFrame(f.RequestID, apperrors.ErrRateLimited))
			continue
		}
		cl.dispatch(ctx, f)
	}
}

// dispatch runs slow frames on their own goroutine so a pending send never
// holds up typing or read frames. Typing and read stay inline to keep their order.
func (cl *wsClient) dispatch(ctx context.Context, f clientFrame) {
	switch f.Type {
	case frameTyping, frameRead:
		cl.push(ctx, cl.handle(ctx, f))
		return
	}

	select {
	case cl.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	cl.wg.Add(1)
	go func() {
		defer cl.wg.Done()
		defer func() { <-cl.slots }()
		cl.push(ctx, cl.handle(ctx, f))
	}()
}

func (cl *wsClient) handle(ctx context.Context, f clientFrame) serverFrame {
	var data interface{}
	var err error

	switch f.Type {
	case frameSend:
		data, err = cl.session.Send(ctx, f.LocalID, f.Content, f.ReplyToID, f.FileIDs)
	case frameEdit, frameDelete, frameReact:
		if f.MessageID == nil {
			return errorFrame(f.RequestID, apperrors.Validation("message_id is required"))
		}
		switch f.Type {
		case frameEdit:
			data, err = cl.session.Edit(ctx, *f.MessageID, f.Content)
		case frameDelete:
			data, err = cl.session.Delete(ctx, *f.MessageID)
		default:
			data, err = cl.session.React(ctx, *f.MessageID, f.Emoji)
		}
	case frameTyping:
		err = cl.session.SetTyping(ctx, f.IsTyping)
	case frameRead:
		cl.session.MarkRead()
	case frameLoadOlder:
		if _, err = cl.session.LoadOlder(ctx); err == nil {
			data = cl.snapshot()
		}
	default:
		return errorFrame(f.RequestID, apperrors.Validation("unknown frame type %q", f.Type))
	}

	if err != nil {
		ef := errorFrame(f.RequestID, err)
		ef.LocalID = f.LocalID
		return ef
	}
	return serverFrame{Type: frameAck, RequestID: f.RequestID, LocalID: f.LocalID, Data: data}
}

func (cl *wsClient) push(ctx context.Context, f serverFrame) {
	select {
	case cl.out <- f:
	case <-ctx.Done():
	}
}

// writeLoop is the only writer after the snapshot. It ends the connection
// when the caller leaves the room.
func (cl *wsClient) writeLoop(ctx context.Context, events <-chan domain.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer cl.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-cl.out:
			if err := cl.write(f); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := cl.write(serverFrame{Type: frameEvent, Event: &ev}); err != nil {
				return
			}
			if ev.Type == domain.EventParticipantLeft && ev.ActorID != nil && *ev.ActorID == cl.userID {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "left room")
				_ = cl.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (cl *wsClient) write(f serverFrame) error {
	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cl.conn.WriteJSON(f); err != nil {
		cl.log.Debug("Failed to write frame", "error", err, "type", f.Type)
		return err
	}
	return nil
}

func errorFrame(requestID string, err error) serverFrame {
	return serverFrame{
		Type:      frameError,
		RequestID: requestID,
		Error:     err.Error(),
		Code:      apperrors.HTTPStatusFromError(err),
		Retryable: apperrors.Retryable(err),
	}
}
