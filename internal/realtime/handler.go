package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/angelmondragon/mediasearch-backend/pkg/auth"
	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

// UploadOwnership resolves an upload scoped to its owner.
type UploadOwnership interface {
	FindByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Upload, error)
}

type HandlerParams struct {
	Manager   *Manager
	Uploads   UploadOwnership
	JWT       config.JWTConfig
	WebSocket config.WebSocketConfig
	Logger    *logger.Logger
}

// Handler upgrades /ws/uploads requests and runs the per-connection protocol.
type Handler struct {
	manager  *Manager
	uploads  UploadOwnership
	jwt      config.JWTConfig
	cfg      config.WebSocketConfig
	logg     *logger.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		manager: p.Manager,
		uploads: p.Uploads,
		jwt:     p.JWT,
		cfg:     p.WebSocket,
		logg:    p.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logg.Warn(h.logg.WithField(r.Context(), "error", err.Error()), "ws.upgrade_failed")
		return
	}
	if h.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(h.cfg.ReadLimitBytes)
	}

	ctx := r.Context()
	userID, ok := h.authenticate(ctx, conn)
	if !ok {
		return
	}
	ctx = h.logg.WithUserID(ctx, userID.String())

	c := newClient(conn, h.cfg.SendBuffer, h.cfg.WriteWait)
	if payload, err := Encode(AuthSuccess{UserID: userID, Timestamp: h.now().UTC()}); err == nil {
		_ = c.Send(payload)
	}
	h.manager.Connect(userID, c)
	h.logg.Info(ctx, "ws.connected")

	go c.writePump(h.cfg.HeartbeatInterval, h.now)
	h.readLoop(ctx, userID, c)

	h.manager.Disconnect(userID, c)
	_ = c.Close(CloseNormal, "")
	<-c.stopped
	h.logg.Info(ctx, "ws.disconnected")
}

// authenticate waits for the auth frame and closes the connection with the
// matching code when it is missing or invalid.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (uuid.UUID, bool) {
	_ = conn.SetReadDeadline(h.now().Add(h.cfg.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			h.closeWith(conn, CloseAuthTimeout, "Authentication timeout")
			return uuid.Nil, false
		}
		_ = conn.Close()
		return uuid.Nil, false
	}

	msg, err := DecodeClientMessage(data)
	if err != nil {
		h.closeWith(conn, CloseInvalidFormat, "Invalid message format")
		return uuid.Nil, false
	}
	if msg.Type != ClientAuth {
		h.closeWith(conn, CloseAuthRequired, "Authentication required")
		return uuid.Nil, false
	}

	claims, err := auth.ParseAccessToken(h.jwt, msg.Token)
	if err != nil {
		h.logg.Warn(h.logg.WithField(ctx, "error", err.Error()), "ws.auth.invalid_token")
		if payload, encErr := Encode(AuthError{Message: "Invalid token", Timestamp: h.now().UTC()}); encErr == nil {
			_ = conn.SetWriteDeadline(h.now().Add(h.cfg.WriteWait))
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}
		h.closeWith(conn, CloseInvalidToken, "Invalid token")
		return uuid.Nil, false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return claims.UserID, true
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := h.now().Add(h.cfg.WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func (h *Handler) readLoop(ctx context.Context, userID uuid.UUID, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				h.logg.Debug(h.logg.WithField(ctx, "error", err.Error()), "ws.read_failed")
			}
			return
		}

		msg, err := DecodeClientMessage(data)
		if err != nil {
			h.logg.Warn(h.logg.WithField(ctx, "error", err.Error()), "ws.message.invalid")
			if payload, encErr := Encode(AuthError{Message: err.Error(), Timestamp: h.now().UTC()}); encErr == nil {
				_ = c.Send(payload)
			}
			continue
		}

		switch msg.Type {
		case ClientSubscribeUpload:
			h.subscribe(ctx, userID, msg.UploadID)
		case ClientUnsubscribeUpload:
			h.manager.UnsubscribeUpload(userID, msg.UploadID)
		case ClientPong, ClientPing, ClientAuth:
		}
	}
}

func (h *Handler) subscribe(ctx context.Context, userID, uploadID uuid.UUID) {
	ctx = h.logg.WithUploadID(ctx, uploadID.String())
	if h.uploads == nil {
		h.manager.SubscribeUpload(userID, uploadID)
		return
	}
	if _, err := h.uploads.FindByIDForUser(ctx, uploadID, userID); err != nil {
		h.logg.Warn(h.logg.WithField(ctx, "error", err.Error()), "ws.subscribe.denied")
		return
	}
	h.manager.SubscribeUpload(userID, uploadID)
}

// client implements Conn over a gorilla connection. Only writePump writes to
// the socket once the client is registered.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	writeWait time.Duration

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, buffer int, writeWait time.Duration) *client {
	if buffer <= 0 {
		buffer = 64
	}
	return &client{
		conn:      conn,
		send:      make(chan []byte, buffer),
		writeWait: writeWait,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		closeCode: CloseNormal,
	}
}

func (c *client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		return errSendBufferFull
	}
}

func (c *client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *client) writePump(heartbeat time.Duration, now func() time.Time) {
	defer close(c.stopped)
	defer c.conn.Close()

	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload, now); err != nil {
				_ = c.Close(CloseNormal, "")
				return
			}
		case <-ticker.C:
			payload, err := Encode(Ping{Timestamp: now().UTC()})
			if err != nil {
				continue
			}
			if err := c.write(payload, now); err != nil {
				_ = c.Close(CloseNormal, "")
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), now().Add(c.writeWait))
			return
		}
	}
}

func (c *client) write(payload []byte, now func() time.Time) error {
	_ = c.conn.SetWriteDeadline(now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
