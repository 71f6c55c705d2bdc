package hub

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/careline-hub/internal/identity"
)

// Options tunes the WebSocket transport.
type Options struct {
	AllowedOrigins []string
	IsDev          bool
	SendQueueSize  int
	ReadLimit      int64
	PingInterval   time.Duration
}

// WebSocketHandler upgrades authenticated requests and runs one connection
// per request until the socket closes.
type WebSocketHandler struct {
	sup        *Supervisor
	dispatcher *Dispatcher
	opts       Options
	logger     *slog.Logger
}

// NewWebSocketHandler creates the /ws handler. It expects identity.Middleware
// in front of it.
func NewWebSocketHandler(sup *Supervisor, dispatcher *Dispatcher, opts Options, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 128
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	return &WebSocketHandler{
		sup:        sup,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.logger.Info("WebSocket connection request", "user_id", id.UserID, "role", id.Role, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checked above
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", id.UserID)
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cl := newClient(ws, h.opts.SendQueueSize, h.logger.With("user_id", id.UserID))
	conn := h.sup.Connect(ctx, id, cl)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		cl.writeLoop(ctx, h.opts.PingInterval)
	}()

	h.readLoop(ctx, ws, func(data []byte) {
		h.dispatcher.Dispatch(ctx, conn, data)
	}, id.UserID)

	// Teardown runs with a fresh context: the request context may already be gone.
	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.sup.Disconnect(teardownCtx, conn)
	teardownCancel()

	cl.Close("connection closed")
	<-writerDone
	h.logger.Info("WebSocket session ended", "user_id", id.UserID, "conn_id", conn.ID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, handle func([]byte), userID string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}
		if typ != websocket.MessageText {
			h.logger.Debug("Ignoring binary frame", "user_id", userID)
			continue
		}
		handle(data)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if u, err := url.Parse(origin); err == nil && u.Host == allowed {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigins)
	return false
}
