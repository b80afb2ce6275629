package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/core"
)

const installIDHeader = "X-Install-ID"

// WSOptions configures the websocket handshake.
type WSOptions struct {
	// AllowedOrigins restricts the Origin header when non-empty.
	AllowedOrigins []string
	// MaxMessageBytes is the relay frame limit; the transport reads one byte past it.
	MaxMessageBytes int64
}

// WSHandler upgrades HTTP connections and hands them to the hub.
type WSHandler struct {
	base    context.Context
	hub     *core.Hub
	origins map[string]struct{}
	limit   int64
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWSHandler builds a new WebSocket handler. Cancelling base stops accepting
// sessions and closes the live ones with going-away.
func NewWSHandler(base context.Context, hub *core.Hub, opts WSOptions, logger *zerolog.Logger) *WSHandler {
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = struct{}{}
	}
	context.AfterFunc(base, hub.Shutdown)
	return &WSHandler{
		base:    base,
		hub:     hub,
		origins: origins,
		limit:   opts.MaxMessageBytes,
		log:     logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP serves GET /ws/{room} and GET /ws?room=.
func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	room := strings.TrimSpace(r.PathValue("room"))
	if room == "" {
		room = strings.TrimSpace(r.URL.Query().Get("room"))
	}
	if room == "" {
		writeError(w, stdhttp.StatusBadRequest, "room is required")
		return
	}

	if len(h.origins) > 0 {
		if _, ok := h.origins[r.Header.Get("Origin")]; !ok {
			h.log.Debug().Str("room", room).Msg("origin rejected")
			writeError(w, stdhttp.StatusForbidden, "origin not allowed")
			return
		}
	}

	installID := r.URL.Query().Get("install_id")
	if installID == "" {
		installID = r.Header.Get(installIDHeader)
	}

	if !h.begin() {
		writeError(w, stdhttp.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer h.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is checked above against the configured allow-list.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("ws accept error")
		return
	}
	if h.limit > 0 {
		conn.SetReadLimit(h.limit + 1)
	} else {
		conn.SetReadLimit(-1)
	}

	client := h.hub.NewConn(room, installID, &wsTransport{conn: conn})
	reason := h.hub.Serve(r.Context(), client)
	h.log.Debug().Str("conn_id", client.ID).Str("room", room).Str("reason", string(reason)).Msg("ws connection closed")
}

// begin registers a new session unless the handler is shutting down.
func (h *WSHandler) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.base.Err() != nil {
		return false
	}
	h.wg.Add(1)
	return true
}

// Wait stops accepting sessions and blocks until every running one has returned.
func (h *WSHandler) Wait() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.wg.Wait()
}

func writeError(w stdhttp.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// wsTransport adapts a websocket connection to core.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) (core.MessageKind, []byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return 0, nil, readError(err)
	}
	if typ == websocket.MessageBinary {
		return core.MessageBinary, data, nil
	}
	return core.MessageText, data, nil
}

func (t *wsTransport) Write(ctx context.Context, kind core.MessageKind, payload []byte) error {
	typ := websocket.MessageText
	if kind == core.MessageBinary {
		typ = websocket.MessageBinary
	}
	return t.conn.Write(ctx, typ, payload)
}

func (t *wsTransport) Close(code core.CloseCode, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

func (t *wsTransport) CloseNow() error {
	return t.conn.CloseNow()
}

// readError maps library read failures onto the core sentinels.
func readError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("%w: %w", core.ErrClosedByPeer, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", core.ErrClosedByPeer, err)
	}
	// The library reports its own read limit only through the message text.
	if strings.Contains(err.Error(), "read limited at") {
		return fmt.Errorf("%w: %w", core.ErrMessageTooBig, err)
	}
	return err
}
