package http

import (
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/config"
	"github.com/vovakirdan/silent-relay/internal/core"
	"github.com/vovakirdan/silent-relay/internal/license"
	"github.com/vovakirdan/silent-relay/internal/metrics"
	"github.com/vovakirdan/silent-relay/internal/proto"
	"github.com/vovakirdan/silent-relay/internal/store/sqlite"
)

type testEnv struct {
	ts       *httptest.Server
	hub      *core.Hub
	licenses *license.Service
	store    *sqlite.SQLiteStore
	cfg      config.Config
	server   *Server
	// stop cancels the session base context, as app shutdown does.
	stop context.CancelFunc
}

// startTestServer wires the relay the way app.New does, on an in-memory store.
func startTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Relay.PingInterval = time.Minute
	cfg.Relay.PongTimeout = time.Minute
	cfg.Relay.RatePerSecond = 1000
	cfg.Relay.RateBurst = 1000
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	logger := zerolog.Nop()
	svc := license.NewService(st, cfg.License.TrialDuration, nil, &logger)
	var gate core.LicenseGate
	if cfg.License.Enforce {
		gate = license.NewGate(st, nil, &logger)
	}
	m := metrics.New()
	hub := core.NewHub(cfg.CoreOptions(), gate, m, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, &cfg, hub, svc, m.Handler(), &logger)
	ts := httptest.NewServer(srv.HTTP.Handler)
	t.Cleanup(func() {
		cancel()
		ts.Close()
		st.Close()
	})

	return &testEnv{ts: ts, hub: hub, licenses: svc, store: st, cfg: cfg, server: srv, stop: cancel}
}

func (e *testEnv) wsURL(path string) string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + path
}

type clientFrame struct {
	typ  websocket.MessageType
	data []byte
}

// wsClient reads in the background, answers server probes, and queues other frames.
type wsClient struct {
	conn    *websocket.Conn
	frames  chan clientFrame
	readErr chan error
}

func dialClient(t *testing.T, ctx context.Context, url string, header stdhttp.Header) *wsClient {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	c := &wsClient{conn: conn, frames: make(chan clientFrame, 64), readErr: make(chan error, 1)}
	go c.readLoop(ctx)
	return c
}

func (c *wsClient) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.readErr <- err
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if typ == websocket.MessageText && json.Unmarshal(data, &env) == nil && env.Type == proto.TypePing {
			_ = c.conn.Write(ctx, websocket.MessageText, proto.Pong(0))
			continue
		}
		c.frames <- clientFrame{typ: typ, data: data}
	}
}

func presenceCount(fr clientFrame) (int, bool) {
	var p proto.Presence
	if fr.typ != websocket.MessageText || json.Unmarshal(fr.data, &p) != nil || p.Type != proto.TypePresence {
		return 0, false
	}
	return p.Count, true
}

// next returns the next frame that is not a presence notice.
func (c *wsClient) next(t *testing.T) clientFrame {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case fr := <-c.frames:
			if _, ok := presenceCount(fr); ok {
				continue
			}
			return fr
		case err := <-c.readErr:
			t.Fatalf("connection ended while waiting for a frame: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for a frame")
		}
	}
}

// waitPresence consumes frames until a presence notice with count arrives.
func (c *wsClient) waitPresence(t *testing.T, count int) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case fr := <-c.frames:
			if n, ok := presenceCount(fr); ok && n == count {
				return
			}
		case err := <-c.readErr:
			t.Fatalf("connection ended while waiting for presence %d: %v", count, err)
		case <-deadline:
			t.Fatalf("timed out waiting for presence %d", count)
		}
	}
}

// expectNone fails if a non-presence frame arrives within d.
func (c *wsClient) expectNone(t *testing.T, d time.Duration) {
	t.Helper()

	deadline := time.After(d)
	for {
		select {
		case fr := <-c.frames:
			if _, ok := presenceCount(fr); ok {
				continue
			}
			t.Fatalf("unexpected frame: %q", fr.data)
		case <-deadline:
			return
		}
	}
}

// closeStatus waits for the connection to end and returns the close status.
func (c *wsClient) closeStatus(t *testing.T) websocket.StatusCode {
	t.Helper()

	select {
	case err := <-c.readErr:
		return websocket.CloseStatus(err)
	case <-time.After(3 * time.Second):
		t.Fatalf("connection was not closed")
		return 0
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
