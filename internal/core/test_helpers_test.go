package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vovakirdan/silent-relay/internal/proto"
)

var errFakeClosed = errors.New("fake transport closed")

type fakeFrame struct {
	kind MessageKind
	data []byte
}

// fakeTransport is an in-memory Transport. Frames pushed with deliver are
// returned by Read; frames written by the relay land on written.
type fakeTransport struct {
	inbound    chan fakeFrame
	written    chan fakeFrame
	closed     chan struct{}
	peerClosed chan struct{}

	stalled    atomic.Bool
	closeOnce  sync.Once
	peerOnce   sync.Once
	closeCalls atomic.Int32
	closeCode  atomic.Int32
	dropped    atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:    make(chan fakeFrame, 64),
		written:    make(chan fakeFrame, 256),
		closed:     make(chan struct{}),
		peerClosed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) (MessageKind, []byte, error) {
	select {
	case fr := <-f.inbound:
		return fr.kind, fr.data, nil
	case <-f.peerClosed:
		return 0, nil, fmt.Errorf("fake read: %w", ErrClosedByPeer)
	case <-f.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, kind MessageKind, payload []byte) error {
	if f.stalled.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return errFakeClosed
		}
	}
	select {
	case f.written <- fakeFrame{kind: kind, data: payload}:
		return nil
	case <-f.closed:
		return errFakeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close(code CloseCode, _ string) error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() {
		f.closeCode.Store(int32(code))
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) CloseNow() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() {
		f.dropped.Store(true)
		close(f.closed)
	})
	return nil
}

// deliver simulates the client sending a frame.
func (f *fakeTransport) deliver(kind MessageKind, data []byte) {
	f.inbound <- fakeFrame{kind: kind, data: data}
}

// hangUp simulates a clean close from the client.
func (f *fakeTransport) hangUp() {
	f.peerOnce.Do(func() { close(f.peerClosed) })
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type envelope struct {
	Type  string       `json:"type"`
	Count int          `json:"count"`
	From  string       `json:"from"`
	Error *proto.Error `json:"error"`
}

func decodeEnvelope(fr fakeFrame) (envelope, bool) {
	var env envelope
	if fr.kind != MessageText || json.Unmarshal(fr.data, &env) != nil {
		return envelope{}, false
	}
	return env, true
}

func isControl(fr fakeFrame) bool {
	env, ok := decodeEnvelope(fr)
	return ok && (env.Type == proto.TypePresence || env.Type == proto.TypePing)
}

// mustWrite waits for the next frame written to ft, skipping presence and probes.
func mustWrite(t *testing.T, ft *fakeTransport) fakeFrame {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-ft.written:
			if isControl(fr) {
				continue
			}
			return fr
		case <-deadline:
			t.Fatalf("expected a relayed frame, got none")
			return fakeFrame{}
		}
	}
}

// mustPresence waits for a presence notice with the given count.
func mustPresence(t *testing.T, ft *fakeTransport, count int) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-ft.written:
			if env, ok := decodeEnvelope(fr); ok && env.Type == proto.TypePresence && env.Count == count {
				return
			}
		case <-deadline:
			t.Fatalf("expected presence with count %d", count)
			return
		}
	}
}

// expectSilence fails if a non-control frame is written to ft within d.
func expectSilence(t *testing.T, ft *fakeTransport, d time.Duration) {
	t.Helper()

	deadline := time.After(d)
	for {
		select {
		case fr := <-ft.written:
			if isControl(fr) {
				continue
			}
			t.Fatalf("unexpected frame: kind=%v data=%q", fr.kind, fr.data)
		case <-deadline:
			return
		}
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

type runningSession struct {
	conn      *Conn
	transport *fakeTransport
	done      chan CloseReason
}

func startSession(t *testing.T, ctx context.Context, hub *Hub, room, installID string) *runningSession {
	t.Helper()

	ft := newFakeTransport()
	conn := hub.NewConn(room, installID, ft)
	rs := &runningSession{conn: conn, transport: ft, done: make(chan CloseReason, 1)}

	before := hub.Registry().Count(room)
	go func() { rs.done <- hub.Serve(ctx, conn) }()
	waitUntil(t, func() bool { return hub.Registry().Count(room) > before }, "session registered")
	return rs
}

func (rs *runningSession) wait(t *testing.T) CloseReason {
	t.Helper()
	select {
	case reason := <-rs.done:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not end", rs.conn.ID)
		return ""
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PingInterval = time.Minute
	opts.PongTimeout = time.Minute
	opts.Conn.RatePerSecond = 1000
	opts.Conn.RateBurst = 1000
	return opts
}
