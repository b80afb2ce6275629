package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/silent-relay/internal/proto"
)

type recordingMetrics struct {
	mu       sync.Mutex
	closed   map[CloseReason]int
	relayed  int
	failed   int
	denied   map[string]int
	rooms    int
	sessions int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{closed: map[CloseReason]int{}, denied: map[string]int{}}
}

func (m *recordingMetrics) SessionOpened() {
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
}

func (m *recordingMetrics) SessionClosed(reason CloseReason) {
	m.mu.Lock()
	m.sessions--
	m.closed[reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RoomsChanged(rooms int) {
	m.mu.Lock()
	m.rooms = rooms
	m.mu.Unlock()
}

func (m *recordingMetrics) MessageRelayed() {
	m.mu.Lock()
	m.relayed++
	m.mu.Unlock()
}

func (m *recordingMetrics) DeliveryFailed(n int) {
	m.mu.Lock()
	m.failed += n
	m.mu.Unlock()
}

func (m *recordingMetrics) LicenseDenied(reason string) {
	m.mu.Lock()
	m.denied[reason]++
	m.mu.Unlock()
}

func TestHubRelaysToOtherMembersOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(testOptions(), nil, nil, nil)
	x := startSession(t, ctx, hub, "r1", "")
	y := startSession(t, ctx, hub, "r1", "")
	z := startSession(t, ctx, hub, "r1", "")

	x.transport.deliver(MessageBinary, []byte{0x00, 0xFF, 0x10})

	for _, rs := range []*runningSession{y, z} {
		fr := mustWrite(t, rs.transport)
		assert.Equal(t, MessageBinary, fr.kind)
		assert.Equal(t, []byte{0x00, 0xFF, 0x10}, fr.data)
	}
	expectSilence(t, x.transport, 50*time.Millisecond)
}

func TestHubKeepsRoomsIsolated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(testOptions(), nil, nil, nil)
	a := startSession(t, ctx, hub, "one", "")
	b := startSession(t, ctx, hub, "one", "")
	c := startSession(t, ctx, hub, "two", "")

	a.transport.deliver(MessageText, []byte("for room one"))
	assert.Equal(t, "for room one", string(mustWrite(t, b.transport).data))
	expectSilence(t, c.transport, 50*time.Millisecond)
}

func TestHubEnrichesJSONObjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(testOptions(), nil, nil, nil)
	x := startSession(t, ctx, hub, "r1", "")
	y := startSession(t, ctx, hub, "r1", "")

	x.transport.deliver(MessageText, []byte(`{"type":"chat","text":"hi"}`))
	env, ok := decodeEnvelope(mustWrite(t, y.transport))
	require.True(t, ok)
	assert.Equal(t, "chat", env.Type)
	assert.Equal(t, x.conn.ID, env.From)

	x.transport.deliver(MessageText, []byte("not json"))
	assert.Equal(t, "not json", string(mustWrite(t, y.transport).data))
}

func TestHubEnrichmentCanBeDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := testOptions()
	opts.EnrichJSON = false
	hub := NewHub(opts, nil, nil, nil)
	x := startSession(t, ctx, hub, "r1", "")
	y := startSession(t, ctx, hub, "r1", "")

	x.transport.deliver(MessageText, []byte(`{"type":"chat"}`))
	assert.Equal(t, `{"type":"chat"}`, string(mustWrite(t, y.transport).data))
}

func TestHubPresenceOnJoinAndLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(testOptions(), nil, nil, nil)
	a := startSession(t, ctx, hub, "lobby", "")
	mustPresence(t, a.transport, 1)

	b := startSession(t, ctx, hub, "lobby", "")
	mustPresence(t, a.transport, 2)
	mustPresence(t, b.transport, 2)

	b.transport.hangUp()
	assert.Equal(t, ReasonClientClosed, b.wait(t))
	assert.Equal(t, int32(CloseNormal), b.transport.closeCode.Load())
	mustPresence(t, a.transport, 1)

	a.transport.hangUp()
	a.wait(t)
	assert.False(t, hub.Registry().Has("lobby"), "empty room must be removed")
}

func TestHubPresenceQueryAnswersSender(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(testOptions(), nil, nil, nil)
	x := startSession(t, ctx, hub, "r1", "")
	startSession(t, ctx, hub, "r1", "")
	mustPresence(t, x.transport, 2)

	x.transport.deliver(MessageText, []byte(`{"type":"presence"}`))
	mustPresence(t, x.transport, 2)
}

func TestHubPingIsAnsweredNotRelayed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(testOptions(), nil, nil, nil)
	x := startSession(t, ctx, hub, "r1", "")
	y := startSession(t, ctx, hub, "r1", "")

	x.transport.deliver(MessageText, []byte(`{"type":"ping","ts":1}`))
	env, ok := decodeEnvelope(mustWrite(t, x.transport))
	require.True(t, ok)
	assert.Equal(t, proto.TypePong, env.Type)

	x.transport.deliver(MessageText, []byte(`{"type":"pong"}`))
	expectSilence(t, y.transport, 50*time.Millisecond)
}

func TestHubOversizeFrameClosesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := testOptions()
	opts.MaxMessageBytes = 8
	metrics := newRecordingMetrics()
	hub := NewHub(opts, nil, metrics, nil)
	x := startSession(t, ctx, hub, "r1", "")
	y := startSession(t, ctx, hub, "r1", "")

	x.transport.deliver(MessageBinary, make([]byte, 8))
	assert.Len(t, mustWrite(t, y.transport).data, 8)

	x.transport.deliver(MessageBinary, make([]byte, 9))
	assert.Equal(t, ReasonMessageTooBig, x.wait(t))
	assert.Equal(t, int32(CloseMessageTooBig), x.transport.closeCode.Load())
	expectSilence(t, y.transport, 50*time.Millisecond)
	assert.Equal(t, 1, hub.Registry().Count("r1"))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.closed[ReasonMessageTooBig])
}

func TestHubRateLimitClosesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := testOptions()
	opts.Conn.RatePerSecond = 0.001
	opts.Conn.RateBurst = 2
	hub := NewHub(opts, nil, nil, nil)
	x := startSession(t, ctx, hub, "r1", "")
	y := startSession(t, ctx, hub, "r1", "")

	x.transport.deliver(MessageText, []byte("one"))
	x.transport.deliver(MessageText, []byte("two"))
	x.transport.deliver(MessageText, []byte("three"))

	assert.Equal(t, "one", string(mustWrite(t, y.transport).data))
	assert.Equal(t, "two", string(mustWrite(t, y.transport).data))
	assert.Equal(t, ReasonRateLimited, x.wait(t))
	assert.Equal(t, int32(CloseTryAgainLater), x.transport.closeCode.Load())
	expectSilence(t, y.transport, 50*time.Millisecond)
}

func TestHubLicenseDeniedRepliesToSenderOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gate := LicenseGateFunc(func(_ context.Context, installID string) Decision {
		if installID == "paid" {
			return Permit
		}
		return Deny(ErrCodeTrialExpired)
	})
	metrics := newRecordingMetrics()
	hub := NewHub(testOptions(), gate, metrics, nil)
	x := startSession(t, ctx, hub, "r1", "expired")
	y := startSession(t, ctx, hub, "r1", "paid")

	x.transport.deliver(MessageText, []byte(`{"type":"chat"}`))
	env, ok := decodeEnvelope(mustWrite(t, x.transport))
	require.True(t, ok)
	assert.Equal(t, proto.TypeRejected, env.Type)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeTrialExpired, env.Error.Code)
	expectSilence(t, y.transport, 50*time.Millisecond)

	// The denied connection stays open and still receives traffic.
	assert.False(t, x.transport.isClosed())
	y.transport.deliver(MessageBinary, []byte{0x01})
	assert.Equal(t, []byte{0x01}, mustWrite(t, x.transport).data)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.denied[ErrCodeTrialExpired])
}

func TestHubCachesLicenseDecision(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls atomic.Int32
	gate := LicenseGateFunc(func(context.Context, string) Decision {
		calls.Add(1)
		return Permit
	})
	opts := testOptions()
	opts.LicenseCacheTTL = time.Minute
	hub := NewHub(opts, gate, nil, nil)
	x := startSession(t, ctx, hub, "r1", "install")
	y := startSession(t, ctx, hub, "r1", "install")

	for i := 0; i < 3; i++ {
		x.transport.deliver(MessageText, []byte("m"))
		mustWrite(t, y.transport)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestHubHeartbeatEvictsSilentPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := testOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.PongTimeout = 30 * time.Millisecond
	metrics := newRecordingMetrics()
	hub := NewHub(opts, nil, metrics, nil)

	x := startSession(t, ctx, hub, "r1", "")
	y := startSession(t, ctx, hub, "r1", "")

	// x and y answer probes; z never sends anything.
	for _, rs := range []*runningSession{x, y} {
		go func(ft *fakeTransport) {
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case ft.inbound <- fakeFrame{kind: MessageText, data: []byte(`{"type":"pong"}`)}:
					default:
					}
				}
			}
		}(rs.transport)
	}
	z := startSession(t, ctx, hub, "r1", "")
	mustPresence(t, x.transport, 3)

	assert.Equal(t, ReasonHeartbeatTimeout, z.wait(t))
	assert.True(t, z.transport.dropped.Load())
	assert.Equal(t, 2, hub.Registry().Count("r1"))
	mustPresence(t, x.transport, 2)
	mustPresence(t, y.transport, 2)

	x.transport.deliver(MessageBinary, []byte{0x42})
	assert.Equal(t, []byte{0x42}, mustWrite(t, y.transport).data)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.closed[ReasonHeartbeatTimeout])
}

func TestHubEvictsUnreachablePeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := testOptions()
	opts.Presence = false
	opts.Conn.QueueSize = 1
	opts.Conn.SendTimeout = 20 * time.Millisecond
	opts.Conn.WriteTimeout = time.Minute
	metrics := newRecordingMetrics()
	hub := NewHub(opts, nil, metrics, nil)

	x := startSession(t, ctx, hub, "r1", "")
	slow := startSession(t, ctx, hub, "r1", "")
	slow.transport.stalled.Store(true)

	for i := 0; i < 4; i++ {
		x.transport.deliver(MessageText, []byte("m"))
	}

	assert.Equal(t, ReasonEvicted, slow.wait(t))
	assert.True(t, slow.transport.dropped.Load())
	assert.Equal(t, 1, hub.Registry().Count("r1"))
	assert.False(t, x.transport.isClosed())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.GreaterOrEqual(t, metrics.failed, 1)
}

func TestHubShutdownClosesWithGoingAway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(testOptions(), nil, nil, nil)
	a := startSession(t, ctx, hub, "r1", "")
	b := startSession(t, ctx, hub, "r2", "")

	cancel()
	for _, rs := range []*runningSession{a, b} {
		assert.Equal(t, ReasonShutdown, rs.wait(t))
		assert.Equal(t, int32(CloseGoingAway), rs.transport.closeCode.Load())
	}
	rooms, conns := hub.Registry().Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, conns)
}

func TestHubShutdownClosesLiveSessions(t *testing.T) {
	hub := NewHub(testOptions(), nil, nil, nil)
	a := startSession(t, context.Background(), hub, "r1", "")
	b := startSession(t, context.Background(), hub, "r1", "")
	c := startSession(t, context.Background(), hub, "r2", "")

	hub.Shutdown()
	for _, rs := range []*runningSession{a, b, c} {
		assert.Equal(t, ReasonShutdown, rs.wait(t))
		assert.Equal(t, int32(CloseGoingAway), rs.transport.closeCode.Load())
		assert.False(t, rs.transport.dropped.Load(), "shutdown must send a close frame")
	}
	rooms, conns := hub.Registry().Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, conns)

	// Later sessions are closed as soon as they join.
	ft := newFakeTransport()
	late := hub.NewConn("r1", "", ft)
	assert.Equal(t, ReasonShutdown, hub.Serve(context.Background(), late))
	assert.Equal(t, int32(CloseGoingAway), ft.closeCode.Load())
	assert.False(t, hub.Registry().Has("r1"))

	hub.Shutdown()
}
