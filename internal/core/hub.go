package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/vovakirdan/silent-relay/internal/proto"
	"github.com/vovakirdan/silent-relay/internal/utils"
)

// Options configures the relay core.
type Options struct {
	// MaxMessageBytes is the largest accepted frame. Zero disables the check.
	MaxMessageBytes int64
	Conn            ConnOptions
	PingInterval    time.Duration
	PongTimeout     time.Duration
	FanOutWorkers   int
	Presence        bool
	EnrichJSON      bool
	LicenseCacheTTL time.Duration
	Clock           clock.Clock
}

// DefaultOptions mirrors the relay defaults from config.
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes: 1 << 20,
		Conn: ConnOptions{
			RatePerSecond: 5,
			RateBurst:     20,
			SendTimeout:   2 * time.Second,
			WriteTimeout:  5 * time.Second,
			QueueSize:     64,
		},
		PingInterval:    20 * time.Second,
		PongTimeout:     20 * time.Second,
		FanOutWorkers:   defaultFanOutWorkers,
		Presence:        true,
		EnrichJSON:      true,
		LicenseCacheTTL: 30 * time.Second,
	}
}

// Hub owns the room registry and runs one session per connection.
type Hub struct {
	registry    *Registry
	broadcaster *Broadcaster
	gate        LicenseGate
	metrics     Metrics
	opts        Options
	clock       clock.Clock
	log         *zerolog.Logger
	closing     atomic.Bool
}

// NewHub builds a hub. A nil gate disables license enforcement and a nil
// metrics sink discards counters.
func NewHub(opts Options, gate LicenseGate, metrics Metrics, logger *zerolog.Logger) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Conn.Clock == nil {
		opts.Conn.Clock = opts.Clock
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	registry := NewRegistry()
	return &Hub{
		registry:    registry,
		broadcaster: NewBroadcaster(registry, opts.FanOutWorkers),
		gate:        gate,
		metrics:     metrics,
		opts:        opts,
		clock:       opts.Clock,
		log:         logger,
	}
}

// Registry exposes the room registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Rooms lists live rooms with their member counts.
func (h *Hub) Rooms() []RoomInfo {
	return h.registry.Rooms()
}

// NewConn wraps a transport in a connection with a fresh id.
func (h *Hub) NewConn(room, installID string, t Transport) *Conn {
	return NewConn(utils.NewID(), room, installID, t, h.opts.Conn)
}

// Serve runs the session for c until it ends and returns why it ended.
// The connection is always deregistered and closed on return.
func (h *Hub) Serve(ctx context.Context, c *Conn) CloseReason {
	return newSession(h, c).run(ctx)
}

// Shutdown closes every live connection with going-away. Sessions that join
// afterwards are closed right after joining. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.closing.Store(true)

	var conns []*Conn
	for _, room := range h.registry.Rooms() {
		conns = append(conns, h.registry.Members(room.ID)...)
	}
	if len(conns) == 0 {
		return
	}
	h.log.Info().Int("connections", len(conns)).Msg("closing sessions for shutdown")

	p := pool.New().WithMaxGoroutines(h.broadcaster.workers)
	for _, c := range conns {
		p.Go(func() { c.Close(CloseGoingAway, "server shutting down") })
	}
	p.Wait()
}

// ShuttingDown reports whether Shutdown has been called.
func (h *Hub) ShuttingDown() bool {
	return h.closing.Load()
}

func (h *Hub) join(c *Conn) int {
	count := h.registry.Join(c.Room, c)
	rooms, _ := h.registry.Stats()
	h.metrics.RoomsChanged(rooms)
	return count
}

// leave deregisters c and announces the new count when c was still a member.
func (h *Hub) leave(ctx context.Context, c *Conn) {
	removed, remaining := h.registry.Leave(c.Room, c)
	if !removed {
		return
	}
	rooms, _ := h.registry.Stats()
	h.metrics.RoomsChanged(rooms)
	if remaining > 0 {
		h.announce(ctx, c.Room, remaining)
	}
}

// evict removes peers whose delivery failed and drops their transports.
func (h *Hub) evict(ctx context.Context, failed []*Conn) {
	if len(failed) == 0 {
		return
	}
	h.metrics.DeliveryFailed(len(failed))
	for _, c := range failed {
		h.log.Debug().Str("conn_id", c.ID).Str("room", c.Room).Msg("evicting unreachable peer")
		c.evicted.Store(true)
		h.leave(ctx, c)
		c.Drop()
	}
}

// announce sends the member count to everyone in room.
func (h *Hub) announce(ctx context.Context, room string, count int) {
	if !h.opts.Presence || h.closing.Load() {
		return
	}
	failed := h.broadcaster.FanOut(ctx, room, nil, MessageText, proto.PresenceOf(room, count))
	h.evict(ctx, failed)
}
