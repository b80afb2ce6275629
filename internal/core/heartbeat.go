package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// HeartbeatState is the liveness state of one connection.
type HeartbeatState int32

const (
	HeartbeatActive HeartbeatState = iota
	HeartbeatAwaiting
	HeartbeatTimedOut
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatActive:
		return "active"
	case HeartbeatAwaiting:
		return "awaiting_probe_response"
	case HeartbeatTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Heartbeat probes one connection on a fixed interval and reports it dead when
// no inbound frame arrives within Timeout of a probe.
type Heartbeat struct {
	conn      *Conn
	interval  time.Duration
	timeout   time.Duration
	clock     clock.Clock
	probe     func(ctx context.Context) error
	onTimeout func()

	state   atomic.Int32
	probeAt time.Time
}

// NewHeartbeat builds a supervisor for conn. probe sends one liveness probe;
// onTimeout runs once when the connection is declared dead.
func NewHeartbeat(conn *Conn, interval, timeout time.Duration, clk clock.Clock, probe func(ctx context.Context) error, onTimeout func()) *Heartbeat {
	if clk == nil {
		clk = clock.New()
	}
	return &Heartbeat{
		conn:      conn,
		interval:  interval,
		timeout:   timeout,
		clock:     clk,
		probe:     probe,
		onTimeout: onTimeout,
	}
}

// State returns the current liveness state.
func (h *Heartbeat) State() HeartbeatState {
	return HeartbeatState(h.state.Load())
}

// Run drives the probe cycle until ctx is cancelled, the connection closes, or
// the peer times out. It returns ErrHeartbeatTimeout in the last case.
// A non-positive interval disables probing.
func (h *Heartbeat) Run(ctx context.Context) error {
	if h.interval <= 0 {
		select {
		case <-ctx.Done():
		case <-h.conn.Done():
		}
		return nil
	}

	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	var deadline *clock.Timer
	var deadlineC <-chan time.Time
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.conn.Done():
			return nil
		case <-ticker.C:
			if h.State() == HeartbeatAwaiting && h.answered() {
				h.state.Store(int32(HeartbeatActive))
				if deadline != nil {
					deadline.Stop()
				}
				deadlineC = nil
			}
			if h.State() != HeartbeatActive {
				continue
			}
			h.probeAt = h.clock.Now()
			h.state.Store(int32(HeartbeatAwaiting))
			if h.probe != nil {
				_ = h.probe(ctx)
			}
			deadline = h.clock.Timer(h.timeout)
			deadlineC = deadline.C
		case <-deadlineC:
			deadlineC = nil
			if h.answered() {
				h.state.Store(int32(HeartbeatActive))
				continue
			}
			h.state.Store(int32(HeartbeatTimedOut))
			if h.onTimeout != nil {
				h.onTimeout()
			}
			return ErrHeartbeatTimeout
		}
	}
}

// answered reports whether any frame arrived after the last probe.
func (h *Heartbeat) answered() bool {
	return h.conn.LastActivity().After(h.probeAt)
}
