package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/proto"
)

// session is the control loop of one connection: register, receive and
// dispatch frames, then tear down on every exit path.
type session struct {
	hub  *Hub
	conn *Conn
	log  zerolog.Logger

	timedOut    atomic.Bool
	writeFailed atomic.Bool

	decision    Decision
	decidedAt   time.Time
	hasDecision bool
}

func newSession(h *Hub, c *Conn) *session {
	return &session{
		hub:  h,
		conn: c,
		log:  h.log.With().Str("component", "session").Str("conn_id", c.ID).Str("room", c.Room).Logger(),
	}
}

func (s *session) run(ctx context.Context) CloseReason {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	count := s.hub.join(s.conn)
	s.hub.metrics.SessionOpened()
	s.log.Debug().Int("members", count).Msg("joined")
	if s.hub.ShuttingDown() {
		s.conn.Close(CloseGoingAway, "server shutting down")
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	heartbeat := NewHeartbeat(s.conn, s.hub.opts.PingInterval, s.hub.opts.PongTimeout, s.hub.clock, s.probe, func() {
		s.timedOut.Store(true)
		s.hub.leave(ctx, s.conn)
		s.conn.Drop()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.conn.WriteLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug().Err(err).Msg("write failed")
			s.writeFailed.Store(true)
			s.conn.Drop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := heartbeat.Run(hbCtx); err != nil {
			s.log.Debug().Err(err).Msg("peer stopped responding")
		}
	}()

	s.hub.announce(ctx, s.conn.Room, count)

	reason, code := s.receive(ctx)

	stopHeartbeat()
	s.hub.leave(context.WithoutCancel(ctx), s.conn)
	if code == 0 {
		s.conn.Drop()
	} else {
		s.conn.Close(code, string(reason))
	}
	cancel()
	wg.Wait()

	s.hub.metrics.SessionClosed(reason)
	s.log.Debug().Str("reason", string(reason)).Msg("session closed")
	return reason
}

// receive reads frames until a terminating condition. A zero close code means
// the transport is already unusable and is dropped instead of closed.
func (s *session) receive(ctx context.Context) (CloseReason, CloseCode) {
	limit := s.hub.opts.MaxMessageBytes
	for {
		kind, data, err := s.conn.Read(ctx)
		if err != nil {
			return s.readFailure(ctx, err)
		}
		if limit > 0 && int64(len(data)) > limit {
			return ReasonMessageTooBig, CloseMessageTooBig
		}
		if !s.conn.ConsumeRateToken() {
			return ReasonRateLimited, CloseTryAgainLater
		}
		s.conn.Touch()
		s.dispatch(ctx, DecodeFrame(kind, data))
	}
}

func (s *session) readFailure(ctx context.Context, err error) (CloseReason, CloseCode) {
	switch {
	case s.hub.ShuttingDown() && s.conn.Closed():
		return ReasonShutdown, 0
	case s.timedOut.Load():
		return ReasonHeartbeatTimeout, 0
	case s.conn.evicted.Load():
		return ReasonEvicted, 0
	case s.writeFailed.Load():
		return ReasonWriteFailed, 0
	case errors.Is(err, ErrMessageTooBig):
		return ReasonMessageTooBig, 0
	case errors.Is(err, ErrClosedByPeer):
		return ReasonClientClosed, CloseNormal
	case ctx.Err() != nil:
		return ReasonShutdown, CloseGoingAway
	default:
		s.log.Debug().Err(err).Msg("read failed")
		return ReasonReadError, 0
	}
}

func (s *session) dispatch(ctx context.Context, frame Frame) {
	switch f := frame.(type) {
	case PingFrame:
		s.reply(ctx, proto.Pong(s.hub.clock.Now().UnixMilli()))
	case PongFrame:
		// Activity was recorded by the receive loop.
	case PresenceFrame:
		s.reply(ctx, proto.PresenceOf(s.conn.Room, s.hub.registry.Count(s.conn.Room)))
	case AppFrame:
		s.relay(ctx, f)
	}
}

func (s *session) relay(ctx context.Context, f AppFrame) {
	if d := s.allow(ctx); !d.Permit {
		s.hub.metrics.LicenseDenied(d.Reason)
		s.reply(ctx, proto.Rejection(d.Reason, "message not relayed: "+d.Reason))
		return
	}

	payload := f.Payload
	if s.hub.opts.EnrichJSON && f.IsObject() {
		payload = f.Enriched(s.conn.ID, s.hub.clock.Now())
	}

	failed := s.hub.broadcaster.FanOut(ctx, s.conn.Room, s.conn, f.Kind, payload)
	s.hub.metrics.MessageRelayed()
	s.hub.evict(ctx, failed)
}

// allow consults the license gate, reusing the last decision for LicenseCacheTTL.
func (s *session) allow(ctx context.Context) Decision {
	gate := s.hub.gate
	if gate == nil {
		return Permit
	}

	ttl := s.hub.opts.LicenseCacheTTL
	now := s.hub.clock.Now()
	if ttl > 0 && s.hasDecision && now.Sub(s.decidedAt) < ttl {
		return s.decision
	}

	d := gate.Allow(ctx, s.conn.InstallID)
	s.decision, s.decidedAt, s.hasDecision = d, now, true
	return d
}

func (s *session) reply(ctx context.Context, payload []byte) {
	if err := s.conn.Send(ctx, MessageText, payload); err != nil {
		s.log.Debug().Err(err).Msg("reply dropped")
	}
}

func (s *session) probe(ctx context.Context) error {
	return s.conn.Send(ctx, MessageText, proto.Ping(s.hub.clock.Now().UnixMilli()))
}
