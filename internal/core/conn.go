package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

var errSendTimeout = errors.New("send queue full")

// MessageKind distinguishes text and binary frames.
type MessageKind int

const (
	MessageText MessageKind = iota + 1
	MessageBinary
)

func (k MessageKind) String() string {
	switch k {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Transport is the wire-level connection behind a Conn.
// Write must be safe to call concurrently with Read.
type Transport interface {
	Read(ctx context.Context) (MessageKind, []byte, error)
	Write(ctx context.Context, kind MessageKind, payload []byte) error
	// Close performs a close handshake with the given status.
	Close(code CloseCode, reason string) error
	// CloseNow tears the connection down without a handshake.
	CloseNow() error
}

// ConnOptions tunes per-connection limits.
type ConnOptions struct {
	RatePerSecond float64
	RateBurst     int
	SendTimeout   time.Duration
	WriteTimeout  time.Duration
	QueueSize     int
	Clock         clock.Clock
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

type outbound struct {
	kind    MessageKind
	payload []byte
}

// Conn is one live client connection inside a room.
//
// Sends are queued and written by WriteLoop, so a slow peer never blocks the
// sender beyond SendTimeout. Activity and rate-limiter state are written only by
// the owning session's receive loop.
type Conn struct {
	ID        string
	Room      string
	InstallID string
	JoinedAt  time.Time

	transport    Transport
	clock        clock.Clock
	limiter      *rate.Limiter
	sendTimeout  time.Duration
	writeTimeout time.Duration
	lastActivity atomic.Int64

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32
	evicted   atomic.Bool
}

// NewConn wraps a transport for the given room.
func NewConn(id, room, installID string, t Transport, opts ConnOptions) *Conn {
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	now := opts.Clock.Now()
	c := &Conn{
		ID:           id,
		Room:         room,
		InstallID:    installID,
		JoinedAt:     now,
		transport:    t,
		clock:        opts.Clock,
		limiter:      rate.NewLimiter(limit, opts.RateBurst),
		sendTimeout:  opts.SendTimeout,
		writeTimeout: opts.WriteTimeout,
		out:          make(chan outbound, opts.QueueSize),
		done:         make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send queues a payload for delivery. It waits at most SendTimeout for queue
// space and returns a *DeliveryError when the peer cannot take the frame.
func (c *Conn) Send(ctx context.Context, kind MessageKind, payload []byte) error {
	select {
	case <-c.done:
		return deliveryError(c.ID, ErrConnClosed)
	default:
	}

	frame := outbound{kind: kind, payload: payload}
	select {
	case c.out <- frame:
		return nil
	default:
	}

	timer := c.clock.Timer(c.sendTimeout)
	defer timer.Stop()

	select {
	case c.out <- frame:
		return nil
	case <-timer.C:
		return deliveryError(c.ID, errSendTimeout)
	case <-c.done:
		return deliveryError(c.ID, ErrConnClosed)
	case <-ctx.Done():
		return deliveryError(c.ID, ctx.Err())
	}
}

// WriteLoop drains the send queue into the transport until ctx ends, the
// connection closes, or a write fails.
func (c *Conn) WriteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case frame := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.transport.Write(writeCtx, frame.kind, frame.payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Read returns the next inbound frame.
func (c *Conn) Read(ctx context.Context) (MessageKind, []byte, error) {
	return c.transport.Read(ctx)
}

// Touch records the current instant as the last activity.
// The stored value never moves backwards.
func (c *Conn) Touch() {
	now := c.clock.Now().UnixNano()
	for {
		prev := c.lastActivity.Load()
		if now <= prev || c.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActivity returns the instant of the most recent Touch.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ConsumeRateToken takes one token from the bucket. It returns false when the
// bucket holds less than one token.
func (c *Conn) ConsumeRateToken() bool {
	return c.limiter.AllowN(c.clock.Now(), 1)
}

// Close closes the connection with a handshake. Only the first call has effect.
func (c *Conn) Close(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		close(c.done)
		_ = c.transport.Close(code, reason)
	})
}

// Drop closes the connection without a handshake. Used when the peer is
// presumed gone. Only the first Close or Drop has effect.
func (c *Conn) Drop() {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(CloseGoingAway))
		close(c.done)
		_ = c.transport.CloseNow()
	})
}

// Done is closed once the connection has been closed or dropped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close or Drop has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseCode returns the status the connection was closed with, or 0.
func (c *Conn) CloseCode() CloseCode {
	return CloseCode(c.closeCode.Load())
}
