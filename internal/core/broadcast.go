package core

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

const defaultFanOutWorkers = 32

// Broadcaster delivers a payload to every other member of a room.
// It never changes registry membership; callers act on the returned failures.
type Broadcaster struct {
	registry *Registry
	workers  int
}

// NewBroadcaster builds a broadcaster that sends to at most workers peers at once.
func NewBroadcaster(registry *Registry, workers int) *Broadcaster {
	if workers <= 0 {
		workers = defaultFanOutWorkers
	}
	return &Broadcaster{registry: registry, workers: workers}
}

// FanOut sends payload to all members of room except sender and returns the
// connections whose send failed. One failing peer does not delay the others.
func (b *Broadcaster) FanOut(ctx context.Context, room string, sender *Conn, kind MessageKind, payload []byte) []*Conn {
	targets := b.registry.MembersExcept(room, sender)
	switch len(targets) {
	case 0:
		return nil
	case 1:
		if err := targets[0].Send(ctx, kind, payload); err != nil {
			return targets
		}
		return nil
	}

	p := pool.NewWithResults[*Conn]().WithMaxGoroutines(b.workers)
	for _, target := range targets {
		p.Go(func() *Conn {
			if err := target.Send(ctx, kind, payload); err != nil {
				return target
			}
			return nil
		})
	}

	var failed []*Conn
	for _, c := range p.Wait() {
		if c != nil {
			failed = append(failed, c)
		}
	}
	return failed
}
