package collection

import (
	"context"
	"sync"
	"sync/atomic"
)

// Observable is the read-only view of a collection's broadcast channel.
type Observable interface {
	// Current returns the latest snapshot.
	Current() Snapshot

	// Subscribe registers fn and calls it immediately with the current
	// snapshot, then once per mutation, in order. fn runs on the writer's
	// goroutine and must not mutate the store. The returned func removes fn.
	Subscribe(fn func(Snapshot)) (cancel func())

	// Watch delivers snapshots on a channel until ctx is done. The channel
	// holds only the latest undelivered snapshot: a slow reader skips
	// intermediate states but always ends on the newest one.
	Watch(ctx context.Context) <-chan Snapshot
}

// Channel holds the latest snapshot of one collection and replays it to
// new observers.
//
// pubMu serializes publication and replay so every observer sees snapshots
// in mutation order. obsMu guards only the observer set, which lets an
// observer cancel itself from inside its callback.
type Channel struct {
	pubMu     sync.Mutex
	obsMu     sync.Mutex
	current   atomic.Pointer[Snapshot]
	observers map[uint64]func(Snapshot)
	nextID    uint64
}

var _ Observable = (*Channel)(nil)

func newChannel() *Channel {
	c := &Channel{observers: make(map[uint64]func(Snapshot))}
	empty := Snapshot{}
	c.current.Store(&empty)
	return c
}

// Current returns the latest snapshot.
func (c *Channel) Current() Snapshot {
	return *c.current.Load()
}

// Subscribe implements Observable.
func (c *Channel) Subscribe(fn func(Snapshot)) func() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.obsMu.Lock()
	c.nextID++
	id := c.nextID
	c.observers[id] = fn
	c.obsMu.Unlock()

	fn(c.Current())

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.observers, id)
	}
}

// Watch implements Observable.
func (c *Channel) Watch(ctx context.Context) <-chan Snapshot {
	latest := make(chan Snapshot, 1)
	out := make(chan Snapshot)

	cancel := c.Subscribe(func(s Snapshot) {
		// keep only the newest snapshot in the slot
		select {
		case <-latest:
		default:
		}
		latest <- s
	})

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-latest:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// publish installs s as the current snapshot and notifies observers.
// Writers of one collection are serialized by the store, so the order of
// publish calls is the mutation order.
func (c *Channel) publish(s Snapshot) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.current.Store(&s)

	c.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
