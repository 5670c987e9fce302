package cache

import (
	"context"

	"github.com/roach88/ddp/internal/collection"
)

// CallbackEngine is a cache that reports completion through callbacks
// instead of returning. Each done func must be called exactly once, from
// any goroutine. GetItem reports absence as collection.ErrCacheMiss.
type CallbackEngine interface {
	GetItem(key string, done func(value []byte, err error))
	SetItem(key string, value []byte, done func(err error))
	RemoveItem(key string, done func(err error))
}

// Adapt wraps a CallbackEngine as a collection.CacheEngine. Each call
// blocks until done fires or ctx ends; a late done after cancellation is
// discarded.
func Adapt(engine CallbackEngine) collection.CacheEngine {
	return adapted{engine: engine}
}

type adapted struct {
	engine CallbackEngine
}

type getResult struct {
	value []byte
	err   error
}

func (a adapted) Get(ctx context.Context, key string) ([]byte, error) {
	ch := make(chan getResult, 1)
	a.engine.GetItem(key, func(value []byte, err error) {
		ch <- getResult{value: value, err: err}
	})
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a adapted) Set(ctx context.Context, key string, value []byte) error {
	ch := make(chan error, 1)
	a.engine.SetItem(key, value, func(err error) { ch <- err })
	return wait(ctx, ch)
}

func (a adapted) Remove(ctx context.Context, key string) error {
	ch := make(chan error, 1)
	a.engine.RemoveItem(key, func(err error) { ch <- err })
	return wait(ctx, ch)
}

func wait(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
