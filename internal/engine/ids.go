package engine

import (
	"strconv"
	"sync/atomic"
)

// IDGenerator hands out request ids shared by method calls and
// subscriptions: "1", "2", "3", ...
//
// Thread-safety: safe for concurrent use, so Call and Subscribe can return
// their id before the event loop sees the request.
type IDGenerator struct {
	seq atomic.Int64
}

// NewIDGenerator creates a generator whose first id is "1".
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next id. Each call returns a unique, increasing value.
func (g *IDGenerator) Next() string {
	return strconv.FormatInt(g.seq.Add(1), 10)
}

// Current returns the number of ids issued so far.
func (g *IDGenerator) Current() int64 {
	return g.seq.Load()
}
