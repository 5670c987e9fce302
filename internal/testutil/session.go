package testutil

import (
	"fmt"
	"sync"
)

// SessionSequence hands out session tokens "S1", "S2", ... so that mock
// server handshakes are reproducible across runs.
//
// Thread-safety: safe for concurrent use.
type SessionSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSessionSequence creates a sequence. An empty prefix means "S".
func NewSessionSequence(prefix string) *SessionSequence {
	if prefix == "" {
		prefix = "S"
	}
	return &SessionSequence{prefix: prefix}
}

// Next returns the next token.
func (s *SessionSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s%d", s.prefix, s.n)
}
