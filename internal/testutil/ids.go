package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable ids "<prefix>-0001", "<prefix>-0002", ...
//
// This keeps habit ids stable across runs so golden output and assertions
// can name them. Production code uses UUIDv7 instead.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "habit".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "habit"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
