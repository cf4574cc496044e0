package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator mints ids of the form "prefix-000001", "prefix-000002",
// in call order. A table wired with one produces byte-identical logs run
// after run, which golden trace comparison relies on.
//
// It is safe for concurrent use; ids stay unique under concurrency but
// their assignment order follows the scheduler.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator returns a generator stamping ids with the given
// prefix. An empty prefix defaults to "seq".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "seq"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
