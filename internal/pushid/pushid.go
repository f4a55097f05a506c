// Package pushid generates child keys that sort in creation order.
//
// Keys are ULIDs: a millisecond timestamp followed by entropy, rendered in Crockford
// base32. Keys generated in the same millisecond increase monotonically.
package pushid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator is safe for concurrent use
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns a key for a child created at t
func (g *Generator) Next(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}
