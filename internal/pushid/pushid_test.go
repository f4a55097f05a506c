package pushid

import (
	"testing"
	"time"

	"github.com/erauner12/treesync/internal/validation"
)

func TestNextIsOrderedAndValid(t *testing.T) {
	g := NewGenerator()
	now := time.UnixMilli(1700000000000)

	prev := ""
	for i := 0; i < 100; i++ {
		// ten keys per millisecond
		key := g.Next(now.Add(time.Duration(i/10) * time.Millisecond))
		if err := validation.ValidateKey(key); err != nil {
			t.Fatalf("Next() = %q, not a valid key: %v", key, err)
		}
		if key <= prev {
			t.Fatalf("Next() = %q, want greater than %q", key, prev)
		}
		prev = key
	}
}
