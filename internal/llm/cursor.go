package llm

import "sync/atomic"

// RotationCursor selects the active model in a candidate list. It is shared
// by all concurrent handlers; advances are compare-and-swap so none is lost.
// The index is always in [0, Len()).
type RotationCursor struct {
	n   uint64
	idx atomic.Uint64
}

// NewRotationCursor creates a cursor over n candidates; n < 1 is treated as 1.
func NewRotationCursor(n int) *RotationCursor {
	if n < 1 {
		n = 1
	}
	return &RotationCursor{n: uint64(n)}
}

// Len returns the number of candidates.
func (c *RotationCursor) Len() int {
	return int(c.n)
}

// Current returns the active index.
func (c *RotationCursor) Current() int {
	return int(c.idx.Load())
}

// Advance moves to the next candidate, wrapping, and returns the new index.
func (c *RotationCursor) Advance() int {
	for {
		old := c.idx.Load()
		next := (old + 1) % c.n
		if c.idx.CompareAndSwap(old, next) {
			return int(next)
		}
	}
}
