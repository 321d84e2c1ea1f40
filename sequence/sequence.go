// Package sequence provides the request sequence numbers stamped on every
// outbound protocol request.
package sequence

import "sync/atomic"

// Generator hands out strictly increasing int64 sequence numbers and is safe
// for concurrent use. Every session of a harness shares one Generator, so the
// values seen across all sessions are unique.
type Generator struct {
	start int64
	seq   atomic.Int64
}

// NewGenerator creates a Generator whose first Next() returns startValue+1.
// Pass 0 to get the 1, 2, 3, ... sequence the push server expects.
//
// Parameters:
//   - startValue: The value the counter starts at
//
// Returns:
//   - A new Generator instance
func NewGenerator(startValue int64) *Generator {
	g := &Generator{start: startValue}
	g.seq.Store(startValue)
	return g
}

// Next atomically advances the counter and returns the new value.
//
// Returns:
//   - The next sequence number
func (g *Generator) Next() int64 {
	return g.seq.Add(1)
}

// Issued reports how many values have been handed out so far.
func (g *Generator) Issued() int64 {
	return g.seq.Load() - g.start
}
