package vfs

import "go.uber.org/atomic"

// IDGenerator hands out process-unique, monotonically increasing IDs. The
// first ID is 1. The zero value is ready for use.
type IDGenerator struct {
	n atomic.Uint64
}

// Next returns the next ID.
func (g *IDGenerator) Next() uint64 { return g.n.Inc() }
