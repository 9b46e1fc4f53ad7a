package eventbus

import "sync/atomic"

// SequenceAllocator issues strictly increasing sequence numbers, global across
// all event types. The counter starts at zero on process start and the first
// issued number is 1, so a zero Sequence field always means "not yet assigned"
// and clients treat a reset (numbers restarting from 1) as a signal to discard
// prior replay expectations.
type SequenceAllocator struct {
	last atomic.Int64
}

// NewSequenceAllocator creates an allocator.
func NewSequenceAllocator() *SequenceAllocator {
	return &SequenceAllocator{}
}

// Next returns the next sequence number. Safe for concurrent use.
func (a *SequenceAllocator) Next() int64 {
	return a.last.Add(1)
}

// Current returns the most recently issued number, 0 if none yet.
func (a *SequenceAllocator) Current() int64 {
	return a.last.Load()
}
