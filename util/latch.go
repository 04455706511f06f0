package util

import "sync/atomic"

// Latch fires exactly once. The zero value is ready to use.
type Latch struct {
	fired atomic.Bool
}

// Fire reports true on the first call only.
func (l *Latch) Fire() bool {
	return l.fired.CompareAndSwap(false, true)
}
