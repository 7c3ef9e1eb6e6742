package session

// Token identifies a single timer registration. The zero value means no timer
// is armed.
type Token uint64

// Window is one live session for a key, covering [Start, End). It carries the
// accumulator and the trigger state so that merging two windows mechanically
// merges trigger state through the same code path.
type Window struct {
	Key   string
	Start int64
	End   int64

	Acc Accumulator

	// Trigger state. PendingFires counts elements since the last fire;
	// TimerToken/TimerDeadline describe the armed timer, if any.
	PendingFires  int
	TimerToken    Token
	TimerDeadline int64
}

// overlaps reports whether the window intersects the half-open interval
// [start, end).
func (w *Window) overlaps(start, end int64) bool {
	return w.Start < end && start < w.End
}

// extend grows the window to cover [start, end) as well.
func (w *Window) extend(start, end int64) {
	if start < w.Start {
		w.Start = start
	}

	if end > w.End {
		w.End = end
	}
}
