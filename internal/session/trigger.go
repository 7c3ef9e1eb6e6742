package session

// Directive is a trigger's verdict after a callback.
type Directive int

const (
	// Continue takes no action.
	Continue Directive = iota
	// Fire emits the window's current aggregate; the window and its
	// accumulator stay untouched and keep accumulating.
	Fire
	// Purge discards the window without emitting.
	Purge
	// FireAndPurge emits, then discards the window.
	FireAndPurge
)

func (d Directive) ShouldFire() bool  { return d == Fire || d == FireAndPurge }
func (d Directive) ShouldPurge() bool { return d == Purge || d == FireAndPurge }

func (d Directive) String() string {
	switch d {
	case Continue:
		return "continue"
	case Fire:
		return "fire"
	case Purge:
		return "purge"
	case FireAndPurge:
		return "fire-and-purge"
	default:
		return "unknown"
	}
}

// TriggerContext is the window manager's timer facade handed to trigger
// callbacks. Deadlines are milliseconds since the Unix epoch on the
// processing clock.
type TriggerContext interface {
	Now() int64
	RegisterTimer(deadline int64) Token
	CancelTimer(tok Token)
}

// Trigger decides when a window's aggregate is emitted and whether the window
// is discarded. Implementations keep their per-window state in the Window
// itself (PendingFires, TimerToken, TimerDeadline) so that merging windows
// merges trigger state through the same path as accumulators.
type Trigger interface {
	// OnElement runs after an event has been folded into the window.
	OnElement(ev Event, w *Window, ctx TriggerContext) Directive
	// OnTimer runs when the window's armed timer fires.
	OnTimer(w *Window, ctx TriggerContext) Directive
	// OnMerge runs after absorbed windows have been merged into target and
	// before they are discarded. A Fire result means the combined pending
	// count crossed the threshold during the merge.
	OnMerge(target *Window, absorbed []*Window, ctx TriggerContext) Directive
	// Clear cancels any armed timer; called on purge and on shutdown.
	Clear(w *Window, ctx TriggerContext)
}

// ClosePolicy names what happens when a window's gap expires.
type ClosePolicy int

const (
	// PolicyHold leaves the window open on gap expiry: only the count
	// threshold emits, and nothing ever purges. This is the reference
	// behavior.
	PolicyHold ClosePolicy = iota
	// PolicyCloseOnGap emits and purges the window when the gap elapses.
	PolicyCloseOnGap
)

// CountTrigger fires every threshold elements, giving early partial results
// for high-volume sessions, and arms a timer at the window end whose expiry
// behavior is selected by the close policy.
type CountTrigger struct {
	threshold int
	expiry    Directive
}

// NewCountTrigger returns a CountTrigger firing on every threshold-th element.
// The policy decides whether gap expiry closes the window or is a no-op.
func NewCountTrigger(threshold int, policy ClosePolicy) *CountTrigger {
	expiry := Continue
	if policy == PolicyCloseOnGap {
		expiry = FireAndPurge
	}

	return &CountTrigger{threshold: threshold, expiry: expiry}
}

func (t *CountTrigger) OnElement(_ Event, w *Window, ctx TriggerContext) Directive {
	t.armAt(w, ctx, w.End)

	w.PendingFires++
	if w.PendingFires >= t.threshold {
		w.PendingFires = 0
		return Fire
	}

	return Continue
}

func (t *CountTrigger) OnTimer(w *Window, _ TriggerContext) Directive {
	// The registration is spent; a later element re-arms.
	w.TimerToken = 0
	w.TimerDeadline = 0

	return t.expiry
}

func (t *CountTrigger) OnMerge(target *Window, absorbed []*Window, ctx TriggerContext) Directive {
	deadline := target.TimerDeadline

	for _, w := range absorbed {
		target.PendingFires += w.PendingFires

		if w.TimerToken == 0 {
			continue
		}

		if w.TimerDeadline > ctx.Now() {
			ctx.CancelTimer(w.TimerToken)
		}

		if w.TimerDeadline > deadline {
			deadline = w.TimerDeadline
		}

		w.TimerToken = 0
		w.TimerDeadline = 0
	}

	// One timer survives, at the latest of the merged deadlines.
	if deadline > ctx.Now() {
		t.armAt(target, ctx, deadline)
	}

	if target.PendingFires >= t.threshold {
		target.PendingFires = 0
		return Fire
	}

	return Continue
}

func (t *CountTrigger) Clear(w *Window, ctx TriggerContext) {
	if w.TimerToken != 0 {
		ctx.CancelTimer(w.TimerToken)
		w.TimerToken = 0
		w.TimerDeadline = 0
	}
}

// armAt registers a timer at deadline unless one is already armed there. If
// the window end moved past an armed deadline, the old registration is
// cancelled and replaced.
func (t *CountTrigger) armAt(w *Window, ctx TriggerContext, deadline int64) {
	if w.TimerToken != 0 && w.TimerDeadline == deadline {
		return
	}

	if w.TimerToken != 0 {
		ctx.CancelTimer(w.TimerToken)
	}

	w.TimerToken = ctx.RegisterTimer(deadline)
	w.TimerDeadline = deadline
}
