package session

import (
	"fmt"
	"sort"
	"time"
)

// GapExtractor returns the inactivity gap, in milliseconds, to use for one
// event. It may return a different gap per event (per-key or value-dependent
// session lengths).
type GapExtractor func(ev Event) int64

// ConstantGap returns a GapExtractor that yields the same gap for every event.
func ConstantGap(gap time.Duration) GapExtractor {
	ms := gap.Milliseconds()

	return func(Event) int64 { return ms }
}

// windowSet holds the live windows of one key, ordered by start and pairwise
// disjoint.
type windowSet struct {
	windows []*Window
}

// assign locates the window for an event with candidate interval
// [ts, ts+gap). Existing windows overlapping the candidate merge into one
// surviving window whose bounds are the union; a backdated event may bridge
// several previously disjoint sessions, which all merge transitively. The
// returned absorbed windows have already been removed from the set but still
// carry their accumulator and trigger state so the caller can merge them into
// the target.
//
// A set with overlapping windows means interval bookkeeping is corrupted;
// continuing would silently corrupt aggregates, so assign fails fast.
func (s *windowSet) assign(key string, ts, gap int64) (target *Window, absorbed []*Window, err error) {
	candStart := ts
	candEnd := ts + gap

	kept := make([]*Window, 0, len(s.windows))

	// Ordering is validated against each window's bounds as stored, captured
	// before any extend below mutates the target in place.
	var prevStart, prevEnd int64

	havePrev := false

	for _, w := range s.windows {
		start, end := w.Start, w.End
		if havePrev && start < prevEnd {
			return nil, nil, fmt.Errorf(
				"session: window set for key %q corrupted: [%d,%d) overlaps [%d,%d)",
				key, start, end, prevStart, prevEnd)
		}

		prevStart, prevEnd, havePrev = start, end, true

		if !w.overlaps(candStart, candEnd) {
			kept = append(kept, w)
			continue
		}

		if target == nil {
			// First overlap in start order survives; it keeps the
			// minimal start once the candidate folds in.
			target = w
			target.extend(candStart, candEnd)
			kept = append(kept, w)

			continue
		}

		target.extend(w.Start, w.End)
		absorbed = append(absorbed, w)
	}

	if target == nil {
		target = &Window{Key: key, Start: candStart, End: candEnd}
		i := sort.Search(len(kept), func(i int) bool { return kept[i].Start > candStart })
		kept = append(kept, nil)
		copy(kept[i+1:], kept[i:])
		kept[i] = target
	}

	s.windows = kept

	return target, absorbed, nil
}

// remove drops the window from the set.
func (s *windowSet) remove(w *Window) {
	for i, cur := range s.windows {
		if cur == w {
			s.windows = append(s.windows[:i], s.windows[i+1:]...)
			return
		}
	}
}

func (s *windowSet) empty() bool { return len(s.windows) == 0 }
