package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zoobzio/clockz"

	"github.com/telemetrylab/session-aggregator/internal/sink"
)

// Manager owns the per-key window sets and drives assignment, merging,
// aggregation, and trigger evaluation. All window state is mutated by a
// single goroutine consuming the event, batch, and timer channels, so event
// processing and timer callbacks are strictly serialized (single-writer
// discipline; cross-shard parallelism is achieved by key-space sharding
// upstream of this engine).
type Manager struct {
	in      chan Event
	inBatch chan []Event

	agg     Aggregator
	trigger Trigger
	gapFn   GapExtractor
	timers  *timerService
	sink    sink.Sink
	logger  *slog.Logger

	// Loop-owned state.
	keys    map[string]*windowSet
	byToken map[Token]*Window

	// Drops recorded from producers when the queue is full.
	externalDropped atomic.Uint64

	done chan struct{}

	// Terminal loop error, written once before done closes.
	loopErr error

	// Optional metric callbacks provided by the owner.
	incrMerged        func(int64)
	incrFires         func(int64)
	incrPurges        func(int64)
	incrPublishFailed func(int64)
}

func NewManager(agg Aggregator, trigger Trigger, gapFn GapExtractor, clock clockz.Clock, s sink.Sink, logger *slog.Logger, maxQueue int) *Manager {
	if maxQueue < 0 {
		maxQueue = 0
	}

	return &Manager{
		in:      make(chan Event, maxQueue),
		inBatch: make(chan []Event, maxQueue),
		agg:     agg,
		trigger: trigger,
		gapFn:   gapFn,
		timers:  newTimerService(clock, maxQueue),
		sink:    s,
		logger:  logger,
		keys:    make(map[string]*windowSet, 32),
		byToken: make(map[Token]*Window, 32),
		done:    make(chan struct{}),
	}
}

// SetMetricsCallbacks installs optional callbacks for metrics updates.
// If not provided, metrics are not recorded by the manager.
func (m *Manager) SetMetricsCallbacks(merged, fires, purges, publishFailed func(int64)) {
	m.incrMerged = merged
	m.incrFires = fires
	m.incrPurges = purges
	m.incrPublishFailed = publishFailed
}

// Enqueue attempts to add an event without blocking. Returns false if the
// queue is full or the engine loop has stopped.
func (m *Manager) Enqueue(ev Event) bool {
	if m.stopped() {
		return false
	}

	select {
	case m.in <- ev:
		return true
	default:
		return false
	}
}

// EnqueueBatch attempts to add a batch of events without blocking. Returns
// false if the queue is full or the engine loop has stopped.
func (m *Manager) EnqueueBatch(evs []Event) bool {
	if len(evs) == 0 {
		return true
	}

	if m.stopped() {
		return false
	}

	select {
	case m.inBatch <- evs:
		return true
	default:
		return false
	}
}

func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// RecordDrop counts events dropped by producers before they reached the queue.
func (m *Manager) RecordDrop(n uint64) { m.externalDropped.Add(n) }

// Dropped returns the number of events dropped so far.
func (m *Manager) Dropped() uint64 { return m.externalDropped.Load() }

// QueueLen returns the current queue length; can be observed for metrics.
func (m *Manager) QueueLen() int { return len(m.in) }

// Start begins the processing loop. The loop exits on context cancellation
// after draining live windows, or immediately on an internal invariant
// violation.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		defer m.timers.stopAll()

		for {
			select {
			case <-ctx.Done():
				m.drain()
				return
			case ev := <-m.in:
				if err := m.processEvent(ev); err != nil {
					m.fatal(err)
					return
				}
			case evs := <-m.inBatch:
				for _, ev := range evs {
					if err := m.processEvent(ev); err != nil {
						m.fatal(err)
						return
					}
				}
			case tok := <-m.timers.Fired():
				m.processTimer(tok)
			}
		}
	}()
}

// Stop waits for the loop to finish; the caller cancels the context passed to
// Start. It returns the invariant violation that killed the loop, if any.
func (m *Manager) Stop(ctx context.Context) error {
	select {
	case <-m.done:
		return m.loopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) processEvent(ev Event) error {
	gap := m.gapFn(ev)
	if gap <= 0 {
		return fmt.Errorf("session: gap extractor returned %d for key %q", gap, ev.Key)
	}

	set := m.keys[ev.Key]
	if set == nil {
		set = &windowSet{}
		m.keys[ev.Key] = set
	}

	target, absorbed, err := set.assign(ev.Key, ev.Timestamp, gap)
	if err != nil {
		return err
	}

	if target.Acc == nil {
		target.Acc = m.agg.CreateAccumulator()
	}

	ctx := &triggerContext{m: m, w: target}

	if len(absorbed) > 0 {
		for _, w := range absorbed {
			if w.Acc != nil {
				target.Acc = m.agg.Merge(target.Acc, w.Acc)
			}
		}

		// Capture tokens the trigger may leave uncancelled (deadlines
		// already in the past): their windows are discarded below, so
		// the registrations must become strays.
		staleTokens := make([]Token, 0, len(absorbed))
		for _, w := range absorbed {
			if w.TimerToken != 0 {
				staleTokens = append(staleTokens, w.TimerToken)
			}
		}

		d := m.trigger.OnMerge(target, absorbed, ctx)

		for _, tok := range staleTokens {
			delete(m.byToken, tok)
		}

		if m.incrMerged != nil {
			m.incrMerged(int64(len(absorbed)))
		}

		// A merge can only report a fire obligation; the window stays.
		if d.ShouldFire() {
			m.emit(target)
		}
	}

	target.Acc = m.agg.Add(target.Acc, ev)

	m.applyDirective(set, target, m.trigger.OnElement(ev, target, ctx))

	return nil
}

func (m *Manager) processTimer(tok Token) {
	w, ok := m.byToken[tok]
	delete(m.byToken, tok)

	// Stale callback for a purged or merged-away window.
	if !ok || w.TimerToken != tok {
		return
	}

	set := m.keys[w.Key]
	if set == nil {
		return
	}

	m.applyDirective(set, w, m.trigger.OnTimer(w, &triggerContext{m: m, w: w}))
}

func (m *Manager) applyDirective(set *windowSet, w *Window, d Directive) {
	if d.ShouldFire() {
		m.emit(w)
	}

	if !d.ShouldPurge() {
		return
	}

	m.trigger.Clear(w, &triggerContext{m: m, w: w})
	set.remove(w)

	if set.empty() {
		delete(m.keys, w.Key)
	}

	if m.incrPurges != nil {
		m.incrPurges(1)
	}
}

func (m *Manager) emit(w *Window) {
	em := sink.Emission{
		Key:         w.Key,
		Result:      m.agg.Result(w.Acc),
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}

	if err := m.sink.Publish(context.Background(), em); err != nil {
		m.logger.Error(
			"failed to publish emission",
			slog.String("err", err.Error()),
			slog.String("key", w.Key),
			slog.Int64("window_start", w.Start),
			slog.Int64("window_end", w.End),
			slog.String("sink", fmt.Sprintf("%T", m.sink)),
		)

		if m.incrPublishFailed != nil {
			m.incrPublishFailed(1)
		}

		return
	}

	if m.incrFires != nil {
		m.incrFires(1)
	}
}

// drain emits every live window once and clears its timer, giving end-of-
// stream semantics on shutdown.
func (m *Manager) drain() {
	for key, set := range m.keys {
		for _, w := range set.windows {
			if w.Acc != nil {
				m.emit(w)
			}

			m.trigger.Clear(w, &triggerContext{m: m, w: w})
		}

		delete(m.keys, key)
	}
}

func (m *Manager) fatal(err error) {
	m.loopErr = err
	m.logger.Error("stopping session engine", slog.String("err", err.Error()))
}

// triggerContext binds timer registration to the window the trigger is
// operating on, so fired tokens can be routed back to it.
type triggerContext struct {
	m *Manager
	w *Window
}

func (c *triggerContext) Now() int64 { return c.m.timers.Now() }

func (c *triggerContext) RegisterTimer(deadline int64) Token {
	tok := c.m.timers.Register(deadline)
	c.m.byToken[tok] = c.w

	return tok
}

func (c *triggerContext) CancelTimer(tok Token) {
	c.m.timers.Cancel(tok)
	delete(c.m.byToken, tok)
}
