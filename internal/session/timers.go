package session

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// timerService schedules deadline callbacks on a clockz.Clock and delivers
// fired tokens on a channel the manager loop consumes, so timer handling is
// serialized with event processing. Cancellation is idempotent and safe to
// race with delivery: a token cancelled while its clock callback runs is
// never delivered, and cancelling a delivered or unknown token is a no-op.
type timerService struct {
	clock   clockz.Clock
	fired   chan Token
	stopped chan struct{}

	mu     sync.Mutex
	next   Token
	timers map[Token]clockz.Timer
}

func newTimerService(clock clockz.Clock, buf int) *timerService {
	if buf < 64 {
		buf = 64
	}

	return &timerService{
		clock:   clock,
		fired:   make(chan Token, buf),
		stopped: make(chan struct{}),
		timers:  make(map[Token]clockz.Timer),
	}
}

// Now returns the current processing time in milliseconds.
func (s *timerService) Now() int64 { return s.clock.Now().UnixMilli() }

// Register schedules a callback at deadline (ms since epoch) and returns its
// token. Past deadlines fire immediately.
func (s *timerService) Register(deadline int64) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	tok := s.next

	d := time.Duration(deadline-s.clock.Now().UnixMilli()) * time.Millisecond
	if d < 0 {
		d = 0
	}

	s.timers[tok] = s.clock.AfterFunc(d, func() { s.deliver(tok) })

	return tok
}

// Cancel stops a registration. Unknown, already-cancelled, and
// already-delivered tokens are no-ops.
func (s *timerService) Cancel(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[tok]; ok {
		t.Stop()
		delete(s.timers, tok)
	}
}

// Fired is the delivery channel consumed by the manager loop.
func (s *timerService) Fired() <-chan Token { return s.fired }

func (s *timerService) deliver(tok Token) {
	s.mu.Lock()
	_, live := s.timers[tok]
	delete(s.timers, tok)
	s.mu.Unlock()

	// Lost the race against Cancel.
	if !live {
		return
	}

	// Nothing drains fired after shutdown, so a late delivery must not hold
	// the clock's callback goroutine.
	select {
	case s.fired <- tok:
	case <-s.stopped:
	}
}

// stopAll cancels every outstanding registration and releases any delivery
// blocked on a full channel.
func (s *timerService) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, t := range s.timers {
		t.Stop()
		delete(s.timers, tok)
	}

	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}
