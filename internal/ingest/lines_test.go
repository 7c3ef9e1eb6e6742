package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/telemetrylab/session-aggregator/internal/orchestrator"
	"github.com/telemetrylab/session-aggregator/internal/session"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantKey   string
		wantValue int64
		wantErr   bool
	}{
		{name: "simple", line: "checkout 42", wantKey: "checkout", wantValue: 42},
		{name: "negative value", line: "search -7", wantKey: "search", wantValue: -7},
		{name: "tabs and runs of spaces", line: "a\t\t  99", wantKey: "a", wantValue: 99},
		{name: "extra fields ignored", line: "a 1 trailing junk", wantKey: "a", wantValue: 1},
		{name: "missing value", line: "lonely", wantErr: true},
		{name: "non-numeric value", line: "a banana", wantErr: true},
		{name: "float value", line: "a 1.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, value, err := ParseLine(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantKey, key)
			require.Equal(t, tt.wantValue, value)
		})
	}
}

type fakeOrchestrator struct {
	mu      sync.Mutex
	accept  bool
	events  []session.Event
	dropped uint64
	metrics map[orchestrator.MetricType]int64
}

func newFakeOrchestrator(accept bool) *fakeOrchestrator {
	return &fakeOrchestrator{accept: accept, metrics: make(map[orchestrator.MetricType]int64)}
}

func (f *fakeOrchestrator) KeyAttribute() string   { return "session.key" }
func (f *fakeOrchestrator) ValueAttribute() string { return "session.value" }

func (f *fakeOrchestrator) Enqueue(ev session.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.accept {
		return false
	}

	f.events = append(f.events, ev)

	return true
}

func (f *fakeOrchestrator) EnqueueBatch(evs []session.Event) bool {
	for _, ev := range evs {
		if !f.Enqueue(ev) {
			return false
		}
	}

	return true
}

func (f *fakeOrchestrator) RecordDrop(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped += n
}

func (f *fakeOrchestrator) IncrMetric(_ context.Context, mt orchestrator.MetricType, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[mt] += n
}

func (f *fakeOrchestrator) snapshot() []session.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]session.Event(nil), f.events...)
}

func startLineSource(t *testing.T, f *fakeOrchestrator) (addr string, stop func()) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	src := NewLineSource(lis, f, clockz.NewFakeClock(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- src.Serve(ctx) }()

	return lis.Addr().String(), func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestLineSource_EndToEnd(t *testing.T) {
	f := newFakeOrchestrator(true)
	addr, stop := startLineSource(t, f)

	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = fmt.Fprint(conn, "checkout 10\n\nsearch -3\nbroken\ncheckout 20\n")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(f.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	events := f.snapshot()
	require.Equal(t, "checkout", events[0].Key)
	require.EqualValues(t, 10, events[0].Value)
	require.Equal(t, "search", events[1].Key)
	require.EqualValues(t, -3, events[1].Value)
	require.Equal(t, "checkout", events[2].Key)
	require.EqualValues(t, 20, events[2].Value)
}

func TestLineSource_QueueFullRecordsDrops(t *testing.T) {
	f := newFakeOrchestrator(false)
	addr, stop := startLineSource(t, f)

	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = fmt.Fprint(conn, "a 1\na 2\n")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()

		return f.dropped == 2 && f.metrics[orchestrator.MetricEventsDropped] == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Empty(t, f.snapshot())
}
