package otlp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	otellogs "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/telemetrylab/session-aggregator/internal/orchestrator"
	"github.com/telemetrylab/session-aggregator/internal/session"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	accept  bool
	batches [][]session.Event
	dropped uint64
	metrics map[orchestrator.MetricType]int64
}

func newFakeOrchestrator(accept bool) *fakeOrchestrator {
	return &fakeOrchestrator{accept: accept, metrics: make(map[orchestrator.MetricType]int64)}
}

func (f *fakeOrchestrator) KeyAttribute() string   { return "session.key" }
func (f *fakeOrchestrator) ValueAttribute() string { return "session.value" }

func (f *fakeOrchestrator) Enqueue(ev session.Event) bool {
	return f.EnqueueBatch([]session.Event{ev})
}

func (f *fakeOrchestrator) EnqueueBatch(evs []session.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.accept {
		return false
	}

	f.batches = append(f.batches, evs)

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

func logRecord(attrs ...*commonpb.KeyValue) *otellogs.LogRecord {
	return &otellogs.LogRecord{Attributes: attrs}
}

func exportRequest(records ...*otellogs.LogRecord) *collogspb.ExportLogsServiceRequest {
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*otellogs.ResourceLogs{
			{
				Resource:  &resourcepb.Resource{},
				ScopeLogs: []*otellogs.ScopeLogs{{LogRecords: records}},
			},
		},
	}
}

func TestExport_BuildsSessionEvents(t *testing.T) {
	f := newFakeOrchestrator(true)
	srv := NewServer(f, clockz.NewFakeClock())

	resp, err := srv.Export(context.Background(), exportRequest(
		logRecord(kvStr("session.key", "a"), kvInt("session.value", 7)),
		logRecord(kvStr("session.key", "b"), kvStr("session.value", "11")),
	))
	require.NoError(t, err)
	require.Zero(t, resp.GetPartialSuccess().GetRejectedLogRecords())

	require.Len(t, f.batches, 1)
	batch := f.batches[0]
	require.Len(t, batch, 2)
	require.Equal(t, "a", batch[0].Key)
	require.EqualValues(t, 7, batch[0].Value)
	require.Equal(t, "b", batch[1].Key)
	require.EqualValues(t, 11, batch[1].Value)
	// Both events stamped from the same processing clock read.
	require.Equal(t, batch[0].Timestamp, batch[1].Timestamp)
}

func TestExport_MissingKeyFallsBackToUnknown(t *testing.T) {
	f := newFakeOrchestrator(true)
	srv := NewServer(f, clockz.NewFakeClock())

	_, err := srv.Export(context.Background(), exportRequest(
		logRecord(kvInt("session.value", 3)),
	))
	require.NoError(t, err)

	require.Len(t, f.batches, 1)
	require.Equal(t, "unknown", f.batches[0][0].Key)
}

func TestExport_NonNumericValueRejected(t *testing.T) {
	f := newFakeOrchestrator(true)
	srv := NewServer(f, clockz.NewFakeClock())

	resp, err := srv.Export(context.Background(), exportRequest(
		logRecord(kvStr("session.key", "a"), kvStr("session.value", "not-a-number")),
		logRecord(kvStr("session.key", "a"), kvInt("session.value", 1)),
	))
	require.NoError(t, err)
	require.EqualValues(t, 1, resp.GetPartialSuccess().GetRejectedLogRecords())

	require.Len(t, f.batches, 1)
	require.Len(t, f.batches[0], 1)
}

func TestExport_QueueFullRecordsDrop(t *testing.T) {
	f := newFakeOrchestrator(false)
	srv := NewServer(f, clockz.NewFakeClock())

	resp, err := srv.Export(context.Background(), exportRequest(
		logRecord(kvStr("session.key", "a"), kvInt("session.value", 1)),
		logRecord(kvStr("session.key", "a"), kvInt("session.value", 2)),
	))
	require.NoError(t, err)
	require.EqualValues(t, 2, resp.GetPartialSuccess().GetRejectedLogRecords())
	require.EqualValues(t, 2, f.dropped)
	require.EqualValues(t, 2, f.metrics[orchestrator.MetricEventsDropped])
}
