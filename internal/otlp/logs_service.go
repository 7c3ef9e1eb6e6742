package otlp

import (
	"context"
	"log/slog"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"

	"github.com/telemetrylab/session-aggregator/internal/orchestrator"
	"github.com/telemetrylab/session-aggregator/internal/session"
)

type logsServiceServer struct {
	orchestratorSvc orchestrator.Orchestrator
	clock           clockz.Clock
	collogspb.UnimplementedLogsServiceServer
}

// NewServer returns a LogsServiceServer that turns each log record into a
// session event: the key comes from the configured key attribute, the value
// from the configured numeric attribute. Timestamps are stamped from the
// processing clock at ingestion, not taken from the record.
func NewServer(svc orchestrator.Orchestrator, clock clockz.Clock) collogspb.LogsServiceServer {
	return &logsServiceServer{orchestratorSvc: svc, clock: clock}
}

func (l *logsServiceServer) Export(ctx context.Context, request *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	// Use the span started by the gRPC OTel interceptor.
	span := oteltrace.SpanFromContext(ctx)

	slog.DebugContext(ctx, "Received ExportLogsServiceRequest")

	var rejected uint64

	var receivedCount int64

	var processedCount int64

	var droppedCount int64

	now := l.clock.Now().UnixMilli()

	// Collect events for this request and enqueue as a single batch.
	var batch []session.Event

	for _, rl := range request.GetResourceLogs() {
		// Safe even if Resource is nil; GetAttributes() returns nil in that case.
		resAttrs := rl.GetResource().GetAttributes()

		for _, sl := range rl.GetScopeLogs() {
			scopeAttrs := sl.GetScope().GetAttributes()

			for _, rec := range sl.GetLogRecords() {
				receivedCount++

				key, ok := ExtractAttr(l.orchestratorSvc.KeyAttribute(), rec.GetAttributes(), scopeAttrs, resAttrs)
				if !ok {
					key = "unknown"
				}

				val, ok := ExtractNumeric(l.orchestratorSvc.ValueAttribute(), rec.GetAttributes(), scopeAttrs, resAttrs)
				if !ok {
					// No usable numeric value; reject the record.
					rejected++
					continue
				}

				batch = append(batch, session.Event{Key: key, Value: val, Timestamp: now})
			}
		}
	}

	// Enqueue non-blocking as a single batch; on failure, record drop for all.
	if l.orchestratorSvc.EnqueueBatch(batch) {
		processedCount += int64(len(batch))
	} else {
		rejected += uint64(len(batch))
		droppedCount += int64(len(batch))
		l.orchestratorSvc.RecordDrop(uint64(len(batch)))
	}

	// Update metrics once per request.
	l.orchestratorSvc.IncrMetric(ctx, orchestrator.MetricEventsReceived, receivedCount)
	l.orchestratorSvc.IncrMetric(ctx, orchestrator.MetricEventsProcessed, processedCount)
	l.orchestratorSvc.IncrMetric(ctx, orchestrator.MetricEventsDropped, droppedCount)

	resp := &collogspb.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{RejectedLogRecords: int64(rejected)}
	}

	// Add summary attributes to the RPC span and exit debug log
	span.SetAttributes(
		attribute.Int64("events.received", receivedCount),
		attribute.Int64("events.processed", processedCount),
		attribute.Int64("events.dropped", droppedCount),
		attribute.Int64("events.rejected", int64(rejected)),
		attribute.Int("batch.size", len(batch)),
	)
	slog.DebugContext(
		ctx,
		"Completed ExportLogsServiceRequest",
		slog.Int64("received", receivedCount),
		slog.Int64("processed", processedCount),
		slog.Int64("dropped", droppedCount),
		slog.Uint64("rejected", rejected),
		slog.Int("batch_size", len(batch)),
	)

	return resp, nil
}
