package orchestrator

//go:generate mockgen -source=orchestrator.go -destination=./mocks/mock_orchestrator.go -package=mocks

import (
	"context"
	"log/slog"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	cfgpkg "github.com/telemetrylab/session-aggregator/internal/config"
	"github.com/telemetrylab/session-aggregator/internal/session"
	"github.com/telemetrylab/session-aggregator/internal/sink"
)

const instrumentationName = "github.com/telemetrylab/session-aggregator"

// Orchestrator is the boundary the ingestion front-ends talk to.
type Orchestrator interface {
	KeyAttribute() string
	ValueAttribute() string
	Enqueue(ev session.Event) bool
	EnqueueBatch(evs []session.Event) bool
	RecordDrop(n uint64)
	IncrMetric(ctx context.Context, mt MetricType, n int64)
}

// orchestratorSvc holds all instance-scoped dependencies and metrics.
type orchestratorSvc struct {
	Cfg    cfgpkg.Config
	Logger *slog.Logger
	Tracer oteltrace.Tracer
	Meter  otelmetric.Meter

	// Metrics
	EventsReceived  otelmetric.Int64Counter
	EventsProcessed otelmetric.Int64Counter
	EventsDropped   otelmetric.Int64Counter
	WindowsMerged   otelmetric.Int64Counter
	WindowsFired    otelmetric.Int64Counter
	WindowsPurged   otelmetric.Int64Counter
	PublishFailed   otelmetric.Int64Counter

	Manager *session.Manager

	outSink sink.Sink
	clock   clockz.Clock

	mgrCancel context.CancelFunc
}

// Option customizes the service at construction time.
type Option func(*orchestratorSvc) error

// WithSink overrides the default stdout JSON sink with a custom sink (useful for tests).
func WithSink(s sink.Sink) Option {
	return func(svc *orchestratorSvc) error { svc.outSink = s; return nil }
}

// WithClock overrides the processing clock (useful for tests).
func WithClock(c clockz.Clock) Option {
	return func(svc *orchestratorSvc) error { svc.clock = c; return nil }
}

func New(cfg cfgpkg.Config, logger *slog.Logger, opts ...Option) (*orchestratorSvc, error) {
	s := &orchestratorSvc{
		Cfg:    cfg,
		Logger: logger,
		Tracer: otel.Tracer(instrumentationName),
		Meter:  otel.Meter(instrumentationName),
	}

	var err error
	if s.EventsReceived, err = s.Meter.Int64Counter(
		"io.telemetrylab.sessionagg.events.received",
		otelmetric.WithDescription("The number of events received by session-aggregator"),
		otelmetric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if s.EventsProcessed, err = s.Meter.Int64Counter(
		"io.telemetrylab.sessionagg.events.processed",
		otelmetric.WithDescription("The number of events accepted into the engine queue"),
		otelmetric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if s.EventsDropped, err = s.Meter.Int64Counter(
		"io.telemetrylab.sessionagg.events.dropped",
		otelmetric.WithDescription("The number of events dropped because the queue was full"),
		otelmetric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if s.WindowsMerged, err = s.Meter.Int64Counter(
		"io.telemetrylab.sessionagg.windows.merged",
		otelmetric.WithDescription("The number of session windows absorbed by merges"),
		otelmetric.WithUnit("{window}"),
	); err != nil {
		return nil, err
	}

	if s.WindowsFired, err = s.Meter.Int64Counter(
		"io.telemetrylab.sessionagg.windows.fired",
		otelmetric.WithDescription("The number of window emissions published"),
		otelmetric.WithUnit("{emission}"),
	); err != nil {
		return nil, err
	}

	if s.WindowsPurged, err = s.Meter.Int64Counter(
		"io.telemetrylab.sessionagg.windows.purged",
		otelmetric.WithDescription("The number of session windows purged"),
		otelmetric.WithUnit("{window}"),
	); err != nil {
		return nil, err
	}

	if s.PublishFailed, err = s.Meter.Int64Counter(
		"io.telemetrylab.sessionagg.publish.failed",
		otelmetric.WithDescription("Number of failed emission publishes"),
		otelmetric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.outSink == nil {
		s.outSink = sink.NewStdoutJSON()
	}

	if s.clock == nil {
		s.clock = clockz.RealClock
	}

	policy := session.PolicyHold
	if cfg.ClosePolicy == cfgpkg.ClosePolicyGap {
		policy = session.PolicyCloseOnGap
	}

	s.Manager = session.NewManager(
		session.NewAverageAggregator(),
		session.NewCountTrigger(cfg.FireThreshold, policy),
		session.ConstantGap(cfg.Gap),
		s.clock,
		s.outSink,
		logger,
		cfg.MaxQueue,
	)

	// Wire manager metric callbacks
	s.Manager.SetMetricsCallbacks(
		func(n int64) { s.IncrMetric(context.Background(), MetricWindowsMerged, n) },
		func(n int64) { s.IncrMetric(context.Background(), MetricWindowsFired, n) },
		func(n int64) { s.IncrMetric(context.Background(), MetricWindowsPurged, n) },
		func(n int64) { s.IncrMetric(context.Background(), MetricPublishFailed, n) },
	)

	return s, nil
}

// Start starts the engine loop. It is safe to call more than once; subsequent
// calls are no-ops until Close.
func (s *orchestratorSvc) Start(ctx context.Context) {
	if s.Manager == nil || s.mgrCancel != nil {
		return
	}

	ctx, span := s.Tracer.Start(ctx, "orchestrator.Start")
	defer span.End()

	s.Logger.DebugContext(ctx, "orchestrator.Start: begin")
	mgrCtx, cancel := context.WithCancel(ctx)
	s.mgrCancel = cancel
	s.Manager.Start(mgrCtx)
	s.Logger.DebugContext(ctx, "orchestrator.Start: started engine", slog.Int("queue_len", s.Manager.QueueLen()))
}

// Close stops the engine loop and waits for it to drain.
func (s *orchestratorSvc) Close(ctx context.Context) error {
	ctx, span := s.Tracer.Start(ctx, "orchestrator.Close")
	defer span.End()

	s.Logger.DebugContext(ctx, "orchestrator.Close: begin")

	var err error

	if s.mgrCancel != nil {
		s.mgrCancel()

		if s.Manager != nil {
			err = s.Manager.Stop(ctx)
		}

		s.mgrCancel = nil
	}

	s.Logger.DebugContext(ctx, "orchestrator.Close: end")

	return err
}

// KeyAttribute returns the attribute carrying the session key.
func (s *orchestratorSvc) KeyAttribute() string { return s.Cfg.KeyAttribute }

// ValueAttribute returns the attribute carrying the numeric event value.
func (s *orchestratorSvc) ValueAttribute() string { return s.Cfg.ValueAttribute }

// Enqueue forwards one event to the engine if present.
func (s *orchestratorSvc) Enqueue(ev session.Event) bool {
	if s.Manager == nil {
		return false
	}

	return s.Manager.Enqueue(ev)
}

// EnqueueBatch forwards a batch of events to the engine if present.
func (s *orchestratorSvc) EnqueueBatch(evs []session.Event) bool {
	if s.Manager == nil {
		return false
	}
	// Use a background context for logging/tracing as this method has no ctx param
	ctx, span := s.Tracer.Start(context.Background(), "orchestrator.EnqueueBatch")
	defer span.End()

	span.SetAttributes(attribute.Int("batch.size", len(evs)))
	s.Logger.DebugContext(ctx, "orchestrator.EnqueueBatch: begin", slog.Int("batch_size", len(evs)))
	ok := s.Manager.EnqueueBatch(evs)
	s.Logger.DebugContext(ctx, "orchestrator.EnqueueBatch: end", slog.Bool("enqueued", ok), slog.Int("queue_len", s.Manager.QueueLen()))

	return ok
}

// RecordDrop forwards a drop count to the engine if present.
func (s *orchestratorSvc) RecordDrop(n uint64) {
	ctx, span := s.Tracer.Start(context.Background(), "orchestrator.RecordDrop")
	defer span.End()

	span.SetAttributes(attribute.Int64("dropped", int64(n)))

	if s.Manager != nil {
		s.Manager.RecordDrop(n)
	}

	s.Logger.DebugContext(ctx, "orchestrator.RecordDrop", slog.Uint64("n", n))
}

// MetricType enumerates orchestrator metric counters.
type MetricType int

const (
	MetricEventsReceived MetricType = iota
	MetricEventsProcessed
	MetricEventsDropped
	MetricWindowsMerged
	MetricWindowsFired
	MetricWindowsPurged
	MetricPublishFailed
)

// IncrMetric increments the selected metric by n (if n > 0).
func (s *orchestratorSvc) IncrMetric(ctx context.Context, mt MetricType, n int64) {
	if n <= 0 {
		return
	}

	switch mt {
	case MetricEventsReceived:
		s.EventsReceived.Add(ctx, n)
	case MetricEventsProcessed:
		s.EventsProcessed.Add(ctx, n)
	case MetricEventsDropped:
		s.EventsDropped.Add(ctx, n)
	case MetricWindowsMerged:
		s.WindowsMerged.Add(ctx, n)
	case MetricWindowsFired:
		s.WindowsFired.Add(ctx, n)
	case MetricWindowsPurged:
		s.WindowsPurged.Add(ctx, n)
	case MetricPublishFailed:
		s.PublishFailed.Add(ctx, n)
	}
}
