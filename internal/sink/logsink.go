package sink

import (
	"context"
	"log/slog"
)

// LogSink publishes emissions through a slog.Logger, for the "log" output
// format.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging each emission at info level.
func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Publish(ctx context.Context, e Emission) error {
	s.logger.InfoContext(ctx, "session window emission",
		slog.String("key", e.Key),
		slog.Int64("result", e.Result),
		slog.Int64("window_start", e.WindowStart),
		slog.Int64("window_end", e.WindowEnd),
	)

	return nil
}
