// Package ingest provides the line-protocol TCP source: each line is a
// whitespace-delimited "key value" pair. Timestamps are assigned from the
// processing clock at ingestion.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/zoobzio/clockz"

	"github.com/telemetrylab/session-aggregator/internal/orchestrator"
	"github.com/telemetrylab/session-aggregator/internal/session"
)

// LineSource accepts TCP connections and feeds parsed events into the
// orchestrator. Malformed lines are counted and dropped at this boundary;
// they never reach the engine.
type LineSource struct {
	orchestratorSvc orchestrator.Orchestrator
	clock           clockz.Clock
	logger          *slog.Logger

	lis net.Listener
	wg  sync.WaitGroup
}

// NewLineSource wraps an already-open listener.
func NewLineSource(lis net.Listener, svc orchestrator.Orchestrator, clock clockz.Clock, logger *slog.Logger) *LineSource {
	return &LineSource{
		orchestratorSvc: svc,
		clock:           clock,
		logger:          logger,
		lis:             lis,
	}
}

// Serve accepts connections until the listener closes or the context is
// canceled. It returns nil on graceful shutdown.
func (s *LineSource) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.lis.Close()
	}()

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			s.wg.Wait()

			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *LineSource) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	s.logger.DebugContext(ctx, "line connection opened", slog.String("remote", conn.RemoteAddr().String()))

	var received, processed, dropped, malformed int64

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		received++

		key, value, err := ParseLine(line)
		if err != nil {
			malformed++
			continue
		}

		ev := session.Event{Key: key, Value: value, Timestamp: s.clock.Now().UnixMilli()}
		if s.orchestratorSvc.Enqueue(ev) {
			processed++
		} else {
			dropped++
			s.orchestratorSvc.RecordDrop(1)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "line connection read error", slog.String("err", err.Error()))
	}

	s.orchestratorSvc.IncrMetric(ctx, orchestrator.MetricEventsReceived, received)
	s.orchestratorSvc.IncrMetric(ctx, orchestrator.MetricEventsProcessed, processed)
	s.orchestratorSvc.IncrMetric(ctx, orchestrator.MetricEventsDropped, dropped)

	s.logger.DebugContext(ctx, "line connection closed",
		slog.Int64("received", received),
		slog.Int64("processed", processed),
		slog.Int64("dropped", dropped),
		slog.Int64("malformed", malformed),
	)
}

// ParseLine splits a whitespace-delimited "key value" line. Extra fields
// after the value are ignored.
func ParseLine(line string) (key string, value int64, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("ingest: expected \"key value\", got %q", line)
	}

	value, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("ingest: bad value in %q: %w", line, err)
	}

	return fields[0], value, nil
}
