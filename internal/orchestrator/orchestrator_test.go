package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/mock/gomock"

	cfgpkg "github.com/telemetrylab/session-aggregator/internal/config"
	"github.com/telemetrylab/session-aggregator/internal/session"
	"github.com/telemetrylab/session-aggregator/internal/sink"
	"github.com/telemetrylab/session-aggregator/internal/sink/mocks"
)

func testConfig() cfgpkg.Config {
	return cfgpkg.Config{
		ListenAddr:            "localhost:0",
		MaxReceiveMessageSize: 1024,
		KeyAttribute:          "session.key",
		ValueAttribute:        "session.value",
		Gap:                   10 * time.Second,
		FireThreshold:         10,
		ClosePolicy:           cfgpkg.ClosePolicyHold,
		MaxQueue:              128,
		OutputFormat:          "json",
		LogLevel:              "info",
		GracefulTimeout:       time.Second,
	}
}

func TestNew_ConstructsEngine(t *testing.T) {
	svc, err := New(testConfig(), slog.Default(), WithClock(clockz.NewFakeClock()))
	require.NoError(t, err)
	require.NotNil(t, svc.Manager)
	require.Equal(t, "session.key", svc.KeyAttribute())
	require.Equal(t, "session.value", svc.ValueAttribute())
}

func TestStartClose_Idempotent(t *testing.T) {
	svc, err := New(testConfig(), slog.Default(), WithClock(clockz.NewFakeClock()))
	require.NoError(t, err)

	ctx := context.Background()
	svc.Start(ctx)
	svc.Start(ctx)

	require.NoError(t, svc.Close(ctx))
	require.NoError(t, svc.Close(ctx))
}

func TestEnqueue_ThresholdFirePublishesToSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSink := mocks.NewMockSink(ctrl)

	cfg := testConfig()
	cfg.FireThreshold = 3

	svc, err := New(cfg, slog.Default(), WithSink(mockSink), WithClock(clockz.NewFakeClock()))
	require.NoError(t, err)

	// The window survives the threshold fire, so the shutdown drain
	// publishes it once more.
	published := make(chan sink.Emission, 2)
	mockSink.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e sink.Emission) error {
			published <- e
			return nil
		}).
		Times(2)

	ctx := context.Background()
	svc.Start(ctx)

	defer func() { require.NoError(t, svc.Close(ctx)) }()

	for i := int64(1); i <= 3; i++ {
		require.True(t, svc.Enqueue(session.Event{Key: "checkout", Value: i * 2, Timestamp: 1_700_000_000_000}))
	}

	select {
	case e := <-published:
		require.Equal(t, "checkout", e.Key)
		require.EqualValues(t, 4, e.Result)
		require.EqualValues(t, 1_700_000_000_000, e.WindowStart)
		require.EqualValues(t, 1_700_000_010_000, e.WindowEnd)
	case <-time.After(2 * time.Second):
		t.Fatal("no emission published")
	}
}

func TestClose_SurfacesEngineFailure(t *testing.T) {
	cfg := testConfig()
	// Validate would reject this; feeding it straight in exercises the
	// engine's own fail-fast path.
	cfg.Gap = 0

	svc, err := New(cfg, slog.Default(), WithClock(clockz.NewFakeClock()))
	require.NoError(t, err)

	ctx := context.Background()
	svc.Start(ctx)

	require.True(t, svc.Enqueue(session.Event{Key: "a", Value: 1}))

	// Once the loop has died, producers are refused instead of filling a
	// queue nothing drains.
	require.Eventually(t, func() bool {
		return !svc.Enqueue(session.Event{Key: "a", Value: 2})
	}, 2*time.Second, 5*time.Millisecond)

	err = svc.Close(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "gap")
}

func TestEnqueueBatch_RejectedWithoutEngine(t *testing.T) {
	svc, err := New(testConfig(), slog.Default(), WithClock(clockz.NewFakeClock()))
	require.NoError(t, err)

	svc.Manager = nil

	require.False(t, svc.Enqueue(session.Event{Key: "a", Value: 1}))
	require.False(t, svc.EnqueueBatch([]session.Event{{Key: "a", Value: 1}}))
}
