package sink

import "context"

//go:generate mockgen -source=sink.go -destination=./mocks/mock_sink.go -package=mocks

// Emission is the projected aggregate of one session window at the moment a
// trigger fired. Emissions for the same key are published in firing order.
type Emission struct {
	Key         string `json:"key"`
	Result      int64  `json:"result"`
	WindowStart int64  `json:"window_start"`
	WindowEnd   int64  `json:"window_end"`
}

// Sink publishes per-window emissions.
type Sink interface {
	Publish(ctx context.Context, e Emission) error
}
