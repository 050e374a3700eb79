package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type controllerMetrics struct {
	transitions metric.Int64Counter
	dispatch    metric.Float64Histogram
}

func newControllerMetrics() (*controllerMetrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/session")
	transitions, err := meter.Int64Counter("loqa.voice.transitions",
		metric.WithDescription("Session state transitions by target state"))
	if err != nil {
		return nil, err
	}
	dispatch, err := meter.Float64Histogram("loqa.voice.dispatch.duration",
		metric.WithDescription("Backend dispatch latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &controllerMetrics{transitions: transitions, dispatch: dispatch}, nil
}

func (m *controllerMetrics) recordTransition(state State) {
	if m == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(state))))
}

func (m *controllerMetrics) recordDispatch(kind DispatchKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.Record(context.Background(), float64(elapsed.Milliseconds()),
		metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("outcome", outcome),
		))
}
