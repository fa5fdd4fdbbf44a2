package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	SubtaskDuration   metric.Float64Histogram
	ModelCallDuration metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	RecoveryTotal     metric.Int64Counter
	SubtasksInFlight  metric.Int64UpDownCounter
	StreamFrames      metric.Int64Counter
	ActionsRejected   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("workforce.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtaskDuration, err = meter.Float64Histogram("workforce.subtask.duration",
		metric.WithDescription("Subtask processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelCallDuration, err = meter.Float64Histogram("workforce.model.duration",
		metric.WithDescription("Model API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("workforce.model.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryTotal, err = meter.Int64Counter("workforce.recovery.total",
		metric.WithDescription("Recovery strategies applied"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtasksInFlight, err = meter.Int64UpDownCounter("workforce.subtask.in_flight",
		metric.WithDescription("Number of subtasks currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamFrames, err = meter.Int64Counter("workforce.stream.frames",
		metric.WithDescription("Total SSE frames delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsRejected, err = meter.Int64Counter("workforce.actions.rejected",
		metric.WithDescription("Action records rejected by a full queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
