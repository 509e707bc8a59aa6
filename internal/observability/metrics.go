package observability

import "go.opentelemetry.io/otel/metric"

// Metrics holds all fleetcore metrics instruments.
type Metrics struct {
	TransitionDuration metric.Float64Histogram
	TransitionErrors   metric.Int64Counter
	WorkersRunning     metric.Int64UpDownCounter
	SweepCandidates    metric.Int64Counter
	SweepActions       metric.Int64Counter
	StreamEventsPub    metric.Int64Counter
	StreamEventsDrop   metric.Int64Counter
	StreamSubscribers  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TransitionDuration, err = meter.Float64Histogram("fleetcore.worker.transition.duration",
		metric.WithDescription("Lifecycle manager transition duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionErrors, err = meter.Int64Counter("fleetcore.worker.transition.errors",
		metric.WithDescription("Lifecycle manager transitions that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkersRunning, err = meter.Int64UpDownCounter("fleetcore.worker.running",
		metric.WithDescription("Number of session workers currently in the running state"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepCandidates, err = meter.Int64Counter("fleetcore.sweep.candidates",
		metric.WithDescription("Candidates returned by a sweeper list query"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepActions, err = meter.Int64Counter("fleetcore.sweep.actions",
		metric.WithDescription("Sweep actions actually applied (post re-check under lock)"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEventsPub, err = meter.Int64Counter("fleetcore.stream.events.published",
		metric.WithDescription("Envelopes published on the run stream bus"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEventsDrop, err = meter.Int64Counter("fleetcore.stream.events.evicted",
		metric.WithDescription("Buffered envelopes evicted once a stream exceeded maxEventsPerStream"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamSubscribers, err = meter.Int64UpDownCounter("fleetcore.stream.subscribers",
		metric.WithDescription("Live subscribers across all streams"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
