package tag

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// outcome labels one render's path through the state machine.
type outcome string

const (
	outcomeHit  outcome = "hit"
	outcomeMiss outcome = "miss"
)

// renderMetrics records per-render telemetry.
type renderMetrics struct {
	hits           metric.Int64Counter
	misses         metric.Int64Counter
	decodeFailures metric.Int64Counter
	backendErrors  metric.Int64Counter
	durationHist   metric.Float64Histogram
}

func newRenderMetrics(meter metric.Meter) (*renderMetrics, error) {
	hits, err := meter.Int64Counter(
		"fragcache.render.hits",
		metric.WithDescription("Renders served from the cache backend"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"fragcache.render.misses",
		metric.WithDescription("Renders that rebuilt the fragment"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		return nil, err
	}

	decodeFailures, err := meter.Int64Counter(
		"fragcache.render.decode_failures",
		metric.WithDescription("Stored payloads rejected as corrupt or incompatible"),
		metric.WithUnit("{payload}"),
	)
	if err != nil {
		return nil, err
	}

	backendErrors, err := meter.Int64Counter(
		"fragcache.render.backend_errors",
		metric.WithDescription("Cache backend failures absorbed by fail-open rendering"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"fragcache.render.duration_ms",
		metric.WithDescription("Fragment render duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &renderMetrics{
		hits:           hits,
		misses:         misses,
		decodeFailures: decodeFailures,
		backendErrors:  backendErrors,
		durationHist:   durationHist,
	}, nil
}

func (m *renderMetrics) record(ctx context.Context, fragment string, out outcome, duration time.Duration) {
	opt := metric.WithAttributes(attribute.String("fragment", fragment))

	switch out {
	case outcomeHit:
		m.hits.Add(ctx, 1, opt)
	case outcomeMiss:
		m.misses.Add(ctx, 1, opt)
	}

	m.durationHist.Record(ctx, float64(duration.Microseconds())/1000.0, opt)
}

func (m *renderMetrics) recordDecodeFailure(ctx context.Context, fragment string) {
	m.decodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("fragment", fragment)))
}

func (m *renderMetrics) recordBackendError(ctx context.Context, fragment, op string) {
	m.backendErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fragment", fragment),
		attribute.String("op", op),
	))
}
