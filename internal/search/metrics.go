package search

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var searchMetrics struct {
	latencyMs metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/thrr87/hoard/internal/search")
	searchMetrics.latencyMs, _ = m.Float64Histogram("hoard.search.latency_ms",
		metric.WithDescription("Time spent ranking one hybrid search query, by query kind"),
		metric.WithUnit("ms"),
	)
}

// recordLatency times a query kind ("entity" or "memory") for the OTel
// histogram. Deferred at the top of the exported query functions so every
// return path, including early errors, is measured.
func recordLatency(ctx context.Context, kind string, start time.Time) {
	searchMetrics.latencyMs.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("kind", kind)))
}
