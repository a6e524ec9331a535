package worker

import (
	"context"
	"database/sql"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// workerMetrics holds the OTel instruments for the background worker.
// They are registered against the global delegating provider at init
// time, matching the teacher's pattern for database-layer instruments: a
// no-op provider until something calls otel.SetMeterProvider, so this
// package never needs to know whether metrics are actually exported.
var workerMetrics struct {
	jobsProcessed metric.Int64Counter
	jobDurationMs metric.Float64Histogram
	queueDepth    metric.Int64Histogram
}

func init() {
	m := otel.Meter("github.com/thrr87/hoard/internal/worker")
	workerMetrics.jobsProcessed, _ = m.Int64Counter("hoard.worker.jobs_processed",
		metric.WithDescription("Background jobs dispatched, by job type and outcome"),
		metric.WithUnit("{job}"),
	)
	workerMetrics.jobDurationMs, _ = m.Float64Histogram("hoard.worker.job_duration_ms",
		metric.WithDescription("Time spent handling one background job"),
		metric.WithUnit("ms"),
	)
	workerMetrics.queueDepth, _ = m.Int64Histogram("hoard.worker.queue_depth",
		metric.WithDescription("Pending background_jobs rows observed at the start of each poll"),
		metric.WithUnit("{job}"),
	)
}

// recordQueueDepth samples the pending queue size once per tick. A
// histogram rather than an async gauge, since the worker already has a
// natural sampling point (the poll tick) and this avoids registering a
// callback that outlives the Worker.
func recordQueueDepth(ctx context.Context, reader *sql.DB) {
	var n int64
	if err := reader.QueryRowContext(ctx, `SELECT count(*) FROM background_jobs WHERE status = 'pending'`).Scan(&n); err != nil {
		return
	}
	workerMetrics.queueDepth.Record(ctx, n)
}

func jobOutcomeAttr(jobType string, failed bool) attribute.Set {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	return attribute.NewSet(
		attribute.String("job_type", jobType),
		attribute.String("outcome", outcome),
	)
}
