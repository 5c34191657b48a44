package workflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/researcher/internal/stage"
)

var (
	metricsOnce    sync.Once
	runCounter     otelmetric.Int64Counter
	durationHist   otelmetric.Float64Histogram
	costCounter    otelmetric.Float64Counter
	metricsInitErr error
)

func initWorkflowMetrics() {
	meter := otel.Meter("workflow")
	var err error
	if runCounter, err = meter.Int64Counter("stage_runs_total"); err != nil {
		metricsInitErr = err
		return
	}
	if durationHist, err = meter.Float64Histogram("stage_duration_seconds", otelmetric.WithUnit("s")); err != nil {
		metricsInitErr = err
		return
	}
	if costCounter, err = meter.Float64Counter("stage_cost_usd_total"); err != nil {
		metricsInitErr = err
	}
}

func recordStage(ctx context.Context, name stage.Name, out stage.Output, d time.Duration) {
	metricsOnce.Do(initWorkflowMetrics)
	if metricsInitErr != nil {
		return
	}
	status := "completed"
	if !out.Success {
		status = "failed"
	}
	attrs := otelmetric.WithAttributes(attribute.String("stage", string(name)), attribute.String("status", status))
	runCounter.Add(ctx, 1, attrs)
	durationHist.Record(ctx, d.Seconds(), otelmetric.WithAttributes(attribute.String("stage", string(name))))
	if out.CostUSD > 0 {
		costCounter.Add(ctx, out.CostUSD, otelmetric.WithAttributes(attribute.String("stage", string(name))))
	}
}
