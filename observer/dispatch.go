package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordDispatch feeds the dispatch counter and duration histogram for one
// handled message.
func (i *Instruments) RecordDispatch(ctx context.Context, route, status string, elapsed time.Duration) {
	i.Dispatches.Add(ctx, 1, metric.WithAttributes(
		AttrDispatchRoute.String(route),
		attribute.String("status", status),
	))
	i.DispatchDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		AttrDispatchRoute.String(route),
	))
}

// DispatchHook returns a callback shaped for the dispatcher's OnDispatch
// option that records every completed dispatch.
func (i *Instruments) DispatchHook() func(route, status string, elapsed time.Duration) {
	return func(route, status string, elapsed time.Duration) {
		i.RecordDispatch(context.Background(), route, status, elapsed)
	}
}
