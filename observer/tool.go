package observer

import (
	"context"
	"encoding/json"
	"time"

	aegis "github.com/kelvaris/aegis"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps an aegis.Tool with OTel instrumentation.
type ObservedTool struct {
	inner aegis.Tool
	inst  *Instruments
}

var _ aegis.Tool = (*ObservedTool)(nil)

// WrapTool returns an instrumented tool.
func WrapTool(inner aegis.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Name() string                 { return o.inner.Name() }
func (o *ObservedTool) Description() string          { return o.inner.Description() }
func (o *ObservedTool) InputSchema() json.RawMessage { return o.inner.InputSchema() }
func (o *ObservedTool) Class() string                { return o.inner.Class() }

func (o *ObservedTool) Invoke(ctx context.Context, args map[string]any) (aegis.ToolOutput, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		AttrToolName.String(o.inner.Name()),
		AttrToolClass.String(o.inner.Class()),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Invoke(ctx, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(out.Text)),
	)

	o.inst.ToolInvocations.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
		AttrToolClass.String(o.inner.Class()),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool invoked"))
	rec.AddAttributes(
		otellog.String("tool.name", o.inner.Name()),
		otellog.String("tool.class", o.inner.Class()),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(out.Text)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}
