package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
var (
	AttrTier     = attribute.Key("tierflow.tier")
	AttrSwarmID  = attribute.Key("tierflow.swarm.id")
	AttrStrategy = attribute.Key("tierflow.strategy")
	AttrOutcome  = attribute.Key("tierflow.outcome")
	AttrCode     = attribute.Key("tierflow.error.code")
)

type executionInstruments struct {
	total    metric.Int64Counter
	inflight metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

func newExecutionInstruments(m metric.Meter) (*executionInstruments, error) {
	var (
		ins executionInstruments
		err error
	)
	if ins.total, err = m.Int64Counter("tierflow.tier.executions",
		metric.WithDescription("Tier executions by outcome"),
		metric.WithUnit("{execution}")); err != nil {
		return nil, err
	}
	if ins.inflight, err = m.Int64UpDownCounter("tierflow.tier.inflight",
		metric.WithDescription("Tier executions currently running"),
		metric.WithUnit("{execution}")); err != nil {
		return nil, err
	}
	if ins.duration, err = m.Float64Histogram("tierflow.tier.duration",
		metric.WithDescription("Tier execution wall time"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 25, 100, 500, 1000, 5000, 30000, 120000, 600000)); err != nil {
		return nil, err
	}
	return &ins, nil
}

// Coded is implemented by errors that carry a stable failure code.
type Coded interface {
	error
	ErrorCode() string
}

// TrackExecution opens a span for one tier execution and counts it in flight.
// The returned func closes both; call it exactly once with the execution's
// error, or nil on success.
func (p *Provider) TrackExecution(ctx context.Context, tier, swarmID, strategy string) (context.Context, func(error)) {
	base := []attribute.KeyValue{AttrTier.String(tier)}
	if strategy != "" {
		base = append(base, AttrStrategy.String(strategy))
	}

	ctx, span := p.Tracer().Start(ctx, "tier.execute "+tier,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(base, AttrSwarmID.String(swarmID))...))

	var ins *executionInstruments
	if p != nil {
		ins = p.exec
	}
	if ins != nil {
		ins.inflight.Add(ctx, 1, metric.WithAttributes(base...))
	}
	start := time.Now()

	return ctx, func(err error) {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if c, ok := err.(Coded); ok {
				span.SetAttributes(AttrCode.String(c.ErrorCode()))
			}
		}
		if ins != nil {
			ins.inflight.Add(ctx, -1, metric.WithAttributes(base...))
			attrs := metric.WithAttributes(append(base, AttrOutcome.String(outcome))...)
			ins.total.Add(ctx, 1, attrs)
			ins.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		}
		span.End()
	}
}
