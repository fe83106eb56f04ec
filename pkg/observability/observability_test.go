package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type codedErr struct{}

func (codedErr) Error() string     { return "boom" }
func (codedErr) ErrorCode() string { return "TIER2_EXECUTION_FAILED" }

func TestDisabledProviderExportsNothing(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, p.traces)
	assert.Nil(t, p.metrics)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, finish := p.TrackExecution(context.Background(), "tier3", "s1", "")
	require.NotNil(t, ctx)
	finish(errors.New("ignored"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackExecution_RecordsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	_, finish := p.TrackExecution(context.Background(), "tier2", "s1", "equal_split")
	finish(nil)
	_, finish = p.TrackExecution(context.Background(), "tier2", "s1", "equal_split")
	finish(codedErr{})
	_, finish = p.TrackExecution(context.Background(), "tier3", "s1", "")
	finish(nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	var inflight int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "tierflow.tier.executions":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					tier, _ := dp.Attributes.Value(AttrTier)
					outcome, _ := dp.Attributes.Value(AttrOutcome)
					counts[tier.AsString()+"/"+outcome.AsString()] += dp.Value
				}
			case "tierflow.tier.inflight":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					inflight += dp.Value
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{"tier2/success": 1, "tier2/failure": 1, "tier3/success": 1}, counts)
	assert.Zero(t, inflight)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"run_id":"r1"`)

	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
