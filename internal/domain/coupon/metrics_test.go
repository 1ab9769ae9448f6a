package coupon_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xenking/storefront/internal/domain/coupon"
)

// ctxRecorder notes the context state of every measurement.
type ctxRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *ctxRecorder) note(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, ctx.Err())
}

type ctxMeterProvider struct {
	noop.MeterProvider
	rec *ctxRecorder
}

func (p ctxMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return ctxMeter{rec: p.rec}
}

type ctxMeter struct {
	noop.Meter
	rec *ctxRecorder
}

func (m ctxMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return ctxCounter{rec: m.rec}, nil
}

func (m ctxMeter) Int64Histogram(string, ...metric.Int64HistogramOption) (metric.Int64Histogram, error) {
	return ctxHistogram{rec: m.rec}, nil
}

type ctxCounter struct {
	noop.Int64Counter
	rec *ctxRecorder
}

func (c ctxCounter) Add(ctx context.Context, _ int64, _ ...metric.AddOption) { c.rec.note(ctx) }

type ctxHistogram struct {
	noop.Int64Histogram
	rec *ctxRecorder
}

func (h ctxHistogram) Record(ctx context.Context, _ int64, _ ...metric.RecordOption) { h.rec.note(ctx) }

func TestMetrics_RecordedOnLiveContext(t *testing.T) {
	rec := &ctxRecorder{}
	co := newCoordinator(t, newStore(t, summer25()),
		coupon.WithTimeout(time.Second),
		coupon.WithMeterProvider(ctxMeterProvider{rec: rec}),
	)
	cart := cartOf(line("p1", "c1", "100", 1))

	_, err := co.Check(context.Background(), "SUMMER25", cart, "alice", fixedNow)
	require.NoError(t, err)
	_, err = co.Attempt(context.Background(), "SUMMER25", cart, "alice", fixedNow)
	require.NoError(t, err)

	// check: outcome; attempt: outcome and retries.
	require.Len(t, rec.errs, 3)
	for _, err := range rec.errs {
		assert.NoError(t, err)
	}
}

func TestMetrics_Outcomes(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	c := summer25()
	c.UsageLimitTotal = nil
	co := newCoordinator(t, newStore(t, c),
		coupon.WithTimeout(time.Second),
		coupon.WithMeterProvider(mp),
	)
	cart := cartOf(line("p1", "c1", "100", 1))

	_, err := co.Attempt(ctx, "SUMMER25", cart, "alice", fixedNow)
	require.NoError(t, err)
	res, err := co.Attempt(ctx, "SUMMER25", cart, "alice", fixedNow)
	require.NoError(t, err)
	require.Equal(t, coupon.ReasonPerUserLimitReached, res.Reason)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "coupon.redemptions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				got[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Len(t, got, 2)
	assert.Equal(t, int64(1), got["accepted"])
	assert.Equal(t, int64(1), got[string(coupon.ReasonPerUserLimitReached)])
}
