package metric

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPromMetricStore(t *testing.T) {
	t.Parallel()

	t.Run("counts_aborts_and_failures", func(t *testing.T) {
		t.Parallel()

		s := NewPromMetricStore(false)
		s.MeasureHookAbort("supergraph", "request")
		s.MeasureHookAbort("supergraph", "request")
		s.MeasureSubgraphFailure("products")
		s.MeasurePlanCache(true)
		s.MeasurePlanCache(false)
		s.MeasurePlanCache(false)

		assert.Equal(t, float64(2), testutil.ToFloat64(s.hookAborts.WithLabelValues("supergraph", "request")))
		assert.Equal(t, float64(1), testutil.ToFloat64(s.subgraphFailures.WithLabelValues("products")))
		assert.Equal(t, float64(1), testutil.ToFloat64(s.planCache.WithLabelValues("hit")))
		assert.Equal(t, float64(2), testutil.ToFloat64(s.planCache.WithLabelValues("miss")))
	})

	t.Run("observes_stage_durations", func(t *testing.T) {
		t.Parallel()

		s := NewPromMetricStore(false)
		s.MeasureStageDuration("subgraph", "products", 10*time.Millisecond)
		s.MeasureStageDuration("execution", "", 20*time.Millisecond)

		assert.Equal(t, 2, testutil.CollectAndCount(s.stageDuration))
	})

	t.Run("serves_registry", func(t *testing.T) {
		t.Parallel()

		s := NewPromMetricStore(false)
		s.MeasureSubgraphFailure("reviews")

		svr := NewPrometheusServer(zaptest.NewLogger(t), "127.0.0.1:0", "/metrics", s.Registry())
		require.NotNil(t, svr)

		rec := httptest.NewRecorder()
		svr.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `router_subgraph_failures_total{subgraph="reviews"} 1`)
	})
}

func TestNoopMetrics(t *testing.T) {
	t.Parallel()

	s := NewNoopMetrics()
	s.MeasureStageDuration("supergraph", "", time.Second)
	s.MeasureHookAbort("supergraph", "request")
	s.MeasureSubgraphFailure("x")
	s.MeasurePlanCache(true)
}
