package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "router"

type PromMetricStore struct {
	registry *prometheus.Registry

	stageDuration    *prometheus.HistogramVec
	hookAborts       *prometheus.CounterVec
	subgraphFailures *prometheus.CounterVec
	planCache        *prometheus.CounterVec
}

// NewPromMetricStore registers the pipeline metrics on a fresh registry. Go runtime and process
// collectors are added when withRuntime is true.
func NewPromMetricStore(withRuntime bool) *PromMetricStore {
	registry := prometheus.NewRegistry()
	if withRuntime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	s := &PromMetricStore{
		registry: registry,
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of a pipeline stage instance including its hooks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "subgraph"}),
		hookAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_aborts_total",
			Help:      "Number of hooks that aborted their stage.",
		}, []string{"stage", "phase"}),
		subgraphFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subgraph_failures_total",
			Help:      "Number of failed subgraph fetches.",
		}, []string{"subgraph"}),
		planCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_cache_requests_total",
			Help:      "Number of plan cache lookups by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(s.stageDuration, s.hookAborts, s.subgraphFailures, s.planCache)

	return s
}

func (s *PromMetricStore) Registry() *prometheus.Registry {
	return s.registry
}

func (s *PromMetricStore) MeasureStageDuration(stage, subgraph string, duration time.Duration) {
	s.stageDuration.WithLabelValues(stage, subgraph).Observe(duration.Seconds())
}

func (s *PromMetricStore) MeasureHookAbort(stage, phase string) {
	s.hookAborts.WithLabelValues(stage, phase).Inc()
}

func (s *PromMetricStore) MeasureSubgraphFailure(subgraph string) {
	s.subgraphFailures.WithLabelValues(subgraph).Inc()
}

func (s *PromMetricStore) MeasurePlanCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	s.planCache.WithLabelValues(result).Inc()
}
