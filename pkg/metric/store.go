package metric

import (
	"time"
)

// Store records the measurements of the request pipeline.
type Store interface {
	// MeasureStageDuration records how long one stage instance took, hooks included.
	MeasureStageDuration(stage, subgraph string, duration time.Duration)
	// MeasureHookAbort counts hooks that aborted their stage.
	MeasureHookAbort(stage, phase string)
	// MeasureSubgraphFailure counts transport failures converted into GraphQL errors.
	MeasureSubgraphFailure(subgraph string)
	// MeasurePlanCache counts plan cache lookups.
	MeasurePlanCache(hit bool)
}

// NoopMetrics is used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) MeasureStageDuration(string, string, time.Duration) {}

func (NoopMetrics) MeasureHookAbort(string, string) {}

func (NoopMetrics) MeasureSubgraphFailure(string) {}

func (NoopMetrics) MeasurePlanCache(bool) {}

func NewNoopMetrics() Store {
	return NoopMetrics{}
}
