package planner

import (
	"context"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/d3rp3tt3/router/pkg/metric"
	"github.com/d3rp3tt3/router/pkg/plan"
)

// CachingPlanner caches the plans of another planner by operation name and query text.
// Concurrent requests for the same uncached operation are planned once. Failed plans are not
// cached. Variables are not part of the key, so the wrapped planner must not depend on them.
type CachingPlanner struct {
	next    plan.Planner
	cache   *ristretto.Cache[uint64, *plan.Plan]
	sf      singleflight.Group
	metrics metric.Store
}

func NewCachingPlanner(next plan.Planner, size int64, metrics metric.Store) (*CachingPlanner, error) {
	if size <= 0 {
		size = 1024
	}
	if metrics == nil {
		metrics = metric.NewNoopMetrics()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *plan.Plan]{
		// 10x the number of expected entries, as recommended by ristretto.
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachingPlanner{
		next:    next,
		cache:   cache,
		metrics: metrics,
	}, nil
}

func operationKey(req plan.Request) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(req.OperationName)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(req.Query)
	return d.Sum64()
}

func (c *CachingPlanner) Plan(ctx context.Context, req plan.Request) (*plan.Plan, error) {
	key := operationKey(req)
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.MeasurePlanCache(true)
		return cached, nil
	}
	c.metrics.MeasurePlanCache(false)

	// The shared call outlives the caller that started it, so it must not see its cancellation.
	planCtx := context.WithoutCancel(ctx)
	result, err, _ := c.sf.Do(strconv.FormatUint(key, 10), func() (interface{}, error) {
		p, err := c.next.Plan(planCtx, req)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, p, 1)
		c.cache.Wait()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*plan.Plan), nil
}

// Close stops the cache goroutines.
func (c *CachingPlanner) Close() {
	c.cache.Close()
}
