// Package subgraphcount counts the subgraph calls of every request.
package subgraphcount

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/d3rp3tt3/router/core"
	"github.com/d3rp3tt3/router/pkg/value"
)

func init() {
	core.RegisterModule(&Module{})
}

const (
	ModuleID = "subgraph_count"

	// ContextKey holds an object of subgraph name to number of calls of the current request.
	ContextKey = "subgraph_count"

	defaultExtensionKey = "subgraphCalls"
)

// Module counts subgraph calls per request in the request Context and keeps process totals.
// The per request counts are copied into the response extensions under ExtensionKey.
type Module struct {
	ExtensionKey string `mapstructure:"extension_key"`
	// HideFromClient keeps the counts out of the response extensions.
	HideFromClient bool `mapstructure:"hide_from_client"`

	mu     sync.RWMutex
	totals map[string]*atomic.Int64
}

func (m *Module) Provision(ctx *core.ModuleContext) error {
	if m.ExtensionKey == "" {
		m.ExtensionKey = defaultExtensionKey
	}
	m.totals = make(map[string]*atomic.Int64)
	return nil
}

func (m *Module) OnSubgraphRequest(ctx context.Context, req *core.SubgraphRequest) core.HookResult {
	name := req.SubgraphName
	req.Context.Upsert(ContextKey, func(current value.Value, exists bool) value.Value {
		counts, ok := current.AsObject()
		if !exists || !ok {
			counts = value.NewObject()
		}
		n := int64(0)
		if v, ok := counts.Get(name); ok {
			f, _ := v.AsNumber()
			n = int64(f)
		}
		counts.Set(name, value.Int(n+1))
		return value.ObjectValue(counts)
	})
	m.counter(name).Inc()
	return core.Continue()
}

func (m *Module) OnSupergraphResponse(ctx context.Context, resp *core.Response) core.HookResult {
	if m.HideFromClient || resp.Context == nil {
		return core.Continue()
	}
	counts, ok := resp.Context.Get(ContextKey)
	if !ok {
		return core.Continue()
	}
	if resp.Body.Extensions == nil {
		resp.Body.Extensions = value.NewObject()
	}
	resp.Body.Extensions.Set(m.ExtensionKey, counts)
	return core.Continue()
}

func (m *Module) counter(name string) *atomic.Int64 {
	m.mu.RLock()
	c, ok := m.totals[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.totals[name]; !ok {
		c = atomic.NewInt64(0)
		m.totals[name] = c
	}
	return c
}

// Totals returns the number of calls per subgraph since the module was provisioned.
func (m *Module) Totals() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.totals))
	for name, c := range m.totals {
		out[name] = c.Load()
	}
	return out
}

func (m *Module) Module() core.ModuleInfo {
	return core.ModuleInfo{
		ID: ModuleID,
		New: func() core.Module {
			return &Module{}
		},
	}
}

// Interface guard
var (
	_ core.SubgraphRequestHandler    = (*Module)(nil)
	_ core.SupergraphResponseHandler = (*Module)(nil)
	_ core.Provisioner               = (*Module)(nil)
)
