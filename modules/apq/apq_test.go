package apq

import (
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/core"
	"github.com/d3rp3tt3/router/pkg/planner"
	"github.com/d3rp3tt3/router/pkg/value"
)

const (
	meQuery = "query Query { me { name } }"
	meHash  = "9d1474aa069127ff795d3412b11dfc1f1be0853aed7a54c4a619ee0b1725382e"
)

func newModule(t *testing.T, m *Module) *Module {
	t.Helper()
	mc := &core.ModuleContext{Context: context.Background(), Module: m, Logger: zap.NewNop()}
	require.NoError(t, m.Provision(mc))
	t.Cleanup(func() {
		require.NoError(t, m.Cleanup(mc))
	})
	return m
}

func persistedRequest(t *testing.T, query string, persisted map[string]any) *core.Request {
	t.Helper()
	req := core.NewRequest(core.NewContext())
	req.Body.Query = query
	ext, err := value.FromAny(persisted)
	require.NoError(t, err)
	req.Body.Extensions.Set(extensionKey, ext)
	return req
}

func TestQueryHash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, meHash, queryHash(meQuery))
}

func TestPersistedQueries(t *testing.T) {
	t.Parallel()

	m := newModule(t, &Module{})

	rootFields, err := planner.NewRootFieldPlanner([]planner.SubgraphFields{
		{Name: "accounts", QueryFields: []string{"me"}},
	})
	require.NoError(t, err)

	calls := atomic.NewInt32(0)
	transport := core.SubgraphTransportFunc(func(ctx context.Context, subgraph string, req *core.Request) (*core.Response, error) {
		calls.Inc()
		resp := core.NewResponse(req.Context)
		resp.Body.Data = value.NewObject()
		resp.Body.Data.Set("me", value.Null())
		return resp, nil
	})

	registry := core.NewHookRegistry()
	require.NoError(t, registry.Register(core.StageSupergraph, core.PhaseRequest, core.RequestHookFunc(m.OnSupergraphRequest)))
	p, err := core.NewPipeline(
		core.WithHookRegistry(registry),
		core.WithPlanner(rootFields),
		core.WithTransport(transport),
	)
	require.NoError(t, err)

	persisted := map[string]any{"version": 1, "sha256Hash": meHash}
	run := func(query string) *core.Response {
		req := persistedRequest(t, query, persisted)
		return p.Execute(context.Background(), req)
	}

	// hash only, unknown to the router
	resp := run("")
	require.Len(t, resp.Body.Errors, 1)
	payload, err := json.Marshal(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"errors":[{"message":"PersistedQueryNotFound","locations":[],"extensions":{"code":"PERSISTED_QUERY_NOT_FOUND"}}]}`, string(payload))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(0), calls.Load())

	// hash with its query is stored
	resp = run(meQuery)
	assert.Empty(t, resp.Body.Errors)
	assert.Equal(t, int32(1), calls.Load())

	// hash only is now a hit
	resp = run("")
	assert.Empty(t, resp.Body.Errors)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPersistedQueryValidation(t *testing.T) {
	t.Parallel()

	m := newModule(t, &Module{})

	t.Run("hash_mismatch", func(t *testing.T) {
		t.Parallel()

		result := m.OnSupergraphRequest(context.Background(), persistedRequest(t, "{ me { id } }", map[string]any{"version": 1, "sha256Hash": meHash}))
		require.True(t, result.Aborted())
		assert.Equal(t, http.StatusBadRequest, result.StatusCode())
		assert.Equal(t, CodeHashMismatch, result.Code())
	})

	t.Run("unsupported_version", func(t *testing.T) {
		t.Parallel()

		result := m.OnSupergraphRequest(context.Background(), persistedRequest(t, meQuery, map[string]any{"version": 2, "sha256Hash": meHash}))
		require.True(t, result.Aborted())
		assert.Equal(t, CodeNotSupported, result.Code())
	})

	t.Run("missing_hash", func(t *testing.T) {
		t.Parallel()

		result := m.OnSupergraphRequest(context.Background(), persistedRequest(t, meQuery, map[string]any{"version": 1}))
		require.True(t, result.Aborted())
		assert.Equal(t, CodeNotSupported, result.Code())
	})

	t.Run("plain_requests_pass", func(t *testing.T) {
		t.Parallel()

		req := core.NewRequest(core.NewContext())
		req.Body.Query = meQuery
		assert.False(t, m.OnSupergraphRequest(context.Background(), req).Aborted())
	})

	t.Run("uppercase_hash_resolves", func(t *testing.T) {
		t.Parallel()

		require.False(t, m.OnSupergraphRequest(context.Background(), persistedRequest(t, meQuery, map[string]any{"sha256Hash": meHash})).Aborted())

		req := persistedRequest(t, "", map[string]any{"sha256Hash": "9D1474AA069127FF795D3412B11DFC1F1BE0853AED7A54C4A619EE0B1725382E"})
		require.False(t, m.OnSupergraphRequest(context.Background(), req).Aborted())
		assert.Equal(t, meQuery, req.Body.Query)
	})
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	m := newModule(t, &Module{Disabled: true})
	req := persistedRequest(t, "", map[string]any{"version": 1, "sha256Hash": meHash})
	assert.False(t, m.OnSupergraphRequest(context.Background(), req).Aborted())
	assert.Empty(t, req.Body.Query)
}
