// Package apq implements automatic persisted queries: clients send the sha256 hash of a query in
// extensions.persistedQuery and only send the query text when the router does not know it yet.
package apq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/core"
)

func init() {
	core.RegisterModule(&Module{})
}

const (
	ModuleID = "apq"

	extensionKey     = "persistedQuery"
	hashKey          = "sha256Hash"
	supportedVersion = 1

	defaultCacheSize = 512

	CodeNotFound     = "PERSISTED_QUERY_NOT_FOUND"
	CodeNotSupported = "PERSISTED_QUERY_NOT_SUPPORTED"
	CodeHashMismatch = "PERSISTED_QUERY_HASH_MISMATCH"
)

// Module resolves persisted query hashes to query text. A request with a known hash and no query
// gets the cached query; a request that carries both stores the query under its hash.
type Module struct {
	Disabled bool `mapstructure:"disabled"`
	// CacheSize is the number of queries kept in memory.
	CacheSize int64 `mapstructure:"cache_size"`

	cache  *ristretto.Cache[string, string]
	logger *zap.Logger
}

func (m *Module) Provision(ctx *core.ModuleContext) error {
	m.logger = ctx.Logger
	if m.Disabled {
		return nil
	}
	if m.CacheSize <= 0 {
		m.CacheSize = defaultCacheSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: m.CacheSize * 10,
		MaxCost:     m.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return fmt.Errorf("failed to create persisted query cache: %w", err)
	}
	m.cache = cache
	return nil
}

func (m *Module) Cleanup(ctx *core.ModuleContext) error {
	if m.cache != nil {
		m.cache.Close()
	}
	return nil
}

func (m *Module) OnSupergraphRequest(ctx context.Context, req *core.Request) core.HookResult {
	if m.Disabled || req.Body.Extensions == nil {
		return core.Continue()
	}
	raw, ok := req.Body.Extensions.Get(extensionKey)
	if !ok || raw.IsNull() {
		return core.Continue()
	}

	persisted, ok := raw.AsObject()
	if !ok {
		return core.AbortWithCode(http.StatusBadRequest, "persistedQuery extension must be an object", CodeNotSupported)
	}
	if v, ok := persisted.Get("version"); ok {
		if n, isNumber := v.AsNumber(); !isNumber || n != supportedVersion {
			return core.AbortWithCode(http.StatusBadRequest, "PersistedQueryNotSupported", CodeNotSupported)
		}
	}
	hv, _ := persisted.Get(hashKey)
	hash, ok := hv.AsString()
	if !ok || hash == "" {
		return core.AbortWithCode(http.StatusBadRequest, "persistedQuery extension is missing sha256Hash", CodeNotSupported)
	}
	hash = strings.ToLower(hash)

	if req.Body.Query == "" {
		query, found := m.cache.Get(hash)
		if !found {
			req.Context.Logger().Debug("Persisted query not found", zap.String("hash", hash))
			// APQ clients retry with the full query on this error, so it is not an HTTP failure.
			return core.AbortWithCode(http.StatusOK, "PersistedQueryNotFound", CodeNotFound)
		}
		req.Body.Query = query
		return core.Continue()
	}

	if queryHash(req.Body.Query) != hash {
		return core.AbortWithCode(http.StatusBadRequest, "provided sha does not match query", CodeHashMismatch)
	}
	m.cache.Set(hash, req.Body.Query, 1)
	m.cache.Wait()
	return core.Continue()
}

func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

func (m *Module) Module() core.ModuleInfo {
	// after csrf, so blocked requests never fill the cache
	priority := 10
	return core.ModuleInfo{
		ID:       ModuleID,
		Priority: &priority,
		New: func() core.Module {
			return &Module{}
		},
	}
}

// Interface guard
var (
	_ core.SupergraphRequestHandler = (*Module)(nil)
	_ core.Provisioner              = (*Module)(nil)
	_ core.Cleaner                  = (*Module)(nil)
)
