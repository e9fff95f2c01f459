package health

import (
	"net/http"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Status is the body of the readiness endpoint.
type Status struct {
	Ready bool `json:"ready"`
	// Generation increases every time a new graph is swapped in.
	Generation uint64   `json:"generation"`
	Subgraphs  []string `json:"subgraphs"`
}

// Checks backs the liveness and readiness endpoints of the router.
type Checks struct {
	logger     *zap.Logger
	ready      atomic.Bool
	generation atomic.Uint64

	mu        sync.RWMutex
	subgraphs []string
}

func New(logger *zap.Logger) *Checks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checks{logger: logger}
}

// Liveness answers 200 as long as the process serves HTTP.
func (c *Checks) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// Readiness answers 200 with the current Status once the router accepts traffic, 503 otherwise.
func (c *Checks) Readiness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Status()
		code := http.StatusOK
		if !status.Ready {
			c.logger.Debug("Readiness check failed, router is not ready")
			code = http.StatusServiceUnavailable
		}

		payload, err := json.Marshal(status)
		if err != nil {
			c.logger.Error("Failed to encode readiness status", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write(payload)
	}
}

func (c *Checks) SetReady(isReady bool) {
	c.ready.Store(isReady)
}

// GraphSwapped records the subgraphs of a newly activated graph.
func (c *Checks) GraphSwapped(subgraphs []string) {
	names := append([]string(nil), subgraphs...)
	sort.Strings(names)

	c.mu.Lock()
	c.subgraphs = names
	c.mu.Unlock()
	c.generation.Inc()
}

func (c *Checks) Status() Status {
	c.mu.RLock()
	subgraphs := append([]string{}, c.subgraphs...)
	c.mu.RUnlock()
	return Status{
		Ready:      c.ready.Load(),
		Generation: c.generation.Load(),
		Subgraphs:  subgraphs,
	}
}
