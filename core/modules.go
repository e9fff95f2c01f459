package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/pkg/logging"
)

type moduleRegistry struct {
	mu      sync.RWMutex
	order   []string
	modules map[string]ModuleInfo
}

func newModuleRegistry() *moduleRegistry {
	return &moduleRegistry{
		modules: make(map[string]ModuleInfo),
	}
}

// defaultModuleRegistry is the package-level registry used by RegisterModule.
// Tests should use newModuleRegistry() to avoid shared state.
var defaultModuleRegistry = newModuleRegistry()

type ModuleInfo struct {
	// ID is the unique identifier for a module. It is also the key of the module's configuration.
	ID string
	// Priority decides the order in which modules install their hooks, and therefore the order
	// their hooks run in. The smaller the number, the earlier. Modules with the same priority keep
	// their registration order. A nil Priority is the lowest priority.
	Priority *int
	// New creates a new instance of the module.
	New func() Module
}

// ModuleContext is passed to Provision and Cleanup.
type ModuleContext struct {
	context.Context
	Module Module
	Logger *zap.Logger
}

type Module interface {
	Module() ModuleInfo
}

// Provisioner is called before the pipeline is built.
// It allows you to initialize your module e.g. create a database connection
type Provisioner interface {
	Provision(ctx *ModuleContext) error
}

// Cleaner is called after the server stops.
type Cleaner interface {
	Cleanup(ctx *ModuleContext) error
}

// SupergraphRequestHandler is installed as a request hook of the supergraph stage.
type SupergraphRequestHandler interface {
	OnSupergraphRequest(ctx context.Context, req *Request) HookResult
}

// SupergraphResponseHandler is installed as a response hook of the supergraph stage.
type SupergraphResponseHandler interface {
	OnSupergraphResponse(ctx context.Context, resp *Response) HookResult
}

// ExecutionRequestHandler is installed as a request hook of the execution stage. It runs before
// the operation is planned.
type ExecutionRequestHandler interface {
	OnExecutionRequest(ctx context.Context, req *Request) HookResult
}

type ExecutionResponseHandler interface {
	OnExecutionResponse(ctx context.Context, resp *Response) HookResult
}

// SubgraphRequestHandler is installed as a request hook of the subgraph stage.
type SubgraphRequestHandler interface {
	OnSubgraphRequest(ctx context.Context, req *SubgraphRequest) HookResult
}

type SubgraphResponseHandler interface {
	OnSubgraphResponse(ctx context.Context, resp *Response) HookResult
}

// SubgraphScoper limits the subgraph handlers of a module to the returned subgraph names.
type SubgraphScoper interface {
	Subgraphs() []string
}

// RegisterModule registers a module for every router of the process.
// It panics if the module is invalid or already registered.
func RegisterModule(instance Module) {
	defaultModuleRegistry.register(instance)
}

func (r *moduleRegistry) register(instance Module) {
	m := instance.Module()

	if m.ID == "" {
		panic("ModuleInfo.ID is required")
	}
	if m.New == nil || m.New() == nil {
		panic(fmt.Sprintf("ModuleInfo.New must return a non-nil module instance: %s", m.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[m.ID]; ok {
		panic(fmt.Sprintf("module already registered: %s", m.ID))
	}
	r.modules[m.ID] = m
	r.order = append(r.order, m.ID)
}

// sortModules sorts by priority, 0 is the highest priority. The sort is stable so modules with
// the same priority stay in registration order.
func sortModules(modules []ModuleInfo) []ModuleInfo {
	sort.SliceStable(modules, func(i, j int) bool {
		priorityI, priorityJ := math.MaxInt, math.MaxInt
		if modules[i].Priority != nil {
			priorityI = *modules[i].Priority
		}
		if modules[j].Priority != nil {
			priorityJ = *modules[j].Priority
		}
		return priorityI < priorityJ
	})
	return modules
}

func (r *moduleRegistry) sorted() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modules := make([]ModuleInfo, 0, len(r.order))
	for _, id := range r.order {
		modules = append(modules, r.modules[id])
	}
	return sortModules(modules)
}

type ModulePhase string

const (
	ModulePhaseConfig    ModulePhase = "config"
	ModulePhaseProvision ModulePhase = "provision"
	ModulePhaseHook      ModulePhase = "hook"
	ModulePhaseCleanup   ModulePhase = "cleanup"
)

// ModuleError provides structured error information for module operations.
type ModuleError struct {
	ModuleID string
	Phase    ModulePhase
	Err      error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s %s error: %v", e.ModuleID, e.Phase, e.Err)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

// moduleHooks instantiates modules and installs their handlers into a hook registry.
type moduleHooks struct {
	instances []Module
	logger    *zap.Logger
}

func newModuleHooks(logger *zap.Logger) *moduleHooks {
	return &moduleHooks{logger: logger}
}

// init creates, configures and provisions each module in order and registers its handlers.
// configs maps module ids to their raw configuration.
func (m *moduleHooks) init(ctx context.Context, modules []ModuleInfo, configs map[string]any, registry *HookRegistry) error {
	for _, info := range modules {
		now := time.Now()
		instance := info.New()

		if cfg, ok := configs[info.ID]; ok {
			if err := mapstructure.Decode(cfg, instance); err != nil {
				return &ModuleError{ModuleID: info.ID, Phase: ModulePhaseConfig, Err: err}
			}
		} else {
			m.logger.Debug("No config found for module", zap.String("id", info.ID))
		}

		if p, ok := instance.(Provisioner); ok {
			mc := &ModuleContext{
				Context: ctx,
				Module:  instance,
				Logger:  m.logger.With(logging.WithModule(info.ID)),
			}
			if err := p.Provision(mc); err != nil {
				return &ModuleError{ModuleID: info.ID, Phase: ModulePhaseProvision, Err: err}
			}
		}

		// Keep track of the instance before hook registration so Cleanup runs even if it fails.
		m.instances = append(m.instances, instance)

		if err := installModuleHooks(registry, instance); err != nil {
			return &ModuleError{ModuleID: info.ID, Phase: ModulePhaseHook, Err: err}
		}

		m.logger.Info("Module registered",
			zap.String("id", info.ID),
			zap.String("duration", time.Since(now).String()),
		)
	}

	return nil
}

func installModuleHooks(hr *HookRegistry, instance Module) error {
	var result *multierror.Error

	if h, ok := instance.(SupergraphRequestHandler); ok {
		result = multierror.Append(result, hr.Register(StageSupergraph, PhaseRequest, RequestHookFunc(h.OnSupergraphRequest)))
	}
	if h, ok := instance.(SupergraphResponseHandler); ok {
		result = multierror.Append(result, hr.Register(StageSupergraph, PhaseResponse, ResponseHookFunc(h.OnSupergraphResponse)))
	}
	if h, ok := instance.(ExecutionRequestHandler); ok {
		result = multierror.Append(result, hr.Register(StageExecution, PhaseRequest, RequestHookFunc(h.OnExecutionRequest)))
	}
	if h, ok := instance.(ExecutionResponseHandler); ok {
		result = multierror.Append(result, hr.Register(StageExecution, PhaseResponse, ResponseHookFunc(h.OnExecutionResponse)))
	}

	scopes := []string{""}
	if s, ok := instance.(SubgraphScoper); ok && len(s.Subgraphs()) > 0 {
		scopes = s.Subgraphs()
	}
	for _, scope := range scopes {
		if h, ok := instance.(SubgraphRequestHandler); ok {
			result = multierror.Append(result, hr.RegisterSubgraph(scope, PhaseRequest, SubgraphRequestHookFunc(h.OnSubgraphRequest)))
		}
		if h, ok := instance.(SubgraphResponseHandler); ok {
			result = multierror.Append(result, hr.RegisterSubgraph(scope, PhaseResponse, ResponseHookFunc(h.OnSubgraphResponse)))
		}
	}

	return result.ErrorOrNil()
}

// cleanup runs Cleanup of every instance in reverse order and collects all failures.
func (m *moduleHooks) cleanup(ctx context.Context) error {
	var result *multierror.Error
	for i := len(m.instances) - 1; i >= 0; i-- {
		instance := m.instances[i]
		c, ok := instance.(Cleaner)
		if !ok {
			continue
		}
		id := instance.Module().ID
		mc := &ModuleContext{
			Context: ctx,
			Module:  instance,
			Logger:  m.logger.With(logging.WithModule(id)),
		}
		if err := c.Cleanup(mc); err != nil {
			result = multierror.Append(result, &ModuleError{ModuleID: id, Phase: ModulePhaseCleanup, Err: err})
		}
	}
	return result.ErrorOrNil()
}
