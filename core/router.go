package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d3rp3tt3/router/pkg/config"
	"github.com/d3rp3tt3/router/pkg/health"
	"github.com/d3rp3tt3/router/pkg/metric"
	"github.com/d3rp3tt3/router/pkg/plan"
	"github.com/d3rp3tt3/router/pkg/planner"
	"github.com/d3rp3tt3/router/pkg/watcher"
)

type Option func(r *Router)

// HookInstaller registers hooks that are not provided by a module. It runs for every graph server
// the router builds, so it must be safe to call more than once.
type HookInstaller func(registry *HookRegistry) error

// Config holds the settings of a Router. Subgraphs, modules, traffic shaping and pipeline settings
// are reloadable, everything else requires a restart.
type Config struct {
	listenAddr      string
	graphqlPath     string
	healthCheckPath string
	gracePeriod     time.Duration
	logger          *zap.Logger
	devMode         bool

	subgraphs      []config.Subgraph
	modulesConfig  map[string]interface{}
	trafficShaping config.TrafficShapingRules
	pipeline       config.PipelineConfiguration
	prometheus     config.Prometheus
	compression    config.ResponseCompression

	configPath  string
	watchConfig bool

	tracerProvider trace.TracerProvider
	hookInstallers []HookInstaller
	modules        *moduleRegistry
	transport      SubgraphTransport
	planner        plan.Planner
}

// Router serves the GraphQL endpoint. The pipeline behind it lives in a graph server that is
// swapped atomically when the configuration is reloaded.
type Router struct {
	Config

	mux              *chi.Mux
	server           *http.Server
	prometheusServer *http.Server
	metricStore      metric.Store
	healthChecks     *health.Checks

	// reloadMu serializes graph server swaps.
	reloadMu sync.Mutex
	active   atomic.Pointer[graphServer]
	shutdown atomic.Bool
}

// graphServer owns everything that is rebuilt on a config reload.
type graphServer struct {
	pipeline *Pipeline
	handler  http.Handler
	modules  *moduleHooks
	cache    *planner.CachingPlanner
}

func (s *graphServer) close(ctx context.Context) error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.modules.cleanup(ctx)
}

func WithListenerAddr(addr string) Option {
	return func(r *Router) {
		r.listenAddr = addr
	}
}

func WithGraphQLPath(path string) Option {
	return func(r *Router) {
		r.graphqlPath = path
	}
}

func WithHealthCheckPath(path string) Option {
	return func(r *Router) {
		r.healthCheckPath = path
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(r *Router) {
		r.gracePeriod = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithDevelopmentMode(enabled bool) Option {
	return func(r *Router) {
		r.devMode = enabled
	}
}

// WithSubgraphConfig sets the subgraphs and the root fields each of them owns.
func WithSubgraphConfig(subgraphs []config.Subgraph) Option {
	return func(r *Router) {
		r.subgraphs = subgraphs
	}
}

// WithModulesConfig sets the configuration of the modules, keyed by module id.
func WithModulesConfig(cfg map[string]interface{}) Option {
	return func(r *Router) {
		r.modulesConfig = cfg
	}
}

func WithTrafficShaping(rules config.TrafficShapingRules) Option {
	return func(r *Router) {
		r.trafficShaping = rules
	}
}

func WithPipelineConfig(cfg config.PipelineConfiguration) Option {
	return func(r *Router) {
		r.pipeline = cfg
	}
}

// WithResponseCompression compresses GraphQL responses for clients that accept it and inflates
// gzip encoded request bodies.
func WithResponseCompression(cfg config.ResponseCompression) Option {
	return func(r *Router) {
		r.compression = cfg
	}
}

func WithPrometheus(cfg config.Prometheus) Option {
	return func(r *Router) {
		r.prometheus = cfg
	}
}

// WithConfigWatch reloads the reloadable settings from path whenever the file changes.
func WithConfigWatch(path string, enabled bool) Option {
	return func(r *Router) {
		r.configPath = path
		r.watchConfig = enabled
	}
}

func WithRouterTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) {
		r.tracerProvider = tp
	}
}

func WithHooks(installer HookInstaller) Option {
	return func(r *Router) {
		r.hookInstallers = append(r.hookInstallers, installer)
	}
}

// WithSubgraphTransport replaces the HTTP transport, e.g. to serve subgraphs in process.
func WithSubgraphTransport(transport SubgraphTransport) Option {
	return func(r *Router) {
		r.transport = transport
	}
}

// WithQueryPlanner replaces the root field planner. The plan cache still wraps it.
func WithQueryPlanner(p plan.Planner) Option {
	return func(r *Router) {
		r.planner = p
	}
}

func withModuleRegistry(registry *moduleRegistry) Option {
	return func(r *Router) {
		r.modules = registry
	}
}

// OptionsFromConfig maps a loaded configuration to router options.
func OptionsFromConfig(cfg *config.Config, configPath string) []Option {
	return []Option{
		WithListenerAddr(cfg.ListenAddr),
		WithGraphQLPath(cfg.GraphQLPath),
		WithHealthCheckPath(cfg.HealthCheckPath),
		WithGracePeriod(cfg.GracePeriod),
		WithDevelopmentMode(cfg.DevelopmentMode),
		WithSubgraphConfig(cfg.Subgraphs),
		WithModulesConfig(cfg.Modules),
		WithTrafficShaping(cfg.TrafficShaping),
		WithPipelineConfig(cfg.Pipeline),
		WithPrometheus(cfg.Metrics.Prometheus),
		WithResponseCompression(cfg.Compression),
		WithConfigWatch(configPath, cfg.WatchConfig),
	}
}

// NewRouter creates a router and builds its first graph server. Modules are provisioned here.
func NewRouter(opts ...Option) (*Router, error) {
	r := &Router{}
	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.listenAddr == "" {
		r.listenAddr = "localhost:3002"
	}
	if r.graphqlPath == "" {
		r.graphqlPath = "/graphql"
	}
	if r.healthCheckPath == "" {
		r.healthCheckPath = "/health"
	}
	if r.modules == nil {
		r.modules = defaultModuleRegistry
	}
	if r.tracerProvider == nil {
		r.tracerProvider = otel.GetTracerProvider()
	}

	r.metricStore = metric.NewNoopMetrics()
	if r.prometheus.Enabled {
		store := metric.NewPromMetricStore(r.prometheus.RouterRuntime)
		r.metricStore = store
		r.prometheusServer = metric.NewPrometheusServer(r.logger, r.prometheus.ListenAddr, r.prometheus.Path, store.Registry())
	}

	r.healthChecks = health.New(r.logger)

	gs, err := r.newGraphServer(context.Background())
	if err != nil {
		return nil, err
	}
	r.active.Store(gs)
	r.healthChecks.GraphSwapped(r.subgraphNames())

	r.mux = r.newMux()
	r.server = &http.Server{
		Addr:              r.listenAddr,
		Handler:           r.mux,
		ReadHeaderTimeout: 20 * time.Second,
		ErrorLog:          zap.NewStdLog(r.logger),
	}

	return r, nil
}

func (r *Router) newMux() *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestID)

	mux.Get(r.healthCheckPath, r.healthChecks.Liveness())
	mux.Get(r.healthCheckPath+"/live", r.healthChecks.Liveness())
	mux.Get(r.healthCheckPath+"/ready", r.healthChecks.Readiness())

	var graphqlMiddlewares []func(http.Handler) http.Handler
	if r.compression.Enabled {
		graphqlMiddlewares = append(graphqlMiddlewares,
			newResponseCompressor(r.compression.Level).Handler,
			handleRequestDecompression(r.logger),
		)
	}
	mux.With(graphqlMiddlewares...).Handle(r.graphqlPath, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gs := r.active.Load()
		if gs == nil {
			writeRequestErrors(w, http.StatusServiceUnavailable, "router is shutting down", r.logger)
			return
		}
		gs.handler.ServeHTTP(w, req)
	}))

	return mux
}

// Handler returns the HTTP handler of the router without starting a listener.
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) newGraphServer(ctx context.Context) (gs *graphServer, err error) {
	subgraphs := make([]Subgraph, 0, len(r.subgraphs))
	fields := make([]planner.SubgraphFields, 0, len(r.subgraphs))
	for _, sg := range r.subgraphs {
		u, err := url.Parse(sg.RoutingURL)
		if err != nil {
			return nil, fmt.Errorf("invalid routing url of subgraph %s: %w", sg.Name, err)
		}
		subgraphs = append(subgraphs, Subgraph{Name: sg.Name, URL: u})
		fields = append(fields, planner.SubgraphFields{
			Name:           sg.Name,
			QueryFields:    sg.QueryFields,
			MutationFields: sg.MutationFields,
		})
	}

	gs = &graphServer{modules: newModuleHooks(r.logger)}
	defer func() {
		if err != nil {
			if cleanupErr := gs.close(ctx); cleanupErr != nil {
				r.logger.Error("Failed to clean up modules", zap.Error(cleanupErr))
			}
		}
	}()

	registry := NewHookRegistry()
	if err := gs.modules.init(ctx, r.modules.sorted(), r.modulesConfig, registry); err != nil {
		return nil, err
	}
	for _, install := range r.hookInstallers {
		if err := install(registry); err != nil {
			return nil, fmt.Errorf("failed to install hooks: %w", err)
		}
	}

	var next plan.Planner = r.planner
	if next == nil {
		next, err = planner.NewRootFieldPlanner(fields, planner.WithRecursionLimit(r.pipeline.ParserRecursionLimit))
		if err != nil {
			return nil, err
		}
	}
	gs.cache, err = planner.NewCachingPlanner(next, r.pipeline.PlanCacheSize, r.metricStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}

	transport := r.transport
	if transport == nil {
		ts := r.trafficShaping
		transport = NewHTTPTransport(subgraphs, HTTPTransportOptions{
			Transport: TransportOptions{
				DialTimeout:            ts.DialTimeout,
				ResponseHeaderTimeout:  ts.ResponseHeaderTimeout,
				TLSHandshakeTimeout:    ts.TLSHandshakeTimeout,
				KeepAliveIdleTimeout:   ts.KeepAliveIdleTimeout,
				KeepAliveProbeInterval: ts.KeepAliveProbeInterval,
				MaxIdleConnsPerHost:    ts.MaxIdleConnsPerHost,
			},
			Retry: RetryOptions{
				Enabled:     ts.Retry.Enabled,
				MaxAttempts: ts.Retry.MaxAttempts,
				MaxDuration: ts.Retry.MaxDuration,
				Interval:    ts.Retry.Interval,
			},
			Logger: r.logger,
		})
	}

	gs.pipeline, err = NewPipeline(
		WithHookRegistry(registry),
		WithPlanner(gs.cache),
		WithTransport(transport),
		WithSubgraphs(subgraphs),
		WithPipelineLogger(r.logger),
		WithTracerProvider(r.tracerProvider),
		WithMetricStore(r.metricStore),
		WithRequestTimeout(r.trafficShaping.RequestTimeout),
		WithSubgraphTimeout(r.trafficShaping.SubgraphTimeout),
		WithMaxConcurrentFetches(r.trafficShaping.MaxConcurrentFetches),
		WithPipelineContextShards(r.pipeline.ContextShards),
	)
	if err != nil {
		return nil, err
	}

	gs.handler = NewGraphQLHandler(HandlerOptions{
		Pipeline: gs.pipeline,
		Logger:   r.logger,
	})

	return gs, nil
}

// Start listens on the configured address and blocks until the server is shut down or ctx is
// done.
func (r *Router) Start(ctx context.Context) error {
	if r.shutdown.Load() {
		return errors.New("router is closed. Create a new instance with router.NewRouter()")
	}

	ln, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.listenAddr, err)
	}

	eg, ctx := errgroup.WithContext(ctx)

	if r.prometheusServer != nil {
		eg.Go(func() error {
			if err := r.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			return nil
		})
	}

	if r.watchConfig && r.configPath != "" {
		eg.Go(func() error {
			err := watcher.Watch(ctx, watcher.Options{
				Path:   r.configPath,
				Logger: r.logger,
				Callback: func() {
					if err := r.Reload(ctx); err != nil {
						r.logger.Error("Failed to reload config", zap.Error(err))
					}
				},
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("failed to watch config: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		r.logger.Info("Server listening",
			zap.String("listen_addr", ln.Addr().String()),
			zap.String("graphql_path", r.graphqlPath),
		)
		r.healthChecks.SetReady(true)
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	return eg.Wait()
}

// Reload reads the config file again and swaps in a graph server built from it. The previous
// graph server keeps serving until the new one is ready. Requests already running finish on the
// graph server they started on.
func (r *Router) Reload(ctx context.Context) error {
	if r.configPath == "" {
		return errors.New("no config file to reload from")
	}
	result, err := config.LoadConfig(r.configPath, "")
	if err != nil {
		return err
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	if r.shutdown.Load() {
		return nil
	}

	cfg := result.Config
	if cfg.ListenAddr != r.listenAddr || cfg.GraphQLPath != r.graphqlPath {
		r.logger.Warn("Listen address and GraphQL path changes require a restart")
	}

	previous := r.Config
	r.subgraphs = cfg.Subgraphs
	r.modulesConfig = cfg.Modules
	r.trafficShaping = cfg.TrafficShaping
	r.pipeline = cfg.Pipeline

	next, err := r.newGraphServer(ctx)
	if err != nil {
		r.Config = previous
		return err
	}

	prev := r.active.Swap(next)
	r.healthChecks.GraphSwapped(r.subgraphNames())
	r.logger.Info("Config reloaded", zap.Int("subgraphs", len(cfg.Subgraphs)))

	if prev != nil {
		go func() {
			if err := r.closeGraphServer(ctx, prev); err != nil {
				r.logger.Error("Failed to close previous graph server", zap.Error(err))
			}
		}()
	}
	return nil
}

func (r *Router) subgraphNames() []string {
	names := make([]string, 0, len(r.subgraphs))
	for _, sg := range r.subgraphs {
		names = append(names, sg.Name)
	}
	return names
}

// closeGraphServer waits up to the grace period before cleaning up modules of gs, so in-flight
// requests can finish.
func (r *Router) closeGraphServer(ctx context.Context, gs *graphServer) error {
	if r.gracePeriod > 0 {
		timer := time.NewTimer(r.gracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return gs.close(context.WithoutCancel(ctx))
}

// Shutdown stops the servers gracefully and cleans up the modules.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.shutdown.Swap(true) {
		return nil
	}

	r.healthChecks.SetReady(false)

	if r.gracePeriod > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.gracePeriod)
		defer cancel()
	}

	var result *multierror.Error

	if err := r.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to shutdown server: %w", err))
	}
	if r.prometheusServer != nil {
		if err := r.prometheusServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to shutdown prometheus server: %w", err))
		}
	}

	r.reloadMu.Lock()
	gs := r.active.Swap(nil)
	r.reloadMu.Unlock()
	if gs != nil {
		if err := gs.close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
