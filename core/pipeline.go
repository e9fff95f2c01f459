package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/d3rp3tt3/router/pkg/logging"
	"github.com/d3rp3tt3/router/pkg/metric"
	"github.com/d3rp3tt3/router/pkg/plan"
	"github.com/d3rp3tt3/router/pkg/value"
)

const tracerName = "github.com/d3rp3tt3/router/core"

// SubgraphTransport performs the network call of the subgraph stage.
type SubgraphTransport interface {
	Fetch(ctx context.Context, subgraph string, req *Request) (*Response, error)
}

type SubgraphTransportFunc func(ctx context.Context, subgraph string, req *Request) (*Response, error)

func (f SubgraphTransportFunc) Fetch(ctx context.Context, subgraph string, req *Request) (*Response, error) {
	return f(ctx, subgraph, req)
}

// Subgraph is a downstream service known to the pipeline.
type Subgraph struct {
	Name string
	URL  *url.URL
}

type PipelineOption func(p *Pipeline)

// Pipeline composes the supergraph, execution and subgraph stages for every client request.
type Pipeline struct {
	hooks     *stageHooks
	planner   plan.Planner
	transport SubgraphTransport
	subgraphs map[string]Subgraph

	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	metrics        metric.Store
	logSink        func(logger *zap.Logger) LogSink

	requestTimeout       time.Duration
	subgraphTimeout      time.Duration
	maxConcurrentFetches int64
	contextShards        int

	registry *HookRegistry
}

func WithHookRegistry(registry *HookRegistry) PipelineOption {
	return func(p *Pipeline) {
		p.registry = registry
	}
}

func WithPlanner(planner plan.Planner) PipelineOption {
	return func(p *Pipeline) {
		p.planner = planner
	}
}

func WithTransport(transport SubgraphTransport) PipelineOption {
	return func(p *Pipeline) {
		p.transport = transport
	}
}

func WithSubgraphs(subgraphs []Subgraph) PipelineOption {
	return func(p *Pipeline) {
		for _, sg := range subgraphs {
			p.subgraphs[sg.Name] = sg
		}
	}
}

func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) PipelineOption {
	return func(p *Pipeline) {
		p.tracerProvider = tp
	}
}

func WithMetricStore(store metric.Store) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = store
	}
}

// WithLogSink sets the factory of the sink that receives hook log records of a request.
func WithLogSink(factory func(logger *zap.Logger) LogSink) PipelineOption {
	return func(p *Pipeline) {
		p.logSink = factory
	}
}

func WithRequestTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.requestTimeout = d
	}
}

func WithSubgraphTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.subgraphTimeout = d
	}
}

// WithMaxConcurrentFetches caps the subgraph calls of one request that are in flight at once.
// Zero means unlimited.
func WithMaxConcurrentFetches(n int) PipelineOption {
	return func(p *Pipeline) {
		p.maxConcurrentFetches = int64(n)
	}
}

func WithPipelineContextShards(n int) PipelineOption {
	return func(p *Pipeline) {
		p.contextShards = n
	}
}

// NewPipeline builds a pipeline and freezes its hook registry.
func NewPipeline(opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		subgraphs:     make(map[string]Subgraph),
		contextShards: defaultContextShards,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.planner == nil {
		return nil, errors.New("pipeline: planner is required")
	}
	if p.transport == nil {
		return nil, errors.New("pipeline: transport is required")
	}
	if p.registry == nil {
		p.registry = NewHookRegistry()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.tracerProvider == nil {
		p.tracerProvider = otel.GetTracerProvider()
	}
	if p.metrics == nil {
		p.metrics = metric.NewNoopMetrics()
	}
	if p.logSink == nil {
		p.logSink = NewZapLogSink
	}

	p.registry.Freeze()
	p.hooks = p.registry.snapshot()
	p.tracer = p.tracerProvider.Tracer(tracerName)

	return p, nil
}

// NewContext creates the Context of a new client request. The request id of chi's RequestID
// middleware is reused when ctx carries one.
func (p *Pipeline) NewContext(ctx context.Context) *Context {
	reqID := middleware.GetReqID(ctx)
	c := NewContext(
		WithContextRequestID(reqID),
		WithContextLogger(p.logger),
		WithContextShards(p.contextShards),
	)
	c.sink = p.logSink(c.logger)
	return c
}

// Execute runs a client request through all stages and returns the client response. A Context is
// created when req has none.
func (p *Pipeline) Execute(ctx context.Context, req *Request) *Response {
	if req.Context == nil {
		req.Context = p.NewContext(ctx)
	}
	rc := req.Context
	if req.Headers == nil {
		req.Headers = NewHeaders()
	}

	ctx = withPipelineContext(ctx, rc)
	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	supergraph := &stage[*Request, RequestHook]{
		kind:          StageSupergraph,
		requestHooks:  p.hooks.supergraphRequest,
		responseHooks: p.hooks.supergraphResponse,
		invoke:        invokeRequestHook,
		inner: func(ctx context.Context, req *Request) (*Response, error) {
			return p.executionStage(rc).run(ctx, rc, req.Clone()), nil
		},
		failure: failureResponse,
		tracer:  p.tracer,
		metrics: p.metrics,
	}

	resp := supergraph.run(ctx, rc, req)
	rc.Logger().Debug("Request completed",
		zap.Int("status_code", resp.StatusCode),
		zap.Int("errors", len(resp.Body.Errors)),
		zap.Duration("elapsed", rc.Elapsed()),
	)
	return resp
}

func (p *Pipeline) executionStage(rc *Context) *stage[*Request, RequestHook] {
	return &stage[*Request, RequestHook]{
		kind:          StageExecution,
		requestHooks:  p.hooks.executionRequest,
		responseHooks: p.hooks.executionResponse,
		invoke:        invokeRequestHook,
		inner: func(ctx context.Context, req *Request) (*Response, error) {
			qp, err := p.planner.Plan(ctx, plan.Request{
				Query:         req.Body.Query,
				OperationName: req.Body.OperationName,
				Variables:     req.Body.Variables.Clone(),
			})
			if err != nil {
				return nil, err
			}
			if qp == nil || qp.Root == nil {
				return nil, NewHttpGraphqlError("empty query plan", errorCodeInternalServerError, http.StatusInternalServerError)
			}
			if qp.OperationType == plan.OperationTypeMutation && req.Method == http.MethodGet {
				return nil, mutationOverGetError()
			}
			return p.executePlan(ctx, rc, req, qp)
		},
		failure: failureResponse,
		tracer:  p.tracer,
		metrics: p.metrics,
	}
}

func (p *Pipeline) subgraphStage(rc *Context, name string, sem *semaphore.Weighted) *stage[*SubgraphRequest, SubgraphRequestHook] {
	requestHooks, responseHooks := p.hooks.forSubgraph(name)
	return &stage[*SubgraphRequest, SubgraphRequestHook]{
		kind:          StageSubgraph,
		subgraph:      name,
		requestHooks:  requestHooks,
		responseHooks: responseHooks,
		invoke:        invokeSubgraphRequestHook,
		inner: func(ctx context.Context, req *SubgraphRequest) (*Response, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if p.subgraphTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, p.subgraphTimeout)
				defer cancel()
			}
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil, err
				}
				defer sem.Release(1)
			}
			return p.fetchSubgraph(ctx, rc, name, req.Subgraph)
		},
		failure: func(rc *Context, err error) *Response {
			p.metrics.MeasureSubgraphFailure(name)
			return subgraphFailureResponse(rc, name, err)
		},
		tracer:  p.tracer,
		metrics: p.metrics,
	}
}

// fetchSubgraph turns a panicking transport into a failure of this subgraph only.
func (p *Pipeline) fetchSubgraph(ctx context.Context, rc *Context, name string, req *Request) (resp *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			rc.Logger().Error("Subgraph transport panicked",
				logging.WithSubgraph(name),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			resp, err = nil, &SubgraphError{Subgraph: name, Err: fmt.Errorf("transport panicked: %v", rec)}
		}
	}()
	return p.transport.Fetch(ctx, name, req)
}

// terminalError carries a terminal subgraph response out of the fan-out and cancels siblings.
type terminalError struct {
	resp *Response
}

func (e *terminalError) Error() string {
	return "subgraph stage ended the request"
}

type fetchResult struct {
	mergePath []string
	resp      *Response
}

type planExecution struct {
	p   *Pipeline
	rc  *Context
	req *Request
	sem *semaphore.Weighted
}

func (p *Pipeline) executePlan(ctx context.Context, rc *Context, req *Request, qp *plan.Plan) (*Response, error) {
	exec := &planExecution{p: p, rc: rc, req: req}
	if p.maxConcurrentFetches > 0 {
		exec.sem = semaphore.NewWeighted(p.maxConcurrentFetches)
	}

	results, err := exec.run(ctx, qp.Root, value.NewObject())
	if err != nil {
		var te *terminalError
		if errors.As(err, &te) {
			return te.resp, nil
		}
		return nil, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ctx.Err()
	}

	resp := NewResponse(rc)
	for _, r := range results {
		if r.resp.Body.Data != nil {
			if resp.Body.Data == nil {
				resp.Body.Data = value.NewObject()
			}
			mergeAt(resp.Body.Data, r.mergePath, r.resp.Body.Data)
		}
		resp.Body.Errors = append(resp.Body.Errors, r.resp.Body.Errors...)
	}
	return resp, nil
}

// run executes n and returns the fetch results in depth-first plan order. base is the data merged
// so far by the enclosing sequence; it is only read.
func (e *planExecution) run(ctx context.Context, n plan.Node, base *value.Object) ([]fetchResult, error) {
	switch t := n.(type) {
	case *plan.FetchNode:
		resp := e.fetch(ctx, t, base)
		if resp.terminal {
			return nil, &terminalError{resp: resp}
		}
		return []fetchResult{{mergePath: t.MergePath, resp: resp}}, nil

	case *plan.SequenceNode:
		current := base.Clone()
		var out []fetchResult
		for _, child := range t.Nodes {
			results, err := e.run(ctx, child, current)
			if err != nil {
				return nil, err
			}
			for _, r := range results {
				if r.resp.Body.Data != nil {
					mergeAt(current, r.mergePath, r.resp.Body.Data)
				}
			}
			out = append(out, results...)
		}
		return out, nil

	case *plan.ParallelNode:
		g, gctx := errgroup.WithContext(ctx)
		results := make([][]fetchResult, len(t.Nodes))
		for i, child := range t.Nodes {
			g.Go(func() error {
				r, err := e.run(gctx, child, base)
				results[i] = r
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		var out []fetchResult
		for _, r := range results {
			out = append(out, r...)
		}
		return out, nil
	}

	return nil, fmt.Errorf("unsupported plan node %T", n)
}

func (e *planExecution) fetch(ctx context.Context, f *plan.FetchNode, base *value.Object) *Response {
	outbound := &Request{
		Context: e.rc,
		Method:  http.MethodPost,
		Headers: NewHeaders(),
		Body: RequestBody{
			Query:         f.Operation,
			OperationName: f.OperationName,
			Variables:     value.NewObject(),
			Extensions:    value.NewObject(),
		},
	}
	if sg, ok := e.p.subgraphs[f.SubgraphName]; ok && sg.URL != nil {
		outbound.URI = URI{Host: sg.URL.Host, Path: sg.URL.Path}
	}
	for _, name := range f.VariableUsages {
		if v, ok := e.req.Body.Variables.Get(name); ok {
			outbound.Body.Variables.Set(name, v.Clone())
		}
	}
	for _, r := range f.Requires {
		outbound.Body.Variables.Set(r.Variable, lookupPath(base, r.Path))
	}

	sreq := &SubgraphRequest{
		Request:      e.req.Clone(),
		SubgraphName: f.SubgraphName,
		Subgraph:     outbound,
	}
	return e.p.subgraphStage(e.rc, f.SubgraphName, e.sem).run(ctx, e.rc, sreq)
}

func lookupPath(data *value.Object, path []string) value.Value {
	current := value.ObjectValue(data)
	for _, segment := range path {
		obj, ok := current.AsObject()
		if !ok {
			return value.Null()
		}
		next, ok := obj.Get(segment)
		if !ok {
			return value.Null()
		}
		current = next
	}
	return current.Clone()
}

// mergeAt deep-merges src into dst at path, creating intermediate objects.
func mergeAt(dst *value.Object, path []string, src *value.Object) {
	target := dst
	for _, segment := range path {
		next, ok := target.Get(segment)
		obj, isObj := next.AsObject()
		if !ok || !isObj {
			obj = value.NewObject()
			target.Set(segment, value.ObjectValue(obj))
		}
		target = obj
	}
	target.Merge(src)
}
