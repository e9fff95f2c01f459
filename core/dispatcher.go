package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/pkg/logging"
	"github.com/d3rp3tt3/router/pkg/metric"
)

const (
	stageAttribute    = attribute.Key("router.stage")
	subgraphAttribute = attribute.Key("router.subgraph.name")
	phaseAttribute    = attribute.Key("router.hook.phase")
	messageAttribute  = attribute.Key("router.hook.message")
	statusAttribute   = attribute.Key("http.response.status_code")

	hookAbortEvent = "hook_abort"
)

// stage runs one stage instance: request hooks, the inner service and response hooks.
// Q is the request envelope type and H the request hook type of the stage.
type stage[Q any, H any] struct {
	kind     StageKind
	subgraph string

	requestHooks  []H
	responseHooks []ResponseHook
	invoke        func(ctx context.Context, hook H, req Q) HookResult

	inner   func(ctx context.Context, req Q) (*Response, error)
	failure func(rc *Context, err error) *Response

	tracer  trace.Tracer
	metrics metric.Store
}

func (s *stage[Q, H]) spanName() string {
	switch s.kind {
	case StageSupergraph:
		return "Pipeline - Supergraph"
	case StageExecution:
		return "Pipeline - Execution"
	default:
		return "Pipeline - Subgraph " + s.subgraph
	}
}

// run executes the stage for req. It always returns a response.
func (s *stage[Q, H]) run(ctx context.Context, rc *Context, req Q) *Response {
	start := time.Now()
	attrs := []attribute.KeyValue{stageAttribute.String(s.kind.String())}
	if s.subgraph != "" {
		attrs = append(attrs, subgraphAttribute.String(s.subgraph))
	}
	ctx, span := s.tracer.Start(ctx, s.spanName(), trace.WithAttributes(attrs...))
	defer span.End()

	logger := rc.Logger().With(logging.WithStage(s.kind.String()))
	if s.subgraph != "" {
		logger = logger.With(logging.WithSubgraph(s.subgraph))
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With(logging.WithTraceID(sc.TraceID().String()))
	}

	var resp *Response
	for i, h := range s.requestHooks {
		result := s.invokeRequestHook(ctx, logger, h, req)
		if result.Aborted() {
			logger.Debug("Request hook aborted stage",
				zap.Int("hook_index", i),
				zap.String("message", result.Message()),
			)
			s.recordAbort(span, PhaseRequest, result)
			resp = newAbortResponse(rc, result)
			break
		}
	}

	if resp == nil {
		var err error
		resp, err = s.inner(ctx, req)
		if err != nil {
			logger.Debug("Stage inner service failed", zap.Error(err))
			span.RecordError(err)
			resp = s.failure(rc, err)
		}
		if resp == nil {
			resp = s.failure(rc, fmt.Errorf("%s stage produced no response", s.kind))
		}
		if resp.Context == nil {
			resp.Context = rc
		}
		if resp.Headers == nil {
			resp.Headers = NewHeaders()
		}
	}

	for i, h := range s.responseHooks {
		result := invokeResponseHook(ctx, logger, h, resp)
		if result.Aborted() {
			logger.Debug("Response hook aborted stage",
				zap.Int("hook_index", i),
				zap.String("message", result.Message()),
			)
			s.recordAbort(span, PhaseResponse, result)
			resp = newAbortResponse(rc, result)
			break
		}
	}

	span.SetAttributes(statusAttribute.Int(resp.StatusCode))
	if resp.terminal {
		span.SetStatus(codes.Error, "terminal response")
	}
	s.metrics.MeasureStageDuration(s.kind.String(), s.subgraph, time.Since(start))

	return resp
}

func (s *stage[Q, H]) recordAbort(span trace.Span, phase Phase, result HookResult) {
	span.AddEvent(hookAbortEvent, trace.WithAttributes(
		phaseAttribute.String(phase.String()),
		messageAttribute.String(result.Message()),
	))
	s.metrics.MeasureHookAbort(s.kind.String(), phase.String())
}

// invokeRequestHook turns a panicking hook into an abort.
func (s *stage[Q, H]) invokeRequestHook(ctx context.Context, logger *zap.Logger, h H, req Q) (result HookResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Request hook panicked", zap.Any("panic", rec), zap.Stack("stack"))
			result = AbortWithStatus(http.StatusInternalServerError, fmt.Sprintf("hook panicked: %v", rec))
		}
	}()
	return s.invoke(ctx, h, req)
}

func invokeResponseHook(ctx context.Context, logger *zap.Logger, h ResponseHook, resp *Response) (result HookResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Response hook panicked", zap.Any("panic", rec), zap.Stack("stack"))
			result = AbortWithStatus(http.StatusInternalServerError, fmt.Sprintf("hook panicked: %v", rec))
		}
	}()
	return h.OnResponse(ctx, resp)
}

func invokeRequestHook(ctx context.Context, h RequestHook, req *Request) HookResult {
	return h.OnRequest(ctx, req)
}

func invokeSubgraphRequestHook(ctx context.Context, h SubgraphRequestHook, req *SubgraphRequest) HookResult {
	return h.OnSubgraphRequest(ctx, req)
}
