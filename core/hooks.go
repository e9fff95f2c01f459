package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/atomic"

	"github.com/d3rp3tt3/router/internal/utils"
)

// HookResult tells the dispatcher whether to go on after a hook returned.
type HookResult struct {
	aborted    bool
	message    string
	statusCode int
	code       string
}

// Continue lets the stage proceed with the next hook.
func Continue() HookResult {
	return HookResult{}
}

// Abort ends the stage. The client receives a single error carrying message and status 500.
func Abort(message string) HookResult {
	return AbortWithStatus(http.StatusInternalServerError, message)
}

func AbortWithStatus(statusCode int, message string) HookResult {
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	return HookResult{aborted: true, message: message, statusCode: statusCode}
}

// AbortWithCode is AbortWithStatus with code set as the extensions.code of the error.
func AbortWithCode(statusCode int, message, code string) HookResult {
	result := AbortWithStatus(statusCode, message)
	result.code = code
	return result
}

func (r HookResult) Aborted() bool   { return r.aborted }
func (r HookResult) Message() string { return r.message }
func (r HookResult) StatusCode() int { return r.statusCode }
func (r HookResult) Code() string    { return r.code }

// RequestHook runs in the request phase of the supergraph and execution stages.
type RequestHook interface {
	OnRequest(ctx context.Context, req *Request) HookResult
}

type RequestHookFunc func(ctx context.Context, req *Request) HookResult

func (f RequestHookFunc) OnRequest(ctx context.Context, req *Request) HookResult {
	return f(ctx, req)
}

// SubgraphRequestHook runs in the request phase of the subgraph stage.
type SubgraphRequestHook interface {
	OnSubgraphRequest(ctx context.Context, req *SubgraphRequest) HookResult
}

type SubgraphRequestHookFunc func(ctx context.Context, req *SubgraphRequest) HookResult

func (f SubgraphRequestHookFunc) OnSubgraphRequest(ctx context.Context, req *SubgraphRequest) HookResult {
	return f(ctx, req)
}

// ResponseHook runs in the response phase of every stage.
type ResponseHook interface {
	OnResponse(ctx context.Context, resp *Response) HookResult
}

type ResponseHookFunc func(ctx context.Context, resp *Response) HookResult

func (f ResponseHookFunc) OnResponse(ctx context.Context, resp *Response) HookResult {
	return f(ctx, resp)
}

type StageKind uint8

const (
	StageSupergraph StageKind = iota
	StageExecution
	StageSubgraph
)

func (s StageKind) String() string {
	switch s {
	case StageSupergraph:
		return "supergraph"
	case StageExecution:
		return "execution"
	case StageSubgraph:
		return "subgraph"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

type Phase uint8

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	if p == PhaseRequest {
		return "request"
	}
	return "response"
}

type scopedHook[H any] struct {
	subgraph string
	hook     H
}

// HookRegistry holds the ordered hooks of every (stage, phase). Hooks run in registration order.
// The registry is frozen when a pipeline is built from it.
type HookRegistry struct {
	mu     sync.Mutex
	frozen atomic.Bool

	supergraphRequestHooks  *utils.OrderedList[RequestHook]
	supergraphResponseHooks *utils.OrderedList[ResponseHook]

	executionRequestHooks  *utils.OrderedList[RequestHook]
	executionResponseHooks *utils.OrderedList[ResponseHook]

	subgraphRequestHooks  *utils.OrderedList[scopedHook[SubgraphRequestHook]]
	subgraphResponseHooks *utils.OrderedList[scopedHook[ResponseHook]]
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		supergraphRequestHooks:  utils.NewOrderedList[RequestHook](),
		supergraphResponseHooks: utils.NewOrderedList[ResponseHook](),
		executionRequestHooks:   utils.NewOrderedList[RequestHook](),
		executionResponseHooks:  utils.NewOrderedList[ResponseHook](),
		subgraphRequestHooks:    utils.NewOrderedList[scopedHook[SubgraphRequestHook]](),
		subgraphResponseHooks:   utils.NewOrderedList[scopedHook[ResponseHook]](),
	}
}

// Register appends hook to (stage, phase). Request hooks of the subgraph stage must implement
// SubgraphRequestHook, other request hooks RequestHook and response hooks ResponseHook.
// Subgraph hooks registered here apply to every subgraph.
func (hr *HookRegistry) Register(stage StageKind, phase Phase, hook any) error {
	if stage == StageSubgraph {
		return hr.RegisterSubgraph("", phase, hook)
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.frozen.Load() {
		return ErrRegistryFrozen
	}

	var requestHooks *utils.OrderedList[RequestHook]
	var responseHooks *utils.OrderedList[ResponseHook]
	switch stage {
	case StageSupergraph:
		requestHooks, responseHooks = hr.supergraphRequestHooks, hr.supergraphResponseHooks
	case StageExecution:
		requestHooks, responseHooks = hr.executionRequestHooks, hr.executionResponseHooks
	default:
		return fmt.Errorf("unknown stage %s", stage)
	}

	if phase == PhaseRequest {
		return appendHook(hook, requestHooks, stage, phase)
	}
	return appendHook(hook, responseHooks, stage, phase)
}

// RegisterSubgraph appends a subgraph stage hook that only runs for calls to subgraph. An empty
// name applies the hook to every subgraph. Scoped and unscoped hooks share one registration order.
func (hr *HookRegistry) RegisterSubgraph(subgraph string, phase Phase, hook any) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.frozen.Load() {
		return ErrRegistryFrozen
	}

	if phase == PhaseRequest {
		h, ok := hook.(SubgraphRequestHook)
		if !ok {
			return hookTypeError(hook, StageSubgraph, phase)
		}
		hr.subgraphRequestHooks.Append(scopedHook[SubgraphRequestHook]{subgraph: subgraph, hook: h})
		return nil
	}
	h, ok := hook.(ResponseHook)
	if !ok {
		return hookTypeError(hook, StageSubgraph, phase)
	}
	hr.subgraphResponseHooks.Append(scopedHook[ResponseHook]{subgraph: subgraph, hook: h})
	return nil
}

func (hr *HookRegistry) OnSupergraphRequest(fn RequestHookFunc) error {
	return hr.Register(StageSupergraph, PhaseRequest, fn)
}

func (hr *HookRegistry) OnSupergraphResponse(fn ResponseHookFunc) error {
	return hr.Register(StageSupergraph, PhaseResponse, fn)
}

func (hr *HookRegistry) OnExecutionRequest(fn RequestHookFunc) error {
	return hr.Register(StageExecution, PhaseRequest, fn)
}

func (hr *HookRegistry) OnExecutionResponse(fn ResponseHookFunc) error {
	return hr.Register(StageExecution, PhaseResponse, fn)
}

// OnSubgraphRequest registers fn for calls to subgraph, or to every subgraph when it is empty.
func (hr *HookRegistry) OnSubgraphRequest(subgraph string, fn SubgraphRequestHookFunc) error {
	return hr.RegisterSubgraph(subgraph, PhaseRequest, fn)
}

func (hr *HookRegistry) OnSubgraphResponse(subgraph string, fn ResponseHookFunc) error {
	return hr.RegisterSubgraph(subgraph, PhaseResponse, fn)
}

func appendHook[H any](hook any, list *utils.OrderedList[H], stage StageKind, phase Phase) error {
	h, ok := hook.(H)
	if !ok {
		return hookTypeError(hook, stage, phase)
	}
	list.Append(h)
	return nil
}

func hookTypeError(hook any, stage StageKind, phase Phase) error {
	return fmt.Errorf("hook of type %T cannot be registered for the %s %s phase", hook, stage, phase)
}

// Freeze makes the registry read-only. It is called when a pipeline is built.
func (hr *HookRegistry) Freeze() {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.frozen.Store(true)
}

func (hr *HookRegistry) Frozen() bool {
	return hr.frozen.Load()
}

// Len returns the number of hooks registered for (stage, phase), scoped subgraph hooks included.
func (hr *HookRegistry) Len(stage StageKind, phase Phase) int {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	switch {
	case stage == StageSupergraph && phase == PhaseRequest:
		return hr.supergraphRequestHooks.Len()
	case stage == StageSupergraph:
		return hr.supergraphResponseHooks.Len()
	case stage == StageExecution && phase == PhaseRequest:
		return hr.executionRequestHooks.Len()
	case stage == StageExecution:
		return hr.executionResponseHooks.Len()
	case phase == PhaseRequest:
		return hr.subgraphRequestHooks.Len()
	default:
		return hr.subgraphResponseHooks.Len()
	}
}

// stageHooks is the immutable view of the registry a pipeline dispatches from.
type stageHooks struct {
	supergraphRequest  []RequestHook
	supergraphResponse []ResponseHook
	executionRequest   []RequestHook
	executionResponse  []ResponseHook

	subgraphRequest  []scopedHook[SubgraphRequestHook]
	subgraphResponse []scopedHook[ResponseHook]

	mu                  sync.RWMutex
	perSubgraphRequest  map[string][]SubgraphRequestHook
	perSubgraphResponse map[string][]ResponseHook
}

func (hr *HookRegistry) snapshot() *stageHooks {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	return &stageHooks{
		supergraphRequest:   hr.supergraphRequestHooks.Values(),
		supergraphResponse:  hr.supergraphResponseHooks.Values(),
		executionRequest:    hr.executionRequestHooks.Values(),
		executionResponse:   hr.executionResponseHooks.Values(),
		subgraphRequest:     hr.subgraphRequestHooks.Values(),
		subgraphResponse:    hr.subgraphResponseHooks.Values(),
		perSubgraphRequest:  make(map[string][]SubgraphRequestHook),
		perSubgraphResponse: make(map[string][]ResponseHook),
	}
}

// forSubgraph returns the subgraph stage hooks that apply to subgraph, in registration order.
func (s *stageHooks) forSubgraph(subgraph string) ([]SubgraphRequestHook, []ResponseHook) {
	s.mu.RLock()
	req, okReq := s.perSubgraphRequest[subgraph]
	resp, okResp := s.perSubgraphResponse[subgraph]
	s.mu.RUnlock()
	if okReq && okResp {
		return req, resp
	}

	req = filterScoped(s.subgraphRequest, subgraph)
	resp = filterScoped(s.subgraphResponse, subgraph)

	s.mu.Lock()
	s.perSubgraphRequest[subgraph] = req
	s.perSubgraphResponse[subgraph] = resp
	s.mu.Unlock()
	return req, resp
}

func filterScoped[H any](hooks []scopedHook[H], subgraph string) []H {
	out := make([]H, 0, len(hooks))
	for _, h := range hooks {
		if h.subgraph == "" || h.subgraph == subgraph {
			out = append(out, h.hook)
		}
	}
	return out
}
