package core

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/pkg/value"
)

const defaultMaxRequestBodyBytes = 5 << 20

var errRequestBodyTooLarge = errors.New("request body too large")

type HandlerOptions struct {
	Pipeline *Pipeline
	Logger   *zap.Logger
	// MaxRequestBodyBytes limits POST bodies. Zero uses 5MB.
	MaxRequestBodyBytes int64
}

// GraphQLHandler translates GraphQL over HTTP requests into client envelopes and writes the
// client response produced by the pipeline.
type GraphQLHandler struct {
	pipeline            *Pipeline
	log                 *zap.Logger
	maxRequestBodyBytes int64
}

func NewGraphQLHandler(opts HandlerOptions) *GraphQLHandler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodyBytes
	}
	return &GraphQLHandler{
		pipeline:            opts.Pipeline,
		log:                 logger,
		maxRequestBodyBytes: maxBody,
	}
}

func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger := h.log.With(zap.String("method", r.Method), zap.String("path", r.URL.Path))

	var body RequestBody
	var err error
	switch r.Method {
	case http.MethodGet:
		body, err = h.bodyFromQueryParams(r)
	case http.MethodPost:
		body, err = h.bodyFromPost(r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeRequestErrors(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s is not allowed", r.Method), requestLogger)
		return
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errRequestBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		requestLogger.Debug("Invalid GraphQL request", zap.Error(err))
		writeRequestErrors(w, status, err.Error(), requestLogger)
		return
	}

	rc := h.pipeline.NewContext(r.Context())
	req := NewRequest(rc)
	req.Method = r.Method
	req.Headers = HeadersFromHTTP(r.Header)
	req.Body = body
	req.URI = URI{Host: r.Host, Path: r.URL.Path}

	resp := h.pipeline.Execute(r.Context(), req)
	h.writeResponse(w, resp, rc.Logger())
}

func (h *GraphQLHandler) bodyFromQueryParams(r *http.Request) (RequestBody, error) {
	params := r.URL.Query()
	body := RequestBody{
		Query:         params.Get("query"),
		OperationName: params.Get("operationName"),
		Variables:     value.NewObject(),
		Extensions:    value.NewObject(),
	}

	for _, p := range []struct {
		name   string
		target **value.Object
	}{
		{"variables", &body.Variables},
		{"extensions", &body.Extensions},
	} {
		raw := params.Get(p.name)
		if raw == "" {
			continue
		}
		obj := value.NewObject()
		if err := obj.UnmarshalJSON([]byte(raw)); err != nil {
			return RequestBody{}, fmt.Errorf("invalid %s parameter: %w", p.name, err)
		}
		*p.target = obj
	}

	return body, nil
}

func (h *GraphQLHandler) bodyFromPost(r *http.Request) (RequestBody, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestBodyBytes+1))
	if err != nil {
		return RequestBody{}, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(raw)) > h.maxRequestBodyBytes {
		return RequestBody{}, errRequestBodyTooLarge
	}
	if len(raw) == 0 {
		return RequestBody{}, errors.New("empty request body")
	}

	var body RequestBody
	if err := body.UnmarshalJSON(raw); err != nil {
		return RequestBody{}, fmt.Errorf("invalid request body: %w", err)
	}
	return body, nil
}

func (h *GraphQLHandler) writeResponse(w http.ResponseWriter, resp *Response, requestLogger *zap.Logger) {
	payload, err := json.Marshal(resp.Body)
	if err != nil {
		requestLogger.Error("Failed to encode response", zap.Error(err))
		writeRequestErrors(w, http.StatusInternalServerError, "internal server error", requestLogger)
		return
	}

	resp.Headers.Range(func(name, value string) bool {
		w.Header().Add(name, value)
		return true
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		requestLogger.Debug("Failed to write response", zap.Error(err))
	}
}

// writeRequestErrors writes a response that failed before it reached the pipeline.
func writeRequestErrors(w http.ResponseWriter, statusCode int, message string, requestLogger *zap.Logger) {
	payload, err := json.Marshal(ResponseBody{Errors: []GraphQLError{{Message: message}}})
	if err != nil {
		requestLogger.Error("Failed to encode request errors", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write(payload); err != nil {
		requestLogger.Debug("Failed to write response", zap.Error(err))
	}
}
