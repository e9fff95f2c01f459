package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/pkg/plan"
)

var (
	ErrRegistryFrozen  = errors.New("hook registry is frozen")
	ErrUnknownSubgraph = errors.New("unknown subgraph")
)

const (
	errorCodeSubrequestHTTPError = "SUBREQUEST_HTTP_ERROR"
	errorCodeGatewayTimeout      = "GATEWAY_TIMEOUT"
	errorCodeInternalServerError = "INTERNAL_SERVER_ERROR"
	errorCodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"

	requestTimedOutMessage = "Request timed out"
)

// ValidationError is returned to the caller of a mutation that would leave an envelope or the
// context in an invalid state. The previous value is kept.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SubgraphError is a failure reported by a SubgraphTransport.
type SubgraphError struct {
	Subgraph   string
	StatusCode int
	Err        error
}

func (e *SubgraphError) Error() string {
	return fmt.Sprintf("HTTP fetch failed from '%s': %v", e.Subgraph, e.Err)
}

func (e *SubgraphError) Unwrap() error {
	return e.Err
}

func mutationOverGetError() *plan.Error {
	return &plan.Error{
		Message:    "Mutations can only be sent over HTTP POST",
		Code:       errorCodeMethodNotAllowed,
		StatusCode: http.StatusMethodNotAllowed,
		Headers:    map[string]string{"Allow": http.MethodPost},
	}
}

// HttpError is an error that carries the status code and extension code sent to the client.
type HttpError interface {
	error
	ExtensionCode() string
	Message() string
	StatusCode() int
}

var _ HttpError = (*httpGraphqlError)(nil)

type httpGraphqlError struct {
	extensionCode string
	message       string
	statusCode    int
}

func NewHttpGraphqlError(message, extensionCode string, statusCode int) HttpError {
	return &httpGraphqlError{
		message:       message,
		extensionCode: extensionCode,
		statusCode:    statusCode,
	}
}

func (e *httpGraphqlError) Error() string         { return e.message }
func (e *httpGraphqlError) ExtensionCode() string { return e.extensionCode }
func (e *httpGraphqlError) Message() string       { return e.message }
func (e *httpGraphqlError) StatusCode() int       { return e.statusCode }

// failureResponse converts an error of the planner or executor into a response. Deadlines end the
// request with a terminal response, everything else is reported as a regular GraphQL error.
func failureResponse(rc *Context, err error) *Response {
	if errors.Is(err, context.DeadlineExceeded) {
		resp := newErrorResponse(rc, http.StatusGatewayTimeout, requestTimedOutMessage, errorCodeGatewayTimeout)
		resp.terminal = true
		return resp
	}

	var planErr *plan.Error
	if errors.As(err, &planErr) {
		resp := newErrorResponse(rc, planErr.HTTPStatus(), planErr.Message, planErr.Code)
		for name, value := range planErr.Headers {
			if err := resp.Headers.Set(name, value); err != nil {
				rc.Logger().Warn("Dropping invalid error response header", zap.String("header", name), zap.Error(err))
			}
		}
		return resp
	}

	var httpErr HttpError
	if errors.As(err, &httpErr) {
		return newErrorResponse(rc, httpErr.StatusCode(), httpErr.Message(), httpErr.ExtensionCode())
	}

	return newErrorResponse(rc, http.StatusInternalServerError, err.Error(), errorCodeInternalServerError)
}

// subgraphFailureResponse turns a transport failure into a response carrying one error entry.
func subgraphFailureResponse(rc *Context, subgraph string, err error) *Response {
	var subgraphErr *SubgraphError
	if !errors.As(err, &subgraphErr) {
		subgraphErr = &SubgraphError{Subgraph: subgraph, Err: err}
	}

	resp := NewResponse(rc)
	resp.StatusCode = http.StatusBadGateway
	if subgraphErr.StatusCode != 0 {
		resp.StatusCode = subgraphErr.StatusCode
	}

	ext := newExtensions(errorCodeSubrequestHTTPError)
	ext.Set("service", stringValue(subgraph))
	if subgraphErr.StatusCode != 0 {
		ext.Set("http", statusValue(subgraphErr.StatusCode))
	}
	resp.Body.Errors = append(resp.Body.Errors, GraphQLError{
		Message:    subgraphErr.Error(),
		Extensions: ext,
	})
	return resp
}
