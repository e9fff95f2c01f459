package core

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/d3rp3tt3/router/pkg/value"
)

type URI struct {
	Host string
	Path string
}

type RequestBody struct {
	Query string
	// OperationName is empty when the client did not name the operation.
	OperationName string
	Variables     *value.Object
	Extensions    *value.Object
}

// Request is the request envelope handed to request hooks.
type Request struct {
	Context *Context
	Method  string
	Headers *Headers
	Body    RequestBody
	URI     URI
}

// NewRequest returns an empty POST request bound to rc.
func NewRequest(rc *Context) *Request {
	return &Request{
		Context: rc,
		Method:  http.MethodPost,
		Headers: NewHeaders(),
		Body: RequestBody{
			Variables:  value.NewObject(),
			Extensions: value.NewObject(),
		},
	}
}

// Clone copies everything but the Context, which stays shared.
func (r *Request) Clone() *Request {
	return &Request{
		Context: r.Context,
		Method:  r.Method,
		Headers: r.Headers.Clone(),
		Body: RequestBody{
			Query:         r.Body.Query,
			OperationName: r.Body.OperationName,
			Variables:     r.Body.Variables.Clone(),
			Extensions:    r.Body.Extensions.Clone(),
		},
		URI: r.URI,
	}
}

// SubgraphRequest is the request envelope of the subgraph stage. The embedded Request is a copy of
// the execution request and is informational only. Subgraph is the outbound request to
// SubgraphName; changes to it affect that single call.
type SubgraphRequest struct {
	*Request
	SubgraphName string
	Subgraph     *Request
}

type ResponseBody struct {
	Label string
	// Data is nil when the response carries no data.
	Data       *value.Object
	Errors     []GraphQLError
	Extensions *value.Object
}

// Response is the response envelope handed to response hooks.
type Response struct {
	Context    *Context
	StatusCode int
	Headers    *Headers
	Body       ResponseBody

	terminal bool
}

func NewResponse(rc *Context) *Response {
	return &Response{
		Context:    rc,
		StatusCode: http.StatusOK,
		Headers:    NewHeaders(),
		Body: ResponseBody{
			Extensions: value.NewObject(),
		},
	}
}

// Terminal reports whether the response was produced by an abort or a deadline. A terminal
// response ends the request: enclosing stages pass it through their response hooks but do not
// call their inner service again.
func (r *Response) Terminal() bool {
	return r.terminal
}

func newErrorResponse(rc *Context, statusCode int, message, code string) *Response {
	resp := NewResponse(rc)
	resp.StatusCode = statusCode
	gqlErr := GraphQLError{Message: message}
	if code != "" {
		gqlErr.Extensions = newExtensions(code)
	}
	resp.Body.Errors = []GraphQLError{gqlErr}
	return resp
}

// newAbortResponse builds the terminal response of an aborting hook: one error with an empty
// location list and no data.
func newAbortResponse(rc *Context, result HookResult) *Response {
	resp := NewResponse(rc)
	resp.StatusCode = result.StatusCode()
	gqlErr := GraphQLError{
		Message:   result.Message(),
		Locations: []Location{},
	}
	if code := result.Code(); code != "" {
		gqlErr.Extensions = newExtensions(code)
	}
	resp.Body.Errors = []GraphQLError{gqlErr}
	resp.terminal = true
	return resp
}

func newExtensions(code string) *value.Object {
	ext := value.NewObject()
	ext.Set("code", value.String(code))
	return ext
}

func stringValue(s string) value.Value {
	return value.String(s)
}

func statusValue(code int) value.Value {
	status := value.NewObject()
	status.Set("status", value.Int(int64(code)))
	return value.ObjectValue(status)
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is an entry of the errors list of a response.
type GraphQLError struct {
	Message string
	// Locations is omitted from the JSON encoding when nil and encoded as [] when empty.
	Locations  []Location
	Path       []value.Value
	Extensions *value.Object
}

var errEmptyMessage = errors.New("error message must not be empty")

// NewGraphQLError validates and builds an error entry. extensions may be nil.
func NewGraphQLError(message string, extensions map[string]any) (GraphQLError, error) {
	if message == "" {
		return GraphQLError{}, &ValidationError{Field: "error.message", Reason: errEmptyMessage.Error()}
	}
	gqlErr := GraphQLError{Message: message}
	if extensions != nil {
		ext, err := value.ObjectFromMap(extensions)
		if err != nil {
			return GraphQLError{}, &ValidationError{Field: "error.extensions", Reason: err.Error()}
		}
		gqlErr.Extensions = ext
	}
	return gqlErr, nil
}

type wireError struct {
	Message    string        `json:"message"`
	Locations  *[]Location   `json:"locations,omitempty"`
	Path       []value.Value `json:"path,omitempty"`
	Extensions *value.Object `json:"extensions,omitempty"`
}

func (e GraphQLError) MarshalJSON() ([]byte, error) {
	w := wireError{Message: e.Message, Path: e.Path}
	if e.Locations != nil {
		w.Locations = &e.Locations
	}
	if e.Extensions.Len() > 0 {
		w.Extensions = e.Extensions
	}
	return json.Marshal(w)
}

func (e *GraphQLError) UnmarshalJSON(data []byte) error {
	v, err := value.Parse(data)
	if err != nil {
		return err
	}
	parsed, err := graphQLErrorFromValue(v)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func graphQLErrorFromValue(v value.Value) (GraphQLError, error) {
	obj, ok := v.AsObject()
	if !ok {
		return GraphQLError{}, fmt.Errorf("graphql error must be an object, got %s", v.Kind())
	}
	var out GraphQLError
	if msg, ok := obj.Get("message"); ok {
		out.Message, _ = msg.AsString()
	}
	if locs, ok := obj.Get("locations"); ok {
		items, _ := locs.AsArray()
		out.Locations = make([]Location, 0, len(items))
		for _, item := range items {
			loc, ok := item.AsObject()
			if !ok {
				continue
			}
			line, _ := loc.Get("line")
			column, _ := loc.Get("column")
			l, _ := line.AsNumber()
			c, _ := column.AsNumber()
			out.Locations = append(out.Locations, Location{Line: int(l), Column: int(c)})
		}
	}
	if path, ok := obj.Get("path"); ok {
		items, _ := path.AsArray()
		for _, item := range items {
			out.Path = append(out.Path, item.Clone())
		}
	}
	if ext, ok := obj.Get("extensions"); ok {
		if extObj, ok := ext.AsObject(); ok {
			out.Extensions = extObj
		}
	}
	return out, nil
}

type wireRequest struct {
	Query         string        `json:"query"`
	OperationName string        `json:"operationName,omitempty"`
	Variables     *value.Object `json:"variables,omitempty"`
	Extensions    *value.Object `json:"extensions,omitempty"`
}

// MarshalJSON encodes the body in the GraphQL over HTTP request format.
func (b RequestBody) MarshalJSON() ([]byte, error) {
	w := wireRequest{Query: b.Query, OperationName: b.OperationName}
	if b.Variables.Len() > 0 {
		w.Variables = b.Variables
	}
	if b.Extensions.Len() > 0 {
		w.Extensions = b.Extensions
	}
	return json.Marshal(w)
}

func (b *RequestBody) UnmarshalJSON(data []byte) error {
	v, err := value.Parse(data)
	if err != nil {
		return err
	}
	obj, ok := v.AsObject()
	if !ok {
		return fmt.Errorf("request body must be an object, got %s", v.Kind())
	}
	out := RequestBody{Variables: value.NewObject(), Extensions: value.NewObject()}
	if q, ok := obj.Get("query"); ok && !q.IsNull() {
		if out.Query, ok = q.AsString(); !ok {
			return fmt.Errorf("query must be a string, got %s", q.Kind())
		}
	}
	if name, ok := obj.Get("operationName"); ok && !name.IsNull() {
		if out.OperationName, ok = name.AsString(); !ok {
			return fmt.Errorf("operationName must be a string, got %s", name.Kind())
		}
	}
	if vars, ok := obj.Get("variables"); ok && !vars.IsNull() {
		if out.Variables, ok = vars.AsObject(); !ok {
			return fmt.Errorf("variables must be an object, got %s", vars.Kind())
		}
	}
	if ext, ok := obj.Get("extensions"); ok && !ext.IsNull() {
		if out.Extensions, ok = ext.AsObject(); !ok {
			return fmt.Errorf("extensions must be an object, got %s", ext.Kind())
		}
	}
	*b = out
	return nil
}

type wireResponse struct {
	Label      string         `json:"label,omitempty"`
	Data       *value.Object  `json:"data,omitempty"`
	Errors     []GraphQLError `json:"errors,omitempty"`
	Extensions *value.Object  `json:"extensions,omitempty"`
}

// MarshalJSON encodes the body in the GraphQL response format. Absent data is omitted.
func (b ResponseBody) MarshalJSON() ([]byte, error) {
	w := wireResponse{Label: b.Label, Data: b.Data, Errors: b.Errors}
	if b.Extensions.Len() > 0 {
		w.Extensions = b.Extensions
	}
	return json.Marshal(w)
}

func (b *ResponseBody) UnmarshalJSON(data []byte) error {
	v, err := value.Parse(data)
	if err != nil {
		return err
	}
	obj, ok := v.AsObject()
	if !ok {
		return fmt.Errorf("response body must be an object, got %s", v.Kind())
	}
	out := ResponseBody{Extensions: value.NewObject()}
	if label, ok := obj.Get("label"); ok {
		out.Label, _ = label.AsString()
	}
	if d, ok := obj.Get("data"); ok && !d.IsNull() {
		if out.Data, ok = d.AsObject(); !ok {
			return fmt.Errorf("data must be an object, got %s", d.Kind())
		}
	}
	if errs, ok := obj.Get("errors"); ok && !errs.IsNull() {
		items, ok := errs.AsArray()
		if !ok {
			return fmt.Errorf("errors must be a list, got %s", errs.Kind())
		}
		for _, item := range items {
			gqlErr, err := graphQLErrorFromValue(item)
			if err != nil {
				return err
			}
			out.Errors = append(out.Errors, gqlErr)
		}
	}
	if ext, ok := obj.Get("extensions"); ok && !ext.IsNull() {
		if extObj, ok := ext.AsObject(); ok {
			out.Extensions = extObj
		}
	}
	*b = out
	return nil
}
