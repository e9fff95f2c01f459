package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/internal/retrytransport"
)

const maxSubgraphResponseSize = 64 << 20

type TransportOptions struct {
	DialTimeout            time.Duration
	ResponseHeaderTimeout  time.Duration
	TLSHandshakeTimeout    time.Duration
	KeepAliveIdleTimeout   time.Duration
	KeepAliveProbeInterval time.Duration
	MaxIdleConnsPerHost    int
}

func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		DialTimeout:            30 * time.Second,
		ResponseHeaderTimeout:  0,
		TLSHandshakeTimeout:    10 * time.Second,
		KeepAliveIdleTimeout:   90 * time.Second,
		KeepAliveProbeInterval: 30 * time.Second,
		MaxIdleConnsPerHost:    20,
	}
}

type RetryOptions struct {
	Enabled     bool
	MaxAttempts int
	MaxDuration time.Duration
	Interval    time.Duration
}

type HTTPTransportOptions struct {
	Transport TransportOptions
	Retry     RetryOptions
	Logger    *zap.Logger
}

// HTTPTransport sends subgraph requests as GraphQL over HTTP POST requests. Every subgraph gets
// its own connection pool.
type HTTPTransport struct {
	subgraphs map[string]Subgraph
	clients   map[string]*http.Client
	logger    *zap.Logger
}

func NewHTTPTransport(subgraphs []Subgraph, opts HTTPTransportOptions) *HTTPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &HTTPTransport{
		subgraphs: make(map[string]Subgraph, len(subgraphs)),
		clients:   make(map[string]*http.Client, len(subgraphs)),
		logger:    logger,
	}

	for _, sg := range subgraphs {
		var rt http.RoundTripper = newHTTPTransport(opts.Transport)
		if opts.Retry.Enabled {
			rt = retrytransport.NewRetryHTTPTransport(rt, retrytransport.RetryOptions{
				MaxRetryCount: opts.Retry.MaxAttempts,
				Interval:      opts.Retry.Interval,
				MaxDuration:   opts.Retry.MaxDuration,
			}, logger.With(zap.String("subgraph_name", sg.Name)))
		}

		t.subgraphs[sg.Name] = sg
		t.clients[sg.Name] = &http.Client{
			Transport: otelhttp.NewTransport(rt),
		}
	}

	return t
}

func newHTTPTransport(opts TransportOptions) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: opts.KeepAliveProbeInterval,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1024,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.KeepAliveIdleTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
	}
}

// Fetch posts req to the subgraph. The URI of req overrides host and path of the configured
// routing URL. Non-2xx responses without a GraphQL body are reported as failures.
func (t *HTTPTransport) Fetch(ctx context.Context, subgraph string, req *Request) (*Response, error) {
	sg, ok := t.subgraphs[subgraph]
	if !ok || sg.URL == nil {
		return nil, &SubgraphError{Subgraph: subgraph, Err: ErrUnknownSubgraph}
	}

	target := *sg.URL
	if req.URI.Host != "" {
		target.Host = req.URI.Host
	}
	if req.URI.Path != "" {
		target.Path = req.URI.Path
	}

	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, &SubgraphError{Subgraph: subgraph, Err: fmt.Errorf("encoding request: %w", err)}
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, &SubgraphError{Subgraph: subgraph, Err: err}
	}
	httpReq.Header = req.Headers.ToHTTP()
	httpReq.Header.Set("Content-Type", "application/json")
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")
	}

	httpResp, err := t.clients[subgraph].Do(httpReq)
	if err != nil {
		return nil, &SubgraphError{Subgraph: subgraph, Err: unwrapURLError(err)}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxSubgraphResponseSize))
	if err != nil {
		return nil, &SubgraphError{Subgraph: subgraph, StatusCode: httpResp.StatusCode, Err: err}
	}

	var body ResponseBody
	decodeErr := body.UnmarshalJSON(raw)
	success := httpResp.StatusCode >= 200 && httpResp.StatusCode < 300

	if decodeErr != nil || (!success && body.Data == nil && len(body.Errors) == 0) {
		if !success {
			return nil, &SubgraphError{
				Subgraph:   subgraph,
				StatusCode: httpResp.StatusCode,
				Err:        fmt.Errorf("%d: %s", httpResp.StatusCode, http.StatusText(httpResp.StatusCode)),
			}
		}
		return nil, &SubgraphError{Subgraph: subgraph, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("invalid response body: %w", decodeErr)}
	}

	resp := NewResponse(req.Context)
	resp.StatusCode = httpResp.StatusCode
	resp.Headers = HeadersFromHTTP(httpResp.Header)
	resp.Body = body
	return resp, nil
}

// unwrapURLError drops the method and URL that net/http prefixes to transport errors.
func unwrapURLError(err error) error {
	if urlErr, ok := err.(*url.Error); ok {
		return urlErr.Err
	}
	return err
}
