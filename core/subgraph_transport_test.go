package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/d3rp3tt3/router/pkg/value"
)

func subgraphAt(t *testing.T, name, rawURL string) Subgraph {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return Subgraph{Name: name, URL: u}
}

func outboundRequest(query string) *Request {
	req := NewRequest(NewContext())
	req.Body.Query = query
	return req
}

func TestHTTPTransport(t *testing.T) {
	t.Parallel()

	t.Run("posts_graphql_and_decodes_response", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/graphql", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "42", r.Header.Get("X-My-New-Header"))

			raw, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			var body map[string]any
			assert.NoError(t, json.Unmarshal(raw, &body))
			assert.Equal(t, "{ me { id } }", body["query"])
			assert.Equal(t, map[string]any{"id": "1"}, body["variables"])

			w.Header().Set("X-Subgraph", "accounts")
			_, _ = w.Write([]byte(`{"data":{"me":{"id":"1"}}}`))
		}))
		t.Cleanup(server.Close)

		transport := NewHTTPTransport([]Subgraph{subgraphAt(t, "accounts", server.URL+"/graphql")}, HTTPTransportOptions{
			Transport: DefaultTransportOptions(),
			Logger:    zaptest.NewLogger(t),
		})

		req := outboundRequest("{ me { id } }")
		req.Body.Variables.Set("id", value.String("1"))
		require.NoError(t, req.Headers.Set("x-my-new-header", "42"))

		resp, err := transport.Fetch(context.Background(), "accounts", req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "accounts", resp.Headers.Get("x-subgraph"))
		assert.Equal(t, map[string]any{"me": map[string]any{"id": "1"}}, resp.Body.Data.ToMap())
	})

	t.Run("graphql_errors_with_non_2xx_are_a_response", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":[{"message":"bad query"}]}`))
		}))
		t.Cleanup(server.Close)

		transport := NewHTTPTransport([]Subgraph{subgraphAt(t, "a", server.URL)}, HTTPTransportOptions{Transport: DefaultTransportOptions()})
		resp, err := transport.Fetch(context.Background(), "a", outboundRequest("{ a }"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "bad query", resp.Body.Errors[0].Message)
	})

	t.Run("non_2xx_without_body_is_a_failure", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(server.Close)

		transport := NewHTTPTransport([]Subgraph{subgraphAt(t, "a", server.URL)}, HTTPTransportOptions{Transport: DefaultTransportOptions()})
		_, err := transport.Fetch(context.Background(), "a", outboundRequest("{ a }"))

		var subgraphErr *SubgraphError
		require.ErrorAs(t, err, &subgraphErr)
		assert.Equal(t, http.StatusServiceUnavailable, subgraphErr.StatusCode)
		assert.Equal(t, "HTTP fetch failed from 'a': 503: Service Unavailable", err.Error())
	})

	t.Run("unknown_subgraph", func(t *testing.T) {
		t.Parallel()

		transport := NewHTTPTransport(nil, HTTPTransportOptions{})
		_, err := transport.Fetch(context.Background(), "missing", outboundRequest("{ a }"))
		assert.ErrorIs(t, err, ErrUnknownSubgraph)
	})

	t.Run("retries_server_errors", func(t *testing.T) {
		t.Parallel()

		calls := atomic.NewInt32(0)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Inc() < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
		}))
		t.Cleanup(server.Close)

		transport := NewHTTPTransport([]Subgraph{subgraphAt(t, "a", server.URL)}, HTTPTransportOptions{
			Transport: DefaultTransportOptions(),
			Retry: RetryOptions{
				Enabled:     true,
				MaxAttempts: 5,
				MaxDuration: 10 * time.Millisecond,
				Interval:    time.Millisecond,
			},
			Logger: zaptest.NewLogger(t),
		})

		resp, err := transport.Fetch(context.Background(), "a", outboundRequest("{ ok }"))
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, map[string]any{"ok": true}, resp.Body.Data.ToMap())
	})

	t.Run("failure_through_pipeline_names_the_subgraph", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(server.Close)

		sg := subgraphAt(t, "products", server.URL)
		transport := NewHTTPTransport([]Subgraph{sg}, HTTPTransportOptions{Transport: DefaultTransportOptions()})
		p := newTestPipeline(t, NewHookRegistry(), singleFetch("products"), transport, WithSubgraphs([]Subgraph{sg}))

		resp := execute(p, "{ products }", "")
		require.Len(t, resp.Body.Errors, 1)
		service, _ := resp.Body.Errors[0].Extensions.Get("service")
		assert.True(t, service.Equal(value.String("products")))
		httpStatus, _ := resp.Body.Errors[0].Extensions.Get("http")
		assert.Equal(t, map[string]any{"status": float64(500)}, httpStatus.ToAny())
	})
}
