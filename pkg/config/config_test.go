package config

import (
	"os"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/require"
)

func createTempFileFromFixture(t *testing.T, fixture string) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "config_test")
	require.NoError(t, err)

	_, err = f.WriteString(fixture)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	return f.Name()
}

func TestLoadFullConfig(t *testing.T) {
	f := createTempFileFromFixture(t, `
# yaml-language-server: $schema=./config.schema.json

version: "1"

listen_addr: "0.0.0.0:4000"
graphql_path: /gql
log_level: debug

subgraphs:
  - name: products
    routing_url: http://localhost:4001/graphql
    query_fields: [topProducts, product]
    mutation_fields: [addProduct]
  - name: reviews
    routing_url: https://reviews.internal/graphql
    query_fields: [reviews]

traffic_shaping:
  request_timeout: 5s
  subgraph_timeout: 2s
  max_concurrent_fetches: 4
  retry:
    enabled: false
    max_attempts: 3

pipeline:
  context_shards: 64
  plan_cache_size: 10
  parser_recursion_limit: 64

compression:
  level: 9

metrics:
  prometheus:
    enabled: false

modules:
  csrf:
    required_headers: [x-apollo-operation-name]
  subgraph_count:
  apq:
    cache_size: 64
`)

	result, err := LoadConfig(f, "")
	require.NoError(t, err)

	cfg := result.Config
	require.Equal(t, f, result.Path)
	require.Equal(t, "0.0.0.0:4000", cfg.ListenAddr)
	require.Equal(t, "/gql", cfg.GraphQLPath)
	require.Equal(t, "debug", cfg.LogLevel)

	require.Len(t, cfg.Subgraphs, 2)
	require.Equal(t, "products", cfg.Subgraphs[0].Name)
	require.Equal(t, []string{"topProducts", "product"}, cfg.Subgraphs[0].QueryFields)
	require.Equal(t, []string{"addProduct"}, cfg.Subgraphs[0].MutationFields)
	require.Equal(t, "https://reviews.internal/graphql", cfg.Subgraphs[1].RoutingURL)

	require.Equal(t, 5*time.Second, cfg.TrafficShaping.RequestTimeout)
	require.Equal(t, 2*time.Second, cfg.TrafficShaping.SubgraphTimeout)
	require.Equal(t, 4, cfg.TrafficShaping.MaxConcurrentFetches)
	require.False(t, cfg.TrafficShaping.Retry.Enabled)
	require.Equal(t, 3, cfg.TrafficShaping.Retry.MaxAttempts)
	// untouched values keep their defaults
	require.Equal(t, 3*time.Second, cfg.TrafficShaping.Retry.Interval)
	require.Equal(t, 10*time.Second, cfg.TrafficShaping.Retry.MaxDuration)
	require.Equal(t, 30*time.Second, cfg.TrafficShaping.DialTimeout)

	require.Equal(t, 64, cfg.Pipeline.ContextShards)
	require.Equal(t, int64(10), cfg.Pipeline.PlanCacheSize)
	require.Equal(t, 64, cfg.Pipeline.ParserRecursionLimit)
	require.True(t, cfg.Compression.Enabled)
	require.Equal(t, 9, cfg.Compression.Level)
	require.False(t, cfg.Metrics.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Metrics.Prometheus.Path)

	require.Contains(t, cfg.Modules, "csrf")
	require.Contains(t, cfg.Modules, "subgraph_count")
	require.Contains(t, cfg.Modules, "apq")
}

func TestDefaults(t *testing.T) {
	f := createTempFileFromFixture(t, `
version: "1"
`)
	result, err := LoadConfig(f, "")
	require.NoError(t, err)

	cfg := result.Config
	require.Equal(t, "localhost:3002", cfg.ListenAddr)
	require.Equal(t, "/graphql", cfg.GraphQLPath)
	require.Equal(t, 60*time.Second, cfg.TrafficShaping.RequestTimeout)
	require.Equal(t, 30*time.Second, cfg.TrafficShaping.SubgraphTimeout)
	require.True(t, cfg.TrafficShaping.Retry.Enabled)
	require.Equal(t, 5, cfg.TrafficShaping.Retry.MaxAttempts)
	require.Equal(t, 32, cfg.Pipeline.ContextShards)
	require.Equal(t, int64(1024), cfg.Pipeline.PlanCacheSize)
	require.Equal(t, 500, cfg.Pipeline.ParserRecursionLimit)
	require.True(t, cfg.Compression.Enabled)
	require.Equal(t, 5, cfg.Compression.Level)
	require.True(t, cfg.JSONLog)
}

func TestDevelopmentModeDisablesJSONLog(t *testing.T) {
	f := createTempFileFromFixture(t, `
version: "1"
dev_mode: true
json_log: true
`)
	result, err := LoadConfig(f, "")
	require.NoError(t, err)
	require.False(t, result.Config.JSONLog)
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("TEST_SUBGRAPH_TIMEOUT", "7s")
	t.Setenv("TEST_PRODUCTS_URL", "http://products:4001/graphql")

	f := createTempFileFromFixture(t, `
version: "1"

subgraphs:
  - name: products
    routing_url: ${TEST_PRODUCTS_URL}

traffic_shaping:
  subgraph_timeout: ${TEST_SUBGRAPH_TIMEOUT}
`)
	result, err := LoadConfig(f, "")
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, result.Config.TrafficShaping.SubgraphTimeout)
	require.Equal(t, "http://products:4001/graphql", result.Config.Subgraphs[0].RoutingURL)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("PIPELINE_CONTEXT_SHARDS", "8")

	f := createTempFileFromFixture(t, `
version: "1"
`)
	result, err := LoadConfig(f, "")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", result.Config.ListenAddr)
	require.Equal(t, 8, result.Config.Pipeline.ContextShards)
}

func TestValidationErrors(t *testing.T) {
	t.Run("invalid_duration", func(t *testing.T) {
		f := createTempFileFromFixture(t, `
version: "1"
traffic_shaping:
  request_timeout: soon
`)
		_, err := LoadConfig(f, "")
		var js *jsonschema.ValidationError
		require.ErrorAs(t, err, &js)
		require.ErrorContains(t, err, "router config validation error")
	})

	t.Run("subgraph_without_routing_url", func(t *testing.T) {
		f := createTempFileFromFixture(t, `
version: "1"
subgraphs:
  - name: products
`)
		_, err := LoadConfig(f, "")
		var js *jsonschema.ValidationError
		require.ErrorAs(t, err, &js)
	})

	t.Run("routing_url_must_be_http", func(t *testing.T) {
		f := createTempFileFromFixture(t, `
version: "1"
subgraphs:
  - name: products
    routing_url: ftp://products/graphql
`)
		_, err := LoadConfig(f, "")
		var js *jsonschema.ValidationError
		require.ErrorAs(t, err, &js)
	})

	t.Run("unknown_property", func(t *testing.T) {
		f := createTempFileFromFixture(t, `
version: "1"
unknown_key: true
`)
		_, err := LoadConfig(f, "")
		var js *jsonschema.ValidationError
		require.ErrorAs(t, err, &js)
	})

	t.Run("compression_level_out_of_range", func(t *testing.T) {
		f := createTempFileFromFixture(t, `
version: "1"
compression:
  level: 11
`)
		_, err := LoadConfig(f, "")
		var js *jsonschema.ValidationError
		require.ErrorAs(t, err, &js)
	})

	t.Run("invalid_listen_addr", func(t *testing.T) {
		f := createTempFileFromFixture(t, `
version: "1"
listen_addr: "localhost"
`)
		_, err := LoadConfig(f, "")
		var js *jsonschema.ValidationError
		require.ErrorAs(t, err, &js)
	})
}

func TestMissingCustomConfigFile(t *testing.T) {
	_, err := LoadConfig("does-not-exist.yaml", "")
	require.ErrorContains(t, err, "could not read custom config file does-not-exist.yaml")
}

func TestValidateConfigFormats(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateDuration("1m30s"))
	require.Error(t, validateDuration("-1s"))
	require.Error(t, validateDuration("tomorrow"))

	require.NoError(t, validateURI("http://localhost:4001/graphql"))
	require.Error(t, validateURI("localhost:4001"))
	require.Error(t, validateURI("http:///graphql"))

	require.NoError(t, validateHostnamePort("localhost:3002"))
	require.NoError(t, validateHostnamePort(":3002"))
	require.NoError(t, validateHostnamePort("0.0.0.0:3002"))
	require.Error(t, validateHostnamePort("localhost"))
	require.Error(t, validateHostnamePort("localhost:99999"))
}
