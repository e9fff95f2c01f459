package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath = "config.yaml"
)

type Subgraph struct {
	Name           string   `yaml:"name"`
	RoutingURL     string   `yaml:"routing_url"`
	QueryFields    []string `yaml:"query_fields,omitempty"`
	MutationFields []string `yaml:"mutation_fields,omitempty"`
}

type BackoffJitterRetry struct {
	Enabled     bool          `yaml:"enabled" envDefault:"true" env:"RETRY_ENABLED"`
	MaxAttempts int           `yaml:"max_attempts" envDefault:"5"`
	MaxDuration time.Duration `yaml:"max_duration" envDefault:"10s"`
	Interval    time.Duration `yaml:"interval" envDefault:"3s"`
}

type TrafficShapingRules struct {
	// RequestTimeout bounds a whole client request, all stages included.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" envDefault:"60s" env:"TRAFFIC_SHAPING_REQUEST_TIMEOUT"`
	// SubgraphTimeout bounds a single subgraph call.
	SubgraphTimeout        time.Duration      `yaml:"subgraph_timeout,omitempty" envDefault:"30s" env:"TRAFFIC_SHAPING_SUBGRAPH_TIMEOUT"`
	MaxConcurrentFetches   int                `yaml:"max_concurrent_fetches,omitempty" envDefault:"0" env:"TRAFFIC_SHAPING_MAX_CONCURRENT_FETCHES"`
	DialTimeout            time.Duration      `yaml:"dial_timeout,omitempty" envDefault:"30s"`
	ResponseHeaderTimeout  time.Duration      `yaml:"response_header_timeout,omitempty" envDefault:"0s"`
	TLSHandshakeTimeout    time.Duration      `yaml:"tls_handshake_timeout,omitempty" envDefault:"10s"`
	KeepAliveIdleTimeout   time.Duration      `yaml:"keep_alive_idle_timeout,omitempty" envDefault:"90s"`
	KeepAliveProbeInterval time.Duration      `yaml:"keep_alive_probe_interval,omitempty" envDefault:"30s"`
	MaxIdleConnsPerHost    int                `yaml:"max_idle_conns_per_host,omitempty" envDefault:"20"`
	Retry                  BackoffJitterRetry `yaml:"retry"`
}

type PipelineConfiguration struct {
	ContextShards int   `yaml:"context_shards,omitempty" envDefault:"32" env:"PIPELINE_CONTEXT_SHARDS"`
	PlanCacheSize int64 `yaml:"plan_cache_size,omitempty" envDefault:"1024" env:"PIPELINE_PLAN_CACHE_SIZE"`
	// ParserRecursionLimit bounds the nesting of selection sets and fields of an operation.
	ParserRecursionLimit int `yaml:"parser_recursion_limit,omitempty" envDefault:"500" env:"PIPELINE_PARSER_RECURSION_LIMIT"`
}

type ResponseCompression struct {
	Enabled bool `yaml:"enabled" envDefault:"true" env:"RESPONSE_COMPRESSION_ENABLED"`
	Level   int  `yaml:"level" envDefault:"5" env:"RESPONSE_COMPRESSION_LEVEL"`
}

type Prometheus struct {
	Enabled    bool   `yaml:"enabled" envDefault:"true" env:"PROMETHEUS_ENABLED"`
	Path       string `yaml:"path" envDefault:"/metrics" env:"PROMETHEUS_HTTP_PATH"`
	ListenAddr string `yaml:"listen_addr" envDefault:"127.0.0.1:8088" env:"PROMETHEUS_LISTEN_ADDR"`
	// RouterRuntime adds the Go runtime and process collectors.
	RouterRuntime bool `yaml:"router_runtime" envDefault:"true" env:"PROMETHEUS_ROUTER_RUNTIME"`
}

type Metrics struct {
	Prometheus Prometheus `yaml:"prometheus"`
}

type Config struct {
	Version string `yaml:"version,omitempty"`

	Subgraphs      []Subgraph             `yaml:"subgraphs,omitempty"`
	Modules        map[string]interface{} `yaml:"modules,omitempty"`
	TrafficShaping TrafficShapingRules    `yaml:"traffic_shaping,omitempty"`
	Pipeline       PipelineConfiguration  `yaml:"pipeline,omitempty"`
	Metrics        Metrics                `yaml:"metrics,omitempty"`
	Compression    ResponseCompression    `yaml:"compression,omitempty"`

	ListenAddr      string        `yaml:"listen_addr" envDefault:"localhost:3002" env:"LISTEN_ADDR"`
	GraphQLPath     string        `yaml:"graphql_path" envDefault:"/graphql" env:"GRAPHQL_PATH"`
	HealthCheckPath string        `yaml:"health_check_path" envDefault:"/health" env:"HEALTH_CHECK_PATH"`
	LogLevel        string        `yaml:"log_level" envDefault:"info" env:"LOG_LEVEL"`
	JSONLog         bool          `yaml:"json_log" envDefault:"true" env:"JSON_LOG"`
	ShutdownDelay   time.Duration `yaml:"shutdown_delay" envDefault:"60s" env:"SHUTDOWN_DELAY"`
	GracePeriod     time.Duration `yaml:"grace_period" envDefault:"30s" env:"GRACE_PERIOD"`
	DevelopmentMode bool          `yaml:"dev_mode" envDefault:"false" env:"DEV_MODE"`
	// WatchConfig reloads the router when the config file changes.
	WatchConfig bool `yaml:"watch_config" envDefault:"false" env:"WATCH_CONFIG"`
}

type LoadResult struct {
	Config        Config
	DefaultLoaded bool
	// Path is the config file that was read. Empty when no file was found at the default path.
	Path string
}

// LoadConfig reads the environment, then the config file at configFilePath (CONFIG_PATH or
// config.yaml when empty). Values of the file win over the environment.
func LoadConfig(configFilePath string, envOverride string) (*LoadResult, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if envOverride != "" {
		_ = godotenv.Overload(envOverride)
	}

	cfg := &LoadResult{
		Config:        Config{},
		DefaultLoaded: true,
	}

	// Try to load the environment variables into the config

	err := env.Parse(&cfg.Config)
	if err != nil {
		return nil, err
	}

	// Read the custom config file

	var configFileBytes []byte

	if configFilePath == "" {
		configFilePath = os.Getenv("CONFIG_PATH")
		if configFilePath == "" {
			configFilePath = DefaultConfigPath
		}
	}

	isDefaultConfigPath := configFilePath == DefaultConfigPath
	configFileBytes, err = os.ReadFile(configFilePath)
	if err != nil {
		if isDefaultConfigPath {
			cfg.DefaultLoaded = false
		} else {
			return nil, fmt.Errorf("could not read custom config file %s: %w", configFilePath, err)
		}
	}

	if configFileBytes != nil {
		cfg.Path = configFilePath

		// Expand environment variables in the config file
		// and validate it against the JSON schema before decoding

		configYamlData := []byte(os.ExpandEnv(string(configFileBytes)))

		if err := ValidateConfig(configYamlData, JSONSchema); err != nil {
			return nil, fmt.Errorf("router config validation error: %w", err)
		}

		if err := yaml.Unmarshal(configYamlData, &cfg.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal router config: %w", err)
		}
	}

	// Post-process the config

	if cfg.Config.DevelopmentMode {
		cfg.Config.JSONLog = false
	}

	return cfg, nil
}
