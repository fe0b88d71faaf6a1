package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/insights-cli/internal/cost"
	"github.com/sells-group/insights-cli/internal/fetcher"
	"github.com/sells-group/insights-cli/internal/llm"
	"github.com/sells-group/insights-cli/internal/resilience"
)

// Model providers.
const (
	ProviderServing   = "serving"
	ProviderAnthropic = "anthropic"
)

// Validation modes, one per command family.
const (
	ModeAnalyze = "analyze"
	ModeSchema  = "schema"
	ModeServe   = "serve"
)

// Config holds the full application configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Serving   ServingConfig   `yaml:"serving" mapstructure:"serving"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Pricing   cost.Rates      `yaml:"pricing" mapstructure:"pricing"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// LLMConfig configures model invocation.
type LLMConfig struct {
	Provider              string        `yaml:"provider" mapstructure:"provider"`
	Endpoints             []string      `yaml:"endpoint_priority_list" mapstructure:"endpoint_priority_list"`
	MaxRetries            int           `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseSeconds    float64       `yaml:"backoff_base_seconds" mapstructure:"backoff_base_seconds"`
	PerCallTimeoutSeconds int           `yaml:"per_call_timeout_seconds" mapstructure:"per_call_timeout_seconds"`
	ConcurrencyLimit      int           `yaml:"concurrency_limit" mapstructure:"concurrency_limit"`
	RequestsPerMinute     int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Temperature           float64       `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens             int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	Breaker               BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// BreakerConfig configures the per-endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold   uint32 `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	OpenTimeoutSeconds int    `yaml:"open_timeout_seconds" mapstructure:"open_timeout_seconds"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// CacheTTL is the prompt-cache lifetime of the shared system prompt.
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ServingConfig holds model-serving workspace settings.
type ServingConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Token   string `yaml:"token" mapstructure:"token"`
}

// JinaConfig holds Jina AI Reader settings. An empty key disables it.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ExtractConfig configures per-document extraction.
type ExtractConfig struct {
	FastMode                bool `yaml:"fast_mode" mapstructure:"fast_mode"`
	CacheCapacity           int  `yaml:"cache_capacity" mapstructure:"cache_capacity"`
	DocumentDeadlineSeconds int  `yaml:"document_deadline_seconds" mapstructure:"document_deadline_seconds"`
	CustomerInfo            bool `yaml:"customer_info" mapstructure:"customer_info"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentDocuments int    `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
	OutputDir              string `yaml:"output_dir" mapstructure:"output_dir"`
	Format                 string `yaml:"format" mapstructure:"format"`
}

// FetchConfig configures document downloads.
type FetchConfig struct {
	UserAgent         string      `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int         `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerMinute int         `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	HostLimits        []HostLimit `yaml:"host_limits" mapstructure:"host_limits"`
	MaxDocumentMB     int         `yaml:"max_document_mb" mapstructure:"max_document_mb"`
}

// HostLimit overrides fetch.requests_per_minute for one host. Viper splits
// map keys on dots, so hosts are listed rather than keyed.
type HostLimit struct {
	Host              string `yaml:"host" mapstructure:"host"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INSIGHTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Pricing.Models) == 0 {
		cfg.Pricing.Models = cost.DefaultRates().Models
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", ProviderServing)
	v.SetDefault("llm.endpoint_priority_list", []string{
		"databricks-claude-sonnet-4",
		"databricks-meta-llama-3-3-70b-instruct",
	})
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.backoff_base_seconds", 10)
	v.SetDefault("llm.per_call_timeout_seconds", 120)
	v.SetDefault("llm.concurrency_limit", 8)
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.breaker.failure_threshold", 5)
	v.SetDefault("llm.breaker.open_timeout_seconds", 60)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("extract.fast_mode", false)
	v.SetDefault("extract.cache_capacity", 1024)
	v.SetDefault("extract.document_deadline_seconds", 0)
	v.SetDefault("extract.customer_info", true)
	v.SetDefault("batch.max_concurrent_documents", 3)
	v.SetDefault("batch.output_dir", "exports")
	v.SetDefault("batch.format", "xlsx")
	v.SetDefault("fetch.user_agent", "insights-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.requests_per_minute", 60)
	v.SetDefault("fetch.max_document_mb", 20)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "insights.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the sections a command needs. Fast mode needs no model
// credentials.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case ModeAnalyze, ModeSchema, ModeServe:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	needsModel := !c.Extract.FastMode && (mode == ModeServe || mode == ModeAnalyze)
	if needsModel {
		switch c.LLM.Provider {
		case ProviderServing:
			if c.Serving.BaseURL == "" {
				errs = append(errs, "serving.base_url is required")
			}
			if c.Serving.Token == "" {
				errs = append(errs, "serving.token is required")
			}
		case ProviderAnthropic:
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required")
			}
			switch c.Anthropic.CacheTTL {
			case "", "5m", "1h":
			default:
				errs = append(errs, "anthropic.cache_ttl must be 5m or 1h")
			}
		default:
			errs = append(errs, "llm.provider must be serving or anthropic")
		}
		if len(c.LLM.Endpoints) == 0 {
			errs = append(errs, "llm.endpoint_priority_list must not be empty")
		}
		if c.LLM.MaxRetries < 1 {
			errs = append(errs, "llm.max_retries must be at least 1")
		}
		if c.LLM.ConcurrencyLimit < 1 {
			errs = append(errs, "llm.concurrency_limit must be at least 1")
		}
	}

	if mode == ModeSchema || mode == ModeServe {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	if mode == ModeServe && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if c.Batch.MaxConcurrentDocuments < 1 || c.Batch.MaxConcurrentDocuments > 50 {
		errs = append(errs, "batch.max_concurrent_documents must be between 1 and 50")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RetryPolicy derives the per-endpoint retry policy from the model settings.
func (c *Config) RetryPolicy() resilience.RetryConfig {
	return resilience.FromModelPolicy(c.LLM.MaxRetries, c.LLM.BackoffBaseSeconds)
}

// InvokerConfig builds the llm.Invoker configuration.
func (c *Config) InvokerConfig() llm.Config {
	temp := c.LLM.Temperature
	return llm.Config{
		Endpoints:   append([]string(nil), c.LLM.Endpoints...),
		Retry:       c.RetryPolicy(),
		CallTimeout: time.Duration(c.LLM.PerCallTimeoutSeconds) * time.Second,
		Breaker: llm.BreakerConfig{
			FailureThreshold: c.LLM.Breaker.FailureThreshold,
			OpenTimeout:      time.Duration(c.LLM.Breaker.OpenTimeoutSeconds) * time.Second,
		},
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: &temp,
	}
}

// FetchOptions builds the HTTP fetcher options.
func (c *Config) FetchOptions() fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		UserAgent:             c.Fetch.UserAgent,
		Timeout:               time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:            c.Fetch.MaxRetries,
		RequestsPerMinute:     c.Fetch.RequestsPerMinute,
		HostRequestsPerMinute: c.hostRequestsPerMinute(),
	}
}

func (c *Config) hostRequestsPerMinute() map[string]int {
	if len(c.Fetch.HostLimits) == 0 {
		return nil
	}
	out := make(map[string]int, len(c.Fetch.HostLimits))
	for _, hl := range c.Fetch.HostLimits {
		if host := strings.ToLower(strings.TrimSpace(hl.Host)); host != "" {
			out[host] = hl.RequestsPerMinute
		}
	}
	return out
}

// DocumentDeadline is the soft per-document deadline. 0 means none.
func (c *Config) DocumentDeadline() time.Duration {
	return time.Duration(c.Extract.DocumentDeadlineSeconds) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
