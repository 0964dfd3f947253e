package httptoolkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
const EnvPrefix = "HTTPTOOLKIT_"

// Config describes a client declaratively. Zero values of optional sections
// disable the corresponding middleware.
type Config struct {
	Timeout        time.Duration          `koanf:"timeout" validate:"gte=0,lte=10m"`
	BaseURL        string                 `koanf:"base_url" validate:"omitempty,url"`
	Headers        map[string]string      `koanf:"headers"`
	Retry          RetryConfig            `koanf:"retry"`
	RateLimit      RateLimitConfig        `koanf:"rate_limit"`
	CircuitBreaker CircuitBreakerSettings `koanf:"circuit_breaker"`
	Cache          CacheConfig            `koanf:"cache"`
	Log            LogConfig              `koanf:"log"`
	Metrics        ToggleConfig           `koanf:"metrics"`
	Tracing        ToggleConfig           `koanf:"tracing"`
	RequestID      RequestIDConfig        `koanf:"request_id"`
}

// RetryConfig configures the Retry middleware.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries" validate:"gte=0,lte=100"`
	Strategy   string        `koanf:"strategy" validate:"omitempty,oneof=fixed linear exponential"`
	Delay      time.Duration `koanf:"delay" validate:"gte=0"`
	MaxDelay   time.Duration `koanf:"max_delay" validate:"gte=0"`
	Jitter     float64       `koanf:"jitter" validate:"gte=0,lte=1"`
	// WhenResponse is an expression evaluated against retried responses,
	// see ExprResponseDecider. Empty means responses are never retried.
	WhenResponse string `koanf:"when_response"`
	// Budget caps retries across all requests of the client per
	// BudgetWindow. Zero disables the budget.
	Budget       int           `koanf:"budget" validate:"gte=0"`
	BudgetWindow time.Duration `koanf:"budget_window" validate:"gte=0"`
}

// RateLimitConfig configures a per-host rate limiter. RPS zero disables it.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps" validate:"gte=0"`
	Burst int     `koanf:"burst" validate:"gte=0"`
}

// CircuitBreakerSettings configures the circuit breaker. FailureThreshold
// zero disables it.
type CircuitBreakerSettings struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gte=0"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout" validate:"gte=0"`
	SuccessThreshold int           `koanf:"success_threshold" validate:"gte=0"`
}

// CacheConfig configures the response cache. TTL zero disables it.
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl" validate:"gte=0"`
	// StaleRetention keeps stale entries with validators for revalidation.
	// Zero keeps DefaultStaleRetention.
	StaleRetention time.Duration `koanf:"stale_retention" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Pretty   bool   `koanf:"pretty"`
	Requests bool   `koanf:"requests"`
}

// ToggleConfig switches an optional feature on or off.
type ToggleConfig struct {
	Enabled bool `koanf:"enabled"`
}

// RequestIDConfig configures request ID propagation. An empty header
// disables it.
type RequestIDConfig struct {
	Header string `koanf:"header"`
}

// envSections lists the nested config sections so that
// HTTPTOOLKIT_RETRY_MAX_RETRIES maps to retry.max_retries and not to
// retry.max.retries.
var envSections = []string{
	"retry",
	"rate_limit",
	"circuit_breaker",
	"cache",
	"log",
	"metrics",
	"tracing",
	"request_id",
}

// LoadConfig loads configuration with priority:
// 1. Environment variables prefixed with EnvPrefix (highest priority)
// 2. The YAML file at path, if path is not empty
// 3. Default values (lowest priority)
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	for _, section := range envSections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest, value
		}
	}
	return key, value
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"timeout": DefaultTimeout.String(),

		"retry.max_retries":   DefaultMaxRetries,
		"retry.strategy":      "exponential",
		"retry.delay":         DefaultExponentialBase.String(),
		"retry.max_delay":     "30s",
		"retry.jitter":        0.0,
		"retry.budget":        0,
		"retry.budget_window": "1m",

		"cache.stale_retention": DefaultStaleRetention.String(),

		"circuit_breaker.failure_threshold": 0,
		"circuit_breaker.recovery_timeout":  "60s",
		"circuit_breaker.success_threshold": 2,

		"log.level":    "info",
		"log.pretty":   false,
		"log.requests": false,
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct constraints and the constraints
// that span fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := configValidator.Struct(cfg); err != nil {
		return err
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst == 0 {
		return errors.New("rate_limit.burst must be positive when rate_limit.rps is set")
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.Delay > cfg.Retry.MaxDelay {
		return fmt.Errorf("retry.delay %s exceeds retry.max_delay %s", cfg.Retry.Delay, cfg.Retry.MaxDelay)
	}
	return nil
}

// NewFromConfig builds a Client from cfg. opts are applied after the
// configured ones, so a WithMiddleware in opts appends to the configured
// middleware and becomes the outermost wrapper.
//
// Configured wrappers nest, from the outside in: tracing, metrics, cache,
// retry, rate limit, circuit breaker, request logging. Rate limiting and
// the circuit breaker therefore see every attempt. With metrics enabled the
// collector uses its own registry, exposed through Client.Metrics.
func NewFromConfig(cfg *Config, opts ...Option) (*Client, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := NewLogger(cfg.Log.Level, cfg.Log.Pretty)
	var middleware []Middleware

	if cfg.BaseURL != "" {
		base, err := BaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		middleware = append(middleware, base)
	}
	if len(cfg.Headers) > 0 {
		middleware = append(middleware, Headers(cfg.Headers))
	}
	if cfg.RequestID.Header != "" {
		middleware = append(middleware, RequestID(cfg.RequestID.Header))
	}

	var collector *MetricsCollector
	if cfg.Metrics.Enabled {
		collector = NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	}

	if cfg.Log.Requests {
		middleware = append(middleware, Logging(LoggingConfig{Logger: &logger}))
	}
	if cfg.CircuitBreaker.FailureThreshold > 0 {
		middleware = append(middleware, NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			Metrics:          collector,
		}))
	}
	if cfg.RateLimit.RPS > 0 {
		middleware = append(middleware, NewKeyedRateLimiter(DefaultHostKeyFunc, cfg.RateLimit.RPS, cfg.RateLimit.Burst).
			WithMetrics("host", collector))
	}

	retry, err := retryFromConfig(cfg.Retry, logger, collector)
	if err != nil {
		return nil, err
	}
	middleware = append(middleware, retry)

	if cfg.Cache.TTL > 0 {
		cache := NewResponseCache(NewInMemoryCache(), cfg.Cache.TTL).WithMetrics(collector)
		if cfg.Cache.StaleRetention > 0 {
			cache.WithStaleRetention(cfg.Cache.StaleRetention)
		}
		middleware = append(middleware, cache)
	}
	if collector != nil {
		middleware = append(middleware, Metrics(collector))
	}
	if cfg.Tracing.Enabled {
		middleware = append(middleware, Tracing(TracingConfig{}))
	}

	options := []Option{
		WithLogger(logger),
		WithMiddleware(middleware...),
		WithMetricsCollector(collector),
	}
	if cfg.Timeout > 0 {
		options = append(options, WithTimeout(cfg.Timeout))
	}
	client := New(append(options, opts...)...)
	if err := client.ValidationError(); err != nil {
		return nil, err
	}
	return client, nil
}

func retryFromConfig(cfg RetryConfig, logger zerolog.Logger, collector *MetricsCollector) (*Retry, error) {
	strategy, err := ParseBackoff(cfg.Strategy, cfg.Delay)
	if err != nil {
		return nil, err
	}
	if cfg.MaxDelay > 0 {
		strategy = CappedBackoff(strategy, cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		strategy = JitteredBackoff(strategy, cfg.Jitter)
	}

	opts := []RetryOption{
		RetryMaxRetries(cfg.MaxRetries),
		RetryBackoff(strategy),
		RetryLogger(logger),
		RetryMetrics(collector),
	}
	if cfg.Budget > 0 {
		opts = append(opts, RetryWithBudget(NewRetryBudget(cfg.Budget, cfg.BudgetWindow)))
	}
	if cfg.WhenResponse != "" {
		decider, err := ExprResponseDecider(cfg.WhenResponse)
		if err != nil {
			return nil, err
		}
		opts = append(opts, RetryWhenResponse(RetryIdempotentOnly(decider)))
	}
	return NewRetry(opts...), nil
}
