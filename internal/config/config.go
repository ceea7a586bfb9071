// Copyright 2025 James Ross
// Package config loads and validates the two configuration surfaces
// Optimus runs with: the Gateway's (mostly optional, YAML + env) and
// the Worker's (strict and crash-fast per §4.3 for its env-only
// required variables; optional settings come from YAML + env).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/optimus-run/optimus/internal/model"
)

// Redis holds connection tuning shared by Gateway and Worker. The
// address always comes from REDIS_URL; the rest are optional
// performance knobs with teacher-style defaults.
type Redis struct {
	URL                string        `mapstructure:"url"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

func defaultRedis() Redis {
	return Redis{
		PoolSizeMultiplier: 10,
		MinIdleConns:       5,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		MaxRetries:         3,
	}
}

// PoolSize resolves the configured multiplier against the host's CPU count.
func (r Redis) PoolSize() int {
	n := r.PoolSizeMultiplier * runtime.NumCPU()
	if n <= 0 {
		n = 10 * runtime.NumCPU()
	}
	return n
}

// CircuitBreaker guards broker calls from both the Gateway and the
// Worker, adapted unchanged in algorithm from the teacher's resilience
// layer (see internal/breaker).
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

func defaultCircuitBreaker() CircuitBreaker {
	return CircuitBreaker{
		FailureThreshold: 0.5,
		Window:           1 * time.Minute,
		CooldownPeriod:   30 * time.Second,
		MinSamples:       20,
	}
}

// Tracing configures the OpenTelemetry exporter shared by Gateway and Worker.
type Tracing struct {
	Enabled      bool          `mapstructure:"enabled"`
	Endpoint     string        `mapstructure:"endpoint"`
	Environment  string        `mapstructure:"environment"`
	SamplingRate float64       `mapstructure:"sampling_rate"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Insecure     bool          `mapstructure:"insecure"`
}

// Observability configures logging, metrics and tracing.
type Observability struct {
	LogLevel    string  `mapstructure:"log_level"`
	LogFile     string  `mapstructure:"log_file"`
	MetricsPort int     `mapstructure:"metrics_port"`
	Tracing     Tracing `mapstructure:"tracing"`
}

func defaultObservability(metricsPort int) Observability {
	return Observability{
		LogLevel:    "info",
		MetricsPort: metricsPort,
		Tracing:     Tracing{Enabled: false, SamplingRate: 1.0, BatchTimeout: 5 * time.Second},
	}
}

// Gateway is the submission gateway's configuration (§4.2, §6).
type Gateway struct {
	Redis          Redis
	Port           int
	MaxTimeoutMS   int
	Observability  Observability
	CircuitBreaker CircuitBreaker
}

// LoadGateway reads REDIS_URL (required) plus optional YAML/env overrides.
func LoadGateway(path string) (*Gateway, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		return nil, fmt.Errorf("REDIS_URL not set")
	}

	v := newViper(path)
	v.SetDefault("port", 8080)
	v.SetDefault("max_timeout_ms", 30000)
	applyRedisDefaults(v)
	applyObservabilityDefaults(v, 8080)
	applyCircuitBreakerDefaults(v)

	if err := readIfPresent(v, path); err != nil {
		return nil, err
	}

	cfg := &Gateway{Redis: defaultRedis(), Observability: defaultObservability(8080), CircuitBreaker: defaultCircuitBreaker()}
	cfg.Port = v.GetInt("port")
	cfg.MaxTimeoutMS = v.GetInt("max_timeout_ms")
	if err := v.UnmarshalKey("redis", &cfg.Redis); err != nil {
		return nil, fmt.Errorf("unmarshal redis config: %w", err)
	}
	cfg.Redis.URL = url // env always wins over file
	if err := v.UnmarshalKey("observability", &cfg.Observability); err != nil {
		return nil, fmt.Errorf("unmarshal observability config: %w", err)
	}
	if err := v.UnmarshalKey("circuit_breaker", &cfg.CircuitBreaker); err != nil {
		return nil, fmt.Errorf("unmarshal circuit breaker config: %w", err)
	}

	if cfg.MaxTimeoutMS < 1 {
		return nil, fmt.Errorf("max_timeout_ms must be >= 1")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port must be 1..65535")
	}
	return cfg, nil
}

// ResourceLimits bounds one language's sandbox: memory in bytes and
// fractional CPU quota, per §4.4.
type ResourceLimits struct {
	MemoryBytes int64   `mapstructure:"memory_bytes"`
	CPUQuota    float64 `mapstructure:"cpu_quota"`
}

func defaultResourceLimits() map[model.Language]ResourceLimits {
	return map[model.Language]ResourceLimits{
		model.LanguagePython: {MemoryBytes: 256 << 20, CPUQuota: 0.5},
		model.LanguageJava:   {MemoryBytes: 512 << 20, CPUQuota: 1.0},
		model.LanguageRust:   {MemoryBytes: 512 << 20, CPUQuota: 1.0},
	}
}

// Worker is a single worker process's configuration. Every field here
// is either derived from a required env var validated at startup, or
// has a crash-fast-safe default — see LoadWorker and the crash-fast
// table in §4.3.
type Worker struct {
	Language model.Language
	Queue    string
	Image    string
	Redis    Redis

	DefaultTimeoutMS      int
	MaxTimeoutMS          int
	ResultTTLSeconds      int
	ImageRefreshCron      string
	StdoutStderrCapBytes  int
	CompressThresholdBytes int

	Limits         map[model.Language]ResourceLimits
	CircuitBreaker CircuitBreaker
	Observability  Observability
}

// QueueKeyFor returns the canonical queue key for a language, matching
// the layout the broker package uses.
func QueueKeyFor(l model.Language) string {
	return fmt.Sprintf("optimus:queue:%s", l)
}

// LoadWorker performs the crash-fast startup validation described in
// §4.3: any missing or mismatched required variable must produce a
// diagnostic naming the offending variable and a non-zero exit,
// before anything opens a broker connection.
func LoadWorker(path string) (*Worker, error) {
	langStr := os.Getenv("OPTIMUS_LANGUAGE")
	if langStr == "" {
		return nil, fmt.Errorf("OPTIMUS_LANGUAGE not set")
	}
	lang := model.Language(strings.ToLower(langStr))
	if !lang.Valid() {
		return nil, fmt.Errorf("Invalid language: %s", langStr)
	}

	queue := os.Getenv("OPTIMUS_QUEUE")
	if queue == "" {
		return nil, fmt.Errorf("OPTIMUS_QUEUE not set")
	}
	wantQueue := QueueKeyFor(lang)
	if queue != wantQueue {
		return nil, fmt.Errorf("Queue mismatch: OPTIMUS_QUEUE=%s does not match expected %s for language %s", queue, wantQueue, lang)
	}

	image := os.Getenv("OPTIMUS_IMAGE")
	if image == "" {
		return nil, fmt.Errorf("OPTIMUS_IMAGE not set")
	}
	wantPrefix := fmt.Sprintf("optimus-%s:", lang)
	if !strings.HasPrefix(image, wantPrefix) {
		return nil, fmt.Errorf("Image mismatch: OPTIMUS_IMAGE=%s does not begin with %s", image, wantPrefix)
	}

	url := os.Getenv("REDIS_URL")
	if url == "" {
		return nil, fmt.Errorf("REDIS_URL not set")
	}

	v := newViper(path)
	v.SetDefault("default_timeout_ms", 5000)
	v.SetDefault("max_timeout_ms", 30000)
	v.SetDefault("result_ttl_seconds", 3600)
	v.SetDefault("image_refresh_cron", "@every 10m")
	v.SetDefault("stdout_stderr_cap_bytes", 1<<20)
	v.SetDefault("compress_threshold_bytes", 16<<10)
	applyRedisDefaults(v)
	applyObservabilityDefaults(v, 9090)
	applyCircuitBreakerDefaults(v)

	if err := readIfPresent(v, path); err != nil {
		return nil, err
	}

	cfg := &Worker{
		Language:               lang,
		Queue:                  queue,
		Image:                  image,
		Redis:                  defaultRedis(),
		DefaultTimeoutMS:       v.GetInt("default_timeout_ms"),
		MaxTimeoutMS:           v.GetInt("max_timeout_ms"),
		ResultTTLSeconds:       v.GetInt("result_ttl_seconds"),
		ImageRefreshCron:       v.GetString("image_refresh_cron"),
		StdoutStderrCapBytes:   v.GetInt("stdout_stderr_cap_bytes"),
		CompressThresholdBytes: v.GetInt("compress_threshold_bytes"),
		Limits:                 defaultResourceLimits(),
		CircuitBreaker:         defaultCircuitBreaker(),
		Observability:          defaultObservability(9090),
	}
	cfg.Redis.URL = url
	if err := v.UnmarshalKey("redis", &cfg.Redis); err != nil {
		return nil, fmt.Errorf("unmarshal redis config: %w", err)
	}
	cfg.Redis.URL = url
	if err := v.UnmarshalKey("observability", &cfg.Observability); err != nil {
		return nil, fmt.Errorf("unmarshal observability config: %w", err)
	}
	if err := v.UnmarshalKey("circuit_breaker", &cfg.CircuitBreaker); err != nil {
		return nil, fmt.Errorf("unmarshal circuit breaker config: %w", err)
	}
	if err := v.UnmarshalKey("limits", &cfg.Limits); err != nil {
		return nil, fmt.Errorf("unmarshal resource limits: %w", err)
	}

	if err := validateWorker(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateWorker(cfg *Worker) error {
	if cfg.MaxTimeoutMS < 1 {
		return fmt.Errorf("max_timeout_ms must be >= 1")
	}
	if cfg.DefaultTimeoutMS < 1 || cfg.DefaultTimeoutMS > cfg.MaxTimeoutMS {
		return fmt.Errorf("default_timeout_ms must be in [1, max_timeout_ms]")
	}
	if cfg.ResultTTLSeconds < 1 {
		return fmt.Errorf("result_ttl_seconds must be >= 1")
	}
	if _, ok := cfg.Limits[cfg.Language]; !ok {
		return fmt.Errorf("no resource limits configured for language %s", cfg.Language)
	}
	return nil
}

// ValidateTimeout checks a job's requested per-test timeout against
// this worker's configured bound, per §3's JobRequest invariant.
func (w *Worker) ValidateTimeout(timeoutMS int) error {
	if timeoutMS < 1 || timeoutMS > w.MaxTimeoutMS {
		return fmt.Errorf("timeout_ms must be in [1, %d], got %d", w.MaxTimeoutMS, timeoutMS)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readIfPresent(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func applyRedisDefaults(v *viper.Viper) {
	d := defaultRedis()
	v.SetDefault("redis.pool_size_multiplier", d.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", d.MinIdleConns)
	v.SetDefault("redis.dial_timeout", d.DialTimeout)
	v.SetDefault("redis.read_timeout", d.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.WriteTimeout)
	v.SetDefault("redis.max_retries", d.MaxRetries)
}

func applyObservabilityDefaults(v *viper.Viper, metricsPort int) {
	d := defaultObservability(metricsPort)
	v.SetDefault("observability.log_level", d.LogLevel)
	v.SetDefault("observability.metrics_port", d.MetricsPort)
	v.SetDefault("observability.tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_rate", d.Tracing.SamplingRate)
	v.SetDefault("observability.tracing.batch_timeout", d.Tracing.BatchTimeout)
}

func applyCircuitBreakerDefaults(v *viper.Viper) {
	d := defaultCircuitBreaker()
	v.SetDefault("circuit_breaker.failure_threshold", d.FailureThreshold)
	v.SetDefault("circuit_breaker.window", d.Window)
	v.SetDefault("circuit_breaker.cooldown_period", d.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", d.MinSamples)
}
