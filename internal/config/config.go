package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all processor configuration.
type Config struct {
	Tenant    TenantConfig    `mapstructure:"tenant"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Rule      RuleConfig      `mapstructure:"rule"`
	Redaction RedactionConfig `mapstructure:"redaction"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Export    ExportConfig    `mapstructure:"export"`
	Receiver  ReceiverConfig  `mapstructure:"receiver"`
	API       APIConfig       `mapstructure:"api"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// TenantConfig identifies the single-tenant deployment.
type TenantConfig struct {
	ID string `mapstructure:"id"`
}

// BatchConfig controls pipeline batching.
type BatchConfig struct {
	Size      int `mapstructure:"size"`
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// TraceConfig controls the assembler completion policy.
type TraceConfig struct {
	QuietIntervalMs   int `mapstructure:"quiet_interval_ms"`
	MaxAgeSeconds     int `mapstructure:"max_age_seconds"`
	MaxSpansPerTenant int `mapstructure:"max_spans_per_tenant"`
}

// RuleConfig caps per-rule execution.
type RuleConfig struct {
	CPUBudgetMs        int   `mapstructure:"cpu_budget_ms"`
	MemoryCeilingBytes int64 `mapstructure:"memory_ceiling_bytes"`
	MaxExpressionLen   int   `mapstructure:"max_expression_length"`
	MaxNameLen         int   `mapstructure:"max_name_length"`
	MaxRulesPerImport  int   `mapstructure:"max_rules_per_import"`
	CacheSize          int   `mapstructure:"cache_size"`
}

// RedactionConfig drives the PII redactor.
type RedactionConfig struct {
	Whitelist         []string          `mapstructure:"whitelist"`
	StrategyOverrides map[string]string `mapstructure:"strategy_overrides"`
}

// SignerConfig selects the key-management collaborator.
type SignerConfig struct {
	KeySource string `mapstructure:"key_source"`
	MasterKey string `mapstructure:"master_key"`
}

// ExportConfig points at the downstream trace store.
type ExportConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TLSInsecure    bool   `mapstructure:"tls_insecure"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
	RetryMax       int    `mapstructure:"retry_max"`
}

// ReceiverConfig configures the OTLP ingest endpoints.
// gRPC vendor limits are set explicitly; the defaults are dangerous.
type ReceiverConfig struct {
	GRPCPort             int `mapstructure:"grpc_port"`
	HTTPPort             int `mapstructure:"http_port"`
	MaxRecvMsgSize       int `mapstructure:"max_recv_msg_size"`
	MaxConcurrentStreams int `mapstructure:"max_concurrent_streams"`
	KeepaliveTime        int `mapstructure:"keepalive_time"`
	KeepaliveTimeout     int `mapstructure:"keepalive_timeout"`
}

// APIConfig configures the rule-management HTTP server.
type APIConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeout     int `mapstructure:"read_timeout"`
	WriteTimeout    int `mapstructure:"write_timeout"`
	MaxBodyBytes    int `mapstructure:"max_body_bytes"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout"`
}

// PipelineConfig sizes the worker pool and the latency budget.
type PipelineConfig struct {
	Workers         int `mapstructure:"workers"`
	LatencyBudgetMs int `mapstructure:"latency_budget_ms"`
}

// BatchTimeout returns the batch timeout as a duration.
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.Batch.TimeoutMs) * time.Millisecond
}

// QuietInterval returns the assembler quiet interval as a duration.
func (c *Config) QuietInterval() time.Duration {
	return time.Duration(c.Trace.QuietIntervalMs) * time.Millisecond
}

// MaxTraceAge returns the assembler max in-memory age as a duration.
func (c *Config) MaxTraceAge() time.Duration {
	return time.Duration(c.Trace.MaxAgeSeconds) * time.Second
}

// RuleCPUBudget returns the per-rule CPU budget as a duration.
func (c *Config) RuleCPUBudget() time.Duration {
	return time.Duration(c.Rule.CPUBudgetMs) * time.Millisecond
}

// Load reads configuration from file and environment variables.
// Priority: env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// BETRACE_TENANT_ID, BETRACE_EXPORT_ENDPOINT, etc.
	v.SetEnvPrefix("BETRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot start with.
// Configuration errors are the only fatal errors in the processor.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("tenant.id is required")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive, got %d", c.Batch.Size)
	}
	if c.Trace.QuietIntervalMs <= 0 {
		return fmt.Errorf("trace.quiet_interval_ms must be positive")
	}
	if c.Export.Endpoint == "" {
		return fmt.Errorf("export.endpoint is required")
	}
	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("tenant.id", "")

	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.timeout_ms", 1000)

	v.SetDefault("trace.quiet_interval_ms", 500)
	v.SetDefault("trace.max_age_seconds", 60)
	v.SetDefault("trace.max_spans_per_tenant", 100000)

	v.SetDefault("rule.cpu_budget_ms", 50)
	v.SetDefault("rule.memory_ceiling_bytes", 64*1024*1024)
	v.SetDefault("rule.max_expression_length", 65536) // participle has no limit, we enforce
	v.SetDefault("rule.max_name_length", 256)
	v.SetDefault("rule.max_rules_per_import", 1000)
	v.SetDefault("rule.cache_size", 10000)

	// The evaluator's own bounded context keys are safe by construction.
	v.SetDefault("redaction.whitelist", []string{
		"trace.span_count", "trace.root_operation", "trace.root_service",
	})
	v.SetDefault("redaction.strategy_overrides", map[string]string{})

	v.SetDefault("signer.key_source", "static")
	v.SetDefault("signer.master_key", "")

	v.SetDefault("export.endpoint", "localhost:4317")
	v.SetDefault("export.tls_insecure", true)
	v.SetDefault("export.retry_backoff_ms", 200)
	v.SetDefault("export.retry_max", 3)

	v.SetDefault("receiver.grpc_port", 4317)
	v.SetDefault("receiver.http_port", 4318)
	v.SetDefault("receiver.max_recv_msg_size", 4194304) // 4MB - gRPC default, make explicit
	v.SetDefault("receiver.max_concurrent_streams", 1000)
	v.SetDefault("receiver.keepalive_time", 120)
	v.SetDefault("receiver.keepalive_timeout", 20)

	v.SetDefault("api.port", 12011)
	v.SetDefault("api.read_timeout", 30)
	v.SetDefault("api.write_timeout", 30)
	v.SetDefault("api.max_body_bytes", 10485760) // 10MB - stdlib has NO limit!
	v.SetDefault("api.shutdown_timeout", 10)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.latency_budget_ms", 500)
}
