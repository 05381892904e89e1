// Package config loads tracer settings from the environment and command-line flags.
//
// Environment variables provide defaults; flags bound with BindFlags override them.
// Custom attributes from the environment come first, flag attributes are appended.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/mrzor/activity-tracer/internal/probe"
)

// Correlation table backends.
const (
	BackendMemory = "memory"
	BackendKernel = "kernel"
)

// Span exporters.
const (
	ExporterLog  = "log"
	ExporterOTLP = "otlp"
)

// CustomAttribute represents a user-defined attribute with an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// EnvConfig holds configuration from environment variables.
type EnvConfig struct {
	PidFilter     uint32 `env:"ACTIVITY_TRACER_PID" envDefault:"0"`
	CommFilter    string `env:"ACTIVITY_TRACER_COMM" envDefault:""`
	TableCapacity int    `env:"ACTIVITY_TRACER_TABLE_CAPACITY" envDefault:"10240"`
	OutputBuffer  int    `env:"ACTIVITY_TRACER_OUTPUT_BUFFER" envDefault:"4096"`
	Backend       string `env:"ACTIVITY_TRACER_BACKEND" envDefault:"memory"`
	MetricsAddr   string `env:"ACTIVITY_TRACER_METRICS_ADDR" envDefault:""`
	Exporter      string `env:"ACTIVITY_TRACER_EXPORTER" envDefault:"log"`
	TraceID       string `env:"ACTIVITY_TRACER_TRACE_ID" envDefault:""`
	ParentID      string `env:"ACTIVITY_TRACER_PARENT_ID" envDefault:""`
	Attributes    string `env:"ACTIVITY_TRACER_ATTRIBUTES" envDefault:""`
	LogLevel      string `env:"ACTIVITY_TRACER_LOG_LEVEL" envDefault:"info"`
	PeerNames     bool   `env:"ACTIVITY_TRACER_PEER_NAMES" envDefault:"false"`
}

// ParseEnvConfig parses configuration from environment variables.
func ParseEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	return &cfg, nil
}

// Config holds the resolved tracer configuration.
type Config struct {
	// PidFilter restricts tracing to this pid and its descendants. 0 traces everything.
	PidFilter uint32
	// CommFilter restricts tracing to tasks with this exact command name.
	CommFilter string
	// TableCapacity bounds every correlation table.
	TableCapacity int
	// OutputBuffer is the number of records the in-memory output channel holds.
	OutputBuffer int
	// Backend selects where correlation tables live: "memory" or "kernel".
	Backend string
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string
	// Exporter selects the event sink: "log" or "otlp".
	Exporter string
	// TraceID is an expression (or literal hex) yielding the trace ID of root spans.
	TraceID string
	// ParentID is an expression (or literal hex) yielding the parent span ID of root spans.
	ParentID string
	// CustomAttributes are evaluated for every span.
	CustomAttributes []CustomAttribute
	// LogLevel is a zap level name.
	LogLevel string
	// PeerNames names socket peers from the strings traced processes were started with.
	PeerNames bool

	flagAttributes []string
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	envCfg, err := ParseEnvConfig()
	if err != nil {
		return nil, err
	}

	attrs, err := ParseAttributeString(envCfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("ACTIVITY_TRACER_ATTRIBUTES: %w", err)
	}

	return &Config{
		PidFilter:        envCfg.PidFilter,
		CommFilter:       envCfg.CommFilter,
		TableCapacity:    envCfg.TableCapacity,
		OutputBuffer:     envCfg.OutputBuffer,
		Backend:          envCfg.Backend,
		MetricsAddr:      envCfg.MetricsAddr,
		Exporter:         envCfg.Exporter,
		TraceID:          envCfg.TraceID,
		ParentID:         envCfg.ParentID,
		CustomAttributes: attrs,
		LogLevel:         envCfg.LogLevel,
		PeerNames:        envCfg.PeerNames,
	}, nil
}

// BindFlags registers flags whose defaults are the current (environment) values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.Uint32Var(&c.PidFilter, "pid", c.PidFilter, "trace only this pid and its descendants (0 traces all)")
	fs.StringVar(&c.CommFilter, "comm", c.CommFilter, "trace only tasks with this exact command name")
	fs.IntVar(&c.TableCapacity, "table-capacity", c.TableCapacity, "maximum entries per correlation table")
	fs.IntVar(&c.OutputBuffer, "output-buffer", c.OutputBuffer, "records buffered between probes and consumer")
	fs.StringVar(&c.Backend, "backend", c.Backend, "correlation table backend: memory or kernel")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVarP(&c.Exporter, "exporter", "e", c.Exporter, "event sink: log or otlp")
	fs.StringVarP(&c.TraceID, "trace-id", "t", c.TraceID, "trace ID expression for root spans")
	fs.StringVarP(&c.ParentID, "parent-id", "p", c.ParentID, "parent span ID expression for root spans")
	fs.StringArrayVarP(&c.flagAttributes, "attribute", "a", nil, "custom span attribute NAME=EXPR (repeatable)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&c.PeerNames, "peer-names", c.PeerNames, "name socket peers from process arguments and environment")
}

// Finalize appends flag attributes after environment ones and validates the result.
func (c *Config) Finalize() error {
	for _, raw := range c.flagAttributes {
		attr, err := parseAttribute(raw)
		if err != nil {
			return err
		}
		c.CustomAttributes = append(c.CustomAttributes, attr)
	}
	c.flagAttributes = nil
	return c.Validate()
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ProbeConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.OutputBuffer <= 0 {
		errs = append(errs, fmt.Errorf("output buffer must be positive, got %d", c.OutputBuffer))
	}
	switch c.Backend {
	case BackendMemory, BackendKernel:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendMemory, BackendKernel))
	}
	switch c.Exporter {
	case ExporterLog, ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("unknown exporter %q (want %s or %s)", c.Exporter, ExporterLog, ExporterOTLP))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	return errors.Join(errs...)
}

// ProbeConfig returns the subset of settings consumed by the probe core.
func (c *Config) ProbeConfig() probe.Config {
	return probe.Config{
		PidFilter:     c.PidFilter,
		CommFilter:    c.CommFilter,
		TableCapacity: c.TableCapacity,
	}
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ParseAttributeString parses semicolon-separated NAME=EXPR pairs.
// Empty sections are skipped.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, section := range strings.Split(s, ";") {
		if strings.TrimSpace(section) == "" {
			continue
		}
		attr, err := parseAttribute(section)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func parseAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q: expected NAME=EXPR", s)
	}
	name = strings.TrimSpace(name)
	expression = strings.TrimSpace(expression)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: name cannot be empty", s)
	}
	if expression == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: expression cannot be empty", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}
