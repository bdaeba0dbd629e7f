// Package config loads task manager settings and task-description documents.
//
// Settings come from viper: built-in defaults, then an optional YAML file, then environment
// variables prefixed with TASKMGR_ (dots and dashes become underscores, so trace.buf-size is
// TASKMGR_TRACE_BUF_SIZE). Byte sizes accept plain integers or units such as "64KiB" and "1MB"
// (see ParseSize).
//
// Task documents are YAML and are decoded strictly: unknown fields are errors.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/evan-idocoding/taskmgr/manager"
)

// ErrMalformedInput is returned for settings or task documents that cannot be decoded or
// do not describe valid values.
var ErrMalformedInput = errors.New("config: malformed input")

// Keys.
const (
	KeyManagerName     = "manager.name"
	KeyRAMQuota        = "ram.quota"
	KeyTraceQuota      = "trace.quota"
	KeyTraceBufSize    = "trace.buf-size"
	KeyProfileSize     = "profile.ds-size"
	KeyTeardownTimeout = "teardown.timeout"
	KeyHTTPAddr        = "http.addr"
	KeyHTTPToken       = "http.token"
	KeyLogLevel        = "log.level"
	KeyLogFormat       = "log.format"
	KeyShutdownTimeout = "shutdown.timeout"
	KeyTracing         = "tracing.exporter"
	KeyMetricsNS       = "metrics.namespace"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TASKMGR"

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the fully resolved configuration of a task manager process.
type Config struct {
	Manager manager.Config

	HTTPAddr        string
	// HTTPToken, when set, is required as a bearer token on state-changing ops requests.
	HTTPToken       string
	ShutdownTimeout time.Duration

	LogLevel  slog.Level
	LogFormat string

	// Tracing selects the span exporter: "none" or "stdout".
	Tracing string

	MetricsNamespace string
}

// NewViper returns a viper instance with defaults and environment binding installed.
// Callers may bind flags to it before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyManagerName, manager.DefaultName)
	v.SetDefault(KeyRAMQuota, manager.DefaultRAMQuota)
	v.SetDefault(KeyTraceQuota, manager.DefaultTraceQuota)
	v.SetDefault(KeyTraceBufSize, manager.DefaultTraceBufSize)
	v.SetDefault(KeyProfileSize, manager.DefaultReportSize)
	v.SetDefault(KeyTeardownTimeout, manager.DefaultTeardownTimeout)
	v.SetDefault(KeyHTTPAddr, ":8080")
	v.SetDefault(KeyHTTPToken, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, LogFormatText)
	v.SetDefault(KeyShutdownTimeout, 10*time.Second)
	v.SetDefault(KeyTracing, "none")
	v.SetDefault(KeyMetricsNS, "taskmgr")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. path may be empty, in which case only defaults and the
// environment apply.
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper resolves and validates a Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	var errs []error
	size := func(key string) uint64 {
		n, err := ParseSize(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}
	c := Config{
		Manager: manager.Config{
			Name:            strings.TrimSpace(v.GetString(KeyManagerName)),
			RAMQuota:        size(KeyRAMQuota),
			TraceQuota:      size(KeyTraceQuota),
			TraceBufSize:    size(KeyTraceBufSize),
			ReportSize:      size(KeyProfileSize),
			TeardownTimeout: v.GetDuration(KeyTeardownTimeout),
		},
		HTTPAddr:         strings.TrimSpace(v.GetString(KeyHTTPAddr)),
		HTTPToken:        strings.TrimSpace(v.GetString(KeyHTTPToken)),
		ShutdownTimeout:  v.GetDuration(KeyShutdownTimeout),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		Tracing:          strings.ToLower(strings.TrimSpace(v.GetString(KeyTracing))),
		MetricsNamespace: strings.TrimSpace(v.GetString(KeyMetricsNS)),
	}
	if err := c.LogLevel.UnmarshalText([]byte(strings.TrimSpace(v.GetString(KeyLogLevel)))); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrMalformedInput, errors.Join(errs...))
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Manager.RAMQuota == 0 {
		errs = append(errs, fmt.Errorf("%s must be > 0", KeyRAMQuota))
	}
	if c.Manager.ReportSize == 0 {
		errs = append(errs, fmt.Errorf("%s must be > 0", KeyProfileSize))
	}
	if c.Manager.ReportSize > c.Manager.RAMQuota {
		errs = append(errs, fmt.Errorf("%s (%d) exceeds %s (%d)", KeyProfileSize, c.Manager.ReportSize, KeyRAMQuota, c.Manager.RAMQuota))
	}
	if c.Manager.TraceBufSize > c.Manager.TraceQuota {
		errs = append(errs, fmt.Errorf("%s (%d) exceeds %s (%d)", KeyTraceBufSize, c.Manager.TraceBufSize, KeyTraceQuota, c.Manager.TraceQuota))
	}
	if c.Manager.TeardownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be > 0", KeyTeardownTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be > 0", KeyShutdownTimeout))
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown format %q", KeyLogFormat, c.LogFormat))
	}
	switch c.Tracing {
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown exporter %q", KeyTracing, c.Tracing))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMalformedInput, errors.Join(errs...))
	}
	return nil
}
