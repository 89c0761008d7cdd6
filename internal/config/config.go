// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KERNELWIRE_SERVER_PORT.
const EnvPrefix = "KERNELWIRE"

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Kernel    KernelConfig    `mapstructure:"kernel" yaml:"kernel"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level" yaml:"level"`
	Format   string            `mapstructure:"format" yaml:"format"`
	Output   []LogOutputConfig `mapstructure:"output" yaml:"output"`
	Levels   map[string]string `mapstructure:"levels" yaml:"levels,omitempty"`
	Context  LogContextConfig  `mapstructure:"context" yaml:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling" yaml:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type" yaml:"type"` // "console"/"stderr" or "file"
	Enabled bool            `mapstructure:"enabled" yaml:"enabled"`
	Path    string          `mapstructure:"path" yaml:"path,omitempty"`
	Rotate  LogRotateConfig `mapstructure:"rotate" yaml:"rotate,omitempty"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller" yaml:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp" yaml:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace" yaml:"include_stack_trace"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	Initial    uint32        `mapstructure:"initial" yaml:"initial"`
	Thereafter uint32        `mapstructure:"thereafter" yaml:"thereafter"`
	Tick       time.Duration `mapstructure:"tick" yaml:"tick"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"` // Empty = allow all (development); set for production
	MaxClients     int      `mapstructure:"max_clients" yaml:"max_clients"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TransportConfig holds framing settings shared by every transport.
type TransportConfig struct {
	MaxFrameBytes        int           `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	AcceptRawSubmissions bool          `mapstructure:"accept_raw_submissions" yaml:"accept_raw_submissions"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingPeriod           time.Duration `mapstructure:"ping_period" yaml:"ping_period"`
}

// KernelConfig selects and bounds the execution engine.
type KernelConfig struct {
	Engine         string        `mapstructure:"engine" yaml:"engine"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"` // 0 disables the limit
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("kernelwire")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/kernelwire/")
		v.AddConfigPath("$HOME/.kernelwire")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnv registers the scalar keys so AutomaticEnv sees them during
// Unmarshal even when no config file mentions them.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log.level", "log.format",
		"server.host", "server.port", "server.allowed_origins", "server.max_clients",
		"transport.max_frame_bytes", "transport.accept_raw_submissions",
		"transport.write_timeout", "transport.ping_period",
		"kernel.engine", "kernel.command_timeout",
		"tracing.enabled", "tracing.endpoint", "tracing.insecure", "tracing.service_name",
	} {
		_ = v.BindEnv(key)
	}
}

// Default returns the built-in configuration, already validated.
func Default() *AppConfig {
	cfg := defaultConfig()
	return &cfg
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
			Output: []LogOutputConfig{
				{
					Type:    "console",
					Enabled: true,
				},
				{
					Type:    "file",
					Enabled: false,
					Path:    "./logs/kernelwire.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{
				"server":    "INFO",
				"kernel":    "INFO",
				"channel":   "WARN",
				"api":       "INFO",
				"client":    "INFO",
				"telemetry": "WARN",
				"cli":       "INFO",
			},
			Context: LogContextConfig{
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8765,
			MaxClients: 1000,
		},
		Transport: TransportConfig{
			MaxFrameBytes:        4 * 1024 * 1024,
			AcceptRawSubmissions: true,
			WriteTimeout:         10 * time.Second,
			PingPeriod:           54 * time.Second,
		},
		Kernel: KernelConfig{
			Engine:         "calc",
			CommandTimeout: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "kernelwire",
		},
	}
}

// expandPaths expands ~ and environment variables in log file paths
func (c *AppConfig) expandPaths() {
	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be 'json' or 'console', got: %s", c.Log.Format)
	}
	for _, out := range c.Log.Output {
		if out.Enabled && out.Type == "stdout" {
			return errors.New("log output 'stdout' is not allowed: stdout carries protocol frames")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxClients <= 0 {
		return fmt.Errorf("server.max_clients must be positive, got: %d", c.Server.MaxClients)
	}

	if c.Transport.MaxFrameBytes < 1024 {
		return fmt.Errorf("transport.max_frame_bytes must be at least 1024, got: %d", c.Transport.MaxFrameBytes)
	}
	if c.Transport.WriteTimeout <= 0 {
		return errors.New("transport.write_timeout must be positive")
	}
	if c.Transport.PingPeriod <= 0 {
		return errors.New("transport.ping_period must be positive")
	}

	if c.Kernel.Engine == "" {
		return errors.New("kernel.engine is required")
	}
	if c.Kernel.CommandTimeout < 0 {
		return errors.New("kernel.command_timeout must not be negative")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}
