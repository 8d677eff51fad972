// Package config provides configuration loading for autoboardd.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/halvardlabs/autoboard/internal/logging"
	"github.com/halvardlabs/autoboard/internal/telemetry"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Logging   logging.Config   `koanf:"logging"`
	Agent     AgentConfig      `koanf:"agent"`
	Loop      LoopConfig       `koanf:"loop"`
	Monitor   MonitorConfig    `koanf:"monitor"`
	Events    EventsConfig     `koanf:"events"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AgentConfig configures the execution provider CLI.
type AgentConfig struct {
	// Binary is the agent CLI on PATH (or an absolute path).
	Binary string `koanf:"binary"`
	// Model is the default model id passed through to the agent.
	Model string `koanf:"model"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `koanf:"extra_args"`
}

// LoopConfig configures the auto-dispatch scheduler.
type LoopConfig struct {
	PollInterval   time.Duration `koanf:"poll_interval"`
	IdleInterval   time.Duration `koanf:"idle_interval"`
	MaxConcurrency int           `koanf:"max_concurrency"`
}

// MonitorConfig configures the failure monitor.
type MonitorConfig struct {
	Window    time.Duration `koanf:"window"`
	Threshold int           `koanf:"threshold"`
}

// EventsConfig configures event fan-out.
type EventsConfig struct {
	// NATSURL enables publishing orchestrator events to NATS when set.
	NATSURL string `koanf:"nats_url"`
	// NATSSubject is the subject events are published to.
	NATSSubject string `koanf:"nats_subject"`
	// BufferSize is the per-subscriber channel depth.
	BufferSize int `koanf:"buffer_size"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Agent.Binary == "" {
		return errors.New("agent.binary is required")
	}
	if c.Loop.MaxConcurrency < 1 {
		return fmt.Errorf("loop.max_concurrency must be >= 1, got %d", c.Loop.MaxConcurrency)
	}
	if c.Loop.PollInterval <= 0 || c.Loop.IdleInterval <= 0 {
		return errors.New("loop.poll_interval and loop.idle_interval must be > 0")
	}
	if c.Monitor.Threshold < 1 {
		return fmt.Errorf("monitor.threshold must be >= 1, got %d", c.Monitor.Threshold)
	}
	if c.Monitor.Window <= 0 {
		return errors.New("monitor.window must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = map[string]string{"service": "autoboard"}
	}

	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = "claude"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "sonnet"
	}

	if cfg.Loop.PollInterval == 0 {
		cfg.Loop.PollInterval = 2 * time.Second
	}
	if cfg.Loop.IdleInterval == 0 {
		cfg.Loop.IdleInterval = 10 * time.Second
	}
	if cfg.Loop.MaxConcurrency == 0 {
		cfg.Loop.MaxConcurrency = 3
	}

	if cfg.Monitor.Window == 0 {
		cfg.Monitor.Window = 60 * time.Second
	}
	if cfg.Monitor.Threshold == 0 {
		cfg.Monitor.Threshold = 3
	}

	if cfg.Events.NATSSubject == "" {
		cfg.Events.NATSSubject = "autoboard.events"
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}

	defaults := telemetry.NewDefaultConfig()
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = defaults.Endpoint
		cfg.Telemetry.Insecure = defaults.Insecure
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = defaults.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = defaults.ServiceVersion
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = defaults.SampleRate
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = defaults.MetricInterval
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = defaults.ShutdownTimeout
	}
}
