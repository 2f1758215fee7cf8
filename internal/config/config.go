// Package config provides the configuration schema, loader, and timeout-tier
// derivation for the toolgate daemon.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the toolgate daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for toolgate.
// It is populated from the environment via [FromEnv], optionally layered over
// a YAML file loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Limits    LimitConfig     `yaml:"limits"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	History   HistoryConfig   `yaml:"history"`
	Providers []ProviderEntry `yaml:"providers"`

	// CoalesceDisabledTools lists tool names exempt from duplicate-call
	// coalescing.
	CoalesceDisabledTools []string `yaml:"coalesce_disabled_tools"`
}

// ServerConfig holds network, auth, and logging settings.
type ServerConfig struct {
	// WSHost and WSPort form the WebSocket bind address.
	WSHost string `yaml:"ws_host"`
	WSPort int    `yaml:"ws_port"`

	// WSAuthToken is the bearer credential required from WebSocket clients.
	// Empty means WebSocket clients are admitted without a token.
	WSAuthToken string `yaml:"ws_auth_token"`

	// HelloTimeout is the maximum time between transport accept and the
	// first valid hello frame.
	HelloTimeout time.Duration `yaml:"hello_timeout"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// WSAddr returns the host:port bind address for the WebSocket listener.
func (s ServerConfig) WSAddr() string {
	return fmt.Sprintf("%s:%d", s.WSHost, s.WSPort)
}

// TimeoutConfig holds the per-tier base tool deadlines. The daemon, frontend,
// and client levels are derived from these, never configured independently.
type TimeoutConfig struct {
	Simple   time.Duration `yaml:"simple"`
	Workflow time.Duration `yaml:"workflow"`
	Expert   time.Duration `yaml:"expert"`
}

// LimitConfig holds the semaphore capacities for admission control.
type LimitConfig struct {
	// GlobalMaxInflight is the process-wide in-flight call cap.
	GlobalMaxInflight int `yaml:"global_max_inflight"`

	// ProviderMaxInflight is the per-provider in-flight call cap.
	ProviderMaxInflight int `yaml:"provider_max_inflight"`

	// SessionMaxInflight is the per-session in-flight call cap.
	SessionMaxInflight int `yaml:"session_max_inflight"`
}

// TelemetryConfig configures the per-call JSON-lines telemetry sink.
type TelemetryConfig struct {
	// Path is an optional file that receives append-only JSON-lines events
	// in addition to stderr. Empty disables the file sink.
	Path string `yaml:"path"`
}

// HistoryConfig configures the optional call-history recorder.
type HistoryConfig struct {
	// PostgresDSN is the connection string for the call-record store.
	// Empty disables persistence; the daemon runs with a no-op recorder.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ProviderEntry declares one LLM provider back-end to register at startup.
type ProviderEntry struct {
	// Name is the provider's canonical identifier, used for provider binding
	// in tool descriptors and for per-provider semaphore bucketing.
	Name string `yaml:"name"`

	// Backend selects the adapter implementation: "openai" for the native
	// OpenAI SDK, or any backend supported by any-llm-go ("anthropic",
	// "gemini", "ollama", "deepseek", "mistral", "groq", ...).
	Backend string `yaml:"backend"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// Tier identifies one of the three tool deadline classes.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierWorkflow Tier = "workflow"
	TierExpert   Tier = "expert"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierSimple, TierWorkflow, TierExpert:
		return true
	}
	return false
}

// Tiers lists all tiers in ascending deadline order.
func Tiers() []Tier {
	return []Tier{TierSimple, TierWorkflow, TierExpert}
}

// TierDeadlines is the derived four-level timeout table for a single tier.
// The levels must strictly nest: Tool < Daemon < Frontend < Client.
type TierDeadlines struct {
	// Tool bounds the interval from admission to tool return.
	Tool time.Duration

	// Daemon bounds semaphore acquisition (admission control).
	Daemon time.Duration

	// Frontend bounds serialisation of the result back onto the wire.
	Frontend time.Duration

	// Client is the deadline hint exposed to external clients.
	Client time.Duration
}

// Nested reports whether the four levels strictly nest after rounding.
func (d TierDeadlines) Nested() bool {
	return d.Tool < d.Daemon && d.Daemon < d.Frontend && d.Frontend < d.Client
}

// DeriveDeadlines computes the four-level table from a base tool deadline
// using the fixed 1×/1.5×/2×/2.5× ratios. All levels are rounded down to
// whole seconds; [Validate] rejects bases for which the rounding collapses
// the strict nesting.
func DeriveDeadlines(tool time.Duration) TierDeadlines {
	secs := int64(tool / time.Second)
	return TierDeadlines{
		Tool:     time.Duration(secs) * time.Second,
		Daemon:   time.Duration(secs*3/2) * time.Second,
		Frontend: time.Duration(secs*2) * time.Second,
		Client:   time.Duration(secs*5/2) * time.Second,
	}
}

// Deadlines returns the derived deadline table for tier. Unknown tiers fall
// back to the simple tier.
func (c *Config) Deadlines(tier Tier) TierDeadlines {
	switch tier {
	case TierWorkflow:
		return DeriveDeadlines(c.Timeouts.Workflow)
	case TierExpert:
		return DeriveDeadlines(c.Timeouts.Expert)
	default:
		return DeriveDeadlines(c.Timeouts.Simple)
	}
}

// MaxToolTimeout returns the largest configured tool deadline across tiers.
func (c *Config) MaxToolTimeout() time.Duration {
	maxT := c.Timeouts.Simple
	if c.Timeouts.Workflow > maxT {
		maxT = c.Timeouts.Workflow
	}
	if c.Timeouts.Expert > maxT {
		maxT = c.Timeouts.Expert
	}
	return maxT
}

// DrainTimeout returns the grace period granted to in-flight calls after a
// shutdown signal before remaining work is logged as abandoned.
func (c *Config) DrainTimeout() time.Duration {
	return c.MaxToolTimeout() * 12 / 10
}
