package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by [FromEnv]. Values set in the
// environment override anything loaded from a YAML file.
const (
	EnvToolTimeoutSimple   = "TOOL_TIMEOUT_SIMPLE"
	EnvToolTimeoutWorkflow = "TOOL_TIMEOUT_WORKFLOW"
	EnvToolTimeoutExpert   = "TOOL_TIMEOUT_EXPERT"
	EnvGlobalMaxInflight   = "GLOBAL_MAX_INFLIGHT"
	EnvProviderMaxInflight = "PROVIDER_MAX_INFLIGHT"
	EnvSessionMaxInflight  = "SESSION_MAX_INFLIGHT"
	EnvWSHost              = "WS_HOST"
	EnvWSPort              = "WS_PORT"
	EnvWSAuthToken         = "WS_AUTH_TOKEN"
	EnvHelloTimeoutSecs    = "HELLO_TIMEOUT_SECS"
	EnvCoalesceDisabled    = "COALESCE_DISABLED_TOOLS"
	EnvTelemetryPath       = "TELEMETRY_PATH"
	EnvLogLevel            = "LOG_LEVEL"
	EnvHistoryDSN          = "HISTORY_POSTGRES_DSN"
)

// Default returns the built-in configuration used when neither the
// environment nor a config file overrides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSHost:       "127.0.0.1",
			WSPort:       8791,
			HelloTimeout: 10 * time.Second,
			LogLevel:     LogInfo,
		},
		Timeouts: TimeoutConfig{
			Simple:   10 * time.Second,
			Workflow: 60 * time.Second,
			Expert:   180 * time.Second,
		},
		Limits: LimitConfig{
			GlobalMaxInflight:   32,
			ProviderMaxInflight: 8,
			SessionMaxInflight:  4,
		},
	}
}

// FromEnv returns a validated [Config] assembled from [Default] plus any
// recognised environment variables.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides on top, and returns the validated result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognised environment variables onto cfg. getenv is
// injectable for tests.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error

	secs := func(name string, dst *time.Duration) {
		v := getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", name, v))
			return
		}
		*dst = time.Duration(n) * time.Second
	}
	count := func(name string, dst *int) {
		v := getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", name, v))
			return
		}
		*dst = n
	}

	secs(EnvToolTimeoutSimple, &cfg.Timeouts.Simple)
	secs(EnvToolTimeoutWorkflow, &cfg.Timeouts.Workflow)
	secs(EnvToolTimeoutExpert, &cfg.Timeouts.Expert)
	secs(EnvHelloTimeoutSecs, &cfg.Server.HelloTimeout)

	count(EnvGlobalMaxInflight, &cfg.Limits.GlobalMaxInflight)
	count(EnvProviderMaxInflight, &cfg.Limits.ProviderMaxInflight)
	count(EnvSessionMaxInflight, &cfg.Limits.SessionMaxInflight)
	count(EnvWSPort, &cfg.Server.WSPort)

	if v := getenv(EnvWSHost); v != "" {
		cfg.Server.WSHost = v
	}
	if v := getenv(EnvWSAuthToken); v != "" {
		cfg.Server.WSAuthToken = v
	}
	if v := getenv(EnvTelemetryPath); v != "" {
		cfg.Telemetry.Path = v
	}
	if v := getenv(EnvHistoryDSN); v != "" {
		cfg.History.PostgresDSN = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := getenv(EnvCoalesceDisabled); v != "" {
		cfg.CoalesceDisabledTools = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.CoalesceDisabledTools = append(cfg.CoalesceDisabledTools, name)
			}
		}
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WSPort <= 0 || cfg.Server.WSPort > 65535 {
		errs = append(errs, fmt.Errorf("server.ws_port %d is out of range [1, 65535]", cfg.Server.WSPort))
	}
	if cfg.Server.HelloTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.hello_timeout must be positive, got %s", cfg.Server.HelloTimeout))
	}

	// Timeout hierarchy: every tier must be positive and its derived four
	// levels must strictly nest after integer-second rounding.
	tiers := map[Tier]time.Duration{
		TierSimple:   cfg.Timeouts.Simple,
		TierWorkflow: cfg.Timeouts.Workflow,
		TierExpert:   cfg.Timeouts.Expert,
	}
	for _, tier := range Tiers() {
		base := tiers[tier]
		if base <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive, got %s", tier, base))
			continue
		}
		if d := DeriveDeadlines(base); !d.Nested() {
			errs = append(errs, fmt.Errorf(
				"timeouts.%s: derived deadlines do not strictly nest after rounding (tool=%s daemon=%s frontend=%s client=%s)",
				tier, d.Tool, d.Daemon, d.Frontend, d.Client))
		}
	}

	if cfg.Limits.GlobalMaxInflight < 1 {
		errs = append(errs, fmt.Errorf("limits.global_max_inflight must be >= 1, got %d", cfg.Limits.GlobalMaxInflight))
	}
	if cfg.Limits.ProviderMaxInflight < 1 {
		errs = append(errs, fmt.Errorf("limits.provider_max_inflight must be >= 1, got %d", cfg.Limits.ProviderMaxInflight))
	}
	if cfg.Limits.SessionMaxInflight < 1 {
		errs = append(errs, fmt.Errorf("limits.session_max_inflight must be >= 1, got %d", cfg.Limits.SessionMaxInflight))
	}

	seen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
		} else {
			seen[p.Name] = i
		}
		if p.Backend == "" {
			errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
		}
	}

	return errors.Join(errs...)
}
