package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (AUTOFIX_LOG_LEVEL, ...).
const EnvPrefix = "AUTOFIX"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (AUTOFIX_*)
// 3. Project config (.autofix.yaml in current directory)
// 4. User config (~/.config/autofix/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".autofix")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "autofix"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values. Durations are strings so that env
// overrides and YAML share one syntax.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.max_size_mb", 20)
	l.v.SetDefault("log.max_backups", 3)
	l.v.SetDefault("log.max_age_days", 14)

	// Coordinator defaults
	l.v.SetDefault("coordinator.base_timeout", "10m")
	l.v.SetDefault("coordinator.extended_timeout", "30m")
	l.v.SetDefault("coordinator.max_executions", 3)
	l.v.SetDefault("coordinator.max_sequential_errors", 5)
	l.v.SetDefault("coordinator.sequential_window", "5s")
	l.v.SetDefault("coordinator.duplicate_window", "5s")
	l.v.SetDefault("coordinator.active_conflict_window", "30s")
	l.v.SetDefault("coordinator.sequential_counter_ttl", "10m")
	l.v.SetDefault("coordinator.callback_retries", 5)
	l.v.SetDefault("coordinator.callback_retry_delay", "200ms")
	l.v.SetDefault("coordinator.function_poll_attempts", 30)
	l.v.SetDefault("coordinator.function_poll_interval", "100ms")
	l.v.SetDefault("coordinator.deploy_trigger_delay", "100ms")
	l.v.SetDefault("coordinator.deploy_initiation_timeout", "5s")
	l.v.SetDefault("coordinator.sweep_interval", "60s")
	l.v.SetDefault("coordinator.unprotect_delay", "1s")
	l.v.SetDefault("coordinator.remove_delay", "2s")
	l.v.SetDefault("coordinator.conversational_tab", "chat")
	l.v.SetDefault("coordinator.subscriber_buffer", 16)
	l.v.SetDefault("coordinator.correlator.recent_window", "60s")
	l.v.SetDefault("coordinator.correlator.min_content_length", 10)
	l.v.SetDefault("coordinator.correlator.min_average_size", 50)
	l.v.SetDefault("coordinator.correlator.placeholder_markers",
		[]string{"// ... existing code", "/* ... */", "TODO: implement", "[placeholder]"})
	l.v.SetDefault("coordinator.correlator.confidence_threshold", 0.5)

	// Server defaults
	l.v.SetDefault("server.enabled", true)
	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8085)
	l.v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	l.v.SetDefault("server.shutdown_timeout", "10s")

	// State defaults (unified under .autofix/)
	l.v.SetDefault("state.journal_path", ".autofix/journal.db")
	l.v.SetDefault("state.snapshot_path", ".autofix/snapshot.json")
	l.v.SetDefault("state.retention", "168h")
	l.v.SetDefault("state.prune_schedule", "@hourly")
	l.v.SetDefault("state.snapshot_schedule", "@every 5s")

	// Messaging defaults
	l.v.SetDefault("messaging.driver", "gochannel")
	l.v.SetDefault("messaging.brokers", []string{"localhost:9092"})
	l.v.SetDefault("messaging.consumer_group", "autofix")
	l.v.SetDefault("messaging.dedup_ttl", "30s")
	l.v.SetDefault("messaging.surface_ttl", "15s")
	l.v.SetDefault("messaging.topics.failures", "autofix.failures")
	l.v.SetDefault("messaging.topics.files", "autofix.files")
	l.v.SetDefault("messaging.topics.deploy_results", "autofix.deploy.results")
	l.v.SetDefault("messaging.topics.surface_ready", "autofix.surface.ready")
	l.v.SetDefault("messaging.topics.surface_command", "autofix.surface.command")
	l.v.SetDefault("messaging.topics.deploy_command", "autofix.deploy.execute")
	l.v.SetDefault("messaging.topics.apply_command", "autofix.files.apply")
	l.v.SetDefault("messaging.topics.resolved", "autofix.requests.resolved")
	l.v.SetDefault("messaging.topics.lifecycle", "autofix.lifecycle")

	// Workspace defaults
	l.v.SetDefault("workspace.enabled", false)
	l.v.SetDefault("workspace.roots", []string{})
	l.v.SetDefault("workspace.ignore", []string{".git", "node_modules", ".dfx", ".autofix"})
	l.v.SetDefault("workspace.settle_delay", "750ms")

	// Tracing defaults
	l.v.SetDefault("tracing.enabled", false)
	l.v.SetDefault("tracing.service_name", "autofix")
	l.v.SetDefault("tracing.insecure", true)
	l.v.SetDefault("tracing.sample_ratio", 1.0)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
