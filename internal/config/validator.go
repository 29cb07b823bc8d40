package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateCoordinator(&cfg.Coordinator)
	v.validateServer(&cfg.Server)
	v.validateState(&cfg.State)
	v.validateMessaging(&cfg.Messaging)
	v.validateWorkspace(&cfg.Workspace)
	v.validateTracing(&cfg.Tracing)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" {
		if !isValidPath(cfg.File) {
			v.addError("log.file", cfg.File, "invalid file path")
		}
		if cfg.MaxSizeMB <= 0 {
			v.addError("log.max_size_mb", cfg.MaxSizeMB, "must be positive when log.file is set")
		}
	}
	if cfg.MaxBackups < 0 {
		v.addError("log.max_backups", cfg.MaxBackups, "must be non-negative")
	}
}

func (v *Validator) validateCoordinator(cfg *CoordinatorConfig) {
	v.positiveDuration("coordinator.base_timeout", cfg.BaseTimeout)
	v.positiveDuration("coordinator.extended_timeout", cfg.ExtendedTimeout)
	if cfg.ExtendedTimeout < cfg.BaseTimeout {
		v.addError("coordinator.extended_timeout", cfg.ExtendedTimeout, "must be >= coordinator.base_timeout")
	}

	if cfg.MaxExecutions < 1 {
		v.addError("coordinator.max_executions", cfg.MaxExecutions, "must be at least 1")
	}
	if cfg.MaxSequentialErrors < 1 {
		v.addError("coordinator.max_sequential_errors", cfg.MaxSequentialErrors, "must be at least 1")
	}

	v.positiveDuration("coordinator.sequential_window", cfg.SequentialWindow)
	v.positiveDuration("coordinator.duplicate_window", cfg.DuplicateWindow)
	v.positiveDuration("coordinator.active_conflict_window", cfg.ActiveConflictWindow)
	v.positiveDuration("coordinator.sequential_counter_ttl", cfg.SequentialCounterTTL)
	v.positiveDuration("coordinator.sweep_interval", cfg.SweepInterval)
	v.positiveDuration("coordinator.deploy_initiation_timeout", cfg.DeployInitiationTimeout)

	if cfg.CallbackRetries < 1 {
		v.addError("coordinator.callback_retries", cfg.CallbackRetries, "must be at least 1")
	}
	if cfg.FunctionPollAttempts < 1 {
		v.addError("coordinator.function_poll_attempts", cfg.FunctionPollAttempts, "must be at least 1")
	}

	for field, d := range map[string]time.Duration{
		"coordinator.callback_retry_delay":   cfg.CallbackRetryDelay,
		"coordinator.function_poll_interval": cfg.FunctionPollInterval,
		"coordinator.deploy_trigger_delay":   cfg.DeployTriggerDelay,
		"coordinator.unprotect_delay":        cfg.UnprotectDelay,
		"coordinator.remove_delay":           cfg.RemoveDelay,
	} {
		if d < 0 {
			v.addError(field, d, "must be non-negative")
		}
	}

	if strings.TrimSpace(cfg.ConversationalTab) == "" {
		v.addError("coordinator.conversational_tab", cfg.ConversationalTab, "tab id required")
	}
	if cfg.SubscriberBuffer < 1 {
		v.addError("coordinator.subscriber_buffer", cfg.SubscriberBuffer, "must be at least 1")
	}

	c := cfg.Correlator
	v.positiveDuration("coordinator.correlator.recent_window", c.RecentWindow)
	if c.MinContentLength < 0 {
		v.addError("coordinator.correlator.min_content_length", c.MinContentLength, "must be non-negative")
	}
	if c.MinAverageSize < 0 {
		v.addError("coordinator.correlator.min_average_size", c.MinAverageSize, "must be non-negative")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		v.addError("coordinator.correlator.confidence_threshold", c.ConfidenceThreshold, "must be between 0 and 1")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
	v.positiveDuration("server.shutdown_timeout", cfg.ShutdownTimeout)
}

func (v *Validator) validateState(cfg *StateConfig) {
	if cfg.JournalPath == "" {
		v.addError("state.journal_path", cfg.JournalPath, "path required")
	} else if cfg.JournalPath != ":memory:" && !isValidPath(cfg.JournalPath) {
		v.addError("state.journal_path", cfg.JournalPath, "invalid file path")
	}

	if cfg.SnapshotPath != "" && !isValidPath(cfg.SnapshotPath) {
		v.addError("state.snapshot_path", cfg.SnapshotPath, "invalid file path")
	}

	if cfg.Retention < 0 {
		v.addError("state.retention", cfg.Retention, "must be non-negative")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for field, spec := range map[string]string{
		"state.prune_schedule":    cfg.PruneSchedule,
		"state.snapshot_schedule": cfg.SnapshotSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			v.addError(field, spec, "invalid cron schedule: "+err.Error())
		}
	}
}

func (v *Validator) validateMessaging(cfg *MessagingConfig) {
	switch cfg.Driver {
	case "gochannel":
	case "kafka":
		if len(cfg.Brokers) == 0 {
			v.addError("messaging.brokers", cfg.Brokers, "at least one broker required for kafka")
		}
		if cfg.ConsumerGroup == "" {
			v.addError("messaging.consumer_group", cfg.ConsumerGroup, "consumer group required for kafka")
		}
	default:
		v.addError("messaging.driver", cfg.Driver, "must be one of: gochannel, kafka")
	}

	v.positiveDuration("messaging.dedup_ttl", cfg.DedupTTL)
	v.positiveDuration("messaging.surface_ttl", cfg.SurfaceTTL)

	seen := make(map[string]string)
	for field, topic := range map[string]string{
		"failures":        cfg.Topics.Failures,
		"files":           cfg.Topics.Files,
		"deploy_results":  cfg.Topics.DeployResults,
		"surface_ready":   cfg.Topics.SurfaceReady,
		"surface_command": cfg.Topics.SurfaceCommand,
		"deploy_command":  cfg.Topics.DeployCommand,
		"apply_command":   cfg.Topics.ApplyCommand,
		"resolved":        cfg.Topics.Resolved,
		"lifecycle":       cfg.Topics.Lifecycle,
	} {
		if topic == "" {
			v.addError("messaging.topics."+field, topic, "topic name required")
			continue
		}
		if other, dup := seen[topic]; dup {
			v.addError("messaging.topics."+field, topic, "topic already used by messaging.topics."+other)
		}
		seen[topic] = field
	}
}

func (v *Validator) validateWorkspace(cfg *WorkspaceConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.ProjectID == "" {
		v.addError("workspace.project_id", cfg.ProjectID, "project id required when the watcher is enabled")
	}
	if len(cfg.Roots) == 0 {
		v.addError("workspace.roots", cfg.Roots, "at least one root required when the watcher is enabled")
	}
	for _, root := range cfg.Roots {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			v.addError("workspace.roots", root, "must be an existing directory")
		}
	}
	v.positiveDuration("workspace.settle_delay", cfg.SettleDelay)
}

func (v *Validator) validateTracing(cfg *TracingConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.ServiceName == "" {
		v.addError("tracing.service_name", cfg.ServiceName, "service name required")
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		v.addError("tracing.sample_ratio", cfg.SampleRatio, "must be between 0 and 1")
	}
}

func (v *Validator) positiveDuration(field string, d time.Duration) {
	if d <= 0 {
		v.addError(field, d, "must be a positive duration")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
