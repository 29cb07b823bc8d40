package config

import (
	"time"

	"github.com/coinnation/kontext-sub005/internal/coordinator"
	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/logging"
	"github.com/coinnation/kontext-sub005/internal/tracing"
)

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	State       StateConfig       `mapstructure:"state" yaml:"state"`
	Messaging   MessagingConfig   `mapstructure:"messaging" yaml:"messaging"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace" yaml:"workspace"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// CoordinatorConfig holds the workflow lifecycle tunables.
type CoordinatorConfig struct {
	BaseTimeout             time.Duration `mapstructure:"base_timeout" yaml:"base_timeout"`
	ExtendedTimeout         time.Duration `mapstructure:"extended_timeout" yaml:"extended_timeout"`
	MaxExecutions           int           `mapstructure:"max_executions" yaml:"max_executions"`
	MaxSequentialErrors     int           `mapstructure:"max_sequential_errors" yaml:"max_sequential_errors"`
	SequentialWindow        time.Duration `mapstructure:"sequential_window" yaml:"sequential_window"`
	DuplicateWindow         time.Duration `mapstructure:"duplicate_window" yaml:"duplicate_window"`
	ActiveConflictWindow    time.Duration `mapstructure:"active_conflict_window" yaml:"active_conflict_window"`
	SequentialCounterTTL    time.Duration `mapstructure:"sequential_counter_ttl" yaml:"sequential_counter_ttl"`
	CallbackRetries         int           `mapstructure:"callback_retries" yaml:"callback_retries"`
	CallbackRetryDelay      time.Duration `mapstructure:"callback_retry_delay" yaml:"callback_retry_delay"`
	FunctionPollAttempts    int           `mapstructure:"function_poll_attempts" yaml:"function_poll_attempts"`
	FunctionPollInterval    time.Duration `mapstructure:"function_poll_interval" yaml:"function_poll_interval"`
	DeployTriggerDelay      time.Duration `mapstructure:"deploy_trigger_delay" yaml:"deploy_trigger_delay"`
	DeployInitiationTimeout time.Duration `mapstructure:"deploy_initiation_timeout" yaml:"deploy_initiation_timeout"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	UnprotectDelay          time.Duration `mapstructure:"unprotect_delay" yaml:"unprotect_delay"`
	RemoveDelay             time.Duration `mapstructure:"remove_delay" yaml:"remove_delay"`
	ConversationalTab       string        `mapstructure:"conversational_tab" yaml:"conversational_tab"`
	SubscriberBuffer        int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`

	Correlator CorrelatorConfig `mapstructure:"correlator" yaml:"correlator"`
}

// CorrelatorConfig tunes file membership and confidence.
type CorrelatorConfig struct {
	RecentWindow        time.Duration `mapstructure:"recent_window" yaml:"recent_window"`
	MinContentLength    int           `mapstructure:"min_content_length" yaml:"min_content_length"`
	MinAverageSize      int           `mapstructure:"min_average_size" yaml:"min_average_size"`
	PlaceholderMarkers  []string      `mapstructure:"placeholder_markers" yaml:"placeholder_markers"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StateConfig configures the journal and the snapshot export.
type StateConfig struct {
	JournalPath      string        `mapstructure:"journal_path" yaml:"journal_path"`
	SnapshotPath     string        `mapstructure:"snapshot_path" yaml:"snapshot_path"`
	Retention        time.Duration `mapstructure:"retention" yaml:"retention"`
	PruneSchedule    string        `mapstructure:"prune_schedule" yaml:"prune_schedule"`
	SnapshotSchedule string        `mapstructure:"snapshot_schedule" yaml:"snapshot_schedule"`
}

// MessagingConfig configures the pub/sub transport.
type MessagingConfig struct {
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	Brokers       []string      `mapstructure:"brokers" yaml:"brokers"`
	ConsumerGroup string        `mapstructure:"consumer_group" yaml:"consumer_group"`
	Topics        TopicsConfig  `mapstructure:"topics" yaml:"topics"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
	SurfaceTTL    time.Duration `mapstructure:"surface_ttl" yaml:"surface_ttl"`
}

// TopicsConfig names every topic the service reads or writes.
type TopicsConfig struct {
	Failures       string `mapstructure:"failures" yaml:"failures"`
	Files          string `mapstructure:"files" yaml:"files"`
	DeployResults  string `mapstructure:"deploy_results" yaml:"deploy_results"`
	SurfaceReady   string `mapstructure:"surface_ready" yaml:"surface_ready"`
	SurfaceCommand string `mapstructure:"surface_command" yaml:"surface_command"`
	DeployCommand  string `mapstructure:"deploy_command" yaml:"deploy_command"`
	ApplyCommand   string `mapstructure:"apply_command" yaml:"apply_command"`
	Resolved       string `mapstructure:"resolved" yaml:"resolved"`
	Lifecycle      string `mapstructure:"lifecycle" yaml:"lifecycle"`
}

// WorkspaceConfig configures the file watcher.
type WorkspaceConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	ProjectID   string        `mapstructure:"project_id" yaml:"project_id"`
	Roots       []string      `mapstructure:"roots" yaml:"roots"`
	Ignore      []string      `mapstructure:"ignore" yaml:"ignore"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// Options converts the section into coordinator options.
func (c CoordinatorConfig) Options() coordinator.Options {
	return coordinator.Options{
		BaseTimeout:             c.BaseTimeout,
		ExtendedTimeout:         c.ExtendedTimeout,
		MaxExecutions:           c.MaxExecutions,
		MaxSequentialErrors:     c.MaxSequentialErrors,
		SequentialWindow:        c.SequentialWindow,
		DuplicateWindow:         c.DuplicateWindow,
		ActiveConflictWindow:    c.ActiveConflictWindow,
		SequentialCounterTTL:    c.SequentialCounterTTL,
		CallbackRetries:         c.CallbackRetries,
		CallbackRetryDelay:      c.CallbackRetryDelay,
		FunctionPollAttempts:    c.FunctionPollAttempts,
		FunctionPollInterval:    c.FunctionPollInterval,
		DeployTriggerDelay:      c.DeployTriggerDelay,
		DeployInitiationTimeout: c.DeployInitiationTimeout,
		SweepInterval:           c.SweepInterval,
		UnprotectDelay:          c.UnprotectDelay,
		RemoveDelay:             c.RemoveDelay,
		ConversationalTab:       c.ConversationalTab,
		SubscriberBuffer:        c.SubscriberBuffer,
		Correlator: correlator.Config{
			RecentWindow:        c.Correlator.RecentWindow,
			MinContentLength:    c.Correlator.MinContentLength,
			MinAverageSize:      c.Correlator.MinAverageSize,
			PlaceholderMarkers:  append([]string(nil), c.Correlator.PlaceholderMarkers...),
			ConfidenceThreshold: c.Correlator.ConfidenceThreshold,
		},
	}
}

// LoggingConfig converts the section into logger settings.
func (c LogConfig) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

// TracingSetup converts the section into tracing settings.
func (c TracingConfig) TracingSetup() tracing.Config {
	return tracing.Config{
		Enabled:     c.Enabled,
		ServiceName: c.ServiceName,
		Endpoint:    c.Endpoint,
		Insecure:    c.Insecure,
		SampleRatio: c.SampleRatio,
	}
}
