package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultConfigYAML contains the default configuration YAML content.
// This is used by `autofix config init` and mirrors the loader defaults.
const DefaultConfigYAML = `# autofix configuration
#
# Values not specified here use the built-in defaults. Every key can be
# overridden with an AUTOFIX_ environment variable, e.g.
# AUTOFIX_COORDINATOR_MAX_EXECUTIONS=5.

log:
  level: info
  format: auto
  # file: .autofix/autofix.log

coordinator:
  # Age or inactivity after which an unprotected workflow is expired.
  base_timeout: 10m
  extended_timeout: 30m
  # Deployment attempts per workflow.
  max_executions: 3
  # Chained follow-up failures allowed per project.
  max_sequential_errors: 5
  sequential_window: 5s
  duplicate_window: 5s
  active_conflict_window: 30s
  callback_retries: 5
  callback_retry_delay: 200ms
  function_poll_attempts: 30
  function_poll_interval: 100ms
  deploy_trigger_delay: 100ms
  deploy_initiation_timeout: 5s
  sweep_interval: 60s
  unprotect_delay: 1s
  remove_delay: 2s
  conversational_tab: chat
  correlator:
    recent_window: 60s
    min_content_length: 10
    min_average_size: 50
    confidence_threshold: 0.5

server:
  enabled: true
  host: 127.0.0.1
  port: 8085
  cors_origins:
    - http://localhost:3000

state:
  journal_path: .autofix/journal.db
  snapshot_path: .autofix/snapshot.json
  retention: 168h
  prune_schedule: "@hourly"
  snapshot_schedule: "@every 5s"

messaging:
  # gochannel keeps everything in process; kafka needs brokers.
  driver: gochannel
  brokers:
    - localhost:9092
  consumer_group: autofix

workspace:
  enabled: false
  # project_id: my-project
  # roots:
  #   - ./src
  settle_delay: 750ms

tracing:
  enabled: false
  service_name: autofix
`

// Render returns the effective configuration as YAML.
func Render(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
