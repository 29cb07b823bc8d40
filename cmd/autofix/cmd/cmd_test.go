package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinnation/kontext-sub005/internal/adapters/state"
	"github.com/coinnation/kontext-sub005/internal/config"
	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/logging"
	"github.com/coinnation/kontext-sub005/internal/testutil"
)

// useConfigFile writes the default configuration to a temp dir and points
// the root --config flag at it for the duration of the test.
func useConfigFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "autofix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config.DefaultConfigYAML), 0o600))

	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })
	return dir
}

func runCommand(t *testing.T, c *cobra.Command, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	c.SetOut(&buf)
	c.SetErr(&buf)
	t.Cleanup(func() {
		c.SetOut(nil)
		c.SetErr(nil)
	})
	require.NoError(t, c.RunE(c, args))
	return buf.String()
}

func TestRootCmd_Structure(t *testing.T) {
	assert.Equal(t, "autofix", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)

	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "status", "config", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	for _, flag := range []string{"config", "log-level", "log-format"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2026-01-15")
	defer SetVersion("", "", "")

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)

	out := buf.String()
	assert.Contains(t, out, "autofix v1.2.3")
	assert.Contains(t, out, "commit: abc123def")
	assert.Contains(t, out, "built:  2026-01-15")
	assert.Equal(t, "v1.2.3", GetVersion())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	useConfigFile(t)
	t.Setenv("AUTOFIX_COORDINATOR_MAX_EXECUTIONS", "7")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Coordinator.MaxExecutions)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.ActiveConflictWindow)
}

func TestLoadConfig_Invalid(t *testing.T) {
	useConfigFile(t)
	t.Setenv("AUTOFIX_MESSAGING_DRIVER", "carrier-pigeon")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestConfigShow(t *testing.T) {
	useConfigFile(t)

	out := runCommand(t, configShowCmd)
	assert.Contains(t, out, "coordinator:")
	assert.Contains(t, out, "max_executions: 3")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "autofix.yaml")

	out := runCommand(t, configInitCmd, path)
	assert.Contains(t, out, "Wrote "+path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigYAML, string(data))

	err = configInitCmd.RunE(configInitCmd, []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	configInitForce = true
	defer func() { configInitForce = false }()
	runCommand(t, configInitCmd, path)
}

func TestApplyServeFlags(t *testing.T) {
	defer func() {
		serveHost, servePort, serveNoServer = "", 0, false
	}()
	cfg := &config.Config{Server: config.ServerConfig{Enabled: true, Host: "127.0.0.1", Port: 8085}}

	applyServeFlags(cfg)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8085, cfg.Server.Port)

	serveHost, servePort, serveNoServer = "0.0.0.0", 9000, true
	applyServeFlags(cfg)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Server.Enabled)
}

func TestDiskPathFor(t *testing.T) {
	assert.Equal(t, ".autofix", diskPathFor(config.StateConfig{JournalPath: ".autofix/journal.db"}))
	assert.Equal(t, "out", diskPathFor(config.StateConfig{SnapshotPath: "out/snap.json"}))
	assert.Equal(t, ".", diskPathFor(config.StateConfig{}))
}

func testSnapshot(now time.Time) core.Snapshot {
	return core.Snapshot{
		IsCoordinating: true,
		Workflows: []*core.Workflow{
			{
				ID:        "wf-b",
				ProjectID: "proj-b",
				Phase:     core.PhaseDeploying,
				Timing:    core.Timing{CreatedAt: now.Add(-time.Minute)},
				Retry:     core.RetryState{ExecutionCount: 1, MaxExecutions: 3},
				Error:     core.ErrorContext{Kind: core.ErrorKindDeployment},
			},
			{
				ID:        "wf-a",
				ProjectID: "proj-a",
				Phase:     core.PhaseAwaitingGeneration,
				Timing:    core.Timing{CreatedAt: now.Add(-2 * time.Minute)},
				Retry:     core.RetryState{MaxExecutions: 3},
				Error:     core.ErrorContext{Kind: core.ErrorKindCompilation},
			},
		},
		ProjectMappings: map[string]core.WorkflowID{"proj-a": "wf-a", "proj-b": "wf-b"},
		LastActivity:    now,
	}
}

func TestStatus_NoSnapshot(t *testing.T) {
	dir := useConfigFile(t)
	t.Setenv("AUTOFIX_STATE_SNAPSHOT_PATH", filepath.Join(dir, "missing.json"))

	out := runCommand(t, statusCmd)
	assert.Contains(t, out, "No snapshot found")
}

func TestStatus_TableAndJSON(t *testing.T) {
	dir := useConfigFile(t)
	path := filepath.Join(dir, "snapshot.json")
	t.Setenv("AUTOFIX_STATE_SNAPSHOT_PATH", path)

	written, err := state.NewSnapshotFile(path).Write(testSnapshot(time.Now()))
	require.NoError(t, err)
	require.True(t, written)

	out := runCommand(t, statusCmd)
	assert.Contains(t, out, "WORKFLOW")
	assert.Contains(t, out, "awaiting_generation")
	assert.Contains(t, out, "1/3")
	assert.Less(t, strings.Index(out, "wf-a"), strings.Index(out, "wf-b"), "oldest workflow first")

	statusJSON = true
	statusProject = "proj-b"
	defer func() {
		statusJSON = false
		statusProject = ""
	}()
	out = runCommand(t, statusCmd)
	var snap core.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Workflows, 1)
	assert.Equal(t, core.WorkflowID("wf-b"), snap.Workflows[0].ID)
}

func TestPrintStatus_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, core.Snapshot{}, time.Now()))
	assert.Contains(t, buf.String(), "No workflows")
}

type fakePruner struct {
	mu     sync.Mutex
	cutoff time.Time
	err    error
	calls  int
}

func (p *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.cutoff = before
	return 4, p.err
}

type fakeWriter struct {
	mu    sync.Mutex
	snaps []core.Snapshot
}

func (w *fakeWriter) Write(snap core.Snapshot) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snaps = append(w.snaps, snap)
	return true, nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.snaps)
}

type staticSource struct{ snap core.Snapshot }

func (s staticSource) Snapshot() core.Snapshot { return s.snap }

func TestMaintenance_Jobs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pruner := &fakePruner{}
	writer := &fakeWriter{}
	cfg := config.StateConfig{
		Retention:        24 * time.Hour,
		PruneSchedule:    "@hourly",
		SnapshotSchedule: "@every 5s",
	}

	m, err := newMaintenance(cfg, pruner, writer, staticSource{testSnapshot(clock.Now())}, clock, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Jobs())

	m.pruneJournal()
	assert.Equal(t, 1, pruner.calls)
	assert.Equal(t, clock.Now().Add(-24*time.Hour), pruner.cutoff)

	pruner.err = errors.New("database is locked")
	m.pruneJournal()
	assert.Equal(t, 2, pruner.calls)

	m.exportSnapshot()
	assert.Equal(t, 1, writer.count())

	m.Start()
	m.Stop()
	assert.GreaterOrEqual(t, writer.count(), 2, "stop exports a final snapshot")
}

func TestMaintenance_DisabledStores(t *testing.T) {
	cfg := config.StateConfig{Retention: time.Hour, PruneSchedule: "@hourly", SnapshotSchedule: "@every 5s"}

	m, err := newMaintenance(cfg, nil, nil, staticSource{}, clockwork.NewFakeClock(), logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Jobs())
	m.Start()
	m.Stop()
}

func TestMaintenance_InvalidSchedule(t *testing.T) {
	cfg := config.StateConfig{Retention: time.Hour, PruneSchedule: "every so often"}

	_, err := newMaintenance(cfg, &fakePruner{}, nil, staticSource{}, clockwork.NewFakeClock(), logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal prune")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewServeCoordinator_LogsComponentOnce(t *testing.T) {
	useConfigFile(t)
	cfg, err := loadConfig()
	require.NoError(t, err)

	var out lockedBuffer
	logger := logging.New(logging.Config{Level: "info", Format: "json", Output: &out})
	coord := newServeCoordinator(testutil.NewCollaborators().Ports(), cfg.Coordinator, nil,
		clockwork.NewFakeClock(), nil, logger)
	_, ok := coord.Start(core.StartRequest{ProjectID: "proj-1", RawError: "type error"})
	require.True(t, ok)
	require.NoError(t, coord.Close())

	var started string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, "workflow started") {
			started = line
		}
	}
	require.NotEmpty(t, started, "no start log line in %s", out.String())
	assert.Equal(t, 1, strings.Count(started, `"component":"coordinator"`), started)
}
