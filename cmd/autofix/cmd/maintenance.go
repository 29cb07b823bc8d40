package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/coinnation/kontext-sub005/internal/config"
	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/logging"
)

// journalPruner is the part of the sqlite journal maintenance needs.
type journalPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// snapshotWriter is the part of the snapshot export maintenance needs.
type snapshotWriter interface {
	Write(snap core.Snapshot) (bool, error)
}

type snapshotSource interface {
	Snapshot() core.Snapshot
}

// cronLogger routes cron's own messages through the service logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// maintenance runs the periodic jobs of the serve command: journal
// retention and snapshot export.
type maintenance struct {
	cron      *cron.Cron
	journal   journalPruner
	snapshots snapshotWriter
	source    snapshotSource
	retention time.Duration
	clock     clockwork.Clock
	logger    *logging.Logger
}

// newMaintenance schedules the jobs enabled by cfg. A nil journal or
// snapshot writer skips the matching job.
func newMaintenance(cfg config.StateConfig, journal journalPruner, snapshots snapshotWriter, source snapshotSource, clock clockwork.Clock, logger *logging.Logger) (*maintenance, error) {
	cl := cronLogger{logger: logger.WithComponent("maintenance")}
	m := &maintenance{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.SkipIfStillRunning(cl),
			cron.Recover(cl),
		)),
		journal:   journal,
		snapshots: snapshots,
		source:    source,
		retention: cfg.Retention,
		clock:     clock,
		logger:    cl.logger,
	}

	if journal != nil && cfg.PruneSchedule != "" && cfg.Retention > 0 {
		if _, err := m.cron.AddFunc(cfg.PruneSchedule, m.pruneJournal); err != nil {
			return nil, fmt.Errorf("scheduling journal prune %q: %w", cfg.PruneSchedule, err)
		}
	}
	if snapshots != nil && cfg.SnapshotSchedule != "" {
		if _, err := m.cron.AddFunc(cfg.SnapshotSchedule, m.exportSnapshot); err != nil {
			return nil, fmt.Errorf("scheduling snapshot export %q: %w", cfg.SnapshotSchedule, err)
		}
	}
	return m, nil
}

// Jobs returns the number of scheduled jobs.
func (m *maintenance) Jobs() int {
	return len(m.cron.Entries())
}

func (m *maintenance) Start() {
	m.cron.Start()
}

// Stop stops scheduling and waits for running jobs. A final snapshot is
// exported so the file reflects the state at shutdown.
func (m *maintenance) Stop() {
	<-m.cron.Stop().Done()
	if m.snapshots != nil {
		m.exportSnapshot()
	}
}

func (m *maintenance) pruneJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := m.clock.Now().Add(-m.retention)
	removed, err := m.journal.Prune(ctx, cutoff)
	if err != nil {
		m.logger.Error("journal prune failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Info("journal pruned", "removed", removed, "cutoff", cutoff)
	}
}

func (m *maintenance) exportSnapshot() {
	written, err := m.snapshots.Write(m.source.Snapshot())
	if err != nil {
		m.logger.Error("snapshot export failed", "error", err)
		return
	}
	if written {
		m.logger.Debug("snapshot exported")
	}
}
