package diagnostics

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/coinnation/kontext-sub005/internal/logging"
)

// Monitor samples reports on an interval, logs warnings and keeps the most
// recent samples for trend checks.
type Monitor struct {
	reporter    *Reporter
	interval    time.Duration
	historySize int
	clock       clockwork.Clock
	logger      *logging.Logger

	mu      sync.RWMutex
	history []Report
}

// NewMonitor creates a monitor. Non-positive values fall back to 30s and 120
// samples.
func NewMonitor(reporter *Reporter, interval time.Duration, historySize int, clock clockwork.Clock, logger *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if historySize <= 0 {
		historySize = 120
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		reporter:    reporter,
		interval:    interval,
		historySize: historySize,
		clock:       clock,
		logger:      logger.WithComponent("diagnostics"),
		history:     make([]Report, 0, historySize),
	}
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.sample()

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	rep := m.reporter.Report()
	m.record(rep)
	for _, w := range rep.Warnings {
		m.logger.Warn("resource warning",
			"type", w.Type,
			"level", w.Level,
			"value", w.Value,
			"limit", w.Limit,
			"message", w.Message,
		)
	}
}

func (m *Monitor) record(rep Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rep)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Report, len(m.history))
	copy(out, m.history)
	return out
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Report{}, false
	}
	return m.history[len(m.history)-1], true
}

// GoroutineGrowth returns the goroutine growth per hour across the history,
// or zero when it spans less than a minute.
func (m *Monitor) GoroutineGrowth() float64 {
	history := m.History()
	if len(history) < 2 {
		return 0
	}
	first, last := history[0], history[len(history)-1]
	hours := last.Time.Sub(first.Time).Hours()
	if hours < 1.0/60 {
		return 0
	}
	return float64(last.Process.Goroutines-first.Process.Goroutines) / hours
}
