package diagnostics

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/coinnation/kontext-sub005/internal/core"
)

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Source exposes coordinator state. *coordinator.Coordinator satisfies it.
type Source interface {
	Snapshot() core.Snapshot
}

// BusStats exposes event bus counters. *events.EventBus satisfies it.
type BusStats interface {
	SubscriberCount() int
	DroppedCount() int64
}

// WorkflowSummary counts registered workflows.
type WorkflowSummary struct {
	Coordinating bool           `json:"is_coordinating"`
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	ByPhase      map[string]int `json:"by_phase"`
	Projects     int            `json:"projects"`
	LastActivity time.Time      `json:"last_activity,omitempty"`
}

// Warning is a single threshold breach.
type Warning struct {
	Level   string  `json:"level"`
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
}

// Report is the full health document.
type Report struct {
	Status        string          `json:"status"`
	Time          time.Time       `json:"time"`
	Workflows     WorkflowSummary `json:"workflows"`
	Subscribers   int             `json:"subscribers"`
	DroppedEvents int64           `json:"dropped_events"`
	Process       ProcessStats    `json:"process"`
	System        SystemStats     `json:"system"`
	Warnings      []Warning       `json:"warnings,omitempty"`
}

// Thresholds trigger warnings when exceeded. Zero disables a check.
type Thresholds struct {
	Goroutines int
	HeapMB     int
	OpenFDs    int
}

// DefaultThresholds returns limits suited to a single-host deployment.
func DefaultThresholds() Thresholds {
	return Thresholds{Goroutines: 1000, HeapMB: 512, OpenFDs: 1024}
}

// Reporter builds health reports.
type Reporter struct {
	source     Source
	bus        BusStats
	diskPath   string
	thresholds Thresholds
	clock      clockwork.Clock
	started    time.Time
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithDiskPath reports disk usage of the filesystem holding path.
func WithDiskPath(path string) ReporterOption {
	return func(r *Reporter) { r.diskPath = path }
}

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) ReporterOption {
	return func(r *Reporter) { r.thresholds = t }
}

// WithClock sets the clock used for timestamps and uptime.
func WithClock(c clockwork.Clock) ReporterOption {
	return func(r *Reporter) { r.clock = c }
}

// NewReporter creates a reporter. bus may be nil.
func NewReporter(source Source, bus BusStats, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		source:     source,
		bus:        bus,
		thresholds: DefaultThresholds(),
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.clock.Now()
	return r
}

// Summary counts the workflows currently registered.
func (r *Reporter) Summary() WorkflowSummary {
	return Summarize(r.source.Snapshot())
}

// Summarize counts the workflows of snap.
func Summarize(snap core.Snapshot) WorkflowSummary {
	s := WorkflowSummary{
		Coordinating: snap.IsCoordinating,
		Total:        len(snap.Workflows),
		ByPhase:      make(map[string]int),
		Projects:     len(snap.ProjectMappings),
		LastActivity: snap.LastActivity,
	}
	for _, wf := range snap.Workflows {
		s.ByPhase[string(wf.Phase)]++
		if wf.IsActive() {
			s.Active++
		}
	}
	return s
}

// Report collects a full report, including process and host statistics.
func (r *Reporter) Report() Report {
	now := r.clock.Now()
	rep := Report{
		Status:    StatusOK,
		Time:      now,
		Workflows: r.Summary(),
		Process:   collectProcess(now.Sub(r.started)),
		System:    collectSystem(r.diskPath),
	}
	if r.bus != nil {
		rep.Subscribers = r.bus.SubscriberCount()
		rep.DroppedEvents = r.bus.DroppedCount()
	}
	rep.Warnings = r.check(rep.Process)
	for _, w := range rep.Warnings {
		if w.Level == "critical" {
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (r *Reporter) check(p ProcessStats) []Warning {
	var warnings []Warning
	add := func(kind string, value, limit float64, format string) {
		if limit <= 0 || value <= limit {
			return
		}
		level := "warning"
		if value > limit*2 {
			level = "critical"
		}
		warnings = append(warnings, Warning{
			Level:   level,
			Type:    kind,
			Message: fmt.Sprintf(format, value, limit),
			Value:   value,
			Limit:   limit,
		})
	}
	add("goroutine", float64(p.Goroutines), float64(r.thresholds.Goroutines), "goroutine count at %.0f (threshold: %.0f)")
	add("memory", p.HeapAllocMB, float64(r.thresholds.HeapMB), "heap usage at %.1f MB (threshold: %.0f MB)")
	add("fd", float64(p.OpenFDs), float64(r.thresholds.OpenFDs), "open file descriptors at %.0f (threshold: %.0f)")
	return warnings
}
