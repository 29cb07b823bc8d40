// Package diagnostics reports the health of a running coordinator: how many
// workflows it holds per phase, how its event subscribers are doing, and the
// resource usage of the process and host.
//
// Reporter builds point-in-time reports for the health endpoint. Monitor
// samples them on an interval and logs threshold breaches, keeping a short
// history for trend checks.
package diagnostics
