package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMonitorInterval is the sweep period used when none is configured.
const DefaultMonitorInterval = 30 * time.Second

const maxAlerts = 100

// Alert records one health-state transition seen by the monitor.
type Alert struct {
	Environment string    `json:"environment"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Monitor periodically health-checks every environment and records an
// alert when a pool changes classification. Stable states produce no
// alerts, only transitions do.
type Monitor struct {
	mgr      *Manager
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	previous  map[string]HealthState
	alerts    []Alert
	lastSweep time.Time
	running   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MonitoringReport is a point-in-time snapshot of the monitor and every
// pool it watches.
type MonitoringReport struct {
	Running      bool            `json:"running"`
	Interval     string          `json:"interval"`
	LastSweep    time.Time       `json:"last_sweep,omitzero"`
	Environments []*HealthReport `json:"environments"`
	Alerts       []Alert         `json:"alerts"`
}

// NewMonitor builds a monitor over the manager. interval <= 0 selects the
// default.
func NewMonitor(mgr *Manager, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		mgr:      mgr,
		interval: interval,
		logger:   logger,
		previous: make(map[string]HealthState),
	}
}

// Start launches the sweep loop. It runs an immediate sweep so the first
// report is populated, then ticks until Stop or context cancellation.
func (mon *Monitor) Start(ctx context.Context) {
	mon.mu.Lock()
	if mon.running {
		mon.mu.Unlock()
		return
	}
	mon.running = true
	mon.mu.Unlock()

	ctx, mon.cancel = context.WithCancel(ctx)
	mon.wg.Add(1)
	go func() {
		defer mon.wg.Done()
		mon.sweep(ctx)
		ticker := time.NewTicker(mon.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mon.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	if !mon.running {
		mon.mu.Unlock()
		return
	}
	mon.running = false
	mon.mu.Unlock()

	mon.cancel()
	mon.wg.Wait()
}

// sweep health-checks every environment once and records transitions.
func (mon *Monitor) sweep(ctx context.Context) {
	reports := mon.mgr.HealthCheckAll(ctx)

	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.lastSweep = time.Now()
	for _, report := range reports {
		current := mon.mgr.Health(report.Environment)
		prev, seen := mon.previous[report.Environment]
		mon.previous[report.Environment] = current
		if seen && prev == current {
			continue
		}
		from := StateUnknown
		if seen {
			from = prev
		}
		if !seen && current == StateHealthy {
			// First sight of a healthy pool is not worth an alert.
			continue
		}
		alert := Alert{
			Environment: report.Environment,
			From:        from.String(),
			To:          current.String(),
			Detail:      report.Detail,
			At:          mon.lastSweep,
		}
		mon.alerts = append(mon.alerts, alert)
		if len(mon.alerts) > maxAlerts {
			mon.alerts = mon.alerts[len(mon.alerts)-maxAlerts:]
		}
		level := slog.LevelWarn
		if current == StateHealthy {
			level = slog.LevelInfo
		}
		mon.logger.Log(ctx, level, "environment health changed",
			"environment", report.Environment,
			"from", alert.From,
			"to", alert.To,
			"detail", report.Detail)
	}
}

// Report snapshots the monitor state, including a fresh health check of
// every environment.
func (mon *Monitor) Report(ctx context.Context) *MonitoringReport {
	reports := mon.mgr.HealthCheckAll(ctx)

	mon.mu.Lock()
	defer mon.mu.Unlock()
	alerts := make([]Alert, len(mon.alerts))
	copy(alerts, mon.alerts)
	return &MonitoringReport{
		Running:      mon.running,
		Interval:     mon.interval.String(),
		LastSweep:    mon.lastSweep,
		Environments: reports,
		Alerts:       alerts,
	}
}
