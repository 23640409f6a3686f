package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/manifolddb/manifold/internal/config"
	"github.com/manifolddb/manifold/internal/srverr"
)

const (
	healthCheckTimeout = 5 * time.Second
	// degradedLatency is the health-check round trip above which a pool is
	// classified degraded.
	degradedLatency = 1 * time.Second
	// degradedUsage is the in-use fraction of the pool above which it is
	// classified degraded.
	degradedUsage = 0.8
)

// HealthReport is the outcome of one health check.
type HealthReport struct {
	Environment string    `json:"environment"`
	State       string    `json:"state"`
	LatencyMS   float64   `json:"latency_ms"`
	CheckedAt   time.Time `json:"checked_at"`
	Detail      string    `json:"detail,omitempty"`
}

// ComprehensiveReport extends a health check with server identity and
// schema shape.
type ComprehensiveReport struct {
	HealthReport
	ServerVersion   string `json:"server_version"`
	CurrentDatabase string `json:"current_database"`
	CurrentUser     string `json:"current_user,omitempty"`
	TableCount      int    `json:"table_count"`
}

// probe holds the driver-specific health-check statements.
type probe struct {
	version    string
	database   string
	user       string
	tableCount string
}

func probeFor(driver string) probe {
	switch driver {
	case config.DriverPostgres:
		return probe{
			version:    "SELECT version()",
			database:   "SELECT current_database()",
			user:       "SELECT current_user",
			tableCount: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema NOT IN ('pg_catalog', 'information_schema')",
		}
	case config.DriverMSSQL:
		return probe{
			version:    "SELECT @@VERSION",
			database:   "SELECT DB_NAME()",
			user:       "SELECT SUSER_SNAME()",
			tableCount: "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_TYPE = 'BASE TABLE'",
		}
	case config.DriverSQLite:
		return probe{
			version:    "SELECT sqlite_version()",
			database:   "SELECT 'main'",
			tableCount: "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'",
		}
	default:
		return probe{
			version:    "SELECT VERSION()",
			database:   "SELECT DATABASE()",
			user:       "SELECT USER()",
			tableCount: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE()",
		}
	}
}

// HealthCheck pings one environment and reclassifies its pool. The result
// is recorded on the entry so later Conn calls and reports see it.
func (m *Manager) HealthCheck(ctx context.Context, env string) (*HealthReport, error) {
	m.mu.RLock()
	e, ok := m.entries[env]
	if !ok {
		m.mu.RUnlock()
		return nil, srverr.Environment(env,
			fmt.Sprintf("environment %q has no pool", env), srverr.CategoryUnavailable)
	}
	db := e.db
	maxConns := e.cfg.Pool.MaxConnections
	m.mu.RUnlock()

	report := &HealthReport{Environment: env, CheckedAt: time.Now()}
	if db == nil {
		report.State = StateUnhealthy.String()
		report.Detail = "environment never connected"
		m.setHealth(env, StateUnhealthy, report.CheckedAt)
		return report, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	start := time.Now()
	err := db.PingContext(pingCtx)
	latency := time.Since(start)
	report.LatencyMS = float64(latency.Microseconds()) / 1000.0

	state := StateHealthy
	switch {
	case err != nil:
		state = StateUnhealthy
		report.Detail = srverr.SanitizeErrorText(err.Error())
	case latency > degradedLatency:
		state = StateDegraded
		report.Detail = fmt.Sprintf("health check took %s", latency.Round(time.Millisecond))
	default:
		stats := db.Stats()
		if maxConns > 0 && float64(stats.InUse)/float64(maxConns) > degradedUsage {
			state = StateDegraded
			report.Detail = fmt.Sprintf("pool usage %d/%d above %d%%",
				stats.InUse, maxConns, int(degradedUsage*100))
		} else if stats.Idle == 0 && stats.OpenConnections >= maxConns {
			state = StateDegraded
			report.Detail = "no idle connections and pool at capacity"
		}
	}
	report.State = state.String()
	m.setHealth(env, state, report.CheckedAt)
	return report, nil
}

// ComprehensiveHealthCheck runs the basic check plus identity and schema
// probes. A total round trip above the degraded threshold downgrades a
// healthy result.
func (m *Manager) ComprehensiveHealthCheck(ctx context.Context, env string) (*ComprehensiveReport, error) {
	base, err := m.HealthCheck(ctx, env)
	if err != nil {
		return nil, err
	}
	report := &ComprehensiveReport{HealthReport: *base}
	if base.State == StateUnhealthy.String() {
		return report, nil
	}

	m.mu.RLock()
	e := m.entries[env]
	db := e.db
	driver := e.cfg.Driver
	m.mu.RUnlock()

	start := time.Now()
	p := probeFor(driver)
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.GetContext(probeCtx, &report.ServerVersion, p.version); err != nil {
		return nil, srverr.Query(env, p.version, err)
	}
	if err := db.GetContext(probeCtx, &report.CurrentDatabase, p.database); err != nil {
		return nil, srverr.Query(env, p.database, err)
	}
	if p.user != "" {
		if err := db.GetContext(probeCtx, &report.CurrentUser, p.user); err != nil {
			return nil, srverr.Query(env, p.user, err)
		}
	}
	if err := db.GetContext(probeCtx, &report.TableCount, p.tableCount); err != nil {
		return nil, srverr.Query(env, p.tableCount, err)
	}

	total := time.Since(start)
	report.LatencyMS += float64(total.Microseconds()) / 1000.0
	if total > degradedLatency && report.State == StateHealthy.String() {
		report.State = StateDegraded.String()
		report.Detail = fmt.Sprintf("comprehensive check took %s", total.Round(time.Millisecond))
		m.setHealth(env, StateDegraded, report.CheckedAt)
	}
	return report, nil
}

// HealthCheckAll checks every managed environment and returns the reports
// sorted by environment name.
func (m *Manager) HealthCheckAll(ctx context.Context) []*HealthReport {
	names := m.Environments()
	out := make([]*HealthReport, 0, len(names))
	for _, name := range names {
		report, err := m.HealthCheck(ctx, name)
		if err != nil {
			report = &HealthReport{
				Environment: name,
				State:       StateUnknown.String(),
				CheckedAt:   time.Now(),
				Detail:      err.Error(),
			}
		}
		out = append(out, report)
	}
	return out
}

// Health returns the last recorded state for an environment.
func (m *Manager) Health(env string) HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[env]; ok {
		return e.health
	}
	return StateUnknown
}

func (m *Manager) setHealth(env string, state HealthState, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[env]; ok {
		e.health = state
		e.lastCheck = at
	}
}
