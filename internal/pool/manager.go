// Package pool maintains one connection pool per enabled environment,
// tracks pool health, and reconnects failed environments with exponential
// backoff.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	// Database drivers for the supported environment matrix.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/manifolddb/manifold/internal/config"
	"github.com/manifolddb/manifold/internal/environment"
	"github.com/manifolddb/manifold/internal/srverr"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 300 * time.Second
)

// HealthState classifies a pool's last known condition.
type HealthState int

const (
	// StateUnknown means no health check has run yet.
	StateUnknown HealthState = iota
	// StateHealthy means the last check passed with headroom.
	StateHealthy
	// StateDegraded means the pool works but is slow or near capacity.
	StateDegraded
	// StateUnhealthy means the pool cannot serve queries.
	StateUnhealthy
)

// String returns the lowercase name of the state.
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// QueryStats accumulates per-environment query outcomes. Average latency is
// an exponentially weighted moving average so recent queries dominate.
type QueryStats struct {
	TotalQueries  uint64    `json:"total_queries"`
	FailedQueries uint64    `json:"failed_queries"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
	LastQueryAt   time.Time `json:"last_query_at,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
}

// SuccessRate is the percentage of queries that succeeded, or 100 when no
// query has run yet.
func (s QueryStats) SuccessRate() float64 {
	if s.TotalQueries == 0 {
		return 100.0
	}
	return float64(s.TotalQueries-s.FailedQueries) / float64(s.TotalQueries) * 100.0
}

// Statistics is the reportable state of one environment's pool.
type Statistics struct {
	Environment     string     `json:"environment"`
	Health          string     `json:"health"`
	LastHealthCheck time.Time  `json:"last_health_check,omitzero"`
	URL             string     `json:"url"`
	OpenConnections int        `json:"open_connections"`
	InUse           int        `json:"in_use"`
	Idle            int        `json:"idle"`
	MaxConnections  int        `json:"max_connections"`
	Queries         QueryStats `json:"queries"`
	SuccessRate     float64    `json:"success_rate"`
}

// entry is the managed state for one environment. db is nil when the
// environment has never connected successfully.
type entry struct {
	cfg          config.EnvironmentConfig
	db           *sqlx.DB
	health       HealthState
	lastCheck    time.Time
	stats        QueryStats
	backoff      time.Duration
	nextRetry    time.Time
	reconnecting bool
}

// Manager owns the per-environment pools. All entry state is guarded by mu;
// reconnection attempts release the lock while dialing.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	reg     *environment.Registry
	logger  *slog.Logger
}

// NewManager opens a pool for every enabled environment. An environment
// that fails to connect does not abort startup; it is kept unhealthy and
// becomes eligible for backoff reconnection. Startup fails only when no
// environment produced a usable pool.
func NewManager(reg *environment.Registry, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		entries: make(map[string]*entry),
		reg:     reg,
		logger:  logger,
	}
	failures := make(map[string]*srverr.Error)
	connected := 0
	for _, name := range reg.ListEnabled() {
		cfg, err := reg.Get(name)
		if err != nil {
			continue
		}
		e := &entry{cfg: *cfg, backoff: initialBackoff}
		db, err := open(context.Background(), cfg)
		if err != nil {
			logger.Error("environment connection failed at startup",
				"environment", name,
				"url", config.MaskedURL(cfg.Driver, cfg.Database),
				"error", srverr.SanitizeErrorText(err.Error()))
			e.health = StateUnhealthy
			e.nextRetry = time.Now().Add(e.backoff)
			failures[name] = srverr.Connection(name, err, true)
		} else {
			logger.Info("environment connected",
				"environment", name,
				"url", config.MaskedURL(cfg.Driver, cfg.Database))
			e.db = db
			e.health = StateHealthy
			connected++
		}
		m.entries[name] = e
	}
	if connected == 0 {
		m.Shutdown()
		return nil, srverr.MultiEnvironment("initialize", failures, nil)
	}
	return m, nil
}

// open dials one environment and verifies the connection with a ping.
func open(ctx context.Context, cfg *config.EnvironmentConfig) (*sqlx.DB, error) {
	driverName, err := config.SQLDriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := config.DSN(cfg.Driver, cfg.Database)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.Pool.MaxConnections)
	db.SetMaxIdleConns(cfg.Pool.MinConnections)
	db.SetConnMaxLifetime(cfg.Pool.MaxLifetimeDuration())
	db.SetConnMaxIdleTime(cfg.Pool.IdleTimeoutDuration())

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Pool.AcquireTimeoutDuration())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Conn returns the live pool for an environment. Unhealthy environments
// fail fast instead of queueing work behind a dead connection.
func (m *Manager) Conn(_ context.Context, env string) (*sqlx.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[env]
	if !ok {
		if _, err := m.reg.Get(env); err != nil {
			return nil, err
		}
		return nil, srverr.Environment(env,
			fmt.Sprintf("environment %q has no pool", env), srverr.CategoryUnavailable)
	}
	if e.db == nil || e.health == StateUnhealthy {
		return nil, srverr.Connection(env,
			fmt.Errorf("environment %q is unhealthy; reconnect it or wait for recovery", env), true)
	}
	return e.db, nil
}

// NoteConnectionFailure marks an environment unhealthy after a
// connection-class query failure and schedules its next backoff
// reconnection attempt, so queries fail fast until a reconnect succeeds.
func (m *Manager) NoteConnectionFailure(env string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[env]
	if !ok {
		return
	}
	e.health = StateUnhealthy
	e.lastCheck = time.Now()
	if time.Now().After(e.nextRetry) {
		e.nextRetry = time.Now().Add(e.backoff)
	}
}

// RecordQueryStats folds one query outcome into the environment's stats.
func (m *Manager) RecordQueryStats(env string, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[env]
	if !ok {
		return
	}
	e.stats.TotalQueries++
	if failed {
		e.stats.FailedQueries++
	}
	sample := float64(latency.Microseconds()) / 1000.0
	if e.stats.TotalQueries == 1 {
		e.stats.AvgLatencyMS = sample
	} else {
		e.stats.AvgLatencyMS = e.stats.AvgLatencyMS*0.9 + sample*0.1
	}
	now := time.Now()
	e.stats.LastQueryAt = now
	if failed {
		e.stats.LastFailureAt = now
	} else {
		e.stats.LastSuccessAt = now
	}
}

// Environments returns the names of the managed environments in sorted
// order.
func (m *Manager) Environments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedNamesLocked()
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statistics reports every managed pool, sorted by environment name.
func (m *Manager) Statistics() []Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Statistics, 0, len(m.entries))
	for _, name := range m.sortedNamesLocked() {
		e := m.entries[name]
		s := Statistics{
			Environment:     name,
			Health:          e.health.String(),
			LastHealthCheck: e.lastCheck,
			URL:             config.MaskedURL(e.cfg.Driver, e.cfg.Database),
			MaxConnections:  e.cfg.Pool.MaxConnections,
			Queries:         e.stats,
			SuccessRate:     e.stats.SuccessRate(),
		}
		if e.db != nil {
			dbs := e.db.Stats()
			s.OpenConnections = dbs.OpenConnections
			s.InUse = dbs.InUse
			s.Idle = dbs.Idle
		}
		out = append(out, s)
	}
	return out
}

// Reconnect attempts to re-establish a failed environment. It refuses to
// run before the backoff window elapses and refuses concurrent attempts for
// the same environment. Success resets the backoff; failure doubles it up
// to the cap.
func (m *Manager) Reconnect(ctx context.Context, env string) error {
	m.mu.Lock()
	e, ok := m.entries[env]
	if !ok {
		m.mu.Unlock()
		return srverr.Environment(env,
			fmt.Sprintf("environment %q has no pool", env), srverr.CategoryUnavailable)
	}
	if e.db != nil && e.health != StateUnhealthy {
		m.mu.Unlock()
		return nil
	}
	if e.reconnecting {
		m.mu.Unlock()
		return srverr.Environment(env,
			fmt.Sprintf("reconnection already in progress for %q", env),
			srverr.CategoryConnectivity)
	}
	if now := time.Now(); now.Before(e.nextRetry) {
		wait := e.nextRetry.Sub(now).Round(time.Millisecond)
		m.mu.Unlock()
		return srverr.Environment(env,
			fmt.Sprintf("reconnection for %q throttled; retry in %s", env, wait),
			srverr.CategoryConnectivity)
	}
	e.reconnecting = true
	cfg := e.cfg
	m.mu.Unlock()

	db, err := open(ctx, &cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	e.reconnecting = false
	if err != nil {
		e.backoff *= 2
		if e.backoff > maxBackoff {
			e.backoff = maxBackoff
		}
		e.nextRetry = time.Now().Add(e.backoff)
		m.logger.Warn("reconnection failed",
			"environment", env,
			"next_retry_in", e.backoff.String(),
			"error", srverr.SanitizeErrorText(err.Error()))
		return srverr.Connection(env, err, true)
	}
	if e.db != nil {
		e.db.Close()
	}
	e.db = db
	e.health = StateHealthy
	e.backoff = initialBackoff
	e.nextRetry = time.Time{}
	m.logger.Info("environment reconnected", "environment", env)
	return nil
}

// TestConnection dials a fresh, single-use connection outside the managed
// pool and reports round-trip latency and the server version. The managed
// pool is untouched.
func (m *Manager) TestConnection(ctx context.Context, env string) (*ConnectionTest, error) {
	cfg, err := m.reg.Get(env)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	db, err := open(ctx, cfg)
	if err != nil {
		return nil, srverr.Connection(env, err, true)
	}
	defer db.Close()

	test := &ConnectionTest{
		Environment: env,
		URL:         config.MaskedURL(cfg.Driver, cfg.Database),
		LatencyMS:   float64(time.Since(start).Microseconds()) / 1000.0,
	}
	probe := probeFor(cfg.Driver)
	if err := db.GetContext(ctx, &test.ServerVersion, probe.version); err != nil {
		return nil, srverr.Connection(env, err, true)
	}
	return test, nil
}

// ConnectionTest is the outcome of a fresh out-of-pool connection attempt.
type ConnectionTest struct {
	Environment   string  `json:"environment"`
	URL           string  `json:"url"`
	LatencyMS     float64 `json:"latency_ms"`
	ServerVersion string  `json:"server_version"`
}

// Shutdown closes every pool. The manager is unusable afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.entries {
		if e.db != nil {
			if err := e.db.Close(); err != nil {
				m.logger.Warn("pool close failed", "environment", name, "error", err)
			}
			e.db = nil
		}
		e.health = StateUnknown
	}
}
