// Package router routes read-only queries to one or many environments,
// records pool statistics, and assembles multi-environment results.
package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manifolddb/manifold/internal/config"
	"github.com/manifolddb/manifold/internal/environment"
	"github.com/manifolddb/manifold/internal/pool"
	"github.com/manifolddb/manifold/internal/query"
	"github.com/manifolddb/manifold/internal/srverr"
	"github.com/manifolddb/manifold/internal/stream"
)

// Router executes queries against the environments managed by the pool
// manager.
type Router struct {
	mgr       *pool.Manager
	reg       *environment.Registry
	logger    *slog.Logger
	queryCfg  config.QueryConfig
	streamCfg stream.Config
}

// New builds a router over the manager and registry.
func New(mgr *pool.Manager, reg *environment.Registry, queryCfg config.QueryConfig, logger *slog.Logger) *Router {
	streamCfg := stream.DefaultConfig()
	if queryCfg.ChunkSize > 0 {
		streamCfg.ChunkSize = queryCfg.ChunkSize
	}
	return &Router{
		mgr:       mgr,
		reg:       reg,
		logger:    logger,
		queryCfg:  queryCfg,
		streamCfg: streamCfg,
	}
}

// resolve maps an optional environment name to a concrete one.
func (r *Router) resolve(env string) string {
	if env == "" {
		return r.reg.Default()
	}
	return env
}

// ExecuteQuery runs one read-only statement in one environment. An empty
// environment name selects the default.
func (r *Router) ExecuteQuery(ctx context.Context, env, sql string, params []any) (*query.Result, error) {
	env = r.resolve(env)
	if _, err := r.reg.Get(env); err != nil {
		return nil, err
	}
	db, err := r.mgr.Conn(ctx, env)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryCfg.TimeoutDuration())
	defer cancel()

	start := time.Now()
	result, err := query.Execute(ctx, db, env, sql, params, r.queryCfg.MaxRows)
	latency := time.Since(start)
	r.mgr.RecordQueryStats(env, latency, err != nil)
	if err != nil {
		if srverr.From(err).Kind == srverr.KindConnection {
			r.mgr.NoteConnectionFailure(env)
		}
		r.logger.Warn("query failed",
			"environment", env,
			"sql", srverr.SanitizeSQL(sql),
			"error", err)
		return nil, err
	}
	r.logger.Debug("query executed",
		"environment", env,
		"rows", result.RowCount,
		"duration", latency.String())
	return result, nil
}

// Summary aggregates the outcome of a fan-out execution.
type Summary struct {
	TotalEnvironments    int     `json:"total_environments"`
	SuccessfulExecutions int     `json:"successful_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	TotalTimeMS          float64 `json:"total_time_ms"`
	AvgTimeMS            float64 `json:"avg_time_ms"`
}

// MultiEnvResult is the outcome of a fan-out execution.
type MultiEnvResult struct {
	RequestID  string                   `json:"request_id"`
	Query      string                   `json:"query"`
	Results    map[string]*query.Result `json:"results"`
	Errors     map[string]string        `json:"errors,omitempty"`
	Succeeded  []string                 `json:"succeeded"`
	Failed     []string                 `json:"failed,omitempty"`
	Summary    Summary                  `json:"summary"`
	Comparison *Comparison              `json:"comparison,omitempty"`
}

// validateNamed rejects the call outright when an explicitly named
// environment is unknown, disabled, or invalid. An empty target list is
// the caller's shorthand for every enabled environment and needs no
// validation.
func (r *Router) validateNamed(envs []string) error {
	for _, env := range envs {
		if _, err := r.reg.Get(env); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteMultiEnv runs one statement across several environments in
// parallel. An empty environment list targets every enabled environment;
// explicitly named environments are validated up front and any invalid
// name fails the whole call. After dispatch the call fails only when no
// environment succeeds; partial failure is reported per environment in
// the result. With compare set, a comparison against the first requested
// environment is attached.
func (r *Router) ExecuteMultiEnv(ctx context.Context, envs []string, sql string, params []any, compare bool) (*MultiEnvResult, error) {
	if err := r.validateNamed(envs); err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		envs = r.reg.ListEnabled()
	}
	if err := query.Validate(sql); err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	r.logger.Info("multi-environment query",
		"request_id", requestID,
		"environments", envs,
		"sql", srverr.SanitizeSQL(sql))

	var (
		mu      sync.Mutex
		results = make(map[string]*query.Result, len(envs))
		errs    = make(map[string]*srverr.Error)
		total   time.Duration
		wg      sync.WaitGroup
	)
	for _, env := range envs {
		wg.Add(1)
		go func(env string) {
			defer wg.Done()
			start := time.Now()
			res, err := r.ExecuteQuery(ctx, env, sql, params)
			elapsed := time.Since(start)
			mu.Lock()
			defer mu.Unlock()
			total += elapsed
			if err != nil {
				errs[env] = srverr.From(err)
				return
			}
			results[env] = res
		}(env)
	}
	wg.Wait()

	totalMS := float64(total.Microseconds()) / 1000.0
	out := &MultiEnvResult{
		RequestID: requestID,
		Query:     srverr.SanitizeSQL(sql),
		Results:   results,
		Succeeded: sortedKeys(results),
		Failed:    sortedErrKeys(errs),
		Summary: Summary{
			TotalEnvironments:    len(envs),
			SuccessfulExecutions: len(results),
			FailedExecutions:     len(errs),
			TotalTimeMS:          totalMS,
			AvgTimeMS:            totalMS / float64(len(envs)),
		},
	}
	if len(errs) > 0 {
		out.Errors = make(map[string]string, len(errs))
		for env, e := range errs {
			out.Errors[env] = e.UserMessage()
		}
	}
	if len(results) == 0 {
		return nil, srverr.MultiEnvironment("execute_query_multi_env", errs, nil)
	}
	if compare {
		out.Comparison = Compare(envs[0], results, out.Errors)
	}
	return out, nil
}

// ExecuteStreamingQuery runs one statement in one environment and returns
// its chunked result, retrying the stream on transient failure.
func (r *Router) ExecuteStreamingQuery(ctx context.Context, env, sql string, params []any, chunkSize int) ([]*stream.Chunk, error) {
	env = r.resolve(env)
	if _, err := r.reg.Get(env); err != nil {
		return nil, err
	}
	db, err := r.mgr.Conn(ctx, env)
	if err != nil {
		return nil, err
	}

	cfg := r.streamCfg
	if chunkSize > 0 {
		cfg.ChunkSize = chunkSize
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryCfg.TimeoutDuration())
	defer cancel()

	queryID := uuid.New().String()
	start := time.Now()
	chunks, err := stream.QueryWithRecovery(ctx, db, env, sql, params, queryID, cfg)
	r.mgr.RecordQueryStats(env, time.Since(start), err != nil)
	if err != nil {
		if srverr.From(err).Kind == srverr.KindConnection {
			r.mgr.NoteConnectionFailure(env)
		}
		return nil, err
	}
	return chunks, nil
}

// ExecuteMultiEnvStreaming streams one statement across several
// environments and merges the per-environment chunk streams into aligned
// frames. Environments that fail contribute to the terminal frame's
// failure map instead of aborting the call; even total failure merges into
// a single terminal frame.
func (r *Router) ExecuteMultiEnvStreaming(ctx context.Context, envs []string, sql string, params []any, chunkSize int) ([]*stream.MergedChunk, error) {
	if err := r.validateNamed(envs); err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		envs = r.reg.ListEnabled()
	}
	if err := query.Validate(sql); err != nil {
		return nil, err
	}

	cfg := r.streamCfg
	if chunkSize > 0 {
		cfg.ChunkSize = chunkSize
	}
	queryID := uuid.New().String()

	var (
		mu       sync.Mutex
		results  = make(map[string][]*stream.Chunk, len(envs))
		failures = make(map[string]string)
		wg       sync.WaitGroup
	)
	for _, env := range envs {
		wg.Add(1)
		go func(env string) {
			defer wg.Done()
			chunks, err := r.streamOne(ctx, env, sql, params, queryID, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[env] = srverr.From(err).UserMessage()
				return
			}
			results[env] = chunks
		}(env)
	}
	wg.Wait()

	// Total failure still merges into a single terminal frame carrying the
	// failure map, so streaming consumers see one consistent shape.
	return stream.Merge(queryID, results, failures), nil
}

func (r *Router) streamOne(ctx context.Context, env, sql string, params []any, queryID string, cfg stream.Config) ([]*stream.Chunk, error) {
	if _, err := r.reg.Get(env); err != nil {
		return nil, err
	}
	db, err := r.mgr.Conn(ctx, env)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryCfg.TimeoutDuration())
	defer cancel()
	start := time.Now()
	chunks, err := stream.QueryWithRecovery(ctx, db, env, sql, params, queryID, cfg)
	r.mgr.RecordQueryStats(env, time.Since(start), err != nil)
	if err != nil && srverr.From(err).Kind == srverr.KindConnection {
		r.mgr.NoteConnectionFailure(env)
	}
	return chunks, err
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedErrKeys(m map[string]*srverr.Error) []string {
	if len(m) == 0 {
		return nil
	}
	return sortedKeys(m)
}
