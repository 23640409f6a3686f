package router

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/manifolddb/manifold/internal/config"
	"github.com/manifolddb/manifold/internal/environment"
	"github.com/manifolddb/manifold/internal/pool"
	"github.com/manifolddb/manifold/internal/srverr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRouter builds a router over file-backed sqlite environments, one
// per seed entry, seeded with the given statements. Environments are
// registered in name order, so the first name is the default. A nil seed
// list registers the environment with an unreachable database path, for
// exercising failure handling against a configured but dead environment.
func newTestRouter(t *testing.T, seeds map[string][]string) (*Router, *pool.Manager) {
	t.Helper()
	dir := t.TempDir()

	names := make([]string, 0, len(seeds))
	for name := range seeds {
		names = append(names, name)
	}
	sort.Strings(names)

	envs := make([]config.EnvironmentConfig, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name+".db")
		if seeds[name] == nil {
			path = filepath.Join(dir, "missing", name+".db")
		} else {
			db, err := sqlx.Open("sqlite", path)
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			for _, stmt := range seeds[name] {
				if _, err := db.Exec(stmt); err != nil {
					t.Fatalf("seed %s: %v", name, err)
				}
			}
			db.Close()
		}
		envs = append(envs, config.EnvironmentConfig{
			Name:     name,
			Driver:   config.DriverSQLite,
			Database: config.DatabaseConfig{Path: path},
			Pool:     config.PoolConfig{MaxConnections: 4, MinConnections: 1},
		})
	}

	reg, err := environment.NewRegistry(&config.Config{
		DefaultEnvironment: names[0],
		Environments:       envs,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mgr, err := pool.NewManager(reg, discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Shutdown)

	cfg := config.QueryConfig{Timeout: "30s", MaxRows: 10000, ChunkSize: 100}
	return New(mgr, reg, cfg, discardLogger()), mgr
}

var usersSeed = []string{
	"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)",
	"INSERT INTO users VALUES (1, 'alice'), (2, 'bob'), (3, 'carol')",
}

func TestExecuteQuery(t *testing.T) {
	r, mgr := newTestRouter(t, map[string][]string{"dev": usersSeed})

	t.Run("named environment", func(t *testing.T) {
		res, err := r.ExecuteQuery(context.Background(), "dev", "SELECT id, name FROM users ORDER BY id", nil)
		if err != nil {
			t.Fatalf("ExecuteQuery: %v", err)
		}
		if res.RowCount != 3 || res.Environment != "dev" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("empty name selects the default", func(t *testing.T) {
		res, err := r.ExecuteQuery(context.Background(), "", "SELECT COUNT(*) FROM users", nil)
		if err != nil {
			t.Fatalf("ExecuteQuery: %v", err)
		}
		if res.Environment != "dev" {
			t.Errorf("Environment = %q", res.Environment)
		}
	})

	t.Run("stats recorded", func(t *testing.T) {
		stats := mgr.Statistics()[0].Queries
		if stats.TotalQueries == 0 {
			t.Error("query stats not recorded")
		}
	})

	t.Run("unknown environment", func(t *testing.T) {
		_, err := r.ExecuteQuery(context.Background(), "nowhere", "SELECT 1", nil)
		if e := srverr.From(err); e == nil || e.Kind != srverr.KindEnvironment {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("writes rejected and counted as failures", func(t *testing.T) {
		before := mgr.Statistics()[0].Queries.FailedQueries
		if _, err := r.ExecuteQuery(context.Background(), "dev", "DELETE FROM users", nil); err == nil {
			t.Fatal("expected validation error")
		}
		after := mgr.Statistics()[0].Queries.FailedQueries
		if after != before+1 {
			t.Errorf("FailedQueries = %d, want %d", after, before+1)
		}
	})
}

func TestExecuteMultiEnv(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{
		"a-staging": usersSeed,
		"b-prod":    usersSeed,
	})

	res, err := r.ExecuteMultiEnv(context.Background(), nil, "SELECT id, name FROM users ORDER BY id", nil, true)
	if err != nil {
		t.Fatalf("ExecuteMultiEnv: %v", err)
	}
	if res.RequestID == "" {
		t.Error("RequestID empty")
	}
	if len(res.Results) != 2 || len(res.Succeeded) != 2 {
		t.Fatalf("results = %v, succeeded = %v", len(res.Results), res.Succeeded)
	}
	if res.Failed != nil || res.Errors != nil {
		t.Errorf("unexpected failures: %v %v", res.Failed, res.Errors)
	}
	cmp := res.Comparison
	if cmp == nil {
		t.Fatal("comparison missing")
	}
	if cmp.Baseline != "a-staging" {
		t.Errorf("Baseline = %q", cmp.Baseline)
	}
	if !cmp.SchemaMatch || !cmp.RowCountMatch || !cmp.DataCompared || !cmp.DataMatch {
		t.Errorf("comparison = %+v", cmp)
	}
}

func TestExecuteMultiEnvDataDrift(t *testing.T) {
	drifted := []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)",
		"INSERT INTO users VALUES (1, 'alice'), (2, 'bob'), (4, 'dave')",
	}
	r, _ := newTestRouter(t, map[string][]string{
		"a-staging": usersSeed,
		"b-prod":    drifted,
	})

	res, err := r.ExecuteMultiEnv(context.Background(), nil, "SELECT id, name FROM users", nil, true)
	if err != nil {
		t.Fatalf("ExecuteMultiEnv: %v", err)
	}
	cmp := res.Comparison
	if !cmp.SchemaMatch {
		t.Fatalf("SchemaMatch = false: %+v", cmp.SchemaDiffs)
	}
	if !cmp.RowCountMatch {
		t.Error("RowCountMatch should hold, both have 3 rows")
	}
	if cmp.DataMatch {
		t.Fatal("DataMatch = true for drifted data")
	}
	diff := cmp.DataDiffs["b-prod"]
	if diff.MissingFromEnvironment != 1 || diff.ExtraInEnvironment != 1 {
		t.Errorf("diff = %+v", diff)
	}
}

func TestExecuteMultiEnvOrderInsensitive(t *testing.T) {
	reversed := []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)",
		"INSERT INTO users VALUES (3, 'carol'), (2, 'bob'), (1, 'alice')",
	}
	r, _ := newTestRouter(t, map[string][]string{
		"a-staging": usersSeed,
		"b-prod":    reversed,
	})

	res, err := r.ExecuteMultiEnv(context.Background(), nil, "SELECT id, name FROM users", nil, true)
	if err != nil {
		t.Fatalf("ExecuteMultiEnv: %v", err)
	}
	if !res.Comparison.DataMatch {
		t.Errorf("row order should not affect comparison: %+v", res.Comparison)
	}
}

func TestExecuteMultiEnvSchemaDrift(t *testing.T) {
	altered := []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, full_name TEXT)",
		"INSERT INTO users VALUES (1, 'alice')",
	}
	r, _ := newTestRouter(t, map[string][]string{
		"a-staging": usersSeed,
		"b-prod":    altered,
	})

	res, err := r.ExecuteMultiEnv(context.Background(), nil, "SELECT * FROM users", nil, true)
	if err != nil {
		t.Fatalf("ExecuteMultiEnv: %v", err)
	}
	cmp := res.Comparison
	if cmp.SchemaMatch {
		t.Fatal("SchemaMatch = true across drifted schemas")
	}
	if len(cmp.SchemaDiffs["b-prod"]) == 0 {
		t.Errorf("SchemaDiffs = %+v", cmp.SchemaDiffs)
	}
	if cmp.DataCompared {
		t.Error("data must not be compared when schemas differ")
	}
}

func TestExecuteMultiEnvPartialFailure(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{
		"a-dev":   usersSeed,
		"b-flaky": nil,
	})

	res, err := r.ExecuteMultiEnv(context.Background(), []string{"a-dev", "b-flaky"}, "SELECT 1", nil, true)
	if err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "a-dev" {
		t.Errorf("Succeeded = %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "b-flaky" {
		t.Errorf("Failed = %v", res.Failed)
	}
	if res.Errors["b-flaky"] == "" {
		t.Error("missing error message for failed environment")
	}

	sum := res.Summary
	if sum.TotalEnvironments != 2 || sum.SuccessfulExecutions != 1 || sum.FailedExecutions != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.TotalTimeMS < 0 || sum.AvgTimeMS < 0 || sum.AvgTimeMS > sum.TotalTimeMS {
		t.Errorf("summary timing = %+v", sum)
	}

	if res.Comparison == nil {
		t.Fatal("comparison missing")
	}
	if res.Comparison.Errors["b-flaky"] == "" {
		t.Errorf("comparison hides the dead environment: %+v", res.Comparison)
	}
}

func TestExecuteMultiEnvUnknownEnvironment(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{"dev": usersSeed})

	_, err := r.ExecuteMultiEnv(context.Background(), []string{"dev", "nowhere"}, "SELECT 1", nil, false)
	if e := srverr.From(err); e == nil || e.Kind != srverr.KindEnvironment {
		t.Fatalf("expected environment error for unknown name, got %v", err)
	}

	_, err = r.ExecuteMultiEnvStreaming(context.Background(), []string{"nowhere"}, "SELECT 1", nil, 0)
	if e := srverr.From(err); e == nil || e.Kind != srverr.KindEnvironment {
		t.Fatalf("expected environment error for unknown name, got %v", err)
	}
}

func TestExecuteMultiEnvTotalFailure(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{
		"a-dev":   usersSeed,
		"b-flaky": nil,
		"c-flaky": nil,
	})

	_, err := r.ExecuteMultiEnv(context.Background(), []string{"b-flaky", "c-flaky"}, "SELECT 1", nil, false)
	if err == nil {
		t.Fatal("expected error when every environment fails")
	}
	e := srverr.From(err)
	if e.Kind != srverr.KindMultiEnvironment || e.PartialSuccess {
		t.Errorf("err = %+v", e)
	}
	if len(e.EnvErrors) != 2 {
		t.Errorf("EnvErrors = %v", e.EnvErrors)
	}
}

func TestExecuteMultiEnvSummaryAllSucceed(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{
		"a-staging": usersSeed,
		"b-prod":    usersSeed,
	})

	res, err := r.ExecuteMultiEnv(context.Background(), nil, "SELECT COUNT(*) FROM users", nil, false)
	if err != nil {
		t.Fatalf("ExecuteMultiEnv: %v", err)
	}
	sum := res.Summary
	if sum.TotalEnvironments != 2 || sum.SuccessfulExecutions != 2 || sum.FailedExecutions != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestExecuteStreamingQuery(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{"dev": usersSeed})

	chunks, err := r.ExecuteStreamingQuery(context.Background(), "dev", "SELECT id FROM users ORDER BY id", nil, 2)
	if err != nil {
		t.Fatalf("ExecuteStreamingQuery: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].RowCount != 2 || chunks[1].RowCount != 1 || !chunks[1].IsFinal {
		t.Errorf("chunks = %+v, %+v", chunks[0], chunks[1])
	}
	if chunks[0].QueryID == "" || chunks[0].QueryID != chunks[1].QueryID {
		t.Error("chunks do not share a query id")
	}
}

func TestExecuteMultiEnvStreaming(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{
		"a-staging": usersSeed,
		"b-prod":    usersSeed,
		"c-flaky":   nil,
	})

	frames, err := r.ExecuteMultiEnvStreaming(context.Background(), []string{"a-staging", "b-prod", "c-flaky"}, "SELECT id FROM users", nil, 2)
	if err != nil {
		t.Fatalf("ExecuteMultiEnvStreaming: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	last := frames[len(frames)-1]
	if !last.IsFinal {
		t.Fatal("terminal frame not final")
	}
	if len(last.Completed) != 2 {
		t.Errorf("Completed = %v", last.Completed)
	}
	if last.Failed["c-flaky"] == "" {
		t.Errorf("Failed = %v", last.Failed)
	}
}

func TestExecuteMultiEnvStreamingTotalFailure(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{
		"a-dev":   usersSeed,
		"b-flaky": nil,
	})

	frames, err := r.ExecuteMultiEnvStreaming(context.Background(), []string{"b-flaky"}, "SELECT 1", nil, 0)
	if err != nil {
		t.Fatalf("total failure should merge, not error: %v", err)
	}
	if len(frames) != 1 || !frames[0].IsFinal || len(frames[0].Environments) != 0 {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].Failed["b-flaky"] == "" {
		t.Errorf("Failed = %v", frames[0].Failed)
	}
}
