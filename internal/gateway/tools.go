package gateway

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/manifolddb/manifold/internal/srverr"
)

const (
	defaultChunkSize = 100
	maxChunkSize     = 10000
)

// registerTools registers all manifold MCP tools on the given server.
func (g *Gateway) registerTools(srv *server.MCPServer) {

	// ----- Query tools -----

	srv.AddTool(
		mcp.NewTool("execute_query",
			mcp.WithDescription(
				"Execute a read-only SQL query (SELECT, SHOW, DESCRIBE, EXPLAIN) against "+
					"one database environment. Omit the environment to use the default. "+
					"Returns columns, rows, and execution time as JSON.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("The read-only SQL statement to execute"),
			),
			mcp.WithString("environment",
				mcp.Description("Environment name. Omit for the default environment."),
			),
			mcp.WithArray("params",
				mcp.Description("Positional parameters for ? placeholders in the SQL"),
			),
			mcp.WithBoolean("stream_results",
				mcp.Description("Return the result as chunks instead of one materialized result (default false)"),
			),
		),
		g.handleExecuteQuery,
	)

	srv.AddTool(
		mcp.NewTool("execute_query_multi_env",
			mcp.WithDescription(
				"Execute a read-only SQL query across several environments in parallel. "+
					"Omit environments to target every enabled environment. Partial "+
					"failures are reported per environment; the call fails only when no "+
					"environment succeeds. Set compare to get a schema, row-count, and "+
					"order-insensitive data comparison against the first environment.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("The read-only SQL statement to execute"),
			),
			mcp.WithArray("environments",
				mcp.Description("Environment names to target. Omit for all enabled environments."),
				mcp.WithStringItems(),
			),
			mcp.WithArray("params",
				mcp.Description("Positional parameters for ? placeholders in the SQL"),
			),
			mcp.WithBoolean("compare",
				mcp.Description("Compare results across environments (default false)"),
			),
		),
		g.handleExecuteQueryMultiEnv,
	)

	srv.AddTool(
		mcp.NewTool("execute_streaming_query",
			mcp.WithDescription(
				"Execute a read-only SQL query and return the result in chunks. Chunk "+
					"ids start at 0 and exactly one chunk is marked final. Use for large "+
					"results that should not be materialized in one response.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("The read-only SQL statement to execute"),
			),
			mcp.WithString("environment",
				mcp.Description("Environment name. Omit for the default environment."),
			),
			mcp.WithArray("params",
				mcp.Description("Positional parameters for ? placeholders in the SQL"),
			),
			mcp.WithNumber("chunk_size",
				mcp.Description("Rows per chunk (default 100, max 10000)"),
			),
		),
		g.handleExecuteStreamingQuery,
	)

	srv.AddTool(
		mcp.NewTool("execute_streaming_query_multi_env",
			mcp.WithDescription(
				"Execute a read-only SQL query across several environments and return "+
					"the chunk streams merged into index-aligned frames. The terminal "+
					"frame lists which environments completed and which failed.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("sql",
				mcp.Required(),
				mcp.Description("The read-only SQL statement to execute"),
			),
			mcp.WithArray("environments",
				mcp.Description("Environment names to target. Omit for all enabled environments."),
				mcp.WithStringItems(),
			),
			mcp.WithArray("params",
				mcp.Description("Positional parameters for ? placeholders in the SQL"),
			),
			mcp.WithNumber("chunk_size",
				mcp.Description("Rows per chunk (default 100, max 10000)"),
			),
		),
		g.handleExecuteStreamingQueryMultiEnv,
	)

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("list_environments",
			mcp.WithDescription(
				"List all configured database environments with their status "+
					"(enabled, disabled, or invalid), driver, masked connection URL, and "+
					"pool size. Use this first to discover what can be queried.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithBoolean("include_disabled",
				mcp.Description("Include disabled and invalid environments (default true)"),
			),
		),
		g.handleListEnvironments,
	)

	srv.AddTool(
		mcp.NewTool("list_databases",
			mcp.WithDescription(
				"List the databases visible to an environment's credentials.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("environment",
				mcp.Description("Environment name. Omit for the default environment."),
			),
		),
		g.handleListDatabases,
	)

	srv.AddTool(
		mcp.NewTool("list_tables",
			mcp.WithDescription(
				"List the base tables of an environment's configured database.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("environment",
				mcp.Description("Environment name. Omit for the default environment."),
			),
		),
		g.handleListTables,
	)

	srv.AddTool(
		mcp.NewTool("describe_table",
			mcp.WithDescription(
				"List a table's columns with their types and nullability, in ordinal order.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("table",
				mcp.Required(),
				mcp.Description("Name of the table to describe"),
			),
			mcp.WithString("environment",
				mcp.Description("Environment name. Omit for the default environment."),
			),
		),
		g.handleDescribeTable,
	)

	srv.AddTool(
		mcp.NewTool("compare_schema",
			mcp.WithDescription(
				"Compare one table's schema across environments. Each environment is "+
					"measured against the first; differences in columns, types, and "+
					"nullability are reported per environment.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("table",
				mcp.Required(),
				mcp.Description("Name of the table to compare"),
			),
			mcp.WithArray("environments",
				mcp.Description("Environment names to compare. Omit for all enabled environments."),
				mcp.WithStringItems(),
			),
		),
		g.handleCompareSchema,
	)

	// ----- Health and operations tools -----

	srv.AddTool(
		mcp.NewTool("health_check",
			mcp.WithDescription(
				"Check the health of one environment, or of every environment when "+
					"none is named. Set comprehensive for server version, current "+
					"database, user, and table count in addition to the liveness check.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("environment",
				mcp.Description("Environment name. Omit to check every environment."),
			),
			mcp.WithBoolean("comprehensive",
				mcp.Description("Run the extended identity and schema probes (default false)"),
			),
		),
		g.handleHealthCheck,
	)

	srv.AddTool(
		mcp.NewTool("test_connection",
			mcp.WithDescription(
				"Open a fresh connection to an environment outside the managed pool "+
					"and report round-trip latency and server version. The pool is "+
					"untouched.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("environment",
				mcp.Required(),
				mcp.Description("Environment name to test"),
			),
		),
		g.handleTestConnection,
	)

	srv.AddTool(
		mcp.NewTool("reconnect_environment",
			mcp.WithDescription(
				"Attempt to reconnect an unhealthy environment. Attempts are "+
					"throttled by exponential backoff; the error says when the next "+
					"attempt is allowed.",
			),
			mcp.WithString("environment",
				mcp.Required(),
				mcp.Description("Environment name to reconnect"),
			),
		),
		g.handleReconnectEnvironment,
	)

	srv.AddTool(
		mcp.NewTool("get_pool_statistics",
			mcp.WithDescription(
				"Report every environment's pool: health, connections in use and "+
					"idle, and cumulative query statistics including average latency.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("environment",
				mcp.Description("Environment name. Omit to report every environment."),
			),
		),
		g.handlePoolStatistics,
	)

	srv.AddTool(
		mcp.NewTool("get_monitoring_report",
			mcp.WithDescription(
				"Report the background health monitor: current health of every "+
					"environment plus recent health-state transition alerts.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		g.handleMonitoringReport,
	)
}

func (g *Gateway) handleExecuteQuery(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	sql, err := requireString(request, "sql")
	if err != nil {
		return toolError("%v", err)
	}
	env := optionalString(request, "environment")
	params := optionalAnySlice(request, "params")

	if optionalBool(request, "stream_results", false) {
		chunks, err := g.router.ExecuteStreamingQuery(ctx, env, sql, params, defaultChunkSize)
		if err != nil {
			return toolError("Query failed: %v", srverr.From(err).UserMessage())
		}
		return successJSON(chunks)
	}

	result, err := g.router.ExecuteQuery(ctx, env, sql, params)
	if err != nil {
		return toolError("Query failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(result)
}

func (g *Gateway) handleExecuteQueryMultiEnv(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	sql, err := requireString(request, "sql")
	if err != nil {
		return toolError("%v", err)
	}
	envs := optionalStringSlice(request, "environments")
	params := optionalAnySlice(request, "params")
	compare := optionalBool(request, "compare", false)

	result, err := g.router.ExecuteMultiEnv(ctx, envs, sql, params, compare)
	if err != nil {
		return toolError("Multi-environment query failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(result)
}

func (g *Gateway) handleExecuteStreamingQuery(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	sql, err := requireString(request, "sql")
	if err != nil {
		return toolError("%v", err)
	}
	env := optionalString(request, "environment")
	params := optionalAnySlice(request, "params")
	chunkSize := clamp(optionalInt(request, "chunk_size", defaultChunkSize), 1, maxChunkSize)

	chunks, err := g.router.ExecuteStreamingQuery(ctx, env, sql, params, chunkSize)
	if err != nil {
		return toolError("Streaming query failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(chunks)
}

func (g *Gateway) handleExecuteStreamingQueryMultiEnv(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	sql, err := requireString(request, "sql")
	if err != nil {
		return toolError("%v", err)
	}
	envs := optionalStringSlice(request, "environments")
	params := optionalAnySlice(request, "params")
	chunkSize := clamp(optionalInt(request, "chunk_size", defaultChunkSize), 1, maxChunkSize)

	frames, err := g.router.ExecuteMultiEnvStreaming(ctx, envs, sql, params, chunkSize)
	if err != nil {
		return toolError("Streaming query failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(frames)
}

func (g *Gateway) handleListEnvironments(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	type report struct {
		Default      string             `json:"default"`
		LegacyMode   bool               `json:"legacy_mode,omitempty"`
		Environments []environmentEntry `json:"environments"`
	}
	includeDisabled := optionalBool(request, "include_disabled", true)
	statuses := g.reg.StatusReport()
	entries := make([]environmentEntry, 0, len(statuses))
	for _, s := range statuses {
		if !includeDisabled && s.Status != "enabled" {
			continue
		}
		entries = append(entries, environmentEntry{
			Name:               s.Name,
			Description:        s.Description,
			Status:             s.Status,
			Reason:             s.Reason,
			Driver:             s.Driver,
			URL:                s.URL,
			PasswordConfigured: s.PasswordConfigured,
			MaxConnections:     s.MaxConnections,
			Health:             g.mgr.Health(s.Name).String(),
		})
	}
	return successJSON(report{
		Default:      g.reg.Default(),
		LegacyMode:   g.reg.LegacyMode(),
		Environments: entries,
	})
}

type environmentEntry struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Status             string `json:"status"`
	Reason             string `json:"reason,omitempty"`
	Driver             string `json:"driver"`
	URL                string `json:"url"`
	PasswordConfigured bool   `json:"password_configured"`
	MaxConnections     int    `json:"max_connections"`
	Health             string `json:"health"`
}

func (g *Gateway) handleListDatabases(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	env := optionalString(request, "environment")
	names, err := g.router.ListDatabases(ctx, env)
	if err != nil {
		return toolError("Failed to list databases: %v", srverr.From(err).UserMessage())
	}
	return successJSON(names)
}

func (g *Gateway) handleListTables(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	env := optionalString(request, "environment")
	names, err := g.router.ListTables(ctx, env)
	if err != nil {
		return toolError("Failed to list tables: %v", srverr.From(err).UserMessage())
	}
	return successJSON(names)
}

func (g *Gateway) handleDescribeTable(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	table, err := requireString(request, "table")
	if err != nil {
		return toolError("%v", err)
	}
	env := optionalString(request, "environment")

	cols, err := g.router.DescribeTable(ctx, env, table)
	if err != nil {
		return toolError("Failed to describe table: %v", srverr.From(err).UserMessage())
	}
	return successJSON(cols)
}

func (g *Gateway) handleCompareSchema(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	table, err := requireString(request, "table")
	if err != nil {
		return toolError("%v", err)
	}
	envs := optionalStringSlice(request, "environments")

	cmp, err := g.router.CompareTableSchema(ctx, envs, table)
	if err != nil {
		return toolError("Schema comparison failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(cmp)
}

func (g *Gateway) handleHealthCheck(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	env := optionalString(request, "environment")
	comprehensive := optionalBool(request, "comprehensive", false)

	if env == "" {
		return successJSON(g.mgr.HealthCheckAll(ctx))
	}
	if comprehensive {
		report, err := g.mgr.ComprehensiveHealthCheck(ctx, env)
		if err != nil {
			return toolError("Health check failed: %v", srverr.From(err).UserMessage())
		}
		return successJSON(report)
	}
	report, err := g.mgr.HealthCheck(ctx, env)
	if err != nil {
		return toolError("Health check failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(report)
}

func (g *Gateway) handleTestConnection(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	env, err := requireString(request, "environment")
	if err != nil {
		return toolError("%v. Available environments: %v", err, g.reg.ListEnabled())
	}
	test, err := g.mgr.TestConnection(ctx, env)
	if err != nil {
		return toolError("Connection test failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(test)
}

func (g *Gateway) handleReconnectEnvironment(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	env, err := requireString(request, "environment")
	if err != nil {
		return toolError("%v. Available environments: %v", err, g.reg.ListEnabled())
	}
	if err := g.mgr.Reconnect(ctx, env); err != nil {
		return toolError("Reconnection failed: %v", srverr.From(err).UserMessage())
	}
	return successJSON(map[string]string{
		"environment": env,
		"health":      g.mgr.Health(env).String(),
	})
}

func (g *Gateway) handlePoolStatistics(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	stats := g.mgr.Statistics()
	if env := optionalString(request, "environment"); env != "" {
		for _, s := range stats {
			if s.Environment == env {
				return successJSON(s)
			}
		}
		return toolError("unknown environment %q. Available: %v", env, g.reg.ListEnabled())
	}
	return successJSON(stats)
}

func (g *Gateway) handleMonitoringReport(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	return successJSON(g.monitor.Report(ctx))
}
