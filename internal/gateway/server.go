// Package gateway exposes the manifold query router over the Model
// Context Protocol. Every tool is read-only; the gateway never offers a
// mutation surface.
package gateway

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/manifolddb/manifold/internal/environment"
	"github.com/manifolddb/manifold/internal/pool"
	"github.com/manifolddb/manifold/internal/router"
)

// Gateway wraps the mcp-go server with manifold's tool and resource
// registrations. It exposes the configured environments as MCP tools so AI
// agents can query and compare databases across environments.
type Gateway struct {
	router  *router.Router
	mgr     *pool.Manager
	reg     *environment.Registry
	monitor *pool.Monitor
	logger  *slog.Logger
	server  *server.MCPServer
}

// New creates a Gateway pre-loaded with all manifold tools and resources.
// The returned gateway is ready to serve over stdio or HTTP.
func New(rt *router.Router, mgr *pool.Manager, reg *environment.Registry, monitor *pool.Monitor, logger *slog.Logger) *Gateway {
	g := &Gateway{
		router:  rt,
		mgr:     mgr,
		reg:     reg,
		monitor: monitor,
		logger:  logger,
	}

	srv := server.NewMCPServer(
		"Manifold Database Gateway",
		"0.1.0",
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	g.registerTools(srv)
	g.registerResources(srv)

	g.server = srv
	return g
}

// Server returns the underlying mcp-go server. Useful for tests.
func (g *Gateway) Server() *server.MCPServer {
	return g.server
}

// ServeStdio starts the gateway in stdio mode, the primary integration
// path for MCP clients that launch the server as a subprocess.
func (g *Gateway) ServeStdio() error {
	g.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(g.server)
}

// ServeHTTP starts the gateway in Streamable HTTP mode on addr.
func (g *Gateway) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(g.server)
	g.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
