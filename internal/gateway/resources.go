package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (g *Gateway) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			"manifold://environments",
			"Configured Database Environments",
			mcp.WithResourceDescription(
				"All configured database environments with their status, driver, "+
					"masked connection URL, and current pool health.",
			),
			mcp.WithMIMEType("application/json"),
		),
		g.handleEnvironmentsResource,
	)
}

// handleEnvironmentsResource returns the environment status report as JSON.
func (g *Gateway) handleEnvironmentsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	statuses := g.reg.StatusReport()
	entries := make([]environmentEntry, len(statuses))
	for i, s := range statuses {
		entries[i] = environmentEntry{
			Name:               s.Name,
			Description:        s.Description,
			Status:             s.Status,
			Reason:             s.Reason,
			Driver:             s.Driver,
			URL:                s.URL,
			PasswordConfigured: s.PasswordConfigured,
			MaxConnections:     s.MaxConnections,
			Health:             g.mgr.Health(s.Name).String(),
		}
	}

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal environments: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "manifold://environments",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
