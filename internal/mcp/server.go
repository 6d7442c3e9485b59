// Package mcp exposes the running server to Model Context Protocol clients:
// tools to inspect and drive functions and observables, and read-only
// resources listing both.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/server"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/observable"
)

// Functions is the view of the function registry the tools use.
type Functions interface {
	List() []function.Info
	Get(ctx context.Context, name string) (*function.Spec, error)
	Remove(name string) bool
}

// Observables is the view of the observable registry the tools use.
type Observables interface {
	List() []observable.Info
	Read(ctx context.Context, name string, payload json.RawMessage) (observable.Snapshot, error)
}

// Server is the MCP surface.
type Server struct {
	config      *config.Config
	functions   Functions
	observables Observables
	mcp         *server.MCPServer
}

// NewServer builds the MCP server and registers its tools and resources.
func NewServer(cfg *config.Config, version string, functions Functions, observables Observables) *Server {
	s := &Server{
		config:      cfg,
		functions:   functions,
		observables: observables,
		mcp: server.NewMCPServer("livequery", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio serves MCP over stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.config.Log(0, "MCP server on stdio")
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}
