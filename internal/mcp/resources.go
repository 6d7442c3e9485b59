package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	functionsURI   = "livequery://functions"
	observablesURI = "livequery://observables"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(functionsURI, "Functions",
		mcp.WithResourceDescription("Installed functions"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonContents(functionsURI, s.functions.List())
	})
	s.mcp.AddResource(mcp.NewResource(observablesURI, "Observables",
		mcp.WithResourceDescription("Live observables"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonContents(observablesURI, s.observables.List())
	})
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(b)},
	}, nil
}
