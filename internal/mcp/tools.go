package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/zot/livequery/internal/function"
)

// readTimeout bounds get_observable and call_function.
const readTimeout = 30 * time.Second

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_functions",
		mcp.WithDescription("List installed functions with their idle counters and live observable counts"),
	), s.listFunctions)

	s.mcp.AddTool(mcp.NewTool("list_observables",
		mcp.WithDescription("List live observables with subscriber counts and current checksums"),
	), s.listObservables)

	s.mcp.AddTool(mcp.NewTool("call_function",
		mcp.WithDescription("Call a plain function and return its JSON result"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Function name")),
		mcp.WithObject("payload", mcp.Description("JSON payload passed to the function")),
	), s.callFunction)

	s.mcp.AddTool(mcp.NewTool("get_observable",
		mcp.WithDescription("Read the current value of an observable query, computing it if needed"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Observable function name")),
		mcp.WithObject("payload", mcp.Description("JSON payload identifying the query")),
	), s.getObservable)

	s.mcp.AddTool(mcp.NewTool("remove_function",
		mcp.WithDescription("Evict a function now; subscribers of its observables are told they were dropped"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Function name")),
	), s.removeFunction)
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// payload reads the optional payload argument as JSON.
func payload(req mcp.CallToolRequest) (json.RawMessage, error) {
	v, ok := req.GetArguments()["payload"]
	if !ok || v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Server) listFunctions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.functions.List())
}

func (s *Server) listObservables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.observables.List())
}

func (s *Server) callFunction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := payload(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	spec, err := s.functions.Get(ctx, name)
	if errors.Is(err, function.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("function %q not found", name)), nil
	} else if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := spec.Invoke(ctx, function.Request{Name: name, Payload: p, ConnID: "mcp"})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if out == nil {
		out = json.RawMessage("null")
	}
	s.config.Log(2, "MCP call_function %s", name)
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getObservable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := payload(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	snap, err := s.observables.Read(ctx, name, p)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(struct {
		Checksum uint64          `json:"checksum"`
		Value    json.RawMessage `json:"value"`
	}{snap.Checksum, snap.Value})
}

func (s *Server) removeFunction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.functions.Remove(name) {
		return mcp.NewToolResultError(fmt.Sprintf("function %q is not installed", name)), nil
	}
	s.config.Log(1, "MCP removed function %s", name)
	return mcp.NewToolResultText(fmt.Sprintf("removed %s", name)), nil
}
