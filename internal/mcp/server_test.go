package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/observable"
)

type fakeFunctions struct {
	specs   map[string]*function.Spec
	removed []string
}

func (f *fakeFunctions) List() []function.Info {
	var out []function.Info
	for name, s := range f.specs {
		out = append(out, function.Info{Name: name, Observable: s.Observable})
	}
	return out
}

func (f *fakeFunctions) Get(ctx context.Context, name string) (*function.Spec, error) {
	if s, ok := f.specs[name]; ok {
		return s, nil
	}
	return nil, function.ErrNotFound
}

func (f *fakeFunctions) Remove(name string) bool {
	if _, ok := f.specs[name]; !ok {
		return false
	}
	delete(f.specs, name)
	f.removed = append(f.removed, name)
	return true
}

type fakeObservables struct {
	reads []string
}

func (o *fakeObservables) List() []observable.Info {
	return []observable.Info{{ID: 7, Name: "feed", Subscribers: 2, Checksum: 99}}
}

func (o *fakeObservables) Read(ctx context.Context, name string, payload json.RawMessage) (observable.Snapshot, error) {
	o.reads = append(o.reads, name+" "+string(payload))
	return observable.Snapshot{Value: json.RawMessage(`{"n":1}`), Checksum: 42}, nil
}

func newTestServer() (*Server, *fakeFunctions, *fakeObservables) {
	fns := &fakeFunctions{specs: map[string]*function.Spec{
		"echo": {Name: "echo", Call: func(ctx context.Context, req function.Request) (any, error) {
			return req.Payload, nil
		}},
		"nothing": {Name: "nothing", Call: func(ctx context.Context, req function.Request) (any, error) {
			return nil, nil
		}},
		"feed": {Name: "feed", Observable: true},
	}}
	obs := &fakeObservables{}
	return NewServer(config.DefaultConfig(), "test", fns, obs), fns, obs
}

func request(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func TestListFunctions(t *testing.T) {
	s, _, _ := newTestServer()
	res, err := s.listFunctions(context.Background(), request("list_functions", nil))
	require.NoError(t, err)

	var infos []function.Info
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &infos))
	assert.Len(t, infos, 3)
}

func TestListObservables(t *testing.T) {
	s, _, _ := newTestServer()
	res, err := s.listObservables(context.Background(), request("list_observables", nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"subscribers": 2`)
}

func TestCallFunction(t *testing.T) {
	s, _, _ := newTestServer()

	t.Run("echo", func(t *testing.T) {
		res, err := s.callFunction(context.Background(), request("call_function", map[string]any{
			"name":    "echo",
			"payload": map[string]any{"x": 1},
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.JSONEq(t, `{"x":1}`, text(t, res))
	})

	t.Run("nil result", func(t *testing.T) {
		res, err := s.callFunction(context.Background(), request("call_function", map[string]any{"name": "nothing"}))
		require.NoError(t, err)
		assert.Equal(t, "null", text(t, res))
	})

	t.Run("missing", func(t *testing.T) {
		res, err := s.callFunction(context.Background(), request("call_function", map[string]any{"name": "nope"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, text(t, res), "not found")
	})

	t.Run("observable", func(t *testing.T) {
		res, err := s.callFunction(context.Background(), request("call_function", map[string]any{"name": "feed"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("no name", func(t *testing.T) {
		res, err := s.callFunction(context.Background(), request("call_function", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestGetObservable(t *testing.T) {
	s, _, obs := newTestServer()
	res, err := s.getObservable(context.Background(), request("get_observable", map[string]any{
		"name":    "feed",
		"payload": map[string]any{"room": "a"},
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"checksum":42,"value":{"n":1}}`, text(t, res))
	assert.Equal(t, []string{`feed {"room":"a"}`}, obs.reads)
}

func TestRemoveFunction(t *testing.T) {
	s, fns, _ := newTestServer()
	res, err := s.removeFunction(context.Background(), request("remove_function", map[string]any{"name": "echo"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"echo"}, fns.removed)

	res, err = s.removeFunction(context.Background(), request("remove_function", map[string]any{"name": "echo"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestResourceContents(t *testing.T) {
	contents, err := jsonContents(functionsURI, []string{"a"})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, `["a"]`, tc.Text)
	assert.Equal(t, "application/json", tc.MIMEType)
}
