package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/server"
	"go.uber.org/zap/zaptest"
)

func execute(t *testing.T, hooks *Hooks, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(hooks, &out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func testServer(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Functions.Dir = ""
	cfg.Connection.PingInterval = 0
	echo := &function.Spec{
		Name: "echo",
		Call: func(ctx context.Context, req function.Request) (any, error) {
			return req.Payload, nil
		},
	}
	clock := &function.Spec{
		Name:       "clock",
		Observable: true,
		Observe: func(ctx context.Context, req function.Request, sink function.Sink) (func(), error) {
			sink.Update(map[string]any{"tick": 1})
			return nil, nil
		},
	}
	s, err := server.New(cfg, zaptest.NewLogger(t), server.Options{Installer: function.NewStatic(echo, clock)})
	require.NoError(t, err)
	s.StartBackground(context.Background())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.WebSocketPath
}

func TestVersion(t *testing.T) {
	out, err := execute(t, &Hooks{CustomVersion: func() string { return "extra" }}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
	assert.Contains(t, out, "extra")
}

func TestHookCommands(t *testing.T) {
	hooks := &Hooks{Commands: func() []*cobra.Command {
		return []*cobra.Command{{
			Use: "hello",
			Run: func(cmd *cobra.Command, args []string) { cmd.OutOrStdout().Write([]byte("hi\n")) },
		}}
	}}
	out, err := execute(t, hooks, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
}

func TestCallCommand(t *testing.T) {
	url := testServer(t)
	out, err := execute(t, nil, "call", "echo", `{"x":1}`, "--url", url, "--timeout", "3s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, strings.TrimSpace(out))

	_, err = execute(t, nil, "call", "echo", `{bad`, "--url", url)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestGetAndObserveCommands(t *testing.T) {
	url := testServer(t)
	out, err := execute(t, nil, "get", "clock", "--url", url, "--timeout", "3s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tick":1}`, strings.TrimSpace(out))

	out, err = execute(t, nil, "observe", "clock", "--url", url, "--count", "1", "--timeout", "3s")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tick":1}`, strings.TrimSpace(out))
}

func TestServeRejectsBadConfig(t *testing.T) {
	_, err := execute(t, nil, "serve", "--backpressure", "drop", "--config", "")
	assert.ErrorContains(t, err, "backpressure")
}
