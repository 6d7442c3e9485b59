package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"go.uber.org/zap"
)

type chanSink struct {
	values chan any
	errs   chan error
}

func newChanSink() *chanSink {
	return &chanSink{values: make(chan any, 64), errs: make(chan error, 4)}
}

func (s *chanSink) Update(v any) { s.values <- v }
func (s *chanSink) Fail(err error) { s.errs <- err }

func (s *chanSink) next(t *testing.T) any {
	t.Helper()
	select {
	case v := <-s.values:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
		return nil
	}
}

func startWorker(t *testing.T) *Worker {
	t.Helper()
	w := New(0, zap.NewNop())
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

const adder = `
return {
  fn = function(payload, req)
    return { sum = payload.a + payload.b, caller = req.connId }
  end,
}
`

func TestToGoTables(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	require.NoError(t, L.DoString(`v = { list = {1, 2.5, "x"}, flag = true, _hidden = 1, nested = { k = "v" } }`))
	got := ToGo(L.GetGlobal("v"))
	assert.Equal(t, map[string]any{
		"list":   []any{int64(1), 2.5, "x"},
		"flag":   true,
		"nested": map[string]any{"k": "v"},
	}, got)
}

func TestToLuaRoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	in := map[string]any{"a": []any{"x", true}, "b": map[string]any{"c": float64(3)}}
	out := ToGo(ToLua(L, in))
	assert.Equal(t, map[string]any{"a": []any{"x", true}, "b": map[string]any{"c": int64(3)}}, out)
}

func TestInstallAndInvoke(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	info, err := w.Install(ctx, "add", adder)
	require.NoError(t, err)
	assert.False(t, info.Observable)
	assert.False(t, info.HasTimeout)

	out, err := w.Invoke(ctx, function.Request{Name: "add", Payload: json.RawMessage(`{"a":2,"b":3}`), ConnID: "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5,"caller":"c1"}`, string(out))
}

func TestInstallRejectsBadModules(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	_, err := w.Install(ctx, "bad", `return 42`)
	assert.ErrorContains(t, err, "must return a table")
	_, err = w.Install(ctx, "nofn", `return {}`)
	assert.ErrorContains(t, err, "fn function")
	_, err = w.Install(ctx, "syntax", `return {`)
	assert.Error(t, err)
}

func TestInvokeRuntimeError(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	_, err := w.Install(ctx, "boom", `return { fn = function() error("kaboom") end }`)
	require.NoError(t, err)
	_, err = w.Invoke(ctx, function.Request{Name: "boom"})
	assert.ErrorContains(t, err, "kaboom")

	_, err = w.Invoke(ctx, function.Request{Name: "missing"})
	assert.True(t, errors.Is(err, function.ErrNotFound))
}

const ticker = `
return {
  observable = true,
  idleTimeout = 500,
  fn = function(payload, update)
    local n = payload.start
    update({ n = n })
    local h
    h = every(10, function()
      n = n + 1
      update({ n = n })
      if n >= payload.start + 2 then cancel(h) end
    end)
    return function() tick_stopped = (tick_stopped or 0) + 1 end
  end,
}
`

func TestObserveTimersAndTeardown(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	info, err := w.Install(ctx, "tick", ticker)
	require.NoError(t, err)
	assert.True(t, info.Observable)
	assert.Equal(t, 500*time.Millisecond, info.IdleTimeout)

	sink := newChanSink()
	teardown, err := w.Observe(ctx, function.Request{Name: "tick", Payload: json.RawMessage(`{"start":10}`)}, sink)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(10)}, sink.next(t))
	assert.Equal(t, map[string]any{"n": int64(11)}, sink.next(t))
	assert.Equal(t, map[string]any{"n": int64(12)}, sink.next(t))
	select {
	case v := <-sink.values:
		t.Fatalf("timer not cancelled, got %v", v)
	case <-time.After(50 * time.Millisecond):
	}
	teardown()
	_, err = w.Install(ctx, "stops", `return { fn = function() return tick_stopped end }`)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		out, err := w.Invoke(ctx, function.Request{Name: "stops"})
		return err == nil && string(out) == "1"
	}, time.Second, 10*time.Millisecond)
}

func TestObserveAbandonedCallerTearsDown(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	_, err := w.Install(ctx, "slowstart", `return { observable = true, fn = function(_, update)
	  for i = 1, 20000000 do end
	  every(10, function() update(1) end)
	  return function() slow_stopped = true end
	end }`)
	require.NoError(t, err)
	_, err = w.Install(ctx, "slowdone", `return { fn = function() return slow_stopped == true end }`)
	require.NoError(t, err)

	sink := newChanSink()
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	teardown, err := w.Observe(short, function.Request{Name: "slowstart"}, sink)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, teardown)

	assert.Eventually(t, func() bool {
		out, err := w.Invoke(ctx, function.Request{Name: "slowdone"})
		return err == nil && string(out) == "true"
	}, 5*time.Second, 10*time.Millisecond)
	for len(sink.values) > 0 {
		<-sink.values
	}
	select {
	case v := <-sink.values:
		t.Fatalf("abandoned body still updating: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerFailureFailsSink(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	_, err := w.Install(ctx, "flaky", `return { observable = true, fn = function(_, update)
	  update(1)
	  every(5, function() error("tick broke") end)
	end }`)
	require.NoError(t, err)
	sink := newChanSink()
	_, err = w.Observe(ctx, function.Request{Name: "flaky"}, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sink.next(t))
	select {
	case err := <-sink.errs:
		assert.ErrorContains(t, err, "tick broke")
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestEveryOutsideObservable(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	_, err := w.Install(ctx, "plain", `return { fn = function() every(10, function() end) end }`)
	require.NoError(t, err)
	_, err = w.Invoke(ctx, function.Request{Name: "plain"})
	assert.ErrorContains(t, err, "observable body")
}

func TestAuthorize(t *testing.T) {
	w := startWorker(t)
	ctx := context.Background()
	info, err := w.Install(ctx, "guarded", `return {
	  fn = function() return "ok" end,
	  authorize = function(req) return req.credential ~= nil and req.credential.role == "admin" and req.kind == "call" end,
	}`)
	require.NoError(t, err)
	require.True(t, info.HasAuthorize)

	ok, err := w.Authorize(ctx, function.AuthRequest{Name: "guarded", Kind: function.KindCall, Credential: json.RawMessage(`{"role":"admin"}`)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = w.Authorize(ctx, function.AuthRequest{Name: "guarded", Kind: function.KindCall, Credential: json.RawMessage(`{"role":"guest"}`)})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = w.Authorize(ctx, function.AuthRequest{Name: "guarded", Kind: function.KindCall})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoppedWorker(t *testing.T) {
	w := New(0, zap.NewNop())
	w.Start()
	w.Stop()
	_, err := w.Install(context.Background(), "x", adder)
	assert.ErrorIs(t, err, ErrStopped)
}

func writeModule(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".lua"), []byte(src), 0o644))
}

func TestPoolRegister(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "add", adder)
	writeModule(t, dir, "tick", ticker)
	p := NewPool(dir, 2, 20*time.Second, zap.NewNop())
	defer p.Close()
	ctx := context.Background()

	spec, err := p.Register(ctx, "add")
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.False(t, spec.Observable)
	assert.Equal(t, 20*time.Second, spec.IdleTimeout)
	assert.Nil(t, spec.Authorize)
	out, err := spec.Invoke(ctx, function.Request{Name: "add", Payload: json.RawMessage(`{"a":1,"b":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":2,"caller":""}`, string(out))

	obs, err := p.Register(ctx, "tick")
	require.NoError(t, err)
	assert.True(t, obs.Observable)
	assert.Equal(t, 500*time.Millisecond, obs.IdleTimeout)

	missing, err := p.Register(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
	escaped, err := p.Register(ctx, "../etc/passwd")
	assert.NoError(t, err)
	assert.Nil(t, escaped)

	ok, err := p.Unregister(ctx, "add", spec)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, p.Installed("add"))
	_, err = spec.Invoke(ctx, function.Request{Name: "add"})
	assert.Error(t, err)
}

func TestPoolZeroTimeoutExempts(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "pinned", `return { idleTimeout = 0, fn = function() return 1 end }`)
	p := NewPool(dir, 1, 20*time.Second, zap.NewNop())
	defer p.Close()
	spec, err := p.Register(context.Background(), "pinned")
	require.NoError(t, err)
	assert.Zero(t, spec.IdleTimeout)
}

type fakeFunctions struct {
	mu      sync.Mutex
	specs   map[string]*function.Spec
	updated chan *function.Spec
	removed chan string
}

func (f *fakeFunctions) Lookup(name string) (*function.Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[name]
	return s, ok
}

func (f *fakeFunctions) Update(spec *function.Spec) error {
	f.mu.Lock()
	f.specs[spec.Name] = spec
	f.mu.Unlock()
	f.updated <- spec
	return nil
}

func (f *fakeFunctions) Remove(name string) bool {
	f.mu.Lock()
	delete(f.specs, name)
	f.mu.Unlock()
	f.removed <- name
	return true
}

func TestHotLoaderReloadsInstalledModules(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "add", adder)
	writeModule(t, dir, "other", adder)
	p := NewPool(dir, 1, time.Minute, zap.NewNop())
	defer p.Close()
	ctx := context.Background()
	spec, err := p.Register(ctx, "add")
	require.NoError(t, err)

	funcs := &fakeFunctions{
		specs:   map[string]*function.Spec{"add": spec},
		updated: make(chan *function.Spec, 4),
		removed: make(chan string, 4),
	}
	cfg := config.DefaultConfig()
	h, err := NewHotLoader(cfg, p, funcs)
	require.NoError(t, err)
	require.NoError(t, h.Start())
	defer h.Stop()

	writeModule(t, dir, "other", `return { fn = function() return "ignored" end }`)
	writeModule(t, dir, "add", `return { fn = function(p) return p.a * p.b end }`)
	select {
	case updated := <-funcs.updated:
		assert.Equal(t, "add", updated.Name)
		assert.NotEqual(t, spec.Checksum, updated.Checksum)
		out, err := updated.Invoke(ctx, function.Request{Name: "add", Payload: json.RawMessage(`{"a":3,"b":4}`)})
		require.NoError(t, err)
		assert.Equal(t, "12", string(out))
	case <-time.After(3 * time.Second):
		t.Fatal("module not reloaded")
	}

	require.NoError(t, os.Remove(filepath.Join(dir, "add.lua")))
	select {
	case name := <-funcs.removed:
		assert.Equal(t, "add", name)
	case <-time.After(3 * time.Second):
		t.Fatal("module not removed")
	}
}

func TestHotLoaderKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "add", adder)
	p := NewPool(dir, 1, time.Minute, zap.NewNop())
	defer p.Close()
	spec, err := p.Register(context.Background(), "add")
	require.NoError(t, err)
	funcs := &fakeFunctions{
		specs:   map[string]*function.Spec{"add": spec},
		updated: make(chan *function.Spec, 4),
		removed: make(chan string, 4),
	}
	h, err := NewHotLoader(config.DefaultConfig(), p, funcs)
	require.NoError(t, err)

	writeModule(t, dir, "add", `return {`)
	h.reload(filepath.Join(dir, "add.lua"))
	assert.Empty(t, funcs.updated)
	out, err := spec.Invoke(context.Background(), function.Request{Name: "add", Payload: json.RawMessage(`{"a":1,"b":2}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":3,"caller":""}`, string(out))
}
