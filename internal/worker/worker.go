// Package worker runs Lua function modules. Each Worker is an actor that
// owns one Lua state; everything that touches the state travels through its
// inbox as a message, so the state is only ever used by one goroutine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/livequery/internal/function"
	"go.uber.org/zap"
)

// ErrStopped is returned for messages sent after Stop.
var ErrStopped = errors.New("worker stopped")

type op int

const (
	opInstall op = iota
	opUninstall
	opInvoke
	opObserve
	opTeardown
	opAuthorize
	opTick
)

func (o op) String() string {
	switch o {
	case opInstall:
		return "install"
	case opUninstall:
		return "uninstall"
	case opInvoke:
		return "invoke"
	case opObserve:
		return "observe"
	case opTeardown:
		return "teardown"
	case opAuthorize:
		return "authorize"
	case opTick:
		return "tick"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// message is the fixed schema of everything a worker accepts.
type message struct {
	op       op
	name     string
	source   string
	req      function.Request
	auth     function.AuthRequest
	sink     function.Sink
	instance uint64
	timer    uint64
	reply    chan result
}

type result struct {
	value json.RawMessage
	ok    bool
	info  moduleInfo
	inst  uint64
	err   error
}

// moduleInfo is what an installed module declares about itself.
type moduleInfo struct {
	Observable   bool
	IdleTimeout  time.Duration
	HasTimeout   bool
	HasAuthorize bool
}

type module struct {
	info      moduleInfo
	fn        *lua.LFunction
	authorize *lua.LFunction
}

// instance is one running observable body.
type instance struct {
	id      uint64
	name    string
	sink    function.Sink
	cleanup *lua.LFunction
	timers  map[uint64]*timer
}

type timer struct {
	fn   *lua.LFunction
	stop chan struct{}
}

// Worker owns a Lua state and serves messages in arrival order.
type Worker struct {
	id        int
	L         *lua.LState
	inbox     chan message
	done      chan struct{}
	stopOnce  sync.Once
	logger    *zap.Logger
	modules   map[string]*module
	instances map[uint64]*instance
	current   *instance
	nextID    uint64
}

// New creates a worker; call Start to serve its inbox.
func New(id int, logger *zap.Logger) *Worker {
	w := &Worker{
		id:        id,
		L:         newState(),
		inbox:     make(chan message, 100),
		done:      make(chan struct{}),
		logger:    logger.With(zap.Int("worker", id)),
		modules:   make(map[string]*module),
		instances: make(map[uint64]*instance),
	}
	w.L.SetGlobal("every", w.L.NewFunction(w.luaEvery))
	w.L.SetGlobal("cancel", w.L.NewFunction(w.luaCancel))
	w.L.SetGlobal("now", w.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().UnixMilli()))
		return 1
	}))
	return w
}

// newState opens only the libraries a function body needs.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

// Start serves the inbox until Stop.
func (w *Worker) Start() {
	go w.run()
}

// Stop ends the worker and closes its Lua state. Pending requests fail with
// ErrStopped.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Worker) run() {
	defer w.shutdown()
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.inbox:
			res := w.handle(msg)
			if msg.reply != nil {
				msg.reply <- res
			}
		}
	}
}

func (w *Worker) shutdown() {
	for id := range w.instances {
		w.teardown(id)
	}
	w.L.Close()
	for {
		select {
		case msg := <-w.inbox:
			if msg.reply != nil {
				msg.reply <- result{err: ErrStopped}
			}
		default:
			return
		}
	}
}

// send posts msg and waits for the reply.
func (w *Worker) send(ctx context.Context, msg message) (result, error) {
	msg.reply = make(chan result, 1)
	select {
	case w.inbox <- msg:
	case <-w.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-msg.reply:
		return res, res.err
	case <-w.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// post queues msg without waiting for a reply.
func (w *Worker) post(msg message) {
	go func() {
		select {
		case w.inbox <- msg:
		case <-w.done:
		}
	}()
}

func (w *Worker) handle(msg message) result {
	switch msg.op {
	case opInstall:
		info, err := w.install(msg.name, msg.source)
		return result{info: info, err: err}
	case opUninstall:
		delete(w.modules, msg.name)
		return result{ok: true}
	case opInvoke:
		value, err := w.invoke(msg.req)
		return result{value: value, err: err}
	case opObserve:
		id, err := w.observe(msg.req, msg.sink)
		return result{inst: id, err: err}
	case opTeardown:
		w.teardown(msg.instance)
		return result{ok: true}
	case opAuthorize:
		ok, err := w.authorize(msg.auth)
		return result{ok: ok, err: err}
	case opTick:
		w.tick(msg.instance, msg.timer)
		return result{}
	}
	return result{err: fmt.Errorf("unknown message %v", msg.op)}
}

// install runs the module source, which must return a table with a
// function field fn.
func (w *Worker) install(name, source string) (moduleInfo, error) {
	fn, err := w.L.LoadString(source)
	if err != nil {
		return moduleInfo{}, fmt.Errorf("load %s: %w", name, err)
	}
	w.L.Push(fn)
	if err := w.L.PCall(0, 1, nil); err != nil {
		return moduleInfo{}, fmt.Errorf("run %s: %w", name, err)
	}
	ret := w.L.Get(-1)
	w.L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return moduleInfo{}, fmt.Errorf("%s: module must return a table, got %s", name, ret.Type())
	}
	body, ok := tbl.RawGetString("fn").(*lua.LFunction)
	if !ok {
		return moduleInfo{}, fmt.Errorf("%s: module table needs a fn function", name)
	}
	mod := &module{fn: body}
	mod.info.Observable = lua.LVAsBool(tbl.RawGetString("observable"))
	if n, ok := tbl.RawGetString("idleTimeout").(lua.LNumber); ok {
		mod.info.IdleTimeout = time.Duration(float64(n) * float64(time.Millisecond))
		mod.info.HasTimeout = true
	}
	if auth, ok := tbl.RawGetString("authorize").(*lua.LFunction); ok {
		mod.authorize = auth
		mod.info.HasAuthorize = true
	}
	w.modules[name] = mod
	w.logger.Debug("module installed", zap.String("function", name), zap.Bool("observable", mod.info.Observable))
	return mod.info, nil
}

func (w *Worker) module(name string) (*module, error) {
	mod, ok := w.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", function.ErrNotFound, name)
	}
	return mod, nil
}

func (w *Worker) invoke(req function.Request) (json.RawMessage, error) {
	mod, err := w.module(req.Name)
	if err != nil {
		return nil, err
	}
	arg, err := decodePayload(w.L, req.Payload)
	if err != nil {
		return nil, err
	}
	if err := w.L.CallByParam(lua.P{Fn: mod.fn, NRet: 1, Protect: true}, arg, w.requestTable(req)); err != nil {
		return nil, err
	}
	ret := w.L.Get(-1)
	w.L.Pop(1)
	if ret == lua.LNil {
		return nil, nil
	}
	return json.Marshal(ToGo(ret))
}

// observe starts a body with fn(payload, update, request). The body may
// return a cleanup function.
func (w *Worker) observe(req function.Request, sink function.Sink) (uint64, error) {
	mod, err := w.module(req.Name)
	if err != nil {
		return 0, err
	}
	arg, err := decodePayload(w.L, req.Payload)
	if err != nil {
		return 0, err
	}
	w.nextID++
	inst := &instance{id: w.nextID, name: req.Name, sink: sink, timers: make(map[uint64]*timer)}
	update := w.L.NewFunction(func(L *lua.LState) int {
		if _, live := w.instances[inst.id]; live {
			inst.sink.Update(ToGo(L.Get(1)))
		}
		return 0
	})
	w.instances[inst.id] = inst
	prev := w.current
	w.current = inst
	err = w.L.CallByParam(lua.P{Fn: mod.fn, NRet: 1, Protect: true}, arg, update, w.requestTable(req))
	w.current = prev
	if err != nil {
		w.teardown(inst.id)
		return 0, err
	}
	if cleanup, ok := w.L.Get(-1).(*lua.LFunction); ok {
		inst.cleanup = cleanup
	}
	w.L.Pop(1)
	return inst.id, nil
}

func (w *Worker) teardown(id uint64) {
	inst, ok := w.instances[id]
	if !ok {
		return
	}
	delete(w.instances, id)
	for _, t := range inst.timers {
		close(t.stop)
	}
	if inst.cleanup != nil {
		if err := w.L.CallByParam(lua.P{Fn: inst.cleanup, NRet: 0, Protect: true}); err != nil {
			w.logger.Warn("cleanup failed", zap.String("function", inst.name), zap.Error(err))
		}
	}
}

func (w *Worker) authorize(req function.AuthRequest) (bool, error) {
	mod, err := w.module(req.Name)
	if err != nil {
		return false, err
	}
	if mod.authorize == nil {
		return false, fmt.Errorf("%s has no authorize predicate", req.Name)
	}
	tbl := w.L.NewTable()
	tbl.RawSetString("kind", lua.LString(req.Kind))
	tbl.RawSetString("name", lua.LString(req.Name))
	tbl.RawSetString("connId", lua.LString(req.ConnID))
	if payload, err := decodePayload(w.L, req.Payload); err == nil {
		tbl.RawSetString("payload", payload)
	}
	if cred, err := decodePayload(w.L, req.Credential); err == nil {
		tbl.RawSetString("credential", cred)
	}
	if err := w.L.CallByParam(lua.P{Fn: mod.authorize, NRet: 1, Protect: true}, tbl); err != nil {
		return false, err
	}
	ret := w.L.Get(-1)
	w.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

func (w *Worker) requestTable(req function.Request) *lua.LTable {
	tbl := w.L.NewTable()
	tbl.RawSetString("name", lua.LString(req.Name))
	tbl.RawSetString("connId", lua.LString(req.ConnID))
	if cred, err := decodePayload(w.L, req.Credential); err == nil {
		tbl.RawSetString("credential", cred)
	}
	return tbl
}

// luaEvery implements every(ms, fn), a repeating timer owned by the
// observable body that is running. It returns a handle for cancel.
func (w *Worker) luaEvery(L *lua.LState) int {
	ms := L.CheckNumber(1)
	fn := L.CheckFunction(2)
	inst := w.current
	if inst == nil {
		L.RaiseError("every may only be called from an observable body")
		return 0
	}
	if ms <= 0 {
		L.ArgError(1, "interval must be positive")
		return 0
	}
	w.nextID++
	t := &timer{fn: fn, stop: make(chan struct{})}
	inst.timers[w.nextID] = t
	go w.ticker(inst.id, w.nextID, time.Duration(float64(ms)*float64(time.Millisecond)), t.stop)
	L.Push(lua.LNumber(w.nextID))
	return 1
}

func (w *Worker) luaCancel(L *lua.LState) int {
	handle := uint64(L.CheckNumber(1))
	inst := w.current
	if inst == nil {
		return 0
	}
	if t, ok := inst.timers[handle]; ok {
		delete(inst.timers, handle)
		close(t.stop)
	}
	return 0
}

func (w *Worker) ticker(inst, handle uint64, interval time.Duration, stop chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-w.done:
			return
		case <-t.C:
			select {
			case w.inbox <- message{op: opTick, instance: inst, timer: handle}:
			case <-stop:
				return
			case <-w.done:
				return
			}
		}
	}
}

// tick runs a timer callback. A failing callback fails the observable.
func (w *Worker) tick(id, handle uint64) {
	inst, ok := w.instances[id]
	if !ok {
		return
	}
	t, ok := inst.timers[handle]
	if !ok {
		return
	}
	prev := w.current
	w.current = inst
	err := w.L.CallByParam(lua.P{Fn: t.fn, NRet: 0, Protect: true})
	w.current = prev
	if err != nil {
		w.logger.Debug("timer failed", zap.String("function", inst.name), zap.Error(err))
		for h, t := range inst.timers {
			delete(inst.timers, h)
			close(t.stop)
		}
		inst.sink.Fail(err)
	}
}

// Install loads source as module name and reports what it declares.
func (w *Worker) Install(ctx context.Context, name, source string) (moduleInfo, error) {
	res, err := w.send(ctx, message{op: opInstall, name: name, source: source})
	return res.info, err
}

// Uninstall drops module name. Running instances keep their functions.
func (w *Worker) Uninstall(ctx context.Context, name string) error {
	_, err := w.send(ctx, message{op: opUninstall, name: name})
	return err
}

// Invoke runs a plain module and returns its JSON result.
func (w *Worker) Invoke(ctx context.Context, req function.Request) (json.RawMessage, error) {
	res, err := w.send(ctx, message{op: opInvoke, name: req.Name, req: req})
	return res.value, err
}

// Observe starts an observable body that reports to sink. The returned
// function tears it down.
func (w *Worker) Observe(ctx context.Context, req function.Request, sink function.Sink) (func(), error) {
	msg := message{op: opObserve, name: req.Name, req: req, sink: sink, reply: make(chan result, 1)}
	select {
	case w.inbox <- msg:
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-msg.reply:
		if res.err != nil {
			return nil, res.err
		}
		return w.stopper(res.inst), nil
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		// already queued: tear the body down once it has started
		go func() {
			select {
			case res := <-msg.reply:
				if res.err == nil {
					w.post(message{op: opTeardown, instance: res.inst})
				}
			case <-w.done:
			}
		}()
		return nil, ctx.Err()
	}
}

func (w *Worker) stopper(id uint64) func() {
	return func() { w.post(message{op: opTeardown, instance: id}) }
}

// Authorize runs a module's authorize predicate.
func (w *Worker) Authorize(ctx context.Context, req function.AuthRequest) (bool, error) {
	res, err := w.send(ctx, message{op: opAuthorize, name: req.Name, auth: req})
	return res.ok, err
}
