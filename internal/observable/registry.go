// Package observable keeps one live instance per distinct query, turns the
// values its function body produces into checksummed full values and
// patches, and fans them out to every subscribed connection.
package observable

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/wI2L/jsondiff"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/metrics"
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/svc"
	"go.uber.org/zap"
)

// Frame is an encoded server frame addressed to one connection.
type Frame struct {
	Observable uint64
	// Coalesce marks value and diff frames. Under backpressure every queued
	// coalescable frame of the same observable may be replaced by Full.
	Coalesce bool
	Data     []byte
	Full     []byte
}

// Sender delivers frames to connections. It is called on the loop and must
// not block.
type Sender interface {
	Send(connID string, f Frame)
	// Dropped tells a connection its subscription to id no longer exists.
	Dropped(connID string, id uint64, err *protocol.Error)
}

// Functions resolves function specs.
type Functions interface {
	Get(ctx context.Context, name string) (*function.Spec, error)
}

// Query identifies a subscribe or get request.
type Query struct {
	ID         uint64 // optional; verified against Name and Payload
	Name       string
	Payload    json.RawMessage
	ConnID     string
	Credential json.RawMessage
	Checksum   uint64 // value the client already holds, 0 for none
}

// Snapshot is a fully formed value.
type Snapshot struct {
	Value    json.RawMessage
	Checksum uint64
}

// Fault is reported when a running body breaks.
type Fault struct {
	ID   uint64
	Name string
	Err  error
}

// Info describes a live observable.
type Info struct {
	ID          uint64          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Subscribers int             `json:"subscribers"`
	Checksum    uint64          `json:"checksum"`
	Size        int             `json:"size"`
}

// Options configures a Registry.
type Options struct {
	GracePeriod time.Duration
	Encoder     *protocol.Encoder
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Registry owns every live observable. State lives on the loop; exported
// methods may be called from any goroutine except the loop, apart from the
// function.Observables methods, which run on it.
type Registry struct {
	loop      *svc.Loop
	functions Functions
	sender    Sender
	grace     time.Duration
	enc       *protocol.Encoder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	active    map[uint64]*Observable
	faults    chan Fault
}

// NewRegistry creates a registry.
func NewRegistry(loop *svc.Loop, functions Functions, sender Sender, opts Options) *Registry {
	if opts.Encoder == nil {
		opts.Encoder = protocol.NewEncoder(false)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		loop:      loop,
		functions: functions,
		sender:    sender,
		grace:     opts.GracePeriod,
		enc:       opts.Encoder,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		active:    make(map[uint64]*Observable),
		faults:    make(chan Fault, 64),
	}
}

// Faults reports bodies that broke after creation. Unread faults are dropped.
func (r *Registry) Faults() <-chan Fault {
	return r.faults
}

func (r *Registry) identify(q *Query) error {
	canon, err := protocol.Canonicalize(q.Payload)
	if err != nil {
		return protocol.NewError(protocol.InvalidPayload, q.Name, "%v", err)
	}
	id, err := protocol.ObservableID(q.Name, canon)
	if err != nil {
		return protocol.NewError(protocol.InvalidPayload, q.Name, "%v", err)
	}
	if q.ID != 0 && q.ID != id {
		return protocol.NewError(protocol.InvalidPayload, q.Name, "observable id does not match query").WithObservable(q.ID)
	}
	q.ID, q.Payload = id, canon
	return nil
}

type joined struct {
	obs     *Observable
	creator bool
	served  bool
}

// Subscribe adds q.ConnID to the subscribers of the query, creating the
// instance if none is live. The current value is sent unless the client
// already holds it, in which case only an acknowledgment is sent.
func (r *Registry) Subscribe(ctx context.Context, q Query) error {
	if err := r.identify(&q); err != nil {
		return err
	}
	j, err := svc.Sync(r.loop, func() (joined, error) {
		obs := r.active[q.ID]
		creator := false
		if obs == nil {
			obs = r.newObservable(q)
			creator = true
		}
		obs.subscribers[q.ConnID] = struct{}{}
		r.cancelDestroy(obs)
		r.deliver(obs, q.ConnID, q.Checksum)
		return joined{obs: obs, creator: creator}, nil
	})
	if err != nil {
		return err
	}
	if j.creator {
		r.create(ctx, j.obs, q)
	}
	select {
	case <-j.obs.ready:
		return j.obs.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe removes connID from the subscribers of id.
func (r *Registry) Unsubscribe(connID string, id uint64) {
	_ = r.loop.Do(func() {
		r.unsubscribe(connID, id)
	})
}

// Disconnect removes connID from every subscriber set.
func (r *Registry) Disconnect(connID string) {
	_ = r.loop.Do(func() {
		for id := range r.active {
			r.unsubscribe(connID, id)
		}
	})
}

func (r *Registry) unsubscribe(connID string, id uint64) {
	obs := r.active[id]
	if obs == nil {
		return
	}
	if _, ok := obs.subscribers[connID]; !ok {
		return
	}
	delete(obs.subscribers, connID)
	r.maybeScheduleDestroy(obs)
}

// Get answers q.ConnID once with the current value (or an acknowledgment)
// without subscribing it. It waits for the first value of a new instance.
func (r *Registry) Get(ctx context.Context, q Query) error {
	return r.read(ctx, q, func(obs *Observable) {
		r.deliver(obs, q.ConnID, q.Checksum)
	})
}

// Read returns the current value of the query, computing it if needed.
func (r *Registry) Read(ctx context.Context, name string, payload json.RawMessage) (Snapshot, error) {
	var snap Snapshot
	err := r.read(ctx, Query{Name: name, Payload: payload}, func(obs *Observable) {
		snap = Snapshot{Value: obs.value, Checksum: obs.checksum}
	})
	return snap, err
}

func (r *Registry) read(ctx context.Context, q Query, serve func(*Observable)) error {
	if err := r.identify(&q); err != nil {
		return err
	}
	g := &getter{serve: serve, done: make(chan struct{})}
	j, err := svc.Sync(r.loop, func() (joined, error) {
		obs := r.active[q.ID]
		if obs != nil && obs.value != nil {
			serve(obs)
			return joined{obs: obs, served: true}, nil
		}
		creator := false
		if obs == nil {
			obs = r.newObservable(q)
			creator = true
		}
		obs.getters = append(obs.getters, g)
		r.cancelDestroy(obs)
		return joined{obs: obs, creator: creator}, nil
	})
	if err != nil || j.served {
		return err
	}
	if j.creator {
		r.create(ctx, j.obs, q)
	}
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		obs := j.obs
		r.loop.Post(func() {
			obs.removeGetter(g)
			r.maybeScheduleDestroy(obs)
		})
		return protocol.NewError(protocol.NoObservableCacheAvailable, q.Name, "no value before deadline").WithObservable(q.ID)
	}
}

// newObservable runs on the loop.
func (r *Registry) newObservable(q Query) *Observable {
	obs := &Observable{
		Name:        q.Name,
		ID:          q.ID,
		Payload:     q.Payload,
		connID:      q.ConnID,
		credential:  q.Credential,
		subscribers: make(map[string]struct{}),
		ready:       make(chan struct{}),
	}
	obs.ctx, obs.cancel = context.WithCancel(context.Background())
	r.active[q.ID] = obs
	return obs
}

// create resolves the spec and starts the body on the calling goroutine,
// then completes the instance on the loop.
func (r *Registry) create(ctx context.Context, obs *Observable, q Query) {
	spec, err := r.functions.Get(ctx, q.Name)
	switch {
	case errors.Is(err, function.ErrNotFound):
		err = protocol.NewError(protocol.FunctionNotFound, q.Name, "")
	case err == nil && !spec.Observable:
		err = protocol.NewError(protocol.FunctionIsNotObservable, q.Name, "")
	}
	var cleanup func()
	if err == nil {
		cleanup, err = spec.Start(obs.ctx, obs.request(), &sink{r: r, obs: obs})
	}
	r.loop.Post(func() {
		r.finish(obs, spec, cleanup, err)
	})
}

// finish runs on the loop.
func (r *Registry) finish(obs *Observable, spec *function.Spec, cleanup func(), err error) {
	defer close(obs.ready)
	if err != nil {
		e := protocol.AsError(err, protocol.FunctionError, obs.Name).WithObservable(obs.ID)
		obs.err = e
		obs.subscribers = make(map[string]struct{})
		obs.releaseGetters(e)
		r.destroy(obs)
		r.logger.Debug("observable creation failed", zap.String("function", obs.Name), zap.Error(err))
		return
	}
	if obs.destroyed {
		r.runCleanup(obs, cleanup)
		if cur := r.active[obs.ID]; cur != nil && !cur.destroyed && obs.err == nil {
			// superseded while starting: hand everyone to the live instance
			for conn := range obs.subscribers {
				cur.subscribers[conn] = struct{}{}
				r.cancelDestroy(cur)
				r.deliver(cur, conn, 0)
			}
			cur.getters = append(cur.getters, obs.getters...)
			obs.getters = nil
			r.serveGetters(cur)
			return
		}
		if obs.err == nil {
			obs.err = protocol.NewError(protocol.FunctionNotFound, obs.Name, "function removed").WithObservable(obs.ID)
		}
		obs.releaseGetters(obs.err)
		return
	}
	obs.spec = spec
	obs.cleanup = cleanup
	obs.created = true
	r.metrics.ObservableCreated()
	r.logger.Debug("observable created", zap.String("function", obs.Name), zap.Uint64("observable", obs.ID))
	r.maybeScheduleDestroy(obs)
}

// deliver runs on the loop. It sends the current value to one connection,
// or only an acknowledgment when the connection already holds it.
func (r *Registry) deliver(obs *Observable, connID string, checksum uint64) {
	if obs.value == nil || connID == "" {
		return
	}
	if checksum == obs.checksum {
		ack, err := r.enc.EncodeServer(protocol.CurrentFrame{ID: obs.ID})
		if err != nil {
			return
		}
		r.sender.Send(connID, Frame{Observable: obs.ID, Data: ack})
		return
	}
	r.sender.Send(connID, Frame{Observable: obs.ID, Coalesce: true, Data: obs.full, Full: obs.full})
}

// apply runs on the loop. It installs a new serialized value and broadcasts
// it as a patch against the previous value when that is smaller.
func (r *Registry) apply(obs *Observable, gen int, data []byte) {
	if obs.destroyed || gen != obs.generation {
		return
	}
	sum := protocol.Checksum(data)
	if obs.value != nil && sum == obs.checksum {
		return
	}
	full, err := r.enc.EncodeServer(protocol.ValueFrame{ID: obs.ID, Checksum: sum, Payload: data})
	if err != nil {
		r.fail(obs, err)
		return
	}
	out, kind := full, "value"
	if obs.value != nil {
		if patch, err := jsondiff.CompareJSON(obs.value, data); err == nil && len(patch) > 0 {
			if pb, err := json.Marshal(patch); err == nil && len(pb) < len(data) {
				diff, err := r.enc.EncodeServer(protocol.DiffFrame{
					ID:               obs.ID,
					PreviousChecksum: obs.checksum,
					Checksum:         sum,
					Patch:            pb,
				})
				if err == nil {
					out, kind = diff, "diff"
				}
			}
		}
	}
	obs.value, obs.checksum, obs.full = data, sum, full

	for conn := range obs.subscribers {
		r.sender.Send(conn, Frame{Observable: obs.ID, Coalesce: true, Data: out, Full: full})
	}
	r.metrics.Broadcast(kind, len(out)*len(obs.subscribers))
	if len(obs.getters) > 0 {
		r.serveGetters(obs)
		r.maybeScheduleDestroy(obs)
	}
}

func (r *Registry) serveGetters(obs *Observable) {
	if obs.value == nil {
		return
	}
	for _, g := range obs.getters {
		g.serve(obs)
		close(g.done)
	}
	obs.getters = nil
}

// fail runs on the loop. It reports the fault, tells subscribers their
// subscription is gone and tears the instance down.
func (r *Registry) fail(obs *Observable, err error) {
	if obs.destroyed {
		return
	}
	e := protocol.NewError(protocol.ObservableFunctionError, obs.Name, "%v", err).WithObservable(obs.ID)
	r.fault(Fault{ID: obs.ID, Name: obs.Name, Err: err})
	if !obs.created {
		// creation still pending: waiting subscribers get the error from ready
		obs.err = e
		obs.subscribers = make(map[string]struct{})
		obs.releaseGetters(e)
		r.destroy(obs)
		return
	}
	for conn := range obs.subscribers {
		r.sender.Dropped(conn, obs.ID, e)
	}
	obs.subscribers = make(map[string]struct{})
	obs.releaseGetters(e)
	r.destroy(obs)
}

func (r *Registry) fault(f Fault) {
	r.logger.Error("observable failed", zap.String("function", f.Name), zap.Uint64("observable", f.ID), zap.Error(f.Err))
	select {
	case r.faults <- f:
	default:
	}
}

func (r *Registry) maybeScheduleDestroy(obs *Observable) {
	if !obs.created || obs.destroyed || obs.timer != nil ||
		len(obs.subscribers) > 0 || len(obs.getters) > 0 {
		return
	}
	if r.grace <= 0 {
		r.destroy(obs)
		return
	}
	obs.timerGen++
	gen := obs.timerGen
	obs.timer = time.AfterFunc(r.grace, func() {
		r.loop.Post(func() {
			if obs.timerGen != gen {
				return
			}
			obs.timer = nil
			if len(obs.subscribers) == 0 && len(obs.getters) == 0 {
				r.destroy(obs)
			}
		})
	})
}

func (r *Registry) cancelDestroy(obs *Observable) {
	if obs.timer != nil {
		obs.timer.Stop()
		obs.timer = nil
		obs.timerGen++
	}
}

// destroy runs on the loop; it is a no-op after the first call.
func (r *Registry) destroy(obs *Observable) {
	if obs.destroyed {
		return
	}
	obs.destroyed = true
	r.cancelDestroy(obs)
	if r.active[obs.ID] == obs {
		delete(r.active, obs.ID)
	}
	obs.cancel()
	if obs.created {
		r.metrics.ObservableDestroyed()
	}
	cleanup := obs.cleanup
	obs.cleanup = nil
	r.runCleanup(obs, cleanup)
	r.logger.Debug("observable destroyed", zap.String("function", obs.Name), zap.Uint64("observable", obs.ID))
}

func (r *Registry) runCleanup(obs *Observable, cleanup func()) {
	if cleanup == nil {
		return
	}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.loop.Post(func() {
					r.fault(Fault{ID: obs.ID, Name: obs.Name, Err: errors.New("cleanup panic")})
				})
			}
		}()
		cleanup()
	}()
}

// ActiveCount returns the live instances of name. Runs on the loop.
func (r *Registry) ActiveCount(name string) int {
	n := 0
	for _, obs := range r.active {
		if obs.Name == name && !obs.destroyed {
			n++
		}
	}
	return n
}

// Rebuild restarts every live instance of spec.Name against the new code,
// keeping subscribers and the cached value. Runs on the loop.
func (r *Registry) Rebuild(spec *function.Spec) {
	for _, obs := range r.active {
		if obs.Name != spec.Name || obs.destroyed || !obs.created {
			continue
		}
		old := obs.cleanup
		obs.cleanup = nil
		obs.cancel()
		r.runCleanup(obs, old)

		obs.generation++
		gen := obs.generation
		obs.spec = spec
		obs.ctx, obs.cancel = context.WithCancel(context.Background())
		ctx, req, o := obs.ctx, obs.request(), obs
		go func() {
			cleanup, err := spec.Start(ctx, req, &sink{r: r, obs: o, gen: gen})
			r.loop.Post(func() {
				if o.destroyed || o.generation != gen {
					r.runCleanup(o, cleanup)
					return
				}
				if err != nil {
					r.fail(o, err)
					return
				}
				o.cleanup = cleanup
			})
		}()
		r.logger.Debug("observable rebuilt", zap.String("function", spec.Name), zap.Uint64("observable", obs.ID))
	}
}

// DestroyAll tears down every instance of name, telling subscribers their
// subscription no longer exists. Runs on the loop.
func (r *Registry) DestroyAll(name string) {
	for _, obs := range r.active {
		if obs.Name != name {
			continue
		}
		e := protocol.NewError(protocol.FunctionNotFound, name, "function removed").WithObservable(obs.ID)
		if obs.created {
			for conn := range obs.subscribers {
				r.sender.Dropped(conn, obs.ID, e)
			}
			obs.subscribers = make(map[string]struct{})
		} else {
			obs.err = e
			obs.subscribers = make(map[string]struct{})
		}
		obs.releaseGetters(e)
		r.destroy(obs)
	}
}

// Close destroys every instance.
func (r *Registry) Close() {
	_ = r.loop.Do(func() {
		for _, obs := range r.active {
			obs.releaseGetters(protocol.NewError(protocol.NoObservableCacheAvailable, obs.Name, "server closing"))
			r.destroy(obs)
		}
	})
}

// List describes every live instance, sorted by name then id.
func (r *Registry) List() []Info {
	infos, _ := svc.Sync(r.loop, func() ([]Info, error) {
		out := make([]Info, 0, len(r.active))
		for _, obs := range r.active {
			out = append(out, Info{
				ID:          obs.ID,
				Name:        obs.Name,
				Payload:     obs.Payload,
				Subscribers: len(obs.subscribers),
				Checksum:    obs.checksum,
				Size:        len(obs.value),
			})
		}
		return out, nil
	})
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}
