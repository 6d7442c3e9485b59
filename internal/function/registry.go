package function

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zot/livequery/internal/svc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Installer is the external collaborator that supplies specs on first
// reference and releases them on eviction.
type Installer interface {
	// Register returns the spec for name, or nil when there is none.
	Register(ctx context.Context, name string) (*Spec, error)
	// Unregister releases name; false keeps the spec installed.
	Unregister(ctx context.Context, name string, spec *Spec) (bool, error)
}

// Observables is the view of live observables the registry needs.
// Every method is called on the loop.
type Observables interface {
	ActiveCount(name string) int
	Rebuild(spec *Spec)
	DestroyAll(name string)
}

type entry struct {
	spec      *Spec
	remaining time.Duration
	evicting  bool
}

func (e *entry) refresh() {
	e.remaining = e.spec.IdleTimeout
}

// Info describes an installed spec.
type Info struct {
	Name        string        `json:"name"`
	Observable  bool          `json:"observable"`
	Checksum    uint64        `json:"checksum"`
	IdleTimeout time.Duration `json:"idleTimeout"`
	Remaining   time.Duration `json:"remaining"`
	Active      int           `json:"active"`
}

// Registry owns installed specs. Its tables live on the loop; exported
// methods may be called from any goroutine except the loop.
type Registry struct {
	loop        *svc.Loop
	installer   Installer
	observables Observables
	group       singleflight.Group
	specs       map[string]*entry
	logger      *zap.Logger
}

// NewRegistry creates a registry. installer may be nil.
func NewRegistry(loop *svc.Loop, installer Installer, logger *zap.Logger) *Registry {
	return &Registry{
		loop:      loop,
		installer: installer,
		specs:     make(map[string]*entry),
		logger:    logger,
	}
}

// SetObservables connects the observable registry. Call before use.
func (r *Registry) SetObservables(o Observables) {
	r.observables = o
}

func (r *Registry) activeCount(name string) int {
	if r.observables == nil {
		return 0
	}
	return r.observables.ActiveCount(name)
}

// Get returns the spec for name, refreshing its idle counter. On a miss the
// installer is asked once, no matter how many callers are waiting.
func (r *Registry) Get(ctx context.Context, name string) (*Spec, error) {
	spec, err := svc.Sync(r.loop, func() (*Spec, error) {
		return r.lookup(name), nil
	})
	if err != nil || spec != nil {
		return spec, err
	}
	if r.installer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	ch := r.group.DoChan(name, func() (any, error) {
		spec, err := r.installer.Register(context.WithoutCancel(ctx), name)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		if spec == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return svc.Sync(r.loop, func() (*Spec, error) {
			if existing := r.lookup(name); existing != nil {
				return existing, nil
			}
			r.install(spec)
			r.logger.Debug("function installed", zap.String("function", name), zap.Bool("observable", spec.Observable))
			return spec, nil
		})
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Spec), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup returns an installed spec without consulting the installer.
func (r *Registry) Lookup(name string) (*Spec, bool) {
	spec, _ := svc.Sync(r.loop, func() (*Spec, error) {
		if e, ok := r.specs[name]; ok {
			return e.spec, nil
		}
		return nil, nil
	})
	return spec, spec != nil
}

// lookup runs on the loop.
func (r *Registry) lookup(name string) *Spec {
	e, ok := r.specs[name]
	if !ok {
		return nil
	}
	e.refresh()
	return e.spec
}

// install runs on the loop.
func (r *Registry) install(spec *Spec) {
	e := &entry{spec: spec}
	e.refresh()
	r.specs[spec.Name] = e
}

// Update installs or hot-swaps a spec. Replacing a plain spec with an
// observable one (or the reverse) removes the old entry first. Live
// observables of an updated observable spec are rebuilt in place.
func (r *Registry) Update(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return errors.New("update: spec needs a name")
	}
	return r.loop.Do(func() {
		if old, ok := r.specs[spec.Name]; ok && old.spec.Observable != spec.Observable {
			r.remove(spec.Name)
		}
		r.install(spec)
		if spec.Observable && r.activeCount(spec.Name) > 0 {
			r.observables.Rebuild(spec)
		}
		r.logger.Debug("function updated", zap.String("function", spec.Name), zap.Uint64("checksum", spec.Checksum))
	})
}

// Remove evicts name and destroys its live observables.
func (r *Registry) Remove(name string) bool {
	removed, _ := svc.Sync(r.loop, func() (bool, error) {
		return r.remove(name), nil
	})
	return removed
}

// remove runs on the loop.
func (r *Registry) remove(name string) bool {
	e, ok := r.specs[name]
	if !ok {
		return false
	}
	delete(r.specs, name)
	if e.spec.Observable && r.observables != nil {
		r.observables.DestroyAll(name)
	}
	return true
}

// Sweep ages every idle counter by elapsed and unregisters specs whose
// counter ran out. Observable specs with live instances are refreshed
// instead. It returns the names that were evicted.
func (r *Registry) Sweep(ctx context.Context, elapsed time.Duration) []string {
	candidates, err := svc.Sync(r.loop, func() ([]*entry, error) {
		var out []*entry
		for name, e := range r.specs {
			if e.spec.IdleTimeout == 0 || e.evicting {
				continue
			}
			if e.spec.Observable && r.activeCount(name) > 0 {
				e.refresh()
				continue
			}
			e.remaining -= elapsed
			if e.remaining <= 0 {
				e.evicting = true
				out = append(out, e)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil
	}

	var evicted []string
	for _, e := range candidates {
		ok := true
		if r.installer != nil {
			var err error
			ok, err = r.installer.Unregister(ctx, e.spec.Name, e.spec)
			if err != nil {
				r.logger.Warn("unregister failed", zap.String("function", e.spec.Name), zap.Error(err))
				ok = false
			}
		}
		name := e.spec.Name
		removed, _ := svc.Sync(r.loop, func() (bool, error) {
			e.evicting = false
			cur, present := r.specs[name]
			if !ok || !present || cur != e || e.remaining > 0 {
				return false, nil
			}
			return r.remove(name), nil
		})
		if removed {
			r.logger.Debug("function evicted", zap.String("function", name))
			evicted = append(evicted, name)
		}
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, interval)
		}
	}
}

// List describes every installed spec, sorted by name.
func (r *Registry) List() []Info {
	infos, _ := svc.Sync(r.loop, func() ([]Info, error) {
		out := make([]Info, 0, len(r.specs))
		for name, e := range r.specs {
			out = append(out, Info{
				Name:        name,
				Observable:  e.spec.Observable,
				Checksum:    e.spec.Checksum,
				IdleTimeout: e.spec.IdleTimeout,
				Remaining:   e.remaining,
				Active:      r.activeCount(name),
			})
		}
		return out, nil
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
