package function

import (
	"context"
	"sync"
)

// Static installs specs registered in-process. Static specs are never
// released on eviction; they are reinstalled from the table on next use.
type Static struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewStatic creates a static installer over specs.
func NewStatic(specs ...*Spec) *Static {
	s := &Static{specs: make(map[string]*Spec)}
	for _, spec := range specs {
		s.Add(spec)
	}
	return s
}

// Add makes spec available under its name.
func (s *Static) Add(spec *Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Name] = spec
}

// Register returns the spec for name, or nil.
func (s *Static) Register(_ context.Context, name string) (*Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.specs[name], nil
}

// Unregister always agrees to release name.
func (s *Static) Unregister(context.Context, string, *Spec) (bool, error) {
	return true, nil
}

// Chain asks each installer in turn; the first to supply a spec wins.
type Chain []Installer

// Register returns the first spec any installer supplies.
func (c Chain) Register(ctx context.Context, name string) (*Spec, error) {
	for _, in := range c {
		spec, err := in.Register(ctx, name)
		if err != nil || spec != nil {
			return spec, err
		}
	}
	return nil, nil
}

// Unregister releases name from every installer. All must agree.
func (c Chain) Unregister(ctx context.Context, name string, spec *Spec) (bool, error) {
	ok := true
	for _, in := range c {
		released, err := in.Unregister(ctx, name, spec)
		if err != nil {
			return false, err
		}
		ok = ok && released
	}
	return ok, nil
}
