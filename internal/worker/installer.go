package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/protocol"
	"go.uber.org/zap"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Pool spreads modules over a fixed set of workers and installs them from
// <dir>/<name>.lua. It implements function.Installer.
type Pool struct {
	dir         string
	idleTimeout time.Duration
	workers     []*Worker
	logger      *zap.Logger

	mu        sync.Mutex
	installed map[string]uint64
}

// NewPool starts n workers serving modules from dir. idleTimeout applies to
// modules that do not declare their own.
func NewPool(dir string, n int, idleTimeout time.Duration, logger *zap.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		dir:         dir,
		idleTimeout: idleTimeout,
		logger:      logger,
		installed:   make(map[string]uint64),
	}
	for i := 0; i < n; i++ {
		w := New(i, logger)
		w.Start()
		p.workers = append(p.workers, w)
	}
	return p
}

// Dir is the directory modules are loaded from.
func (p *Pool) Dir() string {
	return p.dir
}

// Close stops every worker.
func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// worker picks the worker that owns name.
func (p *Pool) worker(name string) *Worker {
	h := fnv.New32a()
	h.Write([]byte(name))
	return p.workers[int(h.Sum32())%len(p.workers)]
}

// Path returns the module file for name.
func (p *Pool) Path(name string) string {
	return filepath.Join(p.dir, name+".lua")
}

// Register loads name from disk. A missing file is not an error; it yields
// a nil spec.
func (p *Pool) Register(ctx context.Context, name string) (*function.Spec, error) {
	if !validName.MatchString(name) {
		return nil, nil
	}
	src, err := os.ReadFile(p.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return p.Load(ctx, name, string(src))
}

// Load installs source as module name and builds its spec.
func (p *Pool) Load(ctx context.Context, name, source string) (*function.Spec, error) {
	w := p.worker(name)
	info, err := w.Install(ctx, name, source)
	if err != nil {
		return nil, err
	}
	spec := &function.Spec{
		Name:        name,
		Checksum:    protocol.Checksum([]byte(source)),
		Observable:  info.Observable,
		IdleTimeout: p.idleTimeout,
	}
	if info.HasTimeout {
		spec.IdleTimeout = info.IdleTimeout
	}
	if info.Observable {
		spec.Observe = func(ctx context.Context, req function.Request, sink function.Sink) (func(), error) {
			return w.Observe(ctx, req, sink)
		}
	} else {
		spec.Call = func(ctx context.Context, req function.Request) (any, error) {
			out, err := w.Invoke(ctx, req)
			if err != nil || out == nil {
				return nil, err
			}
			return out, nil
		}
	}
	if info.HasAuthorize {
		spec.Authorize = w.Authorize
	}
	p.mu.Lock()
	p.installed[name] = spec.Checksum
	p.mu.Unlock()
	return spec, nil
}

// Unregister drops name from its worker.
func (p *Pool) Unregister(ctx context.Context, name string, spec *function.Spec) (bool, error) {
	p.mu.Lock()
	sum, ok := p.installed[name]
	if ok && spec != nil && sum != spec.Checksum {
		// a newer version was loaded meanwhile
		p.mu.Unlock()
		return true, nil
	}
	delete(p.installed, name)
	p.mu.Unlock()
	if err := p.worker(name).Uninstall(ctx, name); err != nil {
		return false, err
	}
	p.logger.Debug("module unregistered", zap.String("function", name))
	return true, nil
}

// Installed reports whether name is currently loaded.
func (p *Pool) Installed(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.installed[name]
	return ok
}
