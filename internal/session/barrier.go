package session

import (
	"context"
)

// Barrier holds subscribe and unsubscribe traffic for a set of ids while a
// re-authorization is evaluated.
type Barrier struct {
	ids  map[uint64]struct{}
	done chan struct{}
}

// Covers reports whether the barrier holds id.
func (b *Barrier) Covers(id uint64) bool {
	_, ok := b.ids[id]
	return ok
}

// Done is closed on release.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Hold raises a barrier over ids. The caller must Release it.
func (s *Session) Hold(ids []uint64) *Barrier {
	b := &Barrier{ids: make(map[uint64]struct{}, len(ids)), done: make(chan struct{})}
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
	s.mu.Lock()
	s.barriers = append(s.barriers, b)
	s.mu.Unlock()
	return b
}

// Release lowers b, letting held traffic proceed.
func (s *Session) Release(b *Barrier) {
	s.mu.Lock()
	for i, x := range s.barriers {
		if x == b {
			s.barriers = append(s.barriers[:i], s.barriers[i+1:]...)
			close(b.done)
			break
		}
	}
	s.mu.Unlock()
}

// Held reports whether some barrier currently holds id.
func (s *Session) Held(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.barriers {
		if b.Covers(id) {
			return true
		}
	}
	return false
}

// Wait blocks until no barrier holds id.
func (s *Session) Wait(ctx context.Context, id uint64) error {
	for {
		s.mu.Lock()
		var pending *Barrier
		for _, b := range s.barriers {
			if b.Covers(id) {
				pending = b
				break
			}
		}
		s.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}
