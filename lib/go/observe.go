package client

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/zot/livequery/internal/protocol"
	"go.uber.org/zap"
)

// Observer receives every new value of an observation, or the error that
// ended it. After an error the observer is not called again.
type Observer func(value json.RawMessage, err error)

// subscription is one server-side observation shared by local observers.
type subscription struct {
	id        uint64
	name      string
	payload   json.RawMessage
	checksum  uint64
	value     []byte
	observers map[int]Observer
	next      int
}

func (s *subscription) frame() protocol.SubscribeFrame {
	return protocol.SubscribeFrame{ID: s.id, Checksum: s.checksum, Name: s.name, Payload: s.payload}
}

// Observe subscribes to an observable query. Calls with the same name and
// payload share one subscription; the returned dispose removes this
// observer and unsubscribes once the last observer is gone. A cached value
// is delivered first when one is available.
func (c *Client) Observe(name string, payload any, fn Observer) (dispose func(), err error) {
	p, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	id, err := protocol.ObservableID(name, p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s, ok := c.subs[id]
	if !ok {
		s = &subscription{id: id, name: name, payload: p, observers: make(map[int]Observer)}
		if e, hit := c.cache.Get(id); hit {
			s.checksum, s.value = e.checksum, e.value
		}
		c.subs[id] = s
		if err := c.write(s.frame()); err != nil {
			c.logger.Debug("subscribe deferred", zap.Uint64("observable", id), zap.Error(err))
		}
	}
	key := s.next
	s.next++
	s.observers[key] = fn
	if s.value != nil {
		value := json.RawMessage(s.value)
		c.events.Post(func() { fn(value, nil) })
	}

	disposed := false
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if disposed {
			return
		}
		disposed = true
		delete(s.observers, key)
		if len(s.observers) > 0 || c.subs[id] != s {
			return
		}
		delete(c.subs, id)
		c.write(protocol.UnsubscribeFrame{ID: id})
	}, nil
}

// emit queues a callback for every observer of s. Callers hold c.mu.
func (c *Client) emit(s *subscription, value []byte, err error) {
	for _, fn := range s.observers {
		fn := fn
		c.events.Post(func() { fn(value, err) })
	}
}

// value stores a full value. Callers hold c.mu.
func (c *Client) value(id, checksum uint64, value []byte) {
	c.remember(id, checksum, value)
	if f, ok := c.flights[id]; ok {
		delete(c.flights, id)
		f.finish(value, nil)
	}
	if s, ok := c.subs[id]; ok {
		s.checksum, s.value = checksum, value
		c.emit(s, value, nil)
	}
}

// current answers reads whose cached value was already up to date.
// Callers hold c.mu.
func (c *Client) current(id uint64) {
	f, ok := c.flights[id]
	if !ok {
		return
	}
	delete(c.flights, id)
	if s, ok := c.subs[id]; ok && s.value != nil {
		f.finish(s.value, nil)
		return
	}
	f.finish(f.base, nil)
}

// diff patches the held value. A base mismatch, a patch that does not apply,
// or a result whose checksum disagrees triggers a full resync.
// Callers hold c.mu.
func (c *Client) diff(f protocol.DiffFrame) {
	s, ok := c.subs[f.ID]
	if !ok {
		return
	}
	if s.value == nil || s.checksum != f.PreviousChecksum {
		c.resync(s, "base mismatch")
		return
	}
	patch, err := jsonpatch.DecodePatch(f.Patch)
	if err != nil {
		c.resync(s, err.Error())
		return
	}
	patched, err := patch.Apply(s.value)
	if err != nil {
		c.resync(s, err.Error())
		return
	}
	canon, err := protocol.Canonicalize(patched)
	if err != nil || protocol.Checksum(canon) != f.Checksum {
		c.resync(s, "checksum mismatch")
		return
	}
	c.value(f.ID, f.Checksum, canon)
}

// resync asks for the full value again. Callers hold c.mu.
func (c *Client) resync(s *subscription, reason string) {
	c.logger.Debug("resync", zap.Uint64("observable", s.id), zap.String("reason", reason))
	s.checksum = 0
	c.write(s.frame())
}

// revoke ends subscriptions the server dropped after re-authorization.
// Callers hold c.mu.
func (c *Client) revoke(ids []uint64) {
	for _, id := range ids {
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			c.emit(s, nil, ErrRevoked)
		}
	}
}
