package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zot/livequery/internal/protocol"
)

// AuthResult reports the outcome of replacing the credential.
type AuthResult struct {
	// Revoked lists observable ids whose subscriptions were dropped.
	Revoked []uint64
	// Failed is set when the credential was rejected for the connection.
	Failed bool
}

// encodePayload accepts nil, raw JSON, or any marshalable value.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// submit sends a request now or queues it until connected, then waits for
// its reply.
func (c *Client) submit(ctx context.Context, frame protocol.ClientFrame) (reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reply{}, ErrClosed
	}
	p := c.newPending(frame)
	if c.ws != nil {
		p.sent = true
		if err := c.write(p.frame); err != nil {
			c.dequeue(p)
			c.mu.Unlock()
			return reply{}, err
		}
	} else {
		c.queue = append(c.queue, p)
	}
	c.mu.Unlock()

	select {
	case r := <-p.ch:
		return r, r.err
	case <-ctx.Done():
		c.mu.Lock()
		c.dequeue(p)
		c.mu.Unlock()
		return reply{}, ctx.Err()
	}
}

// Call invokes a plain function and returns its JSON result.
func (c *Client) Call(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	p, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	r, err := c.submit(ctx, protocol.CallFrame{Name: name, Payload: p})
	if err != nil {
		return nil, err
	}
	return r.payload, nil
}

// Auth replaces the connection credential. A nil credential clears it. The
// credential is kept and presented again after every reconnect.
func (c *Client) Auth(ctx context.Context, credential any) (AuthResult, error) {
	cred, err := encodePayload(credential)
	if err != nil {
		return AuthResult{}, err
	}
	c.mu.Lock()
	c.credential = cred
	c.mu.Unlock()
	r, err := c.submit(ctx, protocol.AuthFrame{Credential: cred})
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Revoked: r.auth.Revoked, Failed: r.auth.AuthFailed}, nil
}

// flight is one in-progress read shared by every Get for the same query.
type flight struct {
	frame protocol.GetFrame
	base  []byte // value cached when the read was issued
	sent  bool
	done  chan struct{}
	value []byte
	err   error
}

func (f *flight) finish(value []byte, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Get reads the current value of an observable query once. Concurrent Gets
// for the same query share one request.
func (c *Client) Get(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	p, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	id, err := protocol.ObservableID(name, p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	f, ok := c.flights[id]
	if !ok {
		f = &flight{frame: protocol.GetFrame{ID: id, Name: name, Payload: p}, done: make(chan struct{})}
		if e, hit := c.cache.Get(id); hit {
			f.frame.Checksum = e.checksum
			f.base = e.value
		}
		c.flights[id] = f
		if c.ws != nil {
			f.sent = true
			if err := c.write(f.frame); err != nil {
				f.sent = false
			}
		}
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
