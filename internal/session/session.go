// Package session tracks one Session per open connection: its credential,
// the observables it subscribes to, and any re-authorization barrier that
// is holding its subscribe and unsubscribe traffic.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// State is the credential state of a connection.
type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// StateOf reports the state a credential puts a connection in. An empty,
// null or false credential means unauthenticated.
func StateOf(credential json.RawMessage) State {
	c := bytes.TrimSpace(credential)
	if len(c) == 0 || bytes.Equal(c, []byte("null")) || bytes.Equal(c, []byte("false")) {
		return Unauthenticated
	}
	return Authenticated
}

// Subscription is one observable a connection is subscribed to.
type Subscription struct {
	ID      uint64
	Name    string
	Payload json.RawMessage
}

// Session represents a single connection.
type Session struct {
	ID         string
	RemoteAddr string
	UserAgent  string

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	credential    json.RawMessage
	state         State
	epoch         uint64 // bumped on every credential change
	subscriptions map[uint64]Subscription
	barriers      []*Barrier
	createdAt     time.Time
	lastActivity  time.Time
}

// NewSession creates a session with the given ID.
func NewSession(id, remoteAddr, userAgent string) *Session {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:            id,
		RemoteAddr:    remoteAddr,
		UserAgent:     userAgent,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[uint64]Subscription),
		createdAt:     now,
		lastActivity:  now,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Close cancels the session context and releases waiters.
func (s *Session) Close() {
	s.cancel()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// SetCredential replaces the credential and returns the new epoch and state.
func (s *Session) SetCredential(credential json.RawMessage) (uint64, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateOf(credential)
	if s.state == Unauthenticated {
		credential = nil
	}
	s.credential = credential
	s.epoch++
	return s.epoch, s.state
}

// Credential returns the current credential (nil when unauthenticated).
func (s *Session) Credential() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// State returns the credential state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the credential epoch.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Subscribe records a subscription.
func (s *Session) Subscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
}

// Unsubscribe forgets a subscription and reports whether it existed.
func (s *Session) Unsubscribe(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[id]
	delete(s.subscriptions, id)
	return ok
}

// Subscribed reports whether the session holds id.
func (s *Session) Subscribed(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[id]
	return ok
}

// Subscriptions returns the subscriptions sorted by id.
func (s *Session) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Touch updates the last activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}
