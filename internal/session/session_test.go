package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateOf(t *testing.T) {
	assert.Equal(t, Unauthenticated, StateOf(nil))
	assert.Equal(t, Unauthenticated, StateOf(json.RawMessage(` false `)))
	assert.Equal(t, Unauthenticated, StateOf(json.RawMessage(`null`)))
	assert.Equal(t, Authenticated, StateOf(json.RawMessage(`"token"`)))
	assert.Equal(t, Authenticated, StateOf(json.RawMessage(`{"token":"x"}`)))
}

func TestCredentialTransitions(t *testing.T) {
	s := NewSession("a", "", "")
	assert.Equal(t, Unauthenticated, s.State())

	e1, st := s.SetCredential(json.RawMessage(`"one"`))
	assert.Equal(t, Authenticated, st)
	e2, st := s.SetCredential(json.RawMessage(`"two"`))
	assert.Equal(t, Authenticated, st)
	assert.Greater(t, e2, e1)
	assert.Equal(t, `"two"`, string(s.Credential()))

	_, st = s.SetCredential(json.RawMessage(`false`))
	assert.Equal(t, Unauthenticated, st)
	assert.Nil(t, s.Credential())
}

func TestSubscriptions(t *testing.T) {
	s := NewSession("a", "", "")
	s.Subscribe(Subscription{ID: 2, Name: "b"})
	s.Subscribe(Subscription{ID: 1, Name: "a"})
	subs := s.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, uint64(1), subs[0].ID)
	assert.True(t, s.Subscribed(2))
	assert.True(t, s.Unsubscribe(2))
	assert.False(t, s.Unsubscribe(2))
	assert.False(t, s.Subscribed(2))
}

func TestBarrierHoldsOnlyCoveredIDs(t *testing.T) {
	s := NewSession("a", "", "")
	b := s.Hold([]uint64{1, 2})
	assert.True(t, s.Held(1))
	assert.False(t, s.Held(3))

	require.NoError(t, s.Wait(context.Background(), 3))

	released := make(chan error, 1)
	go func() { released <- s.Wait(context.Background(), 1) }()
	select {
	case <-released:
		t.Fatal("wait returned while held")
	case <-time.After(20 * time.Millisecond):
	}
	s.Release(b)
	require.NoError(t, <-released)
	assert.False(t, s.Held(1))
	s.Release(b) // second release is a no-op
}

func TestWaitEndsOnClose(t *testing.T) {
	s := NewSession("a", "", "")
	s.Hold([]uint64{1})
	go s.Close()
	assert.Error(t, s.Wait(context.Background(), 1))
}

func TestManager(t *testing.T) {
	m := NewManager()
	var created, destroyed []string
	m.SetOnCreated(func(s *Session) { created = append(created, s.ID) })
	m.SetOnDestroyed(func(s *Session) { destroyed = append(destroyed, s.ID) })

	a := m.Create("1.2.3.4", "test")
	b := m.Create("1.2.3.5", "test")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, m.Count())
	assert.Same(t, a, m.Get(a.ID))

	assert.True(t, m.Destroy(a.ID))
	assert.False(t, m.Destroy(a.ID))
	assert.True(t, a.Closed())
	assert.Nil(t, m.Get(a.ID))
	assert.Equal(t, []string{a.ID, b.ID}, created)
	assert.Equal(t, []string{a.ID}, destroyed)
	assert.Len(t, m.Inactive(time.Hour), 0)
	assert.Len(t, m.Inactive(-time.Second), 1)
}
