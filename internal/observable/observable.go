package observable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/protocol"
)

// Observable is one live instance of a query. Every field is owned by the
// loop.
type Observable struct {
	Name    string
	ID      uint64
	Payload json.RawMessage

	spec        *function.Spec
	connID      string // connection that caused creation
	credential  json.RawMessage
	subscribers map[string]struct{}
	getters     []*getter

	value    json.RawMessage // canonical serialized value, nil before the first update
	checksum uint64
	full     []byte // encoded value frame for value

	ctx        context.Context
	cancel     context.CancelFunc
	cleanup    func()
	generation int // bumped on rebuild; stale updates are ignored

	timer    *time.Timer
	timerGen int

	ready     chan struct{} // closed once creation finished
	err       error         // creation outcome, readable after ready
	created   bool
	destroyed bool
}

func (o *Observable) request() function.Request {
	return function.Request{
		Name:       o.Name,
		Payload:    o.Payload,
		ConnID:     o.connID,
		Credential: o.credential,
	}
}

type getter struct {
	serve func(*Observable)
	done  chan struct{}
	err   error
}

func (o *Observable) removeGetter(g *getter) {
	for i, x := range o.getters {
		if x == g {
			o.getters = append(o.getters[:i], o.getters[i+1:]...)
			return
		}
	}
}

func (o *Observable) releaseGetters(err error) {
	for _, g := range o.getters {
		g.err = err
		close(g.done)
	}
	o.getters = nil
}

// sink is handed to a body; it serializes on the caller's goroutine so the
// loop only ever sees complete snapshots.
type sink struct {
	r   *Registry
	obs *Observable
	gen int
}

func (s *sink) Update(value any) {
	data, err := Serialize(value)
	if err != nil {
		s.Fail(err)
		return
	}
	s.r.loop.Post(func() {
		s.r.apply(s.obs, s.gen, data)
	})
}

func (s *sink) Fail(err error) {
	s.r.loop.Post(func() {
		if s.obs.generation != s.gen {
			return
		}
		s.r.fail(s.obs, err)
	})
}

// Serialize produces the canonical bytes a value is checksummed and
// diffed over.
func Serialize(value any) (json.RawMessage, error) {
	raw, ok := value.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("serialize value: %w", err)
		}
	}
	canon, err := protocol.Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	if canon == nil {
		canon = json.RawMessage("null")
	}
	return canon, nil
}
