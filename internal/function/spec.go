// Package function holds the registry of named functions: plain calls and
// observable producers, installed on demand and evicted when idle.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zot/livequery/internal/protocol"
)

// Kind is the shape of access being authorized.
type Kind string

const (
	KindConnect  Kind = "connect"
	KindCall     Kind = "call"
	KindObserve  Kind = "observe"
	KindGet      Kind = "get"
	KindValidate Kind = "validate"
)

// Request is one invocation of a function body.
type Request struct {
	Name       string
	Payload    json.RawMessage
	ConnID     string
	Credential json.RawMessage
}

// AuthRequest is the input to an authorize predicate.
type AuthRequest struct {
	ConnID     string
	Credential json.RawMessage
	Kind       Kind
	Name       string
	Payload    json.RawMessage
}

// CallFunc computes the result of a plain function.
type CallFunc func(ctx context.Context, req Request) (any, error)

// Sink receives what an observable body produces. Both methods may be
// called from any goroutine, any number of times.
type Sink interface {
	// Update publishes a new value.
	Update(value any)
	// Fail reports that the body broke; the observable is torn down.
	Fail(err error)
}

// ObserveFunc starts an observable producer. The returned cleanup (which may
// be nil) is called once when the observable is torn down. ctx is cancelled
// at teardown as well.
type ObserveFunc func(ctx context.Context, req Request, sink Sink) (func(), error)

// AuthorizeFunc decides whether a request may proceed.
type AuthorizeFunc func(ctx context.Context, req AuthRequest) (bool, error)

// Spec is an installed function.
type Spec struct {
	Name       string
	Checksum   uint64 // code version
	Observable bool
	// IdleTimeout is how long the spec may stay unreferenced before eviction.
	// Zero exempts it.
	IdleTimeout time.Duration
	Call        CallFunc
	Observe     ObserveFunc
	// Authorize overrides the top-level predicate for this function.
	Authorize AuthorizeFunc
}

// ErrNotFound is returned when no spec exists and the installer has none.
var ErrNotFound = errors.New("function not found")

// Invoke runs a plain function and serializes its result. Panics and errors
// from the body are reported as FunctionError.
func (s *Spec) Invoke(ctx context.Context, req Request) (out json.RawMessage, err error) {
	if s.Observable || s.Call == nil {
		return nil, protocol.NewError(protocol.FunctionIsObservable, s.Name, "")
	}
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewError(protocol.FunctionError, s.Name, "panic: %v", r)
		}
	}()
	value, err := s.Call(ctx, req)
	if err != nil {
		return nil, protocol.AsError(err, protocol.FunctionError, s.Name)
	}
	if value == nil {
		return nil, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	out, err = json.Marshal(value)
	if err != nil {
		return nil, protocol.NewError(protocol.FunctionError, s.Name, "serialize result: %v", err)
	}
	return out, nil
}

// Start runs an observable producer behind a recover boundary.
func (s *Spec) Start(ctx context.Context, req Request, sink Sink) (cleanup func(), err error) {
	if !s.Observable || s.Observe == nil {
		return nil, protocol.NewError(protocol.FunctionIsNotObservable, s.Name, "")
	}
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewError(protocol.FunctionError, s.Name, "panic: %v", r)
		}
	}()
	cleanup, err = s.Observe(ctx, req, sink)
	if err != nil {
		return nil, protocol.AsError(err, protocol.FunctionError, s.Name)
	}
	return cleanup, nil
}

// CheckAuthorize runs the custom predicate behind a recover boundary.
func CheckAuthorize(ctx context.Context, pred AuthorizeFunc, req AuthRequest) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("authorize panic: %v", r)
		}
	}()
	return pred(ctx, req)
}
