// Package auth gates connections and messages behind authorize predicates
// and re-validates live subscriptions when a connection's credential
// changes.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/metrics"
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Functions resolves the spec behind a subscription.
type Functions interface {
	Get(ctx context.Context, name string) (*function.Spec, error)
}

// Revoker removes a connection from an observable's subscribers.
type Revoker interface {
	Unsubscribe(connID string, id uint64)
}

// Options configures a Coordinator.
type Options struct {
	// Authorize is the top-level predicate; nil accepts everything.
	Authorize function.AuthorizeFunc
	// Timeout bounds each predicate evaluation; zero means no bound.
	Timeout time.Duration
	// Parallelism bounds concurrent evaluations during re-validation.
	Parallelism int
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Coordinator evaluates predicates.
type Coordinator struct {
	authorize   function.AuthorizeFunc
	functions   Functions
	revoker     Revoker
	timeout     time.Duration
	parallelism int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(functions Functions, revoker Revoker, opts Options) *Coordinator {
	if opts.Authorize == nil {
		opts.Authorize = AllowAll
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		authorize:   opts.Authorize,
		functions:   functions,
		revoker:     revoker,
		timeout:     opts.Timeout,
		parallelism: opts.Parallelism,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// evaluate runs pred, turning rejections and failures into structured errors.
func (c *Coordinator) evaluate(ctx context.Context, pred function.AuthorizeFunc, req function.AuthRequest) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ok, err := function.CheckAuthorize(ctx, pred, req)
	if err != nil {
		return protocol.NewError(protocol.AuthorizeFunctionError, req.Name, "%v", err)
	}
	if !ok {
		return protocol.NewError(protocol.AuthorizeRejected, req.Name, "")
	}
	return nil
}

// Connect authorizes opening a connection.
func (c *Coordinator) Connect(ctx context.Context, connID string, credential json.RawMessage) error {
	return c.evaluate(ctx, c.authorize, function.AuthRequest{
		ConnID:     connID,
		Credential: credential,
		Kind:       function.KindConnect,
	})
}

// Check authorizes one call, observe or get against spec, preferring the
// spec's own predicate.
func (c *Coordinator) Check(ctx context.Context, spec *function.Spec, req function.AuthRequest) error {
	pred := c.authorize
	if spec != nil && spec.Authorize != nil {
		pred = spec.Authorize
	}
	return c.evaluate(ctx, pred, req)
}

// Verdict is the outcome of re-validating a connection.
type Verdict struct {
	Revoked    []uint64
	AuthFailed bool
}

// Revalidate evaluates the top-level predicate once and every subscription
// concurrently, waiting for every verdict.
func (c *Coordinator) Revalidate(ctx context.Context, connID string, credential json.RawMessage, subs []session.Subscription) Verdict {
	var (
		mu      sync.Mutex
		verdict Verdict
		g       errgroup.Group
	)
	g.SetLimit(c.parallelism)

	g.Go(func() error {
		err := c.evaluate(ctx, c.authorize, function.AuthRequest{
			ConnID:     connID,
			Credential: credential,
			Kind:       function.KindValidate,
		})
		if err != nil {
			mu.Lock()
			verdict.AuthFailed = true
			mu.Unlock()
		}
		return nil
	})
	revoked := make([]bool, len(subs))
	for i, sub := range subs {
		g.Go(func() error {
			req := function.AuthRequest{
				ConnID:     connID,
				Credential: credential,
				Kind:       function.KindObserve,
				Name:       sub.Name,
				Payload:    sub.Payload,
			}
			spec, err := c.functions.Get(ctx, sub.Name)
			if err == nil {
				err = c.Check(ctx, spec, req)
			}
			if err != nil {
				revoked[i] = true
				if !errors.Is(err, protocol.NewError(protocol.AuthorizeRejected, "", "")) {
					c.logger.Debug("subscription re-validation failed", zap.String("conn", connID), zap.Uint64("observable", sub.ID), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, sub := range subs {
		if revoked[i] {
			verdict.Revoked = append(verdict.Revoked, sub.ID)
		}
	}
	return verdict
}

// Revalidation is one credential change in progress on a connection.
type Revalidation struct {
	c          *Coordinator
	sess       *session.Session
	epoch      uint64
	credential json.RawMessage
	subs       []session.Subscription
	barrier    *session.Barrier
}

// Begin swaps the credential of sess and raises a barrier over its current
// subscriptions. It must run before the connection's next frame is
// dispatched; Run then does the evaluation.
func (c *Coordinator) Begin(sess *session.Session, credential json.RawMessage) *Revalidation {
	epoch, _ := sess.SetCredential(credential)
	subs := sess.Subscriptions()
	ids := make([]uint64, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	return &Revalidation{
		c:          c,
		sess:       sess,
		epoch:      epoch,
		credential: sess.Credential(),
		subs:       subs,
		barrier:    sess.Hold(ids),
	}
}

// Run evaluates every subscription and revokes the rejected ones. When a
// newer credential replaced this one meanwhile, nothing is revoked: the
// newer revalidation decides. The barrier stays up until Release.
func (rv *Revalidation) Run(ctx context.Context) protocol.AuthResult {
	v := rv.c.Revalidate(ctx, rv.sess.ID, rv.credential, rv.subs)
	if rv.sess.Epoch() != rv.epoch {
		return protocol.AuthResult{}
	}
	for _, id := range v.Revoked {
		rv.c.revoker.Unsubscribe(rv.sess.ID, id)
		rv.sess.Unsubscribe(id)
	}
	rv.c.metrics.Revoked(len(v.Revoked))
	if len(v.Revoked) > 0 || v.AuthFailed {
		rv.c.logger.Info("credential change revoked subscriptions",
			zap.String("conn", rv.sess.ID), zap.Int("revoked", len(v.Revoked)), zap.Bool("authFailed", v.AuthFailed))
	}
	return protocol.AuthResult{Revoked: v.Revoked, AuthFailed: v.AuthFailed}
}

// Release lowers the barrier so held traffic is replayed.
func (rv *Revalidation) Release() {
	rv.sess.Release(rv.barrier)
}
