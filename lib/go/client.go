// Package client is the Go client for a livequery server. It keeps one
// WebSocket connection alive, queues work while disconnected, correlates
// requests with responses, shares identical reads and subscriptions, and
// maintains a local cache of observable values kept current by diffs.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/svc"
	"github.com/zot/livequery/lib/go/store"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrDisconnected fails calls that were in flight when the connection dropped.
	ErrDisconnected = errors.New("connection lost")
	// ErrRevoked is delivered to observers whose subscription lost authorization.
	ErrRevoked = errors.New("subscription revoked")
)

const (
	writeTimeout = 10 * time.Second
	maxRequestID = 1<<24 - 1
)

// Resolver produces the WebSocket URL to dial. It may block, for example on
// a service lookup.
type Resolver func(ctx context.Context) (string, error)

// StaticURL resolves to a fixed address.
func StaticURL(url string) Resolver {
	return func(context.Context) (string, error) { return url, nil }
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Resolver   Resolver
	Header     http.Header
	Dialer     *websocket.Dialer
	Compress   bool
	CacheSize  int           // 256
	CacheTTL   time.Duration // 10m
	MinBackoff time.Duration // 100ms
	MaxBackoff time.Duration // 10s
	Logger     *zap.Logger

	// Store persists the cache across runs. The caller closes it.
	Store store.Backend
}

type cached struct {
	checksum uint64
	value    []byte
}

type reply struct {
	payload []byte
	auth    protocol.AuthResult
	err     error
}

// pending is a call or auth request awaiting its response.
type pending struct {
	id    uint32
	frame protocol.ClientFrame
	sent  bool
	ch    chan reply
}

// Client is a reconnecting livequery client. Its methods are safe for
// concurrent use.
type Client struct {
	opts    Options
	enc     *protocol.Encoder
	logger  *zap.Logger
	cache   *expirable.LRU[uint64, cached]
	events  *svc.Loop
	persist *svc.Loop
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started sync.Once

	mu         sync.Mutex
	ws         *websocket.Conn
	ready      chan struct{} // closed while connected
	closed     bool
	credential []byte
	nextReq    uint32
	requests   map[uint32]*pending
	queue      []*pending
	flights    map[uint64]*flight
	subs       map[uint64]*subscription
}

// New creates a client. Call Start or Connect to begin connecting.
func New(opts Options) *Client {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		enc:      protocol.NewEncoder(opts.Compress),
		logger:   opts.Logger,
		events:   svc.New().Start(),
		persist:  svc.New().Start(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		requests: make(map[uint32]*pending),
		flights:  make(map[uint64]*flight),
		subs:     make(map[uint64]*subscription),
	}
	var evicted func(uint64, cached)
	if opts.Store != nil {
		evicted = func(id uint64, _ cached) {
			c.persist.Post(func() { c.persistErr(opts.Store.Delete(id)) })
		}
	}
	c.cache = expirable.NewLRU[uint64, cached](opts.CacheSize, evicted, opts.CacheTTL)
	c.restore()
	return c
}

// restore loads unexpired entries from the store, oldest first.
func (c *Client) restore() {
	if c.opts.Store == nil {
		return
	}
	entries, err := c.opts.Store.All()
	if err != nil {
		c.logger.Warn("cache restore failed", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-c.opts.CacheTTL)
	for _, e := range entries {
		if e.Updated.Before(cutoff) {
			c.persist.Post(func() { c.persistErr(c.opts.Store.Delete(e.ID)) })
			continue
		}
		c.cache.Add(e.ID, cached{checksum: e.Checksum, value: e.Value})
	}
}

// remember caches a value and writes it through to the store.
func (c *Client) remember(id, checksum uint64, value []byte) {
	c.cache.Add(id, cached{checksum: checksum, value: value})
	if c.opts.Store != nil {
		e := &store.Entry{ID: id, Checksum: checksum, Value: value, Updated: time.Now()}
		c.persist.Post(func() { c.persistErr(c.opts.Store.Save(e)) })
	}
}

func (c *Client) persistErr(err error) {
	if err != nil {
		c.logger.Warn("cache store failed", zap.Error(err))
	}
}

// Start begins connecting in the background. Work issued before the first
// connection is queued.
func (c *Client) Start() {
	c.started.Do(func() { go c.run() })
}

// Connect starts the client and waits until it is connected.
func (c *Client) Connect(ctx context.Context) error {
	c.Start()
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Close disconnects and fails every outstanding request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	for id, p := range c.requests {
		p.ch <- reply{err: ErrClosed}
		delete(c.requests, id)
	}
	c.queue = nil
	for id, f := range c.flights {
		f.finish(nil, ErrClosed)
		delete(c.flights, id)
	}
	c.subs = make(map[uint64]*subscription)
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		ws.Close()
	}
	started := true
	c.started.Do(func() { started = false })
	if started {
		<-c.done
	}
	c.events.Stop()
	c.persist.Stop()
	<-c.persist.Done()
	return nil
}

// ClearCache drops every cached value, including stored ones. Live
// subscriptions keep the value they hold.
func (c *Client) ClearCache() {
	c.cache.Purge()
	if c.opts.Store != nil {
		c.persist.Post(func() { c.persistErr(c.opts.Store.Clear()) })
	}
}

// run keeps a connection open until Close.
func (c *Client) run() {
	defer close(c.done)
	backoff := c.opts.MinBackoff
	for {
		connected, err := c.session()
		if c.ctx.Err() != nil {
			return
		}
		if connected {
			backoff = c.opts.MinBackoff
		}
		c.logger.Debug("connection ended", zap.Error(err), zap.Duration("retry", backoff))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

// session dials once and reads until the connection fails.
func (c *Client) session() (bool, error) {
	if c.opts.Resolver == nil {
		return false, errors.New("no resolver")
	}
	url, err := c.opts.Resolver(c.ctx)
	if err != nil {
		return false, fmt.Errorf("resolve: %w", err)
	}
	ws, _, err := c.opts.Dialer.DialContext(c.ctx, url, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", url, err)
	}
	if err := c.attach(ws); err != nil {
		ws.Close()
		return false, err
	}
	err = c.readLoop(ws)
	c.detach(ws)
	return true, err
}

// attach installs ws and flushes queued work as one message: the
// credential, then every held subscription, then queued requests and reads
// in the order they were issued.
func (c *Client) attach(ws *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	var frames []protocol.ClientFrame
	if c.credential != nil && !c.authQueued() {
		// connect-time auth has no waiter, so its id is released at once
		p := c.newPending(protocol.AuthFrame{Credential: c.credential})
		delete(c.requests, p.id)
		frames = append(frames, p.frame)
	}
	for _, s := range c.subs {
		frames = append(frames, s.frame())
	}
	for _, p := range c.queue {
		frames = append(frames, p.frame)
	}
	for _, f := range c.flights {
		frames = append(frames, f.frame)
	}
	c.ws = ws
	if err := c.write(frames...); err != nil {
		c.ws = nil
		return err
	}
	for _, p := range c.queue {
		p.sent = true
	}
	c.queue = nil
	for _, f := range c.flights {
		f.sent = true
	}
	close(c.ready)
	c.logger.Debug("connected", zap.Int("flushed", len(frames)))
	return nil
}

// authQueued reports whether an explicit Auth is waiting to be sent.
// Callers hold c.mu.
func (c *Client) authQueued() bool {
	for _, p := range c.queue {
		if _, ok := p.frame.(protocol.AuthFrame); ok {
			return true
		}
	}
	return false
}

// detach clears the connection. Calls in flight fail; reads are resent on
// the next connection.
func (c *Client) detach(ws *websocket.Conn) {
	ws.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws {
		return
	}
	c.ws = nil
	c.ready = make(chan struct{})
	for id, p := range c.requests {
		if p.sent {
			p.ch <- reply{err: ErrDisconnected}
			delete(c.requests, id)
		}
	}
	for _, f := range c.flights {
		f.sent = false
	}
}

// write sends frames as one binary message. Callers hold c.mu.
func (c *Client) write(frames ...protocol.ClientFrame) error {
	if c.ws == nil || len(frames) == 0 {
		return nil
	}
	var msg []byte
	for _, f := range frames {
		b, err := c.enc.EncodeClient(f)
		if err != nil {
			return err
		}
		msg = append(msg, b...)
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.ws.Close()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// newPending allocates a request id. Callers hold c.mu.
func (c *Client) newPending(frame protocol.ClientFrame) *pending {
	for {
		c.nextReq = c.nextReq%maxRequestID + 1
		if _, used := c.requests[c.nextReq]; !used {
			break
		}
	}
	p := &pending{id: c.nextReq, ch: make(chan reply, 1)}
	switch f := frame.(type) {
	case protocol.CallFrame:
		f.RequestID = p.id
		p.frame = f
	case protocol.AuthFrame:
		f.RequestID = p.id
		p.frame = f
	}
	c.requests[p.id] = p
	return p
}

// dequeue forgets a request whose caller gave up. Callers hold c.mu.
func (c *Client) dequeue(p *pending) {
	delete(c.requests, p.id)
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		frames, err := protocol.SplitFrames(data)
		if err != nil {
			return err
		}
		for _, b := range frames {
			f, err := protocol.DecodeServer(b)
			if err != nil {
				c.logger.Warn("bad frame from server", zap.Error(err))
				continue
			}
			c.handle(f)
		}
	}
}

func (c *Client) handle(f protocol.ServerFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f := f.(type) {
	case protocol.ResultFrame:
		c.resolve(f.RequestID, reply{payload: f.Payload})
	case protocol.AuthResultFrame:
		c.revoke(f.Result.Revoked)
		c.resolve(f.RequestID, reply{auth: f.Result})
	case protocol.ValueFrame:
		c.value(f.ID, f.Checksum, f.Payload)
	case protocol.DiffFrame:
		c.diff(f)
	case protocol.CurrentFrame:
		c.current(f.ID)
	case protocol.ErrorFrame:
		c.fail(f.Err)
	}
}

// resolve completes request id. Callers hold c.mu.
func (c *Client) resolve(id uint32, r reply) {
	p, ok := c.requests[id]
	if !ok {
		return
	}
	delete(c.requests, id)
	p.ch <- r
}

// fail routes a server error to the request or observation it names.
// Callers hold c.mu.
func (c *Client) fail(e *protocol.Error) {
	switch {
	case e.RequestID != 0:
		c.resolve(e.RequestID, reply{err: e})
	case e.ObservableID != 0:
		if f, ok := c.flights[e.ObservableID]; ok {
			delete(c.flights, e.ObservableID)
			f.finish(nil, e)
			return
		}
		if s, ok := c.subs[e.ObservableID]; ok {
			delete(c.subs, e.ObservableID)
			c.emit(s, nil, e)
		}
	default:
		c.logger.Warn("server error", zap.Error(e))
	}
}
