package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zot/livequery/internal/auth"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/metrics"
	"github.com/zot/livequery/internal/observable"
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/session"
	"go.uber.org/zap"
)

// getTimeout bounds how long a get waits for a first value.
const getTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketEndpoint accepts client connections and dispatches their frames.
// It is the observable.Sender for every connection it holds.
type WebSocketEndpoint struct {
	config      *config.Config
	logger      *zap.Logger
	enc         *protocol.Encoder
	functions   *function.Registry
	observables *observable.Registry
	auth        *auth.Coordinator
	sessions    *session.Manager
	limiter     *RateLimiter
	metrics     *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewWebSocketEndpoint creates an endpoint. The observable registry and
// the auth coordinator are attached once built, since both depend on the
// endpoint in turn.
func NewWebSocketEndpoint(cfg *config.Config, logger *zap.Logger, enc *protocol.Encoder, functions *function.Registry,
	sessions *session.Manager, limiter *RateLimiter, m *metrics.Metrics) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:    cfg,
		logger:    logger,
		enc:       enc,
		functions: functions,
		sessions:  sessions,
		limiter:   limiter,
		metrics:   m,
		conns:     make(map[string]*Conn),
	}
}

// Count returns the number of open connections.
func (ws *WebSocketEndpoint) Count() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.conns)
}

func (ws *WebSocketEndpoint) conn(id string) *Conn {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.conns[id]
}

// Send implements observable.Sender.
func (ws *WebSocketEndpoint) Send(connID string, f observable.Frame) {
	if c := ws.conn(connID); c != nil {
		c.push(f)
	}
}

// Dropped implements observable.Sender.
func (ws *WebSocketEndpoint) Dropped(connID string, id uint64, err *protocol.Error) {
	c := ws.conn(connID)
	if c == nil {
		return
	}
	c.sess.Unsubscribe(id)
	c.sendError(err.WithObservable(id))
}

// credentialFrom reads a bearer token from the Authorization header or the
// token query parameter.
func credentialFrom(r *http.Request) json.RawMessage {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return nil
	}
	cred, _ := json.Marshal(token)
	return cred
}

// HandleWebSocket authorizes and upgrades a connection.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !ws.limiter.Allow(ip) {
		writeError(w, protocol.NewError(protocol.RateLimited, "", ""))
		return
	}
	sess := ws.sessions.Create(r.RemoteAddr, r.UserAgent())
	cred := credentialFrom(r)
	if err := ws.auth.Connect(r.Context(), sess.ID, cred); err != nil {
		ws.sessions.Destroy(sess.ID)
		ws.config.Log(1, "WebSocket rejected: remote=%s: %v", r.RemoteAddr, err)
		writeError(w, protocol.AsError(err, protocol.AuthorizeRejected, ""))
		return
	}
	sess.SetCredential(cred)

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.sessions.Destroy(sess.ID)
		ws.config.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}
	c := &Conn{
		id:       sess.ID,
		ip:       ip,
		ws:       wsConn,
		sess:     sess,
		endpoint: ws,
		out:      NewOutbound(ws.config.Connection.OutboundBuffer, ws.config.Connection.Backpressure),
		tails:    make(map[uint64]chan struct{}),
	}
	ws.mu.Lock()
	ws.conns[c.id] = c
	ws.mu.Unlock()
	ws.metrics.Connected()
	ws.config.Log(1, "WebSocket connected: conn=%s remote=%s", c.id, r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// CloseAll closes every connection.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.RLock()
	conns := make([]*Conn, 0, len(ws.conns))
	for _, c := range ws.conns {
		conns = append(conns, c)
	}
	ws.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// Conn is one client connection.
type Conn struct {
	id       string
	ip       string
	ws       *websocket.Conn
	sess     *session.Session
	endpoint *WebSocketEndpoint
	out      *Outbound

	mu        sync.Mutex
	tails     map[uint64]chan struct{}
	closeOnce sync.Once
}

func (c *Conn) log(level int, format string, args ...any) {
	c.endpoint.config.Log(level, format, args...)
}

// push queues an encoded frame; a connection that cannot keep up is closed.
func (c *Conn) push(f observable.Frame) {
	if err := c.out.Push(f); errors.Is(err, ErrOverflow) {
		c.endpoint.metrics.Dropped(c.out.policy)
		c.endpoint.logger.Warn("slow connection closed", zap.String("conn", c.id), zap.Int("queued", c.out.Len()))
		go c.close()
	}
}

func (c *Conn) send(f protocol.ServerFrame) {
	data, err := c.endpoint.enc.EncodeServer(f)
	if err != nil {
		c.endpoint.logger.Error("encode failed", zap.String("conn", c.id), zap.Error(err))
		return
	}
	c.push(observable.Frame{Data: data})
}

func (c *Conn) sendError(e *protocol.Error) {
	c.log(2, "[OUT] ERROR: to=%s %v", c.id, e)
	c.send(protocol.ErrorFrame{Err: e})
}

func (c *Conn) readPump() {
	defer c.close()
	cfg := c.endpoint.config
	c.ws.SetReadLimit(cfg.Server.MaxPayloadSize + protocol.MaxFrameLength)
	wait := 2 * cfg.Connection.PingInterval.Duration()
	if wait > 0 {
		c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log(0, "WebSocket error: conn=%s: %v", c.id, err)
			}
			return
		}
		if wait > 0 {
			c.ws.SetReadDeadline(time.Now().Add(wait))
		}
		c.sess.Touch()
		if !c.endpoint.limiter.Allow(c.ip) {
			c.sendError(protocol.NewError(protocol.RateLimited, "", ""))
			continue
		}
		frames, err := protocol.SplitFrames(message)
		if err != nil {
			c.sendError(protocol.NewError(protocol.InvalidPayload, "", "%v", err))
			continue
		}
		for _, raw := range frames {
			f, err := protocol.DecodeClient(raw)
			if err != nil {
				c.sendError(protocol.NewError(protocol.InvalidPayload, "", "%v", err))
				continue
			}
			c.dispatch(f)
		}
	}
}

func (c *Conn) writePump() {
	cfg := c.endpoint.config
	writeTimeout := cfg.Connection.WriteTimeout.Duration()
	interval := cfg.Connection.PingInterval.Duration()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.out.Done():
			deadline := time.Now().Add(time.Second)
			c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case <-c.out.Ready():
			frames := c.out.Drain()
			if len(frames) == 0 {
				continue
			}
			size := 0
			for _, f := range frames {
				size += len(f)
			}
			msg := make([]byte, 0, size)
			for _, f := range frames {
				msg = append(msg, f...)
			}
			if writeTimeout > 0 {
				c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.log(1, "WebSocket write failed: conn=%s: %v", c.id, err)
				return
			}
			c.log(3, "[OUT] %d frames (%d bytes) to=%s", len(frames), size, c.id)
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// close tears the connection down exactly once: the session is closed
// before it leaves the subscriber sets, so in-flight subscribes can tell.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		ws := c.endpoint
		c.sess.Close()
		c.out.Close()
		ws.mu.Lock()
		delete(ws.conns, c.id)
		ws.mu.Unlock()
		ws.observables.Disconnect(c.id)
		ws.sessions.Destroy(c.id)
		c.ws.Close()
		ws.metrics.Disconnected()
		c.log(1, "WebSocket disconnected: conn=%s", c.id)
	})
}

// serial runs fn after every earlier task queued for the same observable
// id on this connection. Tasks for different ids run concurrently.
func (c *Conn) serial(id uint64, fn func()) {
	c.mu.Lock()
	prev := c.tails[id]
	done := make(chan struct{})
	c.tails[id] = done
	c.mu.Unlock()
	go func() {
		defer func() {
			close(done)
			c.mu.Lock()
			if c.tails[id] == done {
				delete(c.tails, id)
			}
			c.mu.Unlock()
		}()
		if prev != nil {
			select {
			case <-prev:
			case <-c.sess.Context().Done():
				return
			}
		}
		fn()
	}()
}

// dispatch routes one decoded frame. Auth frames raise their barrier before
// the next frame is looked at.
func (c *Conn) dispatch(f protocol.ClientFrame) {
	switch f := f.(type) {
	case protocol.CallFrame:
		c.endpoint.metrics.FrameIn("call")
		c.log(2, "[IN] CALL: from=%s req=%d %s", c.id, f.RequestID, f.Name)
		go c.call(f)
	case protocol.SubscribeFrame:
		c.endpoint.metrics.FrameIn("subscribe")
		c.log(2, "[IN] SUBSCRIBE: from=%s id=%d %s", c.id, f.ID, f.Name)
		c.serial(f.ID, func() { c.subscribe(f) })
	case protocol.UnsubscribeFrame:
		c.endpoint.metrics.FrameIn("unsubscribe")
		c.log(2, "[IN] UNSUBSCRIBE: from=%s id=%d", c.id, f.ID)
		c.serial(f.ID, func() { c.unsubscribe(f) })
	case protocol.GetFrame:
		c.endpoint.metrics.FrameIn("get")
		c.log(2, "[IN] GET: from=%s id=%d %s", c.id, f.ID, f.Name)
		c.serial(f.ID, func() { c.get(f) })
	case protocol.AuthFrame:
		c.endpoint.metrics.FrameIn("auth")
		c.log(2, "[IN] AUTH: from=%s req=%d", c.id, f.RequestID)
		rv := c.endpoint.auth.Begin(c.sess, f.Credential)
		go func() {
			defer rv.Release()
			res := rv.Run(c.sess.Context())
			c.send(protocol.AuthResultFrame{RequestID: f.RequestID, Result: res})
		}()
	default:
		c.sendError(protocol.NewError(protocol.InvalidPayload, "", "unexpected frame %T", f))
	}
}

// authorize resolves name and checks access of the given kind.
func (c *Conn) authorize(ctx context.Context, kind function.Kind, name string, payload, cred json.RawMessage) (*function.Spec, *protocol.Error) {
	return authorize(ctx, c.endpoint.functions, c.endpoint.auth, function.AuthRequest{
		ConnID:     c.id,
		Credential: cred,
		Kind:       kind,
		Name:       name,
		Payload:    payload,
	})
}

func authorize(ctx context.Context, functions *function.Registry, coordinator *auth.Coordinator, req function.AuthRequest) (*function.Spec, *protocol.Error) {
	spec, err := functions.Get(ctx, req.Name)
	if errors.Is(err, function.ErrNotFound) {
		return nil, protocol.NewError(protocol.FunctionNotFound, req.Name, "")
	} else if err != nil {
		return nil, protocol.AsError(err, protocol.FunctionError, req.Name)
	}
	switch {
	case req.Kind == function.KindCall && spec.Observable:
		return nil, protocol.NewError(protocol.FunctionIsObservable, req.Name, "")
	case req.Kind != function.KindCall && !spec.Observable:
		return nil, protocol.NewError(protocol.FunctionIsNotObservable, req.Name, "")
	}
	if err := coordinator.Check(ctx, spec, req); err != nil {
		return nil, protocol.AsError(err, protocol.AuthorizeFunctionError, req.Name)
	}
	return spec, nil
}

func (c *Conn) call(f protocol.CallFrame) {
	ctx := c.sess.Context()
	cred := c.sess.Credential()
	spec, perr := c.authorize(ctx, function.KindCall, f.Name, f.Payload, cred)
	if perr != nil {
		c.endpoint.metrics.Call("rejected")
		c.sendError(perr.WithRequest(f.RequestID))
		return
	}
	out, err := spec.Invoke(ctx, function.Request{Name: f.Name, Payload: f.Payload, ConnID: c.id, Credential: cred})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.endpoint.metrics.Call("error")
		c.sendError(protocol.AsError(err, protocol.FunctionError, f.Name).WithRequest(f.RequestID))
		return
	}
	c.endpoint.metrics.Call("ok")
	c.send(protocol.ResultFrame{RequestID: f.RequestID, Payload: out})
}

func (c *Conn) subscribe(f protocol.SubscribeFrame) {
	ctx := c.sess.Context()
	if err := c.sess.Wait(ctx, f.ID); err != nil {
		return
	}
	epoch, cred := c.sess.Epoch(), c.sess.Credential()
	if _, perr := c.authorize(ctx, function.KindObserve, f.Name, f.Payload, cred); perr != nil {
		c.sendError(perr.WithObservable(f.ID))
		return
	}
	obs := c.endpoint.observables
	err := obs.Subscribe(ctx, observable.Query{
		ID:         f.ID,
		Name:       f.Name,
		Payload:    f.Payload,
		ConnID:     c.id,
		Credential: cred,
		Checksum:   f.Checksum,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.sess.Unsubscribe(f.ID)
		c.sendError(protocol.AsError(err, protocol.ObservableFunctionError, f.Name).WithObservable(f.ID))
		return
	}
	c.sess.Subscribe(session.Subscription{ID: f.ID, Name: f.Name, Payload: f.Payload})
	if c.sess.Closed() {
		obs.Unsubscribe(c.id, f.ID)
		return
	}
	if c.sess.Epoch() != epoch {
		// the credential changed while this subscription was being set up
		if _, perr := c.authorize(ctx, function.KindObserve, f.Name, f.Payload, c.sess.Credential()); perr != nil {
			obs.Unsubscribe(c.id, f.ID)
			c.sess.Unsubscribe(f.ID)
			c.sendError(perr.WithObservable(f.ID))
		}
	}
}

func (c *Conn) unsubscribe(f protocol.UnsubscribeFrame) {
	if err := c.sess.Wait(c.sess.Context(), f.ID); err != nil {
		return
	}
	c.endpoint.observables.Unsubscribe(c.id, f.ID)
	c.sess.Unsubscribe(f.ID)
}

func (c *Conn) get(f protocol.GetFrame) {
	ctx, cancel := context.WithTimeout(c.sess.Context(), getTimeout)
	defer cancel()
	cred := c.sess.Credential()
	if _, perr := c.authorize(ctx, function.KindGet, f.Name, f.Payload, cred); perr != nil {
		c.sendError(perr.WithObservable(f.ID))
		return
	}
	err := c.endpoint.observables.Get(ctx, observable.Query{
		ID:         f.ID,
		Name:       f.Name,
		Payload:    f.Payload,
		ConnID:     c.id,
		Credential: cred,
		Checksum:   f.Checksum,
	})
	if err != nil && !c.sess.Closed() {
		c.sendError(protocol.AsError(err, protocol.ObservableFunctionError, f.Name).WithObservable(f.ID))
	}
}
