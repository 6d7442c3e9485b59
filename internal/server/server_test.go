package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/protocol"
	"go.uber.org/zap/zaptest"
)

var pad = strings.Repeat(".", 64)

// feed is an observable whose values the test pushes.
type feed struct {
	mu    sync.Mutex
	sinks []function.Sink
}

func (f *feed) spec(name string, authorize function.AuthorizeFunc) *function.Spec {
	return &function.Spec{
		Name:       name,
		Observable: true,
		Authorize:  authorize,
		Observe: func(ctx context.Context, req function.Request, sink function.Sink) (func(), error) {
			f.mu.Lock()
			f.sinks = append(f.sinks, sink)
			f.mu.Unlock()
			sink.Update(map[string]any{"n": 0, "pad": pad})
			return nil, nil
		},
	}
}

func (f *feed) publish(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		s.Update(v)
	}
}

func echo() *function.Spec {
	return &function.Spec{
		Name: "echo",
		Call: func(ctx context.Context, req function.Request) (any, error) {
			return req.Payload, nil
		},
	}
}

func onlyOK(ctx context.Context, req function.AuthRequest) (bool, error) {
	return string(req.Credential) == `"ok"`, nil
}

type fixture struct {
	s    *Server
	ts   *httptest.Server
	feed *feed
}

func newFixture(t *testing.T, tweak func(*config.Config, *Options)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Functions.Dir = ""
	cfg.Observables.GracePeriod = config.Duration(20 * time.Millisecond)
	cfg.Connection.PingInterval = 0
	fd := &feed{}
	opts := Options{Installer: function.NewStatic(echo(), fd.spec("counter", nil), fd.spec("private", onlyOK))}
	if tweak != nil {
		tweak(cfg, &opts)
	}
	s, err := New(cfg, zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	s.StartBackground(context.Background())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
	})
	return &fixture{s: s, ts: ts, feed: fd}
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	enc    *protocol.Encoder
	frames chan protocol.ServerFrame
}

func (f *fixture) dial(t *testing.T, header http.Header) (*wsClient, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, resp, err
	}
	c := &wsClient{t: t, conn: conn, enc: protocol.NewEncoder(false), frames: make(chan protocol.ServerFrame, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			raws, err := protocol.SplitFrames(msg)
			if err != nil {
				return
			}
			for _, raw := range raws {
				sf, err := protocol.DecodeServer(raw)
				if err != nil {
					return
				}
				c.frames <- sf
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c, resp, nil
}

func (f *fixture) mustDial(t *testing.T) *wsClient {
	t.Helper()
	c, _, err := f.dial(t, nil)
	require.NoError(t, err)
	return c
}

func (c *wsClient) send(frames ...protocol.ClientFrame) {
	c.t.Helper()
	var msg []byte
	for _, f := range frames {
		b, err := c.enc.EncodeClient(f)
		require.NoError(c.t, err)
		msg = append(msg, b...)
	}
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, msg))
}

func (c *wsClient) next() protocol.ServerFrame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed")
		return f
	case <-time.After(3 * time.Second):
		c.t.Fatal("no frame")
		return nil
	}
}

func (c *wsClient) quiet(d time.Duration) {
	c.t.Helper()
	select {
	case f := <-c.frames:
		c.t.Fatalf("unexpected frame %#v", f)
	case <-time.After(d):
	}
}

func errorOf(t *testing.T, f protocol.ServerFrame) *protocol.Error {
	t.Helper()
	ef, ok := f.(protocol.ErrorFrame)
	require.True(t, ok, "want error frame, got %#v", f)
	return ef.Err
}

func observableID(t *testing.T, name, payload string) uint64 {
	t.Helper()
	canon, err := protocol.Canonicalize(json.RawMessage(payload))
	require.NoError(t, err)
	id, err := protocol.ObservableID(name, canon)
	require.NoError(t, err)
	return id
}

func TestCallOverWebSocket(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)

	c.send(protocol.CallFrame{RequestID: 7, Name: "echo", Payload: json.RawMessage(`{"x":1}`)})
	res, ok := c.next().(protocol.ResultFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(7), res.RequestID)
	assert.JSONEq(t, `{"x":1}`, string(res.Payload))

	c.send(protocol.CallFrame{RequestID: 8, Name: "nope"})
	e := errorOf(t, c.next())
	assert.Equal(t, protocol.FunctionNotFound, e.Code)
	assert.Equal(t, uint32(8), e.RequestID)

	c.send(protocol.CallFrame{RequestID: 9, Name: "counter"})
	e = errorOf(t, c.next())
	assert.Equal(t, protocol.FunctionIsObservable, e.Code)
	assert.Equal(t, uint32(9), e.RequestID)
}

func TestSubscribeValueDiffAndAck(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)
	id := observableID(t, "counter", `{}`)

	c.send(protocol.SubscribeFrame{ID: id, Name: "counter", Payload: json.RawMessage(`{}`)})
	v, ok := c.next().(protocol.ValueFrame)
	require.True(t, ok)
	assert.Equal(t, id, v.ID)
	assert.Equal(t, protocol.Checksum(v.Payload), v.Checksum)
	assert.JSONEq(t, `{"n":0,"pad":"`+pad+`"}`, string(v.Payload))

	f.feed.publish(map[string]any{"n": 1, "pad": pad})
	d, ok := c.next().(protocol.DiffFrame)
	require.True(t, ok)
	assert.Equal(t, v.Checksum, d.PreviousChecksum)
	patch, err := jsonpatch.DecodePatch(d.Patch)
	require.NoError(t, err)
	patched, err := patch.Apply(v.Payload)
	require.NoError(t, err)
	canon, err := protocol.Canonicalize(patched)
	require.NoError(t, err)
	assert.Equal(t, d.Checksum, protocol.Checksum(canon))

	// a second client that already holds the value only gets an ack
	c2 := f.mustDial(t)
	c2.send(protocol.SubscribeFrame{ID: id, Checksum: d.Checksum, Name: "counter", Payload: json.RawMessage(`{}`)})
	ack, ok := c2.next().(protocol.CurrentFrame)
	require.True(t, ok)
	assert.Equal(t, id, ack.ID)

	// resubscribing with a stale checksum resyncs
	c.send(protocol.SubscribeFrame{ID: id, Checksum: v.Checksum, Name: "counter", Payload: json.RawMessage(`{}`)})
	full, ok := c.next().(protocol.ValueFrame)
	require.True(t, ok)
	assert.Equal(t, d.Checksum, full.Checksum)
	assert.Len(t, f.s.Observables().List(), 1)
}

func TestSubscribeRejectsMismatchedID(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)
	c.send(protocol.SubscribeFrame{ID: 12345, Name: "counter", Payload: json.RawMessage(`{}`)})
	e := errorOf(t, c.next())
	assert.Equal(t, protocol.InvalidPayload, e.Code)
	assert.Equal(t, uint64(12345), e.ObservableID)
}

func TestUnsubscribeAndGrace(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)
	id := observableID(t, "counter", `{"room":"a"}`)
	c.send(protocol.SubscribeFrame{ID: id, Name: "counter", Payload: json.RawMessage(`{"room":"a"}`)})
	_, ok := c.next().(protocol.ValueFrame)
	require.True(t, ok)

	c.send(protocol.UnsubscribeFrame{ID: id})
	assert.Eventually(t, func() bool {
		return len(f.s.Observables().List()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	f.feed.publish(map[string]any{"n": 5})
	c.quiet(50 * time.Millisecond)
}

func TestGetOverWebSocket(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)
	id := observableID(t, "counter", `{}`)
	c.send(protocol.GetFrame{ID: id, Name: "counter", Payload: json.RawMessage(`{}`)})
	v, ok := c.next().(protocol.ValueFrame)
	require.True(t, ok)

	c.send(protocol.GetFrame{ID: id, Checksum: v.Checksum, Name: "counter", Payload: json.RawMessage(`{}`)})
	_, ok = c.next().(protocol.CurrentFrame)
	require.True(t, ok)

	c.send(protocol.GetFrame{ID: observableID(t, "echo", `{}`), Name: "echo", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, protocol.FunctionIsNotObservable, errorOf(t, c.next()).Code)
}

func TestAuthRevokesSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)
	id := observableID(t, "private", `{}`)

	c.send(protocol.SubscribeFrame{ID: id, Name: "private", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, protocol.AuthorizeRejected, errorOf(t, c.next()).Code)

	c.send(protocol.AuthFrame{RequestID: 1, Credential: json.RawMessage(`"ok"`)})
	ar, ok := c.next().(protocol.AuthResultFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ar.RequestID)
	assert.Empty(t, ar.Result.Revoked)

	c.send(protocol.SubscribeFrame{ID: id, Name: "private", Payload: json.RawMessage(`{}`)})
	_, ok = c.next().(protocol.ValueFrame)
	require.True(t, ok)

	c.send(protocol.AuthFrame{RequestID: 2, Credential: json.RawMessage(`false`)})
	ar, ok = c.next().(protocol.AuthResultFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(2), ar.RequestID)
	assert.Equal(t, []uint64{id}, ar.Result.Revoked)
	assert.False(t, ar.Result.AuthFailed)

	f.feed.publish(map[string]any{"n": 9, "pad": pad})
	c.quiet(100 * time.Millisecond)
}

func TestAuthBarrierHoldsOnlyRevalidatedIDs(t *testing.T) {
	gate := make(chan struct{})
	fa, fb := &feed{}, &feed{}
	slow := func(ctx context.Context, req function.AuthRequest) (bool, error) {
		if string(req.Credential) != `"b2"` {
			return true, nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return false, nil
	}
	f := newFixture(t, func(_ *config.Config, opts *Options) {
		opts.Installer = function.NewStatic(fa.spec("alpha", nil), fb.spec("beta", slow))
	})
	c := f.mustDial(t)
	a, b := observableID(t, "alpha", `{}`), observableID(t, "beta", `{}`)

	c.send(protocol.AuthFrame{RequestID: 1, Credential: json.RawMessage(`"b1"`)})
	_, ok := c.next().(protocol.AuthResultFrame)
	require.True(t, ok)
	c.send(
		protocol.SubscribeFrame{ID: a, Name: "alpha", Payload: json.RawMessage(`{}`)},
		protocol.SubscribeFrame{ID: b, Name: "beta", Payload: json.RawMessage(`{}`)},
	)
	sums := map[uint64]uint64{}
	for range 2 {
		v, ok := c.next().(protocol.ValueFrame)
		require.True(t, ok)
		sums[v.ID] = v.Checksum
	}
	require.Len(t, sums, 2)
	require.Eventually(t, func() bool {
		all := f.s.Sessions().All()
		return len(all) == 1 && all[0].Subscribed(a) && all[0].Subscribed(b)
	}, time.Second, 5*time.Millisecond)

	// the resubscribe rides in the same message as the credential change
	c.send(
		protocol.AuthFrame{RequestID: 2, Credential: json.RawMessage(`"b2"`)},
		protocol.SubscribeFrame{ID: b, Checksum: sums[b], Name: "beta", Payload: json.RawMessage(`{}`)},
	)
	require.Eventually(t, func() bool {
		all := f.s.Sessions().All()
		return len(all) == 1 && all[0].Held(b)
	}, time.Second, 5*time.Millisecond)

	fa.publish(map[string]any{"n": 1, "pad": pad})
	d, ok := c.next().(protocol.DiffFrame)
	require.True(t, ok, "alpha keeps flowing while beta is re-validated")
	assert.Equal(t, a, d.ID)
	assert.Equal(t, sums[a], d.PreviousChecksum)
	c.quiet(50 * time.Millisecond)

	close(gate)
	ar, ok := c.next().(protocol.AuthResultFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(2), ar.RequestID)
	assert.Equal(t, []uint64{b}, ar.Result.Revoked)

	e := errorOf(t, c.next())
	assert.Equal(t, protocol.AuthorizeRejected, e.Code)
	assert.Equal(t, b, e.ObservableID)

	fb.publish(map[string]any{"n": 7, "pad": pad})
	c.quiet(50 * time.Millisecond)
}

func TestConnectRejected(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, opts *Options) {
		opts.Authorize = func(ctx context.Context, req function.AuthRequest) (bool, error) {
			return len(req.Credential) > 0, nil
		}
	})
	_, resp, err := f.dial(t, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c, _, err := f.dial(t, http.Header{"Authorization": []string{"Bearer anything"}})
	require.NoError(t, err)
	c.send(protocol.CallFrame{RequestID: 1, Name: "echo", Payload: json.RawMessage(`1`)})
	_, ok := c.next().(protocol.ResultFrame)
	assert.True(t, ok)
}

func TestMalformedFrame(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	assert.Equal(t, protocol.InvalidPayload, errorOf(t, c.next()).Code)

	// the connection survives
	c.send(protocol.CallFrame{RequestID: 2, Name: "echo"})
	_, ok := c.next().(protocol.ResultFrame)
	assert.True(t, ok)
}

func TestDisconnectLeavesSubscriberSets(t *testing.T) {
	f := newFixture(t, nil)
	c := f.mustDial(t)
	id := observableID(t, "counter", `{}`)
	c.send(protocol.SubscribeFrame{ID: id, Name: "counter", Payload: json.RawMessage(`{}`)})
	_, ok := c.next().(protocol.ValueFrame)
	require.True(t, ok)
	c.conn.Close()
	assert.Eventually(t, func() bool {
		return len(f.s.Observables().List()) == 0 && f.s.Sessions().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func httpDo(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func httpError(t *testing.T, body []byte) protocol.Error {
	t.Helper()
	var e protocol.Error
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestHTTPFunction(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Server.MaxPayloadSize = 64
	})
	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/function/echo", strings.NewReader(`{"a":[1,2]}`))
	resp, body := httpDo(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"a":[1,2]}`, string(body))

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/function/echo?x=1&y=two", nil)
	_, body = httpDo(t, req)
	assert.JSONEq(t, `{"x":"1","y":"two"}`, string(body))

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/function/echo", nil)
	_, bare := httpDo(t, req)
	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/function/echo?token=abc", nil)
	_, tokenOnly := httpDo(t, req)
	assert.Equal(t, string(bare), string(tokenOnly), "the token is not part of the payload")
	assert.NotEqual(t, "{}", strings.TrimSpace(string(tokenOnly)))

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+`/function/echo?payload=[1,2,3]`, nil)
	_, body = httpDo(t, req)
	assert.JSONEq(t, `[1,2,3]`, string(body))

	req, _ = http.NewRequest(http.MethodPut, f.ts.URL+"/function/echo", strings.NewReader(`{}`))
	resp, body = httpDo(t, req)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, protocol.MethodNotAllowed, httpError(t, body).Code)

	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/function/missing", strings.NewReader(`{}`))
	resp, body = httpDo(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, protocol.FunctionNotFound, httpError(t, body).Code)

	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/function/echo", strings.NewReader(`"`+strings.Repeat("x", 100)+`"`))
	resp, body = httpDo(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.PayloadTooLarge, httpError(t, body).Code)

	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/function/echo", strings.NewReader(`{}`))
	req.Header.Set("Content-Encoding", "br")
	_, body = httpDo(t, req)
	assert.Equal(t, protocol.UnsupportedContentEncoding, httpError(t, body).Code)

	deflated, err := protocol.Deflate([]byte(`{"z":true}`))
	require.NoError(t, err)
	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/function/echo", bytes.NewReader(deflated))
	req.Header.Set("Content-Encoding", "deflate")
	_, body = httpDo(t, req)
	assert.JSONEq(t, `{"z":true}`, string(body))

	req, _ = http.NewRequest(http.MethodPost, f.ts.URL+"/function/counter", strings.NewReader(`{}`))
	_, body = httpDo(t, req)
	assert.Equal(t, protocol.FunctionIsObservable, httpError(t, body).Code)
}

func TestHTTPGetConditional(t *testing.T) {
	f := newFixture(t, nil)
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/get/counter", nil)
	resp, body := httpDo(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"n":0,"pad":"`+pad+`"}`, string(body))
	tag := resp.Header.Get("ETag")
	require.NotEmpty(t, tag)

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/get/counter", nil)
	req.Header.Set("If-None-Match", tag)
	resp, _ = httpDo(t, req)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/get/counter", nil)
	req.Header.Set("If-None-Match", `"0"`)
	resp, _ = httpDo(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/get/private", nil)
	resp, body = httpDo(t, req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, protocol.AuthorizeRejected, httpError(t, body).Code)

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/get/private?token=ok", nil)
	resp, _ = httpDo(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Connection.RateLimit = 0.001
		cfg.Connection.RateBurst = 1
	})
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/function/echo", nil)
	resp, _ := httpDo(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/function/echo", nil)
	resp, body := httpDo(t, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, protocol.RateLimited, httpError(t, body).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.mustDial(t)
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/healthz", nil)
	resp, body := httpDo(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h health
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h.Status)

	req, _ = http.NewRequest(http.MethodGet, f.ts.URL+"/metrics", nil)
	resp, body = httpDo(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "livequery_connections")
}

func TestETagMatching(t *testing.T) {
	assert.Equal(t, `"ff"`, etag(255))
	assert.True(t, matchesETag(`"ff"`, 255))
	assert.True(t, matchesETag(`ff`, 255))
	assert.True(t, matchesETag(`W/"aa", "ff"`, 255))
	assert.True(t, matchesETag(`*`, 255))
	assert.False(t, matchesETag(`"fe"`, 255))
}
