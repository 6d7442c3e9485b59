package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zot/livequery/internal/auth"
	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/function"
	"github.com/zot/livequery/internal/observable"
	"github.com/zot/livequery/internal/protocol"
)

// HTTPEndpoint serves one-shot calls and reads, plus the WebSocket upgrade
// and operational routes.
type HTTPEndpoint struct {
	config      *config.Config
	functions   *function.Registry
	observables *observable.Registry
	auth        *auth.Coordinator
	ws          *WebSocketEndpoint
	limiter     *RateLimiter
	gatherer    prometheus.Gatherer
	mux         *http.ServeMux
}

// NewHTTPEndpoint creates the endpoint and its routes.
func NewHTTPEndpoint(cfg *config.Config, functions *function.Registry, observables *observable.Registry,
	coordinator *auth.Coordinator, ws *WebSocketEndpoint, limiter *RateLimiter, gatherer prometheus.Gatherer) *HTTPEndpoint {
	h := &HTTPEndpoint{
		config:      cfg,
		functions:   functions,
		observables: observables,
		auth:        coordinator,
		ws:          ws,
		limiter:     limiter,
		gatherer:    gatherer,
		mux:         http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.mux.Handle("/function/{name}", h.api(h.handleFunction))
	h.mux.Handle("/get/{name}", h.api(h.handleGet))
	h.mux.HandleFunc(h.config.Server.WebSocketPath, h.ws.HandleWebSocket)
	h.mux.HandleFunc("/healthz", h.handleHealth)
	if h.gatherer != nil {
		h.mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// api wraps a function route with rate limiting and response compression.
func (h *HTTPEndpoint) api(fn http.HandlerFunc) http.Handler {
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(clientIP(r)) {
			writeError(w, protocol.NewError(protocol.RateLimited, r.PathValue("name"), ""))
			return
		}
		fn(w, r)
	})
	if !h.config.Server.Compress {
		return limited
	}
	return gzhttp.GzipHandler(limited)
}

// writeError writes e as a JSON body with its HTTP status.
func writeError(w http.ResponseWriter, e *protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code.HTTPStatus())
	json.NewEncoder(w).Encode(e)
}

// readPayload takes the payload from a JSON body (POST) or the query string
// (GET). A query parameter named payload carries raw JSON; other parameters
// become string fields of an object.
func (h *HTTPEndpoint) readPayload(r *http.Request, route string) (json.RawMessage, *protocol.Error) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if raw := q.Get("payload"); raw != "" {
			if !json.Valid([]byte(raw)) {
				return nil, protocol.NewError(protocol.InvalidPayload, route, "payload parameter is not JSON")
			}
			return json.RawMessage(raw), nil
		}
		fields := make(map[string]string, len(q))
		for k := range q {
			if k != "token" {
				fields[k] = q.Get(k)
			}
		}
		if len(fields) == 0 {
			return nil, nil
		}
		out, _ := json.Marshal(fields)
		return out, nil
	case http.MethodPost:
		return h.readBody(r, route)
	}
	return nil, protocol.NewError(protocol.MethodNotAllowed, route, "%s", r.Method)
}

func (h *HTTPEndpoint) readBody(r *http.Request, route string) (json.RawMessage, *protocol.Error) {
	limit := h.config.Server.MaxPayloadSize
	if r.ContentLength < 0 {
		return nil, protocol.NewError(protocol.LengthRequired, route, "")
	}
	if r.ContentLength > limit {
		return nil, protocol.NewError(protocol.PayloadTooLarge, route, "%d bytes exceeds %d", r.ContentLength, limit)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, protocol.NewError(protocol.InvalidPayload, route, "%v", err)
	}
	switch enc := strings.ToLower(r.Header.Get("Content-Encoding")); enc {
	case "", "identity":
	case "deflate":
		body, err = protocol.Inflate(body)
		if err != nil {
			return nil, protocol.NewError(protocol.InvalidPayload, route, "%v", err)
		}
		if int64(len(body)) > limit {
			return nil, protocol.NewError(protocol.ChunkTooLarge, route, "inflated body exceeds %d", limit)
		}
	default:
		return nil, protocol.NewError(protocol.UnsupportedContentEncoding, route, "%s", enc)
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, protocol.NewError(protocol.InvalidPayload, route, "body is not JSON")
	}
	return body, nil
}

// credential reads a bearer token from the request.
func (h *HTTPEndpoint) credential(r *http.Request) json.RawMessage {
	return credentialFrom(r)
}

func (h *HTTPEndpoint) handleFunction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	payload, perr := h.readPayload(r, name)
	if perr != nil {
		writeError(w, perr)
		return
	}
	cred := h.credential(r)
	req := function.AuthRequest{ConnID: "http:" + r.RemoteAddr, Credential: cred, Kind: function.KindCall, Name: name, Payload: payload}
	spec, perr := authorize(r.Context(), h.functions, h.auth, req)
	if perr != nil {
		writeError(w, perr)
		return
	}
	out, err := spec.Invoke(r.Context(), function.Request{Name: name, Payload: payload, ConnID: req.ConnID, Credential: cred})
	if err != nil {
		writeError(w, protocol.AsError(err, protocol.FunctionError, name))
		return
	}
	if out == nil {
		out = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// etag formats a checksum as a strong validator.
func etag(sum uint64) string {
	return `"` + strconv.FormatUint(sum, 16) + `"`
}

// matchesETag reports whether an If-None-Match header names sum. Both
// quoted and bare checksums are accepted.
func matchesETag(header string, sum uint64) bool {
	want := strconv.FormatUint(sum, 16)
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		tag = strings.TrimPrefix(tag, "W/")
		if tag == "*" || strings.Trim(tag, `"`) == want {
			return true
		}
	}
	return false
}

func (h *HTTPEndpoint) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	payload, perr := h.readPayload(r, name)
	if perr != nil {
		writeError(w, perr)
		return
	}
	req := function.AuthRequest{ConnID: "http:" + r.RemoteAddr, Credential: h.credential(r), Kind: function.KindGet, Name: name, Payload: payload}
	if _, perr := authorize(r.Context(), h.functions, h.auth, req); perr != nil {
		writeError(w, perr)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), getTimeout)
	defer cancel()
	snap, err := h.observables.Read(ctx, name, payload)
	if err != nil {
		writeError(w, protocol.AsError(err, protocol.ObservableFunctionError, name))
		return
	}
	w.Header().Set("ETag", etag(snap.Checksum))
	if inm := r.Header.Get("If-None-Match"); inm != "" && matchesETag(inm, snap.Checksum) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(snap.Value)
}

type health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Functions   int    `json:"functions"`
	Observables int    `json:"observables"`
	Time        string `json:"time"`
}

func (h *HTTPEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health{
		Status:      "ok",
		Connections: h.ws.Count(),
		Functions:   len(h.functions.List()),
		Observables: len(h.observables.List()),
		Time:        time.Now().UTC().Format(time.RFC3339),
	})
}
