package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/exchange"
	"github.com/hanpama/graphcache/internal/reqid"
	"github.com/hanpama/graphcache/internal/upstream"
)

const helloData = `{"data":{"hello":"world"}}`

// newOrigin starts an origin answering every request with body and counts
// the requests it received.
func newOrigin(t *testing.T, body string, inspect func(*http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestHandler(t *testing.T, originURL string, opts ...Option) *Handler {
	t.Helper()
	store := cache.New(cache.Config{Schedule: func(func()) {}})
	ex := exchange.New(store,
		exchange.WithForwarder(upstream.New(originURL)),
		exchange.WithBackground(func(fn func()) { fn() }))
	return New(ex, opts...)
}

func post(h http.Handler, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestForwardedHeaders(t *testing.T) {
	var captured http.Header
	origin, _ := newOrigin(t, helloData, func(r *http.Request) { captured = r.Header.Clone() })
	h := newTestHandler(t, origin.URL, WithForwardHeaders("X-Test"))

	w := post(h, `{"query":"{ hello }"}`, "X-Test", "abc", "X-Other", "nope")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if captured.Get("X-Test") != "abc" || captured.Get("X-Other") != "" {
		t.Fatalf("headers not forwarded correctly: %v", captured)
	}
}

func TestForwardedHeadersDefaultEmpty(t *testing.T) {
	var captured http.Header
	origin, _ := newOrigin(t, helloData, func(r *http.Request) { captured = r.Header.Clone() })
	h := newTestHandler(t, origin.URL)

	w := post(h, `{"query":"{ hello }"}`, "X-Test", "abc")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if captured.Get("X-Test") != "" {
		t.Fatalf("header should not be forwarded by default: %v", captured)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	origin, _ := newOrigin(t, helloData, nil)
	h := newTestHandler(t, origin.URL, WithCORS("*"))

	// simple request
	w := post(h, `{"query":"{ hello }"}`, "Origin", "http://example.com")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight missing CORS header")
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	origin, _ := newOrigin(t, helloData, nil)
	h := newTestHandler(t, origin.URL, WithMaxBodyBytes(10))

	w := post(h, `{"query":"1234567890"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	var forwarded string
	origin, _ := newOrigin(t, helloData, func(r *http.Request) { forwarded = r.Header.Get(reqid.Header) })
	h := newTestHandler(t, origin.URL)

	const incoming = "6f1c2d9e-0a4b-4f5e-8c7d-1b2a3c4d5e6f"
	w := post(h, `{"query":"{ hello }"}`, reqid.Header, incoming)
	require.Equal(t, incoming, w.Header().Get(reqid.Header))
	require.Equal(t, incoming, forwarded)

	w = post(h, `{"query":"{ hello(greeting: \"hi\") }"}`)
	require.NotEmpty(t, w.Header().Get(reqid.Header))
	require.Equal(t, w.Header().Get(reqid.Header), forwarded)
}

func TestQueriesAreServedFromCache(t *testing.T) {
	origin, calls := newOrigin(t, `{"data":{"todos":[{"__typename":"Todo","id":"1","text":"Learn Go"}]}}`, nil)
	h := newTestHandler(t, origin.URL)

	const body = `{"query":"query Todos { todos { id text } }","operationName":"Todos"}`
	first := decode(t, post(h, body))
	second := decode(t, post(h, body))
	require.Equal(t, int32(1), calls.Load())

	want := map[string]any{"data": map[string]any{"todos": []any{
		map[string]any{"__typename": "Todo", "id": "1", "text": "Learn Go"},
	}}}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Fatalf("unexpected first response (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, second); diff != "" {
		t.Fatalf("unexpected cached response (-want +got):\n%s", diff)
	}
}

func TestRequestPolicy(t *testing.T) {
	origin, calls := newOrigin(t, helloData, nil)
	h := newTestHandler(t, origin.URL)

	w := post(h, `{"query":"{ hello }"}`, PolicyHeader, "cache-only")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	require.Nil(t, out["data"])
	require.Contains(t, fmt.Sprint(out["errors"]), "cache-only")
	require.Zero(t, calls.Load())

	// The extension wins over the header.
	w = post(h, `{"query":"{ hello }","extensions":{"requestPolicy":"network-only"}}`, PolicyHeader, "cache-only")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int32(1), calls.Load())

	w = post(h, `{"query":"{ hello }"}`, PolicyHeader, "cache-and-network")
	out = decode(t, w)
	require.Equal(t, map[string]any{"cache": map[string]any{"stale": true}}, out["extensions"])
	require.Equal(t, int32(2), calls.Load())

	w = post(h, `{"query":"{ hello }"}`, PolicyHeader, "sometimes")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatch(t *testing.T) {
	origin, _ := newOrigin(t, helloData, nil)
	h := newTestHandler(t, origin.URL)

	w := post(h, `[{"query":"{ hello }"},{"query":"{ hello "}]`)
	require.Equal(t, http.StatusOK, w.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	require.Equal(t, map[string]any{"hello": "world"}, out[0]["data"])
	require.NotEmpty(t, out[1]["errors"])
}

func TestSyntaxErrorsKeepLocations(t *testing.T) {
	origin, calls := newOrigin(t, helloData, nil)
	h := newTestHandler(t, origin.URL)

	out := decode(t, post(h, `{"query":"{ hello "}`))
	errs := out["errors"].([]any)
	require.Len(t, errs, 1)
	require.NotEmpty(t, errs[0].(map[string]any)["locations"])
	require.Zero(t, calls.Load())
}

func TestUnreachableOriginIsBadGateway(t *testing.T) {
	origin, _ := newOrigin(t, helloData, nil)
	originURL := origin.URL
	origin.Close()
	h := newTestHandler(t, originURL)

	w := post(h, `{"query":"{ hello }"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGET(t *testing.T) {
	origin, calls := newOrigin(t, helloData, nil)
	h := newTestHandler(t, origin.URL)

	req := httptest.NewRequest("GET", "/?query="+url.QueryEscape("{ hello }"), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]any{"hello": "world"}, decode(t, w)["data"])

	req = httptest.NewRequest("GET", "/?query="+url.QueryEscape(`mutation { hello }`), nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, int32(1), calls.Load())
}

func TestGraphiQL(t *testing.T) {
	h := newTestHandler(t, "http://unused")

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))

	h = newTestHandler(t, "http://unused", WithGraphiQL(false))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
