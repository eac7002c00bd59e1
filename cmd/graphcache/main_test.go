package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/config"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/introspection"
	"github.com/hanpama/graphcache/internal/storage"
	"github.com/hanpama/graphcache/internal/storage/badgerstore"
)

const todoSDL = `
type Query { todos: [Todo!]! }
type Mutation { toggleTodo(id: ID!): Todo }
type Todo { id: ID! text: String! complete: Boolean }
`

// captureOutput redirects the command output for the duration of fn.
func captureOutput(t *testing.T, fn func() error) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = os.Stdout, os.Stderr })
	err := fn()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestHelp(t *testing.T) {
	out, _, err := captureOutput(t, func() error { return run([]string{"help"}) })
	require.NoError(t, err)
	require.Equal(t, rootUsage, out)

	out, _, err = captureOutput(t, func() error { return run([]string{"help", "serve"}) })
	require.NoError(t, err)
	require.Contains(t, out, "-server.forward-header")

	_, _, err = captureOutput(t, func() error { return run([]string{"help", "nope"}) })
	require.EqualError(t, err, `unknown help topic "nope"`)
}

func TestUnknownCommand(t *testing.T) {
	_, errOut, err := captureOutput(t, func() error { return run([]string{"frobnicate"}) })
	require.EqualError(t, err, `unknown command "frobnicate"`)
	require.Equal(t, rootUsage, errOut)

	_, _, err = captureOutput(t, func() error { return run(nil) })
	require.EqualError(t, err, "missing command")
}

func TestParseServeFlags(t *testing.T) {
	path := writeFile(t, "graphcache.yaml", `
upstream: http://origin:4000/graphql
listen: 127.0.0.1:9000
server:
  cors: ["https://app.example.com"]
`)
	cfg, f, err := parseServeFlags([]string{
		"-config", path,
		"-server.addr", ":7000",
		"-server.forward-header", "Authorization",
		"-server.forward-header", "X-Tenant",
		"-metrics.path", "/internal/metrics",
		"-offline.replay-interval", "5s",
	})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, f.replayInterval)

	want := config.Default()
	want.Upstream = "http://origin:4000/graphql"
	want.Listen = ":7000"
	want.Server.CORS = []string{"https://app.example.com"}
	want.Server.ForwardHeaders = []string{"Authorization", "X-Tenant"}
	want.Metrics = config.MetricsConfig{Enabled: true, Path: "/internal/metrics"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	_, _, err = parseServeFlags(nil)
	require.ErrorContains(t, err, "upstream is required")

	_, _, err = parseServeFlags([]string{"-upstream", "ftp://origin"})
	require.ErrorContains(t, err, "not an http(s) URL")
}

func TestIntrospect(t *testing.T) {
	sdl := writeFile(t, "schema.graphql", todoSDL)

	out, _, err := captureOutput(t, func() error { return run([]string{"introspect", "-schema", sdl}) })
	require.NoError(t, err)
	sch, err := introspection.Parse([]byte(out))
	require.NoError(t, err)
	require.Equal(t, "Mutation", sch.MutationType)
	require.True(t, sch.Field("Todo", "complete").Nullable())

	// The JSON output loads back as a schema file.
	jsonPath := filepath.Join(t.TempDir(), "schema.json")
	_, _, err = captureOutput(t, func() error { return run([]string{"introspect", "-schema", sdl, "-out", jsonPath}) })
	require.NoError(t, err)
	loaded, err := loadSchema(jsonPath)
	require.NoError(t, err)
	require.False(t, loaded.Field("Todo", "text").Nullable())

	_, errOut, err := captureOutput(t, func() error { return run([]string{"introspect"}) })
	require.EqualError(t, err, "-schema is required")
	require.Equal(t, introspectUsage, errOut)
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := badgerstore.Open(badgerstore.Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, db.WriteData(ctx, storage.Entries{
		"Query\ttodos":       `:["Todo:1"]`,
		"Todo:1\t__typename": `"Todo"`,
		"Todo:1\ttext":       `"Learn Go"`,
	}))
	require.NoError(t, db.WriteMetadata(ctx, []storage.SerializedRequest{{
		Query:         "mutation Toggle($id: ID!) {\n  toggleTodo(id: $id) { id }\n}",
		OperationName: "Toggle",
		Variables:     map[string]any{"id": "1"},
	}}))
	require.NoError(t, db.Close())

	out, _, err := captureOutput(t, func() error { return run([]string{"inspect", "-storage.path", dir}) })
	require.NoError(t, err)
	want := "Query\ttodos\t:[\"Todo:1\"]\n" +
		"Todo:1\t__typename\t\"Todo\"\n" +
		"Todo:1\ttext\t\"Learn Go\"\n" +
		"2 entities, 3 fields\n"
	require.Equal(t, want, out)

	out, _, err = captureOutput(t, func() error {
		return run([]string{"inspect", "-storage.path", dir, "-entity", "Query"})
	})
	require.NoError(t, err)
	require.Equal(t, "Query\ttodos\t:[\"Todo:1\"]\n1 entities, 1 fields\n", out)

	out, _, err = captureOutput(t, func() error { return run([]string{"inspect", "-storage.path", dir, "-queue"}) })
	require.NoError(t, err)
	require.Equal(t, "Toggle\t{\"id\":\"1\"}\tmutation Toggle($id: ID!) { toggleTodo(id: $id) { id } }\n1 queued mutations\n", out)
}

func TestProxy(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })

	var calls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"todos":[{"__typename":"Todo","id":"1","text":"Learn Go"}]}}`)
	}))
	t.Cleanup(origin.Close)

	cfg := config.Default()
	cfg.Upstream = origin.URL
	cfg.Schema = writeFile(t, "schema.graphql", todoSDL)
	cfg.Storage.InMemory = true
	cfg.Metrics.Enabled = true

	p, err := newProxy(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	query := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/graphql", strings.NewReader(`{"query":"{ todos { id text } }"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		p.mux.ServeHTTP(w, req)
		return w
	}
	for range 2 {
		w := query()
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), `"text":"Learn Go"`)
	}
	require.Equal(t, int32(1), calls.Load(), "the second query is answered from the cache")

	w := httptest.NewRecorder()
	p.mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `graphcache_cache_lookups_total{outcome="hit",policy="cache-first"} 1`)
}
