package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/cache"
)

const sample = `
upstream: http://origin:4000/graphql
listen: 127.0.0.1:9000
schema: schema.graphql
timeout: 3s
keys:
  Product: [sku, region]
  PageInfo: []
globalIDs: [User]
storage:
  path: /var/lib/graphcache
otel:
  endpoint: collector:4317
metrics:
  enabled: true
server:
  cors: ["*"]
  graphiql: false
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	got, err := Load(path)
	require.NoError(t, err)

	want := Config{
		Upstream:  "http://origin:4000/graphql",
		Listen:    "127.0.0.1:9000",
		Schema:    "schema.graphql",
		Timeout:   3 * time.Second,
		Keys:      map[string][]string{"Product": {"sku", "region"}, "PageInfo": {}},
		GlobalIDs: []string{"User"},
		Storage:   StorageConfig{Path: "/var/lib/graphcache"},
		OTel:      OTelConfig{Endpoint: "collector:4317", Service: "graphcache"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Server:    ServerConfig{CORS: []string{"*"}, GraphiQL: new(bool)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
	require.False(t, got.GraphiQLEnabled())
}

func TestParseDefaults(t *testing.T) {
	got, err := Parse([]byte("upstream: https://api.example.com/graphql\n"))
	require.NoError(t, err)
	require.Equal(t, ":8080", got.Listen)
	require.Equal(t, 10*time.Second, got.Timeout)
	require.True(t, got.GraphiQLEnabled())
	require.Nil(t, got.CacheKeys())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"missing upstream", "listen: :80\n", "upstream is required"},
		{"bad upstream", "upstream: origin:4000\n", "not an http(s) URL"},
		{"storage", "upstream: http://o\nstorage: {path: ./d, inMemory: true}\n", "exclusive"},
		{"empty key field", "upstream: http://o\nkeys: {Product: ['']}\n", "keys.Product"},
		{"syntax", "upstream: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestCacheKeys(t *testing.T) {
	cfg := Config{Keys: map[string][]string{"Product": {"sku", "region"}, "PageInfo": {}}}
	keys := cfg.CacheKeys()

	key, ok := keys["Product"](map[string]any{"sku": "A1", "region": "eu", "name": "Lamp"})
	require.True(t, ok)
	require.Equal(t, "A1:eu", key)

	_, ok = keys["Product"](map[string]any{"sku": "A1"})
	require.False(t, ok)
	_, ok = keys["PageInfo"](map[string]any{"hasNextPage": true})
	require.False(t, ok)
}

func TestCacheGlobalIDs(t *testing.T) {
	require.Equal(t, cache.GlobalIDs{All: true}, Config{GlobalIDs: []string{"*"}}.CacheGlobalIDs())
	require.Equal(t, cache.GlobalIDs{Types: []string{"User"}}, Config{GlobalIDs: []string{"User"}}.CacheGlobalIDs())
}

func TestDecodeSkipsValidation(t *testing.T) {
	cfg, err := Decode([]byte("listen: :9090\n"))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Error(t, cfg.Validate())

	_, err = Decode([]byte("listen: [\n"))
	require.ErrorContains(t, err, "parse config")
}
