// Package config loads the YAML configuration of the caching proxy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hanpama/graphcache/internal/cache"
)

// Config is the proxy configuration file.
//
//	upstream: http://localhost:4000/graphql
//	listen: :8080
//	schema: schema.graphql
//	keys:
//	  Product: [sku]
//	  PageInfo: []
//	globalIDs: [Node]
//	storage:
//	  path: ./data
type Config struct {
	Upstream string `yaml:"upstream"`
	Listen   string `yaml:"listen"`

	// Schema is the path of an SDL file or a minimal introspection JSON
	// document. Empty disables schema awareness.
	Schema string `yaml:"schema"`

	// Keys lists the fields whose values form a type's key. An empty list
	// marks the type as embedded in its parent.
	Keys map[string][]string `yaml:"keys"`

	// GlobalIDs lists typenames whose ids are unique across types. A single
	// "*" entry applies to every type.
	GlobalIDs []string `yaml:"globalIDs"`

	Timeout time.Duration `yaml:"timeout"`

	Storage StorageConfig `yaml:"storage"`
	OTel    OTelConfig    `yaml:"otel"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  ServerConfig  `yaml:"server"`
}

type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"inMemory"`
}

type OTelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ServerConfig struct {
	CORS           []string `yaml:"cors"`
	ForwardHeaders []string `yaml:"forwardHeaders"`
	Pretty         bool     `yaml:"pretty"`
	MaxBodyBytes   int64    `yaml:"maxBodyBytes"`
	GraphiQL       *bool    `yaml:"graphiql"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() Config {
	return Config{
		Listen:  ":8080",
		Timeout: 10 * time.Second,
		OTel:    OTelConfig{Service: "graphcache"},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a configuration document.
func Parse(raw []byte) (Config, error) {
	cfg, err := Decode(raw)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode decodes a configuration document over Default without validating
// it, so callers can apply overrides first.
func Decode(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Upstream == "" {
		errs = append(errs, errors.New("upstream is required"))
	} else if !strings.HasPrefix(c.Upstream, "http://") && !strings.HasPrefix(c.Upstream, "https://") {
		errs = append(errs, fmt.Errorf("upstream %q is not an http(s) URL", c.Upstream))
	}
	if c.Storage.Path != "" && c.Storage.InMemory {
		errs = append(errs, errors.New("storage.path and storage.inMemory are exclusive"))
	}
	for typename, fields := range c.Keys {
		for _, f := range fields {
			if f == "" {
				errs = append(errs, fmt.Errorf("keys.%s has an empty field name", typename))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CacheKeys turns Keys into keying functions. A key made of several fields
// joins their values with a colon.
func (c Config) CacheKeys() map[string]cache.KeyingFunc {
	if len(c.Keys) == 0 {
		return nil
	}
	out := make(map[string]cache.KeyingFunc, len(c.Keys))
	for typename, fields := range c.Keys {
		out[typename] = func(data map[string]any) (string, bool) {
			if len(fields) == 0 {
				return "", false
			}
			parts := make([]string, len(fields))
			for i, f := range fields {
				v, ok := data[f]
				if !ok || v == nil {
					return "", false
				}
				parts[i] = fmt.Sprint(v)
			}
			return strings.Join(parts, ":"), true
		}
	}
	return out
}

func (c Config) CacheGlobalIDs() cache.GlobalIDs {
	if len(c.GlobalIDs) == 1 && c.GlobalIDs[0] == "*" {
		return cache.GlobalIDs{All: true}
	}
	return cache.GlobalIDs{Types: c.GlobalIDs}
}

// GraphiQLEnabled reports whether the IDE is served. It defaults to on.
func (c Config) GraphiQLEnabled() bool {
	return c.Server.GraphiQL == nil || *c.Server.GraphiQL
}
