// Package storage defines the persistence contract of the cache and an
// in-memory implementation.
package storage

import (
	"context"
	"maps"
	"sync"
)

// Entries is a batch of serialized cache fields. Keys join an entity key and
// a field key with a tab. Values hold JSON for records, ":" followed by JSON
// for links, and the empty string for fields that were deleted.
type Entries map[string]string

// Adapter persists cache entries. Implementations must be safe for
// concurrent use.
type Adapter interface {
	// ReadData returns every persisted entry.
	ReadData(ctx context.Context) (Entries, error)
	// WriteData applies a batch. Entries with an empty value are deleted.
	WriteData(ctx context.Context, delta Entries) error
}

// SerializedRequest is a queued operation kept across restarts.
type SerializedRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// MetadataAdapter is implemented by adapters that can also keep the queue of
// mutations that failed while offline.
type MetadataAdapter interface {
	ReadMetadata(ctx context.Context) ([]SerializedRequest, error)
	WriteMetadata(ctx context.Context, requests []SerializedRequest) error
}

// OnlineNotifier is implemented by adapters that know when connectivity
// comes back.
type OnlineNotifier interface {
	OnOnline(fn func())
}

// Memory keeps entries in a map. It is mostly useful for tests and for
// running the proxy without a data directory.
type Memory struct {
	mu       sync.Mutex
	entries  Entries
	metadata []SerializedRequest
	online   []func()
}

func NewMemory() *Memory {
	return &Memory{entries: make(Entries)}
}

func (m *Memory) ReadData(context.Context) (Entries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.entries), nil
}

func (m *Memory) WriteData(_ context.Context, delta Entries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range delta {
		if value == "" {
			delete(m.entries, key)
		} else {
			m.entries[key] = value
		}
	}
	return nil
}

func (m *Memory) ReadMetadata(context.Context) ([]SerializedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SerializedRequest(nil), m.metadata...), nil
}

func (m *Memory) WriteMetadata(_ context.Context, requests []SerializedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata = append([]SerializedRequest(nil), requests...)
	return nil
}

func (m *Memory) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = append(m.online, fn)
}

// SetOnline runs every callback registered with OnOnline.
func (m *Memory) SetOnline() {
	m.mu.Lock()
	fns := append([]func(){}, m.online...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

var (
	_ Adapter         = (*Memory)(nil)
	_ MetadataAdapter = (*Memory)(nil)
	_ OnlineNotifier  = (*Memory)(nil)
)
