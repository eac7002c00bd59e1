// Package data is the normalized in-memory store behind the cache. Entities
// are stored as records (scalar fields) and links (references to other
// entities) in a base layer, overlaid by optimistic and commutative layers
// keyed by operation.
//
// All access happens inside a pass opened with Begin and closed with End. A
// pass carries the state of one read or write (active layer, dependencies) so
// several Data values can be used independently.
package data

import (
	"slices"
)

// Kind is the kind of pass.
type Kind int

const (
	Read Kind = iota
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// tombstone shadows a base value from within a layer.
type tombstone struct{}

type fields map[string]any

type nodeMap struct {
	base       map[string]fields
	optimistic map[int]map[string]fields
}

func newNodeMap() nodeMap {
	return nodeMap{
		base:       make(map[string]fields),
		optimistic: make(map[int]map[string]fields),
	}
}

// Data holds every entity of one cache instance.
type Data struct {
	queryRootKey string

	hydrating  bool
	persisting bool
	deferred   bool
	schedule   func()

	records nodeMap
	links   nodeMap

	refCount map[string]int
	refLock  map[int]map[string]int
	gc       map[string]struct{}
	persist  map[string]struct{}
	types    map[string]map[string]struct{}

	optimisticOrder []int
	commutativeKeys map[int]struct{}
	deferredKeys    map[int]struct{}
	states          map[int]LayerState
}

// Option configures Make.
type Option func(*Data)

// WithScheduler registers fn to be called, at most once until the next Flush,
// after a pass ends and a garbage collection or persistence run is due.
func WithScheduler(fn func()) Option {
	return func(d *Data) { d.schedule = fn }
}

// WithHydration marks the store as waiting for persisted entries. Until
// Hydrate runs, keyed writes stay in layers and are never squashed.
func WithHydration() Option {
	return func(d *Data) { d.hydrating = true }
}

// Make returns an empty store whose query root entity is queryRootKey.
func Make(queryRootKey string, opts ...Option) *Data {
	d := &Data{
		queryRootKey:    queryRootKey,
		records:         newNodeMap(),
		links:           newNodeMap(),
		refCount:        make(map[string]int),
		refLock:         make(map[int]map[string]int),
		gc:              make(map[string]struct{}),
		persist:         make(map[string]struct{}),
		types:           make(map[string]map[string]struct{}),
		commutativeKeys: make(map[int]struct{}),
		deferredKeys:    make(map[int]struct{}),
		states:          make(map[int]LayerState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RefCount is the base reference count of an entity.
func (d *Data) RefCount(entityKey string) int { return d.refCount[entityKey] }

// Order returns a copy of the layer order, highest priority first.
func (d *Data) Order() []int { return slices.Clone(d.optimisticOrder) }

// IsCommutative reports whether key names a commutative layer.
func (d *Data) IsCommutative(key int) bool {
	_, ok := d.commutativeKeys[key]
	return ok
}

// IsDeferred reports whether key names a layer still waiting for more results.
func (d *Data) IsDeferred(key int) bool {
	_, ok := d.deferredKeys[key]
	return ok
}

// EntityCount is the number of entities in the base layer.
func (d *Data) EntityCount() int {
	n := len(d.records.base)
	for key := range d.links.base {
		if _, ok := d.records.base[key]; !ok {
			n++
		}
	}
	return n
}

func (d *Data) hasLayer(key int) bool {
	_, ok := d.refLock[key]
	return ok
}

func (d *Data) indexOf(key int) int {
	return slices.Index(d.optimisticOrder, key)
}

// createLayer enters key at the top of the order unless already present and
// allocates its maps. An allocated layer counts as written.
func (d *Data) createLayer(key int) {
	if d.indexOf(key) < 0 {
		d.optimisticOrder = slices.Insert(d.optimisticOrder, 0, key)
	}
	if !d.hasLayer(key) {
		d.refLock[key] = make(map[string]int)
		d.records.optimistic[key] = make(map[string]fields)
		d.links.optimistic[key] = make(map[string]fields)
	}
	d.states[key] = Resolving
}

func (d *Data) clearLayer(key int) {
	if d.hasLayer(key) {
		delete(d.refLock, key)
		delete(d.records.optimistic, key)
		delete(d.links.optimistic, key)
	}
}

func (d *Data) deleteLayer(key int) {
	if i := d.indexOf(key); i >= 0 {
		d.optimisticOrder = slices.Delete(d.optimisticOrder, i, i+1)
		delete(d.commutativeKeys, key)
	}
	d.clearLayer(key)
}

// ReserveLayer registers key as a commutative layer before its result
// arrives. A plain reservation moves the layer to the top of the order and
// drops any optimistic data it held. With hasNext the layer is marked as
// deferred and placed behind the layers that are still pending.
func ReserveLayer(d *Data, key int, hasNext bool) {
	index := d.indexOf(key)
	if index >= 0 {
		d.optimisticOrder = slices.Delete(d.optimisticOrder, index, index+1)
	}

	if hasNext {
		d.deferredKeys[key] = struct{}{}
		if index < 0 {
			index = 0
		}
		for index < len(d.optimisticOrder) {
			next := d.optimisticOrder[index]
			if d.IsDeferred(next) || (d.hasLayer(next) && d.IsCommutative(next)) {
				break
			}
			index++
		}
	} else {
		delete(d.deferredKeys, key)
		if index >= 0 && !d.IsCommutative(key) {
			d.clearLayer(key)
		}
		index = 0
	}

	d.optimisticOrder = slices.Insert(d.optimisticOrder, index, key)
	d.commutativeKeys[key] = struct{}{}
	if !d.hasLayer(key) {
		d.states[key] = Reserved
	}
}
