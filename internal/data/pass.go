package data

import (
	"maps"
	"slices"

	"github.com/hanpama/graphcache/internal/diag"
	"github.com/hanpama/graphcache/internal/keys"
)

// Pass is one bracketed read or write against a Data. Passes must not be
// nested; code running inside a pass reuses it.
type Pass struct {
	data       *Data
	kind       Kind
	layerKey   int
	optimistic bool
	deps       map[string]struct{}
	closed     bool
}

// Begin opens a pass. A zero layerKey operates on the base layer. Reads only
// remember the key for the layer skip rule. Writes enter a layer when the
// write is optimistic, while hydrating, or while more than one layer exists;
// otherwise they go straight to base and any stale layer for the key is
// dropped.
func Begin(kind Kind, d *Data, layerKey int, optimistic bool) *Pass {
	p := &Pass{
		data:       d,
		kind:       kind,
		optimistic: optimistic,
		deps:       make(map[string]struct{}),
	}
	switch {
	case layerKey == 0:
	case kind == Read:
		p.layerKey = layerKey
	case optimistic || d.hydrating || len(d.optimisticOrder) > 1:
		if !optimistic && !d.IsCommutative(layerKey) {
			ReserveLayer(d, layerKey, false)
		} else if optimistic {
			// An optimistic write after a concrete result for the same key:
			// the key stops being commutative.
			if i := d.indexOf(layerKey); i >= 0 && !d.IsCommutative(layerKey) {
				d.optimisticOrder = slices.Delete(d.optimisticOrder, i, i+1)
			}
			delete(d.commutativeKeys, layerKey)
		}
		p.layerKey = layerKey
		d.createLayer(layerKey)
	default:
		d.deleteLayer(layerKey)
		d.states[layerKey] = Squashed
	}
	return p
}

// End closes the pass. When the pass wrote to a layer still in the order,
// written commutative layers are squashed into base starting from the lowest
// priority, stopping at the first one that is pending or deferred.
func (p *Pass) End() {
	p.assertOpen()
	p.closed = true
	d := p.data
	if !d.hydrating && p.layerKey != 0 && d.indexOf(p.layerKey) >= 0 {
		for i := len(d.optimisticOrder) - 1; i >= 0; i-- {
			key := d.optimisticOrder[i]
			if !d.hasLayer(key) || !d.IsCommutative(key) || d.IsDeferred(key) {
				break
			}
			squashLayer(d, key)
		}
	}
	if d.schedule != nil && !d.deferred && (d.persisting || len(d.optimisticOrder) == 0) {
		d.deferred = true
		d.schedule()
	}
}

// Noop opens and immediately closes a write pass for layerKey, which
// resolves a commutative layer without data or discards a stale one.
func Noop(d *Data, layerKey int, optimistic bool) {
	if layerKey != 0 && !optimistic {
		delete(d.deferredKeys, layerKey)
	}
	Begin(Write, d, layerKey, optimistic).End()
	if layerKey != 0 && d.indexOf(layerKey) < 0 {
		d.states[layerKey] = Discarded
	}
}

func squashLayer(d *Data, key int) {
	p := &Pass{data: d, kind: Write, deps: make(map[string]struct{})}
	for entityKey, node := range d.links.optimistic[key] {
		for fieldKey, link := range node {
			if _, ok := link.(tombstone); ok {
				p.ClearLink(entityKey, fieldKey)
			} else {
				p.WriteLink(entityKey, fieldKey, link)
			}
		}
	}
	for entityKey, node := range d.records.optimistic[key] {
		for fieldKey, value := range node {
			if _, ok := value.(tombstone); ok {
				p.ClearRecord(entityKey, fieldKey)
			} else {
				p.WriteRecord(entityKey, fieldKey, value)
			}
		}
	}
	d.deleteLayer(key)
	d.states[key] = Squashed
}

// Data returns the store the pass operates on.
func (p *Pass) Data() *Data { return p.data }

// Kind returns whether the pass reads or writes.
func (p *Pass) Kind() Kind { return p.kind }

// LayerKey is the layer the pass reads from or writes to, zero for base.
func (p *Pass) LayerKey() int { return p.layerKey }

// Optimistic reports whether the pass was opened as optimistic.
func (p *Pass) Optimistic() bool { return p.optimistic }

// Active reports whether End has not been called yet.
func (p *Pass) Active() bool { return p != nil && !p.closed }

// Dependencies returns the entity keys and root field keys touched so far.
func (p *Pass) Dependencies() map[string]struct{} {
	p.assertOpen()
	return p.deps
}

func (p *Pass) assertOpen() {
	diag.Invariant(p.Active(), 2,
		"Invalid Cache call: The cache may only be accessed or mutated during operations like write or query, or as part of its resolvers, updaters, or optimistic configs.")
}

func (p *Pass) addDependency(entityKey, fieldKey string) {
	if entityKey != p.data.queryRootKey {
		p.deps[entityKey] = struct{}{}
	} else if fieldKey != "" && fieldKey != "__typename" {
		p.deps[keys.Join(entityKey, fieldKey)] = struct{}{}
	}
}

func (p *Pass) addPersist(entityKey, fieldKey string) {
	if !p.optimistic && p.data.persisting {
		p.data.persist[keys.Serialize(entityKey, fieldKey)] = struct{}{}
	}
}

// getNode looks a field up across layers, highest priority first. A
// non-optimistic read scoped to a commutative layer skips commutative layers
// ordered before its own. Optimistic reads only see commutative layers.
func (p *Pass) getNode(m nodeMap, entityKey, fieldKey string) (any, bool) {
	d := p.data
	skip := !p.optimistic && p.kind == Read && p.layerKey != 0 && d.IsCommutative(p.layerKey)
	for _, layerKey := range d.optimisticOrder {
		skip = skip && layerKey != p.layerKey
		layer, ok := m.optimistic[layerKey]
		if !ok {
			continue
		}
		if skip && d.IsCommutative(layerKey) {
			continue
		}
		if p.optimistic && p.kind != Write && !d.IsCommutative(layerKey) {
			continue
		}
		node, ok := layer[entityKey]
		if !ok {
			continue
		}
		if v, ok := node[fieldKey]; ok {
			if _, dead := v.(tombstone); dead {
				return nil, false
			}
			return v, true
		}
	}
	if node, ok := m.base[entityKey]; ok {
		v, ok := node[fieldKey]
		return v, ok
	}
	return nil, false
}

func (p *Pass) setNode(m nodeMap, entityKey, fieldKey string, value any, present bool) {
	diag.Invariant(p.kind != Read, 27,
		"Invalid Cache write: You may not write to the cache during cache reads. Accesses to `cache.writeFragment`, `cache.updateQuery`, and `cache.link` may not be made inside `resolvers` for instance.")
	target := m.base
	if p.layerKey != 0 {
		target = m.optimistic[p.layerKey]
	}
	node, ok := target[entityKey]
	if !ok {
		node = make(fields)
		target[entityKey] = node
	}
	switch {
	case present:
		node[fieldKey] = value
	case p.layerKey == 0:
		delete(node, fieldKey)
		if len(node) == 0 {
			delete(target, entityKey)
		}
	default:
		node[fieldKey] = tombstone{}
	}
}

// ReadRecord returns the scalar stored for a field, if any.
func (p *Pass) ReadRecord(entityKey, fieldKey string) (any, bool) {
	p.assertOpen()
	p.addDependency(entityKey, fieldKey)
	return p.getNode(p.data.records, entityKey, fieldKey)
}

// ReadLink returns the link stored for a field, if any.
func (p *Pass) ReadLink(entityKey, fieldKey string) (any, bool) {
	p.assertOpen()
	p.addDependency(entityKey, fieldKey)
	return p.getNode(p.data.links, entityKey, fieldKey)
}

// HasField reports whether a record or link exists for the field.
func (p *Pass) HasField(entityKey, fieldKey string) bool {
	p.assertOpen()
	if _, ok := p.getNode(p.data.records, entityKey, fieldKey); ok {
		return true
	}
	_, ok := p.getNode(p.data.links, entityKey, fieldKey)
	return ok
}

// WriteRecord stores a scalar for a field.
func (p *Pass) WriteRecord(entityKey, fieldKey string, value any) {
	p.assertOpen()
	p.addDependency(entityKey, fieldKey)
	p.addPersist(entityKey, fieldKey)
	p.setNode(p.data.records, entityKey, fieldKey, value, true)
}

// ClearRecord removes a scalar. Inside a layer it shadows the base value.
func (p *Pass) ClearRecord(entityKey, fieldKey string) {
	p.assertOpen()
	p.addDependency(entityKey, fieldKey)
	p.addPersist(entityKey, fieldKey)
	p.setNode(p.data.records, entityKey, fieldKey, nil, false)
}

// WriteLink stores a link (nil, an entity key, or nested []any of those)
// and moves reference counts from the previous link to the new one.
func (p *Pass) WriteLink(entityKey, fieldKey string, link any) {
	p.writeLink(entityKey, fieldKey, link, true)
}

// ClearLink removes a link. Inside a layer it shadows the base value.
func (p *Pass) ClearLink(entityKey, fieldKey string) {
	p.writeLink(entityKey, fieldKey, nil, false)
}

func (p *Pass) writeLink(entityKey, fieldKey string, link any, present bool) {
	p.assertOpen()
	d := p.data
	counts := d.refCount
	links := d.links.base
	trackGC := true
	if p.layerKey != 0 {
		counts = d.refLock[p.layerKey]
		links = d.links.optimistic[p.layerKey]
		trackGC = false
	}

	var prev any
	if node, ok := links[entityKey]; ok {
		prev = node[fieldKey]
	}

	p.addDependency(entityKey, fieldKey)
	p.addPersist(entityKey, fieldKey)
	p.setNode(d.links, entityKey, fieldKey, link, present)

	updateLinkCounts(d, counts, trackGC, prev, -1)
	if present {
		updateLinkCounts(d, counts, trackGC, link, 1)
	}
}

func updateLinkCounts(d *Data, counts map[string]int, trackGC bool, link any, by int) {
	switch l := link.(type) {
	case string:
		updateEntityCount(d, counts, trackGC, l, by)
	case []any:
		for _, child := range l {
			updateLinkCounts(d, counts, trackGC, child, by)
		}
	case []string:
		for _, child := range l {
			updateEntityCount(d, counts, trackGC, child, by)
		}
	}
}

func updateEntityCount(d *Data, counts map[string]int, trackGC bool, entityKey string, by int) {
	old := counts[entityKey]
	next := old + by
	counts[entityKey] = next
	if !trackGC {
		return
	}
	if next <= 0 {
		d.gc[entityKey] = struct{}{}
	} else if old <= 0 {
		delete(d.gc, entityKey)
	}
}

// WriteType indexes entityKey under its typename.
func (p *Pass) WriteType(typename, entityKey string) {
	p.assertOpen()
	set, ok := p.data.types[typename]
	if !ok {
		set = make(map[string]struct{})
		p.data.types[typename] = set
	}
	set[entityKey] = struct{}{}
}

// EntitiesOfType returns the entity keys indexed under typename, sorted.
func (p *Pass) EntitiesOfType(typename string) []string {
	set := p.data.types[typename]
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

// InspectFields returns every field key stored for an entity in base and in
// any layer, base first and then in layer order, without duplicates.
func (p *Pass) InspectFields(entityKey string) []keys.FieldInfo {
	p.assertOpen()
	p.addDependency(entityKey, "")
	d := p.data
	seen := make(map[string]struct{})
	var out []keys.FieldInfo
	collect := func(node fields) {
		for _, fieldKey := range slices.Sorted(maps.Keys(node)) {
			if _, ok := seen[fieldKey]; ok {
				continue
			}
			seen[fieldKey] = struct{}{}
			out = append(out, keys.FieldInfoOf(fieldKey))
		}
	}
	for _, m := range []nodeMap{d.links, d.records} {
		collect(m.base[entityKey])
		for _, layerKey := range d.optimisticOrder {
			if layer, ok := m.optimistic[layerKey]; ok {
				collect(layer[entityKey])
			}
		}
	}
	return out
}
