package data

import (
	"encoding/json"
	"strings"

	"github.com/hanpama/graphcache/internal/keys"
)

// GC deletes every queued entity whose base reference count dropped to zero
// and that no layer still references. Entities locked by a layer stay queued
// until a later run. Links of deleted entities are released, which may queue
// further entities in the same run.
func GC(d *Data) (collected []string) {
	pending := make([]string, 0, len(d.gc))
	for key := range d.gc {
		pending = append(pending, key)
	}

	for len(pending) > 0 {
		entityKey := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, queued := d.gc[entityKey]; !queued {
			continue
		}
		if d.refCount[entityKey] > 0 {
			delete(d.gc, entityKey)
			continue
		}
		if lockedByLayer(d, entityKey) {
			continue
		}

		delete(d.gc, entityKey)
		delete(d.refCount, entityKey)
		for _, locks := range d.refLock {
			delete(locks, entityKey)
		}

		if record, ok := d.records.base[entityKey]; ok {
			if typename, ok := record["__typename"].(string); ok {
				delete(d.types[typename], entityKey)
			}
			delete(d.records.base, entityKey)
			d.persistDeleted(entityKey, record)
		}
		if node, ok := d.links.base[entityKey]; ok {
			delete(d.links.base, entityKey)
			d.persistDeleted(entityKey, node)
			for _, link := range node {
				updateLinkCounts(d, d.refCount, true, link, -1)
				pending = appendLinked(pending, link)
			}
		}
		collected = append(collected, entityKey)
	}
	return collected
}

// persistDeleted queues the fields of a collected entity so the next batch
// removes them from storage.
func (d *Data) persistDeleted(entityKey string, node fields) {
	if !d.persisting {
		return
	}
	for fieldKey := range node {
		d.persist[keys.Serialize(entityKey, fieldKey)] = struct{}{}
	}
}

func lockedByLayer(d *Data, entityKey string) bool {
	for _, locks := range d.refLock {
		if locks[entityKey] > 0 {
			return true
		}
	}
	return false
}

func appendLinked(dst []string, link any) []string {
	switch l := link.(type) {
	case string:
		return append(dst, l)
	case []any:
		for _, child := range l {
			dst = appendLinked(dst, child)
		}
	case []string:
		dst = append(dst, l...)
	}
	return dst
}

// Entries is a batch of serialized fields keyed by keys.Serialize. Records
// hold their JSON value, links hold ":" followed by JSON, and an empty string
// marks a deleted field.
type Entries = map[string]string

// Flush runs the deferred work of the store: a GC pass followed by
// collecting the pending persistence batch. It returns the entries to hand
// to storage and the keys of collected entities.
func Flush(d *Data) (Entries, []string) {
	p := Begin(Read, d, 0, false)
	collected := GC(d)
	entries := p.persistBatch()
	p.End()
	d.deferred = false
	d.pruneStates()
	return entries, collected
}

func (p *Pass) persistBatch() Entries {
	d := p.data
	if !d.persisting || len(d.persist) == 0 {
		return nil
	}
	p.optimistic = true
	defer func() { p.optimistic = false }()

	entries := make(Entries, len(d.persist))
	for key := range d.persist {
		entityKey, fieldKey := keys.Deserialize(key)
		// Values that cannot be encoded are dropped from storage.
		if link, ok := p.getNode(d.links, entityKey, fieldKey); ok {
			if s, err := keys.Marshal(link); err == nil {
				entries[key] = ":" + s
			} else {
				entries[key] = ""
			}
		} else if value, ok := p.getNode(d.records, entityKey, fieldKey); ok {
			if s, err := keys.Marshal(value); err == nil {
				entries[key] = s
			} else {
				entries[key] = ""
			}
		} else {
			entries[key] = ""
		}
	}
	clear(d.persist)
	return entries
}

// Hydrate writes persisted entries into base for every field not yet
// present, then enables persistence and ends hydration.
func Hydrate(d *Data, entries Entries) error {
	p := Begin(Write, d, 0, false)
	for key, value := range entries {
		if value == "" {
			continue
		}
		entityKey, fieldKey := keys.Deserialize(key)
		if raw, isLink := strings.CutPrefix(value, ":"); isLink {
			if _, ok := p.ReadLink(entityKey, fieldKey); ok {
				continue
			}
			var link any
			if err := json.Unmarshal([]byte(raw), &link); err != nil {
				p.End()
				return err
			}
			p.WriteLink(entityKey, fieldKey, link)
		} else {
			if _, ok := p.ReadRecord(entityKey, fieldKey); ok {
				continue
			}
			var record any
			if err := json.Unmarshal([]byte(value), &record); err != nil {
				p.End()
				return err
			}
			p.WriteRecord(entityKey, fieldKey, record)
			if fieldKey == "__typename" {
				if typename, ok := record.(string); ok {
					p.WriteType(typename, entityKey)
				}
			}
		}
	}
	d.persisting = true
	d.hydrating = false
	p.End()
	return nil
}
