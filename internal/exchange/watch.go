package exchange

import (
	"context"
	"maps"

	"github.com/hanpama/graphcache/internal/events"
)

type watcher struct {
	id   int
	ctx  context.Context
	op   *operation
	fn   func(*Result, error)
	data map[string]any
	last *Result
	deps map[string]struct{}
}

// Watch executes req and passes the result to fn. Whenever a later write
// touches data the result was read from, req is executed again and fn
// receives the new result. Results that did not change are not delivered.
// A cache-and-network watch receives the cached result first and the
// refreshed one once it arrives.
//
// fn runs on the goroutine that caused the write. Watching stops when ctx
// is done or stop is called.
func (e *Exchange) Watch(ctx context.Context, req Request, fn func(*Result, error)) (stop func(), err error) {
	op, err := prepare(req)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastWatch++
	w := &watcher{id: e.lastWatch, ctx: ctx, op: op, fn: fn}
	e.watchers[w.id] = w
	e.mu.Unlock()

	stop = func() { e.unwatch(w.id) }
	context.AfterFunc(ctx, stop)

	res, refresh, err := e.resolve(ctx, op)
	e.deliver(w, res, err)
	if refresh {
		e.refresh(ctx, op)
	}
	return stop, nil
}

func (e *Exchange) unwatch(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watchers[id]
	if !ok {
		return
	}
	delete(e.watchers, id)
	e.untrack(w)
}

// deliver records what the result depends on and hands it to the watcher.
func (e *Exchange) deliver(w *watcher, res *Result, err error) {
	e.mu.Lock()
	if _, ok := e.watchers[w.id]; !ok {
		e.mu.Unlock()
		return
	}
	if res != nil {
		if res == w.last {
			e.mu.Unlock()
			return
		}
		w.last = res
		e.untrack(w)
		w.deps = maps.Clone(res.deps)
		for dep := range w.deps {
			if e.deps[dep] == nil {
				e.deps[dep] = make(map[int]struct{})
			}
			e.deps[dep][w.id] = struct{}{}
		}
		if w.data != nil && sameData(w.data, res.Data) {
			e.mu.Unlock()
			return
		}
		w.data = res.Data
	}
	e.mu.Unlock()
	w.fn(res, err)
}

func (e *Exchange) untrack(w *watcher) {
	for dep := range w.deps {
		delete(e.deps[dep], w.id)
		if len(e.deps[dep]) == 0 {
			delete(e.deps, dep)
		}
	}
	w.deps = nil
}

// publish hands res to every watcher of the operation identified by key.
func (e *Exchange) publish(key uint64, res *Result) {
	e.mu.Lock()
	var pending []*watcher
	for _, w := range e.watchers {
		if w.op.key == key {
			pending = append(pending, w)
		}
	}
	e.mu.Unlock()

	for _, w := range pending {
		e.deliver(w, res, nil)
	}
}

// reexecute runs every watcher that depends on one of deps, except those
// watching the operation that caused the change.
func (e *Exchange) reexecute(ctx context.Context, deps map[string]struct{}, origin uint64) {
	e.mu.Lock()
	var pending []*watcher
	seen := make(map[int]struct{})
	for dep := range deps {
		for id := range e.deps[dep] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if w := e.watchers[id]; w != nil && w.op.key != origin {
				pending = append(pending, w)
			}
		}
	}
	e.mu.Unlock()

	for _, w := range pending {
		e.rerun(w)
	}
}

// rerun reads the watched operation again, reusing the last delivered data
// so unchanged results keep their identity. A miss is fetched unless the
// watcher is cache-only.
func (e *Exchange) rerun(w *watcher) {
	if w.ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	previous := w.data
	e.mu.Unlock()

	read := e.store.Query(w.op.request, previous, nil, 0)
	if outcomeOf(read) == events.Hit || w.op.policy == CacheOnly || e.forward == nil {
		if read.Data == nil && w.op.policy == CacheOnly {
			e.deliver(w, nil, ErrCacheOnlyMiss)
			return
		}
		e.deliver(w, &Result{Data: read.Data, Partial: read.Partial, deps: read.Dependencies}, nil)
		return
	}
	res, err := e.fetch(w.ctx, w.op)
	e.deliver(w, res, err)
}

// Watching returns the number of active watchers.
func (e *Exchange) Watching() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watchers)
}
