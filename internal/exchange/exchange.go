// Package exchange runs GraphQL operations through a cache.Store. Queries
// are answered from the cache according to their Policy and fetched from a
// Forwarder otherwise; results are written back, and watched operations
// whose data changed are executed again.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	language "github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/storage"
)

var (
	// ErrCacheOnlyMiss is returned for cache-only queries the cache cannot
	// answer.
	ErrCacheOnlyMiss = errors.New("exchange: cache-only query missed the cache")

	// ErrNoForwarder is returned when an operation needs the network and no
	// Forwarder was configured.
	ErrNoForwarder = errors.New("exchange: no forwarder configured")

	// ErrUnreachable marks forwarding errors that mean the origin could not
	// be reached at all. Forwarders wrap their transport errors with it.
	ErrUnreachable = errors.New("exchange: origin unreachable")
)

// Forwarder sends an operation to the origin GraphQL server.
type Forwarder interface {
	Forward(ctx context.Context, req Request) (*Response, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, req Request) (*Response, error)

func (f ForwarderFunc) Forward(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Exchange executes operations against a store and an origin.
type Exchange struct {
	store      *cache.Store
	forward    Forwarder
	logger     *slog.Logger
	queue      storage.MetadataAdapter
	background func(fn func())

	mu        sync.Mutex
	lastLayer int
	lastWatch int
	watchers  map[int]*watcher
	deps      map[string]map[int]struct{}
	queued    []queuedMutation
}

type Option func(*Exchange)

func WithForwarder(f Forwarder) Option    { return func(e *Exchange) { e.forward = f } }
func WithLogger(l *slog.Logger) Option    { return func(e *Exchange) { e.logger = l } }
func WithBackground(run func(func())) Option {
	return func(e *Exchange) { e.background = run }
}

// WithOfflineQueue keeps mutations that could not reach the origin in q and
// replays them later. When q also implements storage.OnlineNotifier the
// queue is replayed whenever it reports connectivity.
func WithOfflineQueue(q storage.MetadataAdapter) Option {
	return func(e *Exchange) { e.queue = q }
}

func New(store *cache.Store, opts ...Option) *Exchange {
	e := &Exchange{
		store:    store,
		logger:   slog.Default(),
		watchers: make(map[int]*watcher),
		deps:     make(map[string]map[int]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.background == nil {
		e.background = func(fn func()) { go fn() }
	}
	if n, ok := e.queue.(storage.OnlineNotifier); ok {
		n.OnOnline(func() {
			if err := e.Replay(context.Background()); err != nil {
				e.logger.Warn("replaying offline mutations", "error", err)
			}
		})
	}
	return e
}

// Store returns the store the exchange writes to.
func (e *Exchange) Store() *cache.Store { return e.store }

// Execute runs req once.
func (e *Exchange) Execute(ctx context.Context, req Request) (*Result, error) {
	op, err := prepare(req)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, op)
}

func (e *Exchange) execute(ctx context.Context, op *operation) (*Result, error) {
	res, refresh, err := e.resolve(ctx, op)
	if refresh {
		e.refresh(ctx, op)
	}
	return res, err
}

// resolve answers op according to its policy. refresh reports that the
// answer came from the cache and should be fetched again in the background.
func (e *Exchange) resolve(ctx context.Context, op *operation) (res *Result, refresh bool, err error) {
	if op.kind == language.Mutation {
		res, err = e.mutate(ctx, op)
		return res, false, err
	}
	if op.policy == NetworkOnly {
		res, err = e.fetch(ctx, op)
		return res, false, err
	}

	read := e.store.Query(op.request, nil, nil, 0)
	outcome := outcomeOf(read)
	eventbus.Publish(ctx, events.CacheLookup{
		OperationName: op.name,
		OperationType: string(op.kind),
		Policy:        string(op.policy),
		Outcome:       outcome,
	})
	cached := &Result{Data: read.Data, Partial: read.Partial, deps: read.Dependencies}

	switch {
	case op.policy == CacheOnly:
		if outcome == events.Miss {
			return nil, false, ErrCacheOnlyMiss
		}
		return cached, false, nil
	case op.policy == CacheAndNetwork && outcome != events.Miss:
		cached.Stale = true
		return cached, true, nil
	case outcome == events.Hit:
		return cached, false, nil
	}

	res, err = e.fetch(ctx, op)
	if err != nil && outcome == events.Partial && errors.Is(err, ErrUnreachable) {
		cached.Stale = true
		return cached, false, nil
	}
	return res, false, err
}

func outcomeOf(res cache.QueryResult) events.Outcome {
	switch {
	case res.Data == nil:
		return events.Miss
	case res.Partial || res.HasNext:
		return events.Partial
	}
	return events.Hit
}

// refresh fetches op in the background, detached from the request.
func (e *Exchange) refresh(ctx context.Context, op *operation) {
	ctx = context.WithoutCancel(ctx)
	e.background(func() {
		if _, err := e.fetch(ctx, op); err != nil {
			e.logger.Warn("background refresh failed", "operation", op.name, "error", err)
		}
	})
}

// fetch forwards a query or subscription inside a reserved layer so that
// results arriving out of order are applied in dispatch order.
func (e *Exchange) fetch(ctx context.Context, op *operation) (*Result, error) {
	if e.forward == nil {
		return nil, ErrNoForwarder
	}
	layer := e.nextLayer()
	e.store.Reserve(layer, false)
	resp, err := e.forward.Forward(ctx, op.network)
	if err != nil {
		e.store.Noop(layer, false)
		return nil, err
	}
	return e.write(ctx, op, layer, resp, nil), nil
}

// write normalizes resp and reads the operation back, so that resolvers
// apply to the answer. Watchers of the same operation receive the answer;
// other watchers depending on the written data are run again, along with
// those that depended on optimistic data.
func (e *Exchange) write(ctx context.Context, op *operation, layer int, resp *Response, optimistic map[string]struct{}) *Result {
	w := e.store.Write(op.request, resp.Data, resp.Errors, layer)
	eventbus.Publish(ctx, events.CacheWrite{
		OperationName: op.name,
		OperationType: string(op.kind),
		Dependencies:  len(w.Dependencies),
	})

	var previous map[string]any
	if op.kind != language.Query {
		previous = resp.Data
	}
	read := e.store.Query(op.request, previous, resp.Errors, layer)
	res := &Result{
		Data:       read.Data,
		Errors:     resp.Errors,
		Extensions: resp.Extensions,
		Partial:    read.Partial,
		deps:       read.Dependencies,
	}
	if res.Data == nil {
		res.Data, res.Partial, res.deps = resp.Data, false, w.Dependencies
	}

	for dep := range optimistic {
		w.Dependencies[dep] = struct{}{}
	}
	if op.kind != language.Mutation {
		e.publish(op.key, res)
	}
	e.reexecute(ctx, w.Dependencies, op.key)
	return res
}

// mutate writes optimistic results first, then forwards the mutation. A
// failed mutation discards its optimistic layer unless it is queued for
// later.
func (e *Exchange) mutate(ctx context.Context, op *operation) (*Result, error) {
	if e.forward == nil {
		return nil, ErrNoForwarder
	}
	layer := e.nextLayer()
	optimistic := e.store.WriteOptimistic(op.request, layer)
	eventbus.Publish(ctx, events.CacheWrite{
		OperationName: op.name,
		OperationType: string(op.kind),
		Optimistic:    true,
		Dependencies:  len(optimistic.Dependencies),
	})
	if len(optimistic.Dependencies) == 0 {
		e.store.Noop(layer, false)
	} else {
		e.reexecute(ctx, optimistic.Dependencies, op.key)
	}

	resp, err := e.forward.Forward(ctx, op.network)
	if err != nil {
		if e.queue != nil && errors.Is(err, ErrUnreachable) {
			return e.enqueue(ctx, op, layer, optimistic)
		}
		if len(optimistic.Dependencies) > 0 {
			e.store.Noop(layer, false)
			e.reexecute(ctx, optimistic.Dependencies, op.key)
		}
		return nil, err
	}
	return e.write(ctx, op, layer, resp, optimistic.Dependencies), nil
}

func (e *Exchange) nextLayer() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastLayer++
	return e.lastLayer
}

// sameData reports whether a and b are the same map, not merely equal.
func sameData(a, b map[string]any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
