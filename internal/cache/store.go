// Package cache is a normalized GraphQL cache. Results are split into
// entities identified by their typename and id and stored as records and
// links; queries are answered by walking their selection sets over the
// stored entities.
//
// A Store serializes calls with a mutex. Resolvers, updaters and optimistic
// resolvers run inside the call that invoked them and reach the store only
// through the Cache they receive.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/graphcache/internal/data"
	"github.com/hanpama/graphcache/internal/diag"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	language "github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/storage"
)

type rootFields struct {
	query        string
	mutation     string
	subscription string
}

func (r rootFields) of(op language.Operation) string {
	switch op {
	case language.Mutation:
		return r.mutation
	case language.Subscription:
		return r.subscription
	default:
		return r.query
	}
}

// Store owns the normalized data of one cache.
type Store struct {
	mu   sync.Mutex
	data *data.Data

	// flushMu keeps batches reaching storage in the order they were taken.
	flushMu sync.Mutex

	schema   *schema.Schema
	storage  storage.Adapter
	logger   *slog.Logger
	schedule func(fn func())

	resolvers  map[string]map[string]Resolver
	updates    map[string]map[string]Updater
	optimistic map[string]OptimisticResolver
	keys       map[string]KeyingFunc
	globalIDs  GlobalIDs
	directives map[string]DirectiveResolver

	rootFields rootFields
	rootNames  map[string]language.Operation
}

// New creates a Store. When cfg.Storage is set, Hydrate must be called
// before layered writes are squashed into the base data.
func New(cfg Config) *Store {
	s := &Store{
		schema:     cfg.Schema,
		storage:    cfg.Storage,
		logger:     cfg.Logger,
		schedule:   cfg.Schedule,
		resolvers:  cfg.Resolvers,
		updates:    cfg.Updates,
		optimistic: cfg.Optimistic,
		keys:       cfg.Keys,
		globalIDs:  cfg.GlobalIDs,
		directives: cfg.Directives,
		rootFields: rootFields{query: "Query", mutation: "Mutation", subscription: "Subscription"},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.schedule == nil {
		s.schedule = func(fn func()) { time.AfterFunc(0, fn) }
	}
	if sc := cfg.Schema; sc != nil {
		if sc.QueryType != "" {
			s.rootFields.query = sc.QueryType
		}
		if sc.MutationType != "" {
			s.rootFields.mutation = sc.MutationType
		}
		if sc.SubscriptionType != "" {
			s.rootFields.subscription = sc.SubscriptionType
		}
	}
	s.rootNames = map[string]language.Operation{
		s.rootFields.query:        language.Query,
		s.rootFields.mutation:     language.Mutation,
		s.rootFields.subscription: language.Subscription,
	}

	opts := []data.Option{data.WithScheduler(s.scheduleFlush)}
	if cfg.Storage != nil {
		opts = append(opts, data.WithHydration())
	}
	s.data = data.Make(s.rootFields.query, opts...)

	if cfg.Schema != nil {
		s.validateConfig(cfg)
	}
	return s
}

// Schema returns the schema the store was configured with, if any.
func (s *Store) Schema() *schema.Schema { return s.schema }

// RootType returns the typename of the root type for op.
func (s *Store) RootType(op language.Operation) string { return s.rootFields.of(op) }

// KeyOfEntity returns the key of an entity given as a key string or as an
// object with __typename. Root typenames are their own key. A false result
// means the object is embedded in its parent.
func (s *Store) KeyOfEntity(entity any) (string, bool) {
	switch e := entity.(type) {
	case string:
		return e, e != ""
	case map[string]any:
		return s.keyOfData(e)
	}
	return "", false
}

func (s *Store) keyOfData(d map[string]any) (string, bool) {
	typename, _ := d["__typename"].(string)
	if typename == "" {
		return "", false
	}
	if _, isRoot := s.rootNames[typename]; isRoot {
		return typename, true
	}
	var key string
	if fn := s.keys[typename]; fn != nil {
		k, ok := fn(d)
		if !ok {
			return "", false
		}
		key = k
	} else if id := d["id"]; id != nil {
		key = idString(id)
	} else if id := d["_id"]; id != nil {
		key = idString(id)
	}
	if key == "" {
		return "", false
	}
	if s.globalIDs.has(typename) {
		return key, true
	}
	return typename + ":" + key, true
}

func idString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(id)
}

func (s *Store) begin(kind data.Kind, layerKey int, optimistic bool) *facade {
	return &facade{store: s, pass: data.Begin(kind, s.data, layerKey, optimistic)}
}

func (f *facade) end() {
	f.pass.End()
}

// Query reads req from the cache. previous may hold an earlier result of
// the same request; unchanged parts of it are returned as the same maps and
// slices. For mutations and subscriptions previous is the result to read
// the entities of. layerKey scopes the read to an operation's layer, zero
// reads everything.
func (s *Store) Query(req Request, previous map[string]any, errs gqlerror.List, layerKey int) QueryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.begin(data.Read, layerKey, false)
	defer f.end()
	return f.query(req, previous, errs)
}

// Write normalizes a result of req into the store. Fields whose path has an
// error in errs and whose value is null are left uncached. A non-zero
// layerKey writes into the operation's commutative layer when other
// operations are still pending.
func (s *Store) Write(req Request, result map[string]any, errs gqlerror.List, layerKey int) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.begin(data.Write, layerKey, false)
	defer f.end()
	return f.write(req, result, errs)
}

// WriteOptimistic runs the optimistic resolvers of a mutation and writes
// their predictions into the optimistic layer layerKey.
func (s *Store) WriteOptimistic(req Request, layerKey int) WriteResult {
	def := req.operation()
	diag.Invariant(def.Operation == language.Mutation, 10,
		"writeOptimistic(...) was called with an operation that is not a mutation.\nThis case is unsupported and should never occur.")
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.begin(data.Write, layerKey, true)
	defer f.end()
	return f.write(req, map[string]any{}, nil)
}

// InvalidateQuery clears everything the query's selection reaches. It
// returns the dependencies that were touched.
func (s *Store) InvalidateQuery(req Request) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.begin(data.Write, 0, false)
	defer f.end()
	return f.invalidateQuery(req)
}

// Reserve registers a commutative layer for an operation that was just
// dispatched, fixing its position relative to other pending operations.
// hasNext marks a result that is still streaming.
func (s *Store) Reserve(layerKey int, hasNext bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data.ReserveLayer(s.data, layerKey, hasNext)
}

// Noop resolves an operation's layer without writing, discarding an
// optimistic layer or letting a commutative one squash.
func (s *Store) Noop(layerKey int, optimistic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data.Noop(s.data, layerKey, optimistic)
}

// Update runs fn in a write pass on the base layer and returns the
// dependencies it touched.
func (s *Store) Update(fn func(c Cache)) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.begin(data.Write, 0, false)
	defer f.end()
	fn(f)
	return f.pass.Dependencies()
}

// View runs fn in a read pass.
func (s *Store) View(fn func(c Cache)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.begin(data.Read, 0, false)
	defer f.end()
	fn(f)
}

// LayerState reports where an operation's layer is in its lifecycle.
func (s *Store) LayerState(layerKey int) data.LayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LayerState(layerKey)
}

// Stats is a snapshot of the store's size.
type Stats struct {
	Entities int
	Layers   int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Entities: s.data.EntityCount(), Layers: len(s.data.Order())}
}

// GC collects unreferenced entities and returns their keys.
func (s *Store) GC() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return data.GC(s.data)
}

func (s *Store) scheduleFlush() {
	s.schedule(func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("cache flush failed", "error", err)
		}
	})
}

// Flush runs garbage collection and writes pending changes to storage.
// Concurrent flushes are serialized.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	s.mu.Lock()
	entries, collected := data.Flush(s.data)
	s.mu.Unlock()

	var err error
	if s.storage != nil && len(entries) > 0 {
		if werr := s.storage.WriteData(ctx, entries); werr != nil {
			err = fmt.Errorf("cache: write storage: %w", werr)
		}
	}
	eventbus.Publish(ctx, events.CacheFlush{
		Collected: len(collected),
		Persisted: len(entries),
		Err:       err,
		Duration:  time.Since(start),
	})
	return err
}

// Hydrate loads persisted entries from storage. Fields written before
// hydration finished take precedence over persisted ones.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	entries, err := s.storage.ReadData(ctx)
	if err != nil {
		return fmt.Errorf("cache: read storage: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := data.Hydrate(s.data, entries); err != nil {
		return fmt.Errorf("cache: hydrate: %w", err)
	}
	return nil
}
