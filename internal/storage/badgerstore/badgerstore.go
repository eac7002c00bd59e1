// Package badgerstore persists cache entries in a BadgerDB database.
//
// Entries live under the "e/" prefix keyed by their serialized key. The
// offline mutation queue is a single JSON document under "m/queue".
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hanpama/graphcache/internal/storage"
)

const (
	entryPrefix = "e/"
	queueKey    = "m/queue"
)

// Config configures Open.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in memory.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
}

// DefaultConfig returns a configuration for an on-disk database.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for an in-memory database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a storage.Adapter and storage.MetadataAdapter on BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("badgerstore: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

// ReadData returns every stored entry.
func (s *Store) ReadData(ctx context.Context) (storage.Entries, error) {
	entries := make(storage.Entries)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries[string(item.Key()[len(entryPrefix):])] = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: read data: %w", err)
	}
	return entries, nil
}

// WriteData applies delta in a single write batch.
func (s *Store) WriteData(ctx context.Context, delta storage.Entries) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for key, value := range delta {
		var err error
		if value == "" {
			err = wb.Delete([]byte(entryPrefix + key))
		} else {
			err = wb.Set([]byte(entryPrefix+key), []byte(value))
		}
		if err != nil {
			return fmt.Errorf("badgerstore: write %q: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badgerstore: flush: %w", err)
	}
	return nil
}

// ReadMetadata returns the persisted mutation queue.
func (s *Store) ReadMetadata(ctx context.Context) ([]storage.SerializedRequest, error) {
	var requests []storage.SerializedRequest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(queueKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &requests)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: read metadata: %w", err)
	}
	return requests, nil
}

// WriteMetadata replaces the persisted mutation queue.
func (s *Store) WriteMetadata(ctx context.Context, requests []storage.SerializedRequest) error {
	raw, err := json.Marshal(requests)
	if err != nil {
		return fmt.Errorf("badgerstore: encode metadata: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if len(requests) == 0 {
			return txn.Delete([]byte(queueKey))
		}
		return txn.Set([]byte(queueKey), raw)
	})
	if err != nil {
		return fmt.Errorf("badgerstore: write metadata: %w", err)
	}
	return nil
}

var (
	_ storage.Adapter         = (*Store)(nil)
	_ storage.MetadataAdapter = (*Store)(nil)
)
