package events

import "time"

// Outcome classifies how a cached read answered an operation.
type Outcome string

const (
	Hit     Outcome = "hit"
	Partial Outcome = "partial"
	Miss    Outcome = "miss"
)

// CacheLookup is emitted after an operation was read from the cache.
type CacheLookup struct {
	OperationName string
	OperationType string
	Policy        string
	Outcome       Outcome
}

// CacheWrite is emitted after a result was normalized into the cache.
type CacheWrite struct {
	OperationName string
	OperationType string
	Optimistic    bool
	Dependencies  int
}

// CacheFlush is emitted after garbage collection and persistence ran.
type CacheFlush struct {
	Collected int
	Persisted int
	Err       error
	Duration  time.Duration
}
