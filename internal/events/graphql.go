package events

import "time"

// GraphQLStart is emitted before the cache handles a GraphQL operation.
type GraphQLStart struct {
	Query         string
	OperationName string
	OperationType string
}

// GraphQLFinish is emitted after an operation was answered, from the cache
// or the origin.
type GraphQLFinish struct {
	Query         string
	OperationName string
	OperationType string
	Stale         bool
	Errors        []error
	Duration      time.Duration
}
