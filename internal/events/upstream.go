package events

import "time"

// UpstreamStart is emitted before an operation is forwarded to the origin
// GraphQL server.
type UpstreamStart struct {
	URL           string
	OperationName string
	OperationType string
}

// UpstreamFinish is emitted after the origin answered or the request failed.
type UpstreamFinish struct {
	URL           string
	OperationName string
	OperationType string
	Status        int
	Err           error
	Duration      time.Duration
}
