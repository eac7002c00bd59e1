package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the proxy receives a request. The context
// carries the request id.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the response was written. Operations is the
// number of GraphQL operations the request carried, more than one for a
// batch and zero when the request was rejected before parsing.
type HTTPFinish struct {
	Request    *http.Request
	Status     int
	Operations int
	Duration   time.Duration
}
