// Package diag holds the two failure channels of the cache core: invariant
// violations, which panic with a numbered error, and configuration or schema
// mismatches, which are logged once per distinct message and otherwise ignored.
package diag

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// InvariantError is raised when the cache is used in a way it cannot recover
// from, such as calling into the facade outside of an active pass.
type InvariantError struct {
	Code    int
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("graphcache invariant %d: %s", e.Code, e.Message)
}

// Invariant panics with an *InvariantError unless cond holds.
func Invariant(cond bool, code int, format string, args ...any) {
	if cond {
		return
	}
	panic(&InvariantError{Code: code, Message: fmt.Sprintf(format, args...)})
}

var seen sync.Map

// Warn logs message at warn level the first time it is seen in this process.
// stack is the fragment trail active when the warning was raised, if any.
func Warn(logger *slog.Logger, code int, message string, stack []string) {
	if _, loaded := seen.LoadOrStore(message, struct{}{}); loaded {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"code", code}
	if len(stack) > 0 {
		attrs = append(attrs, "stack", strings.Join(stack, " > "))
	}
	logger.Warn(message, attrs...)
}

// ResetWarnings forgets every message seen so far.
func ResetWarnings() {
	seen.Range(func(key, _ any) bool {
		seen.Delete(key)
		return true
	})
}
