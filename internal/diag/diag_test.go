package diag

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvariantPanicsWithCode(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(*InvariantError)
		require.True(t, ok, "expected *InvariantError, got %T", r)
		require.Equal(t, 2, err.Code)
		require.Contains(t, err.Error(), "invariant 2")
	}()
	Invariant(false, 2, "no active pass for %s", "resolve")
}

func TestInvariantHolds(t *testing.T) {
	Invariant(true, 1, "never raised")
}

func TestWarnDeduplicates(t *testing.T) {
	ResetWarnings()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	Warn(logger, 16, "heuristic match on Todo", []string{"Query", "TodoFields"})
	Warn(logger, 16, "heuristic match on Todo", nil)
	Warn(logger, 4, "field missing", nil)

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "heuristic match on Todo"))
	require.Contains(t, out, "stack=\"Query > TodoFields\"")
	require.Contains(t, out, "field missing")
}
