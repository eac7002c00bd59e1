package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/exchange"
	"github.com/hanpama/graphcache/internal/reqid"
)

func TestForward(t *testing.T) {
	var got payload
	var header http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": {"todo": null},
			"errors": [{"message": "not allowed", "path": ["todo"], "extensions": {"code": "FORBIDDEN"}}]
		}`))
	}))
	defer origin.Close()

	c := New(origin.URL, WithHeader("X-Api-Key", "secret"))
	ctx, rid := reqid.NewContext(context.Background())
	ctx = WithHeaders(ctx, http.Header{"Authorization": {"Bearer abc"}})
	res, err := c.Forward(ctx, exchange.Request{
		Query:         `query Todo($id: ID!) { todo(id: $id) { __typename id } }`,
		OperationName: "Todo",
		Variables:     map[string]any{"id": "1"},
	})
	require.NoError(t, err)

	require.Equal(t, "Todo", got.OperationName)
	require.Equal(t, map[string]any{"id": "1"}, got.Variables)
	require.Equal(t, rid, header.Get(reqid.Header))
	require.Equal(t, "Bearer abc", header.Get("Authorization"))
	require.Equal(t, "secret", header.Get("X-Api-Key"))
	require.Equal(t, "application/json", header.Get("Content-Type"))

	require.Equal(t, map[string]any{"todo": nil}, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "not allowed", res.Errors[0].Message)
	require.Equal(t, ast.Path{ast.PathName("todo")}, res.Errors[0].Path)
	require.Equal(t, "FORBIDDEN", res.Errors[0].Extensions["code"])
}

func TestForwardFailures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		unreachable bool
	}{
		{"gateway", http.StatusBadGateway, "<html>bad gateway</html>", true},
		{"unavailable", http.StatusServiceUnavailable, "", true},
		{"not graphql", http.StatusNotFound, "404 page not found", false},
		{"empty object", http.StatusOK, "{}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer origin.Close()

			_, err := New(origin.URL).Forward(context.Background(), exchange.Request{Query: "{ a }"})
			require.Error(t, err)
			require.Equal(t, tt.unreachable, errors.Is(err, exchange.ErrUnreachable))
			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			require.Equal(t, tt.status, serr.Status)
		})
	}
}

func TestForwardUnreachable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)
	var finished []events.UpstreamFinish
	defer eventbus.Subscribe(func(_ context.Context, e events.UpstreamFinish) { finished = append(finished, e) })()

	_, err := New(url).Forward(context.Background(), exchange.Request{Query: "mutation { a }"})
	require.ErrorIs(t, err, exchange.ErrUnreachable)
	require.Len(t, finished, 1)
	require.Equal(t, "mutation", finished[0].OperationType)
	require.Zero(t, finished[0].Status)
	require.Error(t, finished[0].Err)
}
