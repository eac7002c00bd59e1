package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/reqid"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup("", "graphcache")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSubscriberNestsSpans(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	sub := newSubscriber(tp.Tracer("test"))
	for _, unsub := range sub.register() {
		defer unsub()
	}

	ctx, _ := reqid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "/graphql", nil)
	eventbus.Publish(ctx, events.HTTPStart{Request: req})
	eventbus.Publish(ctx, events.GraphQLStart{OperationName: "Todos", OperationType: "query"})
	eventbus.Publish(ctx, events.CacheLookup{OperationName: "Todos", Policy: "cache-first", Outcome: events.Miss})
	eventbus.Publish(ctx, events.UpstreamStart{URL: "http://origin/graphql", OperationName: "Todos"})
	eventbus.Publish(ctx, events.UpstreamFinish{URL: "http://origin/graphql", Status: 502, Err: errors.New("bad gateway")})
	eventbus.Publish(ctx, events.GraphQLFinish{OperationName: "Todos"})
	eventbus.Publish(ctx, events.HTTPFinish{Request: req, Status: 200, Operations: 1})

	spans := rec.Ended()
	require.Len(t, spans, 3)
	require.Equal(t, "graphql.upstream", spans[0].Name())
	require.Equal(t, "graphql.operation", spans[1].Name())
	require.Equal(t, "http.request", spans[2].Name())

	require.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	require.Equal(t, spans[2].SpanContext().SpanID(), spans[1].Parent().SpanID())
	require.Len(t, spans[1].Events(), 1)
	require.Equal(t, "cache.lookup", spans[1].Events()[0].Name)
	require.Contains(t, spans[2].Attributes(), attribute.Int("graphql.operations", 1))
}
