package reqid

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx, id := NewContext(context.Background())
	got, ok := FromContext(ctx)
	if !ok || got != id {
		t.Fatalf("expected %s from context, got %s ok=%v", id, got, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("unexpected id in empty context")
	}
}

func TestWithID(t *testing.T) {
	const incoming = "0b7c1a3e-5f43-4c4e-9b8e-2d0c6a3f1e11"
	ctx, id := WithID(context.Background(), incoming)
	if got, _ := FromContext(ctx); id != incoming || got != incoming {
		t.Fatalf("expected incoming id to be kept, got %s", got)
	}
	_, id = WithID(context.Background(), "not-a-uuid")
	if id == "not-a-uuid" || id == "" {
		t.Fatalf("expected a generated id, got %q", id)
	}
}
