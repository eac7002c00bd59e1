package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ n int }
type pong struct{}

func TestPublishSubscribe(t *testing.T) {
	Use(New())
	defer Use(nil)

	var got []int
	unsubA := Subscribe(func(_ context.Context, e ping) { got = append(got, e.n) })
	unsubB := Subscribe(func(_ context.Context, e ping) { got = append(got, e.n*10) })
	Subscribe(func(_ context.Context, _ pong) { t.Fatal("pong handler called for ping") })

	Publish(context.Background(), ping{n: 1})
	require.Equal(t, []int{1, 10}, got)

	unsubA()
	Publish(context.Background(), ping{n: 2})
	require.Equal(t, []int{1, 10, 20}, got)

	unsubB()
	unsubB()
	Publish(context.Background(), ping{n: 3})
	require.Equal(t, []int{1, 10, 20}, got)
}

func TestPublishWithoutBus(t *testing.T) {
	Use(nil)
	called := false
	unsub := Subscribe(func(context.Context, ping) { called = true })
	Publish(context.Background(), ping{})
	unsub()
	require.False(t, called)
}
