package crossbar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBar(t *testing.T) *CrossBar {
	t.Helper()
	bar, err := New(DefaultCrossBarOptions(), NewSystemClock(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(bar.Dispose)
	return bar
}

// Scenario A — Simple FIFO.
func TestPublishSubscribe_SimpleFIFO(t *testing.T) {
	bar := newTestBar(t)

	var mu sync.Mutex
	var received []string

	handle, err := Subscribe[string](bar, "test.channel", func(ctx context.Context, env *Envelope, body string) error {
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer handle.Dispose()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, Publish(bar, "test.channel", s, PublishOptions{}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, received)
}

// Property 2 — type identity enforced on both publish and subscribe.
func TestPublishSubscribe_TypeMismatch(t *testing.T) {
	bar := newTestBar(t)

	require.NoError(t, Publish(bar, "typed.channel", 42, PublishOptions{}))

	err := Publish(bar, "typed.channel", "not an int", PublishOptions{})
	require.Error(t, err)
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, "typed.channel", tm.Channel)

	_, err = Subscribe[string](bar, "typed.channel", func(ctx context.Context, env *Envelope, body string) error {
		return nil
	}, SubscribeOptions{})
	require.Error(t, err)
	require.ErrorAs(t, err, &tm)
}

// Scenario C / property 3 and 4 — state replay and latest-per-key storage.
func TestPublishSubscribe_StoreAndFetchState(t *testing.T) {
	bar := newTestBar(t)

	require.NoError(t, Publish(bar, "prices", "v1-a", PublishOptions{Key: "k1", Store: true}))
	require.NoError(t, Publish(bar, "prices", "v2", PublishOptions{Key: "k2", Store: true}))
	require.NoError(t, Publish(bar, "prices", "v1-b", PublishOptions{Key: "k1", Store: true}))

	state := bar.GetChannelState("prices")
	require.Len(t, state, 2)
	assert.Equal(t, "v1-b", state["k1"])
	assert.Equal(t, "v2", state["k2"])

	var mu sync.Mutex
	byKey := make(map[string]string)

	handle, err := Subscribe[string](bar, "prices", func(ctx context.Context, env *Envelope, body string) error {
		mu.Lock()
		byKey[env.Key] = body
		mu.Unlock()
		return nil
	}, SubscribeOptions{FetchState: true})
	require.NoError(t, err)
	defer handle.Dispose()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(byKey) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "v1-b", byKey["k1"])
	assert.Equal(t, "v2", byKey["k2"])
}

// Scenario B — conflation collapses bursts to the latest value per key.
func TestPublishSubscribe_Conflation(t *testing.T) {
	bar := newTestBar(t)

	var mu sync.Mutex
	delivered := make(map[string]int)

	handle, err := Subscribe[int](bar, "conflated", func(ctx context.Context, env *Envelope, body int) error {
		mu.Lock()
		delivered[env.Key] = body
		mu.Unlock()
		return nil
	}, SubscribeOptions{ConflationInterval: 200 * time.Millisecond})
	require.NoError(t, err)
	defer handle.Dispose()

	require.NoError(t, Publish(bar, "conflated", 1, PublishOptions{Key: "k1"}))
	require.NoError(t, Publish(bar, "conflated", 2, PublishOptions{Key: "k1"}))
	require.NoError(t, Publish(bar, "conflated", 3, PublishOptions{Key: "k2"}))
	require.NoError(t, Publish(bar, "conflated", 4, PublishOptions{Key: "k1"}))

	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, delivered["k1"])
	assert.Equal(t, 3, delivered["k2"])
}

// Scenario E — wildcard matching rules.
func TestPublishSubscribe_WildcardMatching(t *testing.T) {
	bar := newTestBar(t)

	var mu sync.Mutex
	var seen []string

	handle, err := Subscribe[string](bar, "orders.*", func(ctx context.Context, env *Envelope, body string) error {
		mu.Lock()
		seen = append(seen, env.ChannelName)
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer handle.Dispose()

	require.NoError(t, Publish(bar, "orders.new", "x", PublishOptions{}))
	require.NoError(t, Publish(bar, "orders.cancelled", "x", PublishOptions{}))
	require.NoError(t, Publish(bar, "customers.created", "x", PublishOptions{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, Publish(bar, "orders.updated", "x", PublishOptions{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, time.Millisecond)

	// "orders.new.detail" has a different segment count and must not match "orders.*".
	require.NoError(t, Publish(bar, "orders.new.detail", "x", PublishOptions{}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()

	deepHandle, err := Subscribe[string](bar, "orders.>", func(ctx context.Context, env *Envelope, body string) error {
		mu.Lock()
		seen = append(seen, "deep:"+env.ChannelName)
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer deepHandle.Dispose()

	require.NoError(t, Publish(bar, "orders.new.detail", "x", PublishOptions{}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == "deep:orders.new.detail" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// Property 1 generalization: many keyless publishes stay strictly ordered.
func TestPublishSubscribe_FIFOUnderLoad(t *testing.T) {
	bar := newTestBar(t)

	var mu sync.Mutex
	var received []int

	handle, err := Subscribe[int](bar, "sequence", func(ctx context.Context, env *Envelope, body int) error {
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer handle.Dispose()

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, Publish(bar, "sequence", i, PublishOptions{}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == n
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range received {
		require.Equal(t, i, v)
	}
}
