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

func TestNew_InvalidOptionsRejected(t *testing.T) {
	opts := DefaultCrossBarOptions()
	opts.SystemChannelPrefix = ""
	_, err := New(opts, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestGetChannels_ExcludesSystemChannels(t *testing.T) {
	opts := DefaultCrossBarOptions()
	opts.EnableLifecycleTracking = true
	opts.EnableMessageTracing = true
	bar, err := New(opts, NewSystemClock(), zerolog.Nop())
	require.NoError(t, err)
	defer bar.Dispose()

	require.NoError(t, Publish(bar, "visible.channel", 1, PublishOptions{}))

	handle, err := Subscribe[int](bar, "visible.channel", func(ctx context.Context, env *Envelope, body int) error {
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer handle.Dispose()

	// With both tracing flags enabled, New creates the $lifecycle and
	// $message.traces system channels eagerly.
	_, ok := bar.GetChannelInfo(bar.lifecycleChannelName)
	require.True(t, ok)

	names := bar.GetChannels()
	assert.Contains(t, names, "visible.channel")
	for _, n := range names {
		assert.False(t, bar.isSystemChannel(n), "GetChannels must not include system channels, got %q", n)
	}
}

func TestTryDeleteChannel(t *testing.T) {
	bar := newTestBar(t)

	require.NoError(t, Publish(bar, "ephemeral", 1, PublishOptions{}))
	assert.True(t, bar.TryDeleteChannel("ephemeral"))
	assert.False(t, bar.TryDeleteChannel("ephemeral"))
	assert.False(t, bar.TryDeleteChannel("never-existed"))
}

func TestValueStore_GetAndDeleteMessage(t *testing.T) {
	bar := newTestBar(t)

	require.NoError(t, Publish(bar, "store-test", "hello", PublishOptions{Key: "greeting", Store: true}))

	v, ok := bar.TryGetMessage("store-test", "greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	assert.True(t, bar.TryDeleteMessage("store-test", "greeting"))
	_, ok = bar.TryGetMessage("store-test", "greeting")
	assert.False(t, ok)
	assert.False(t, bar.TryDeleteMessage("store-test", "greeting"))
}

func TestResetChannel_ClearsValueStore(t *testing.T) {
	bar := newTestBar(t)

	require.NoError(t, Publish(bar, "resettable", "v1", PublishOptions{Key: "k1", Store: true}))
	require.NoError(t, bar.ResetChannel("resettable"))

	state := bar.GetChannelState("resettable")
	assert.Empty(t, state)
}

func TestResetChannel_UnknownChannel(t *testing.T) {
	bar := newTestBar(t)
	err := bar.ResetChannel("does-not-exist")
	require.Error(t, err)
}

func TestDispose_RejectsFurtherCalls(t *testing.T) {
	opts := DefaultCrossBarOptions()
	bar, err := New(opts, NewSystemClock(), zerolog.Nop())
	require.NoError(t, err)

	bar.Dispose()
	bar.Dispose() // idempotent

	err = Publish(bar, "anything", 1, PublishOptions{})
	assert.ErrorIs(t, err, ErrObjectDisposed)

	_, err = Subscribe[int](bar, "anything", func(ctx context.Context, env *Envelope, body int) error {
		return nil
	}, SubscribeOptions{})
	assert.ErrorIs(t, err, ErrObjectDisposed)
}

func TestMaxChannelsExceeded(t *testing.T) {
	opts := DefaultCrossBarOptions()
	opts.MaxChannels = 2
	bar, err := New(opts, NewSystemClock(), zerolog.Nop())
	require.NoError(t, err)
	defer bar.Dispose()

	require.NoError(t, Publish(bar, "ch1", 1, PublishOptions{}))
	require.NoError(t, Publish(bar, "ch2", 1, PublishOptions{}))

	err = Publish(bar, "ch3", 1, PublishOptions{})
	assert.ErrorIs(t, err, ErrMaxChannelsExceeded)
}

func TestInvalidChannelNames(t *testing.T) {
	bar := newTestBar(t)

	cases := []string{"", "   ", "has..dots"}
	for _, name := range cases {
		err := Publish(bar, name, 1, PublishOptions{})
		assert.ErrorIs(t, err, ErrInvalidChannelName, "name=%q", name)
	}
}

func TestPublishStoreWithoutKey_Fails(t *testing.T) {
	bar := newTestBar(t)

	err := Publish(bar, "store-needs-key", 1, PublishOptions{Store: true})
	require.Error(t, err)
	var pf *PublishFailureError
	require.ErrorAs(t, err, &pf)
}

func TestSystemChannel_WildcardSubscriptionRejected(t *testing.T) {
	bar := newTestBar(t)

	_, err := Subscribe[SubscriptionTrace](bar, "$message.*", func(ctx context.Context, env *Envelope, body SubscriptionTrace) error {
		return nil
	}, SubscribeOptions{})
	require.Error(t, err)
	var ise *InvalidSubscriptionError
	require.ErrorAs(t, err, &ise)
}

func TestSystemChannel_SubscribeBeforeExistence_Fails(t *testing.T) {
	opts := DefaultCrossBarOptions()
	opts.SystemChannelPrefix = "$custom."
	bar, err := New(opts, NewSystemClock(), zerolog.Nop())
	require.NoError(t, err)
	defer bar.Dispose()

	_, err = Subscribe[int](bar, "$custom.never-published", func(ctx context.Context, env *Envelope, body int) error {
		return nil
	}, SubscribeOptions{})
	require.Error(t, err)
	var ise *InvalidSubscriptionError
	require.ErrorAs(t, err, &ise)
}

// The trace system channel is created eagerly in New, so a caller can
// Subscribe to it before anything has ever been published or traced
// (spec.md §6 external interface / DESIGN.md post-review fixes).
func TestSystemChannel_TraceSubscribableBeforeFirstPublish(t *testing.T) {
	opts := DefaultCrossBarOptions()
	opts.EnableMessageTracing = true
	bar, err := New(opts, NewSystemClock(), zerolog.Nop())
	require.NoError(t, err)
	defer bar.Dispose()

	traces := make(chan SubscriptionTrace, 4)
	traceHandle, err := Subscribe[SubscriptionTrace](bar, bar.traceChannelName, func(ctx context.Context, env *Envelope, body SubscriptionTrace) error {
		traces <- body
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer traceHandle.Dispose()

	handle, err := Subscribe[int](bar, "traced.channel", func(ctx context.Context, env *Envelope, body int) error {
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer handle.Dispose()

	require.NoError(t, Publish(bar, "traced.channel", 1, PublishOptions{}))

	select {
	case trace := <-traces:
		assert.Equal(t, "traced.channel", trace.ChannelName)
	case <-time.After(time.Second):
		t.Fatal("expected a trace envelope on the trace system channel")
	}
}

// spec.md §4.4 — system channels use SystemChannelBufferCapacity, not
// DefaultBufferCapacity, regardless of how the CrossBar-level default
// is configured.
func TestSystemChannel_UsesSystemChannelBufferCapacity(t *testing.T) {
	opts := DefaultCrossBarOptions()
	opts.EnableLifecycleTracking = true
	opts.SystemChannelBufferCapacity = 3
	bar, err := New(opts, NewSystemClock(), zerolog.Nop())
	require.NoError(t, err)
	defer bar.Dispose()

	release := make(chan struct{})
	handle, err := Subscribe[LifecycleEvent](bar, bar.lifecycleChannelName, func(ctx context.Context, env *Envelope, body LifecycleEvent) error {
		<-release
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer func() {
		close(release)
		handle.Dispose()
	}()

	assert.Equal(t, 3, handle.sub.queue.capacity)
}

// Property 11 / spec.md §9 — the two-pass wildcard attach protocol: a
// wildcard subscription registered after a channel already exists still
// attaches to it (second pass), and a channel created after the
// wildcard subscription picks it up at creation time (first pass).
func TestWildcard_TwoPassAttach(t *testing.T) {
	bar := newTestBar(t)

	var mu sync.Mutex
	var beforeChannel, afterChannel []string

	// Channel created first.
	require.NoError(t, Publish(bar, "events.created", 1, PublishOptions{}))

	handle, err := Subscribe[int](bar, "events.*", func(ctx context.Context, env *Envelope, body int) error {
		mu.Lock()
		if env.ChannelName == "events.created" {
			beforeChannel = append(beforeChannel, env.ChannelName)
		} else {
			afterChannel = append(afterChannel, env.ChannelName)
		}
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer handle.Dispose()

	// Second publish to the pre-existing channel should reach the
	// subscriber via the post-registration scan.
	require.NoError(t, Publish(bar, "events.created", 2, PublishOptions{}))

	// Channel created after the wildcard subscription should pick it up
	// at creation time.
	require.NoError(t, Publish(bar, "events.updated", 3, PublishOptions{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(beforeChannel) == 1 && len(afterChannel) == 1
	}, time.Second, time.Millisecond)
}

func TestGetChannelInfoAndSubscriptionDetails(t *testing.T) {
	bar := newTestBar(t)

	require.NoError(t, Publish(bar, "info.channel", 1, PublishOptions{From: "tester"}))

	info, ok := bar.GetChannelInfo("info.channel")
	require.True(t, ok)
	assert.Equal(t, "info.channel", info.Name)
	assert.Equal(t, "tester", info.LastPublishedBy)

	handle, err := Subscribe[int](bar, "info.channel", func(ctx context.Context, env *Envelope, body int) error {
		return nil
	}, SubscribeOptions{SubscriptionName: "watcher"})
	require.NoError(t, err)
	defer handle.Dispose()

	details := bar.GetChannelSubscriptionDetails("info.channel")
	require.Len(t, details, 1)
	assert.Equal(t, handle.Name(), details[0].Name)
	assert.False(t, details[0].IsWildcard)
}
