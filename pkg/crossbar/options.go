package crossbar

import "time"

// SlowConsumerStrategy decides what happens when a bounded subscription
// queue is full at publish time.
type SlowConsumerStrategy int

const (
	// SkipUpdates drops the new envelope for this subscriber only; the
	// publisher is never blocked or failed.
	SkipUpdates SlowConsumerStrategy = iota
	// FailSubscription closes the subscription's queue with
	// ErrFailedSubscription on the first queue-full event; the pipeline
	// observes the closure and exits.
	FailSubscription
	// ConflateAndSkipUpdates replaces the most recently enqueued
	// envelope carrying the same key with the new one, when possible;
	// keyless envelopes fall back to SkipUpdates behavior.
	ConflateAndSkipUpdates
)

func (s SlowConsumerStrategy) String() string {
	switch s {
	case SkipUpdates:
		return "SkipUpdates"
	case FailSubscription:
		return "FailSubscription"
	case ConflateAndSkipUpdates:
		return "ConflateAndSkipUpdates"
	default:
		return "Unknown"
	}
}

// StateFactory produces a backlog of envelopes to deliver to a
// subscription before any live message, in order. FetchState wraps a
// channel's value-store snapshot as a StateFactory.
type StateFactory func() []*Envelope

// SubscribeOptions configures a single Subscribe call. The zero value
// is a valid, fully-default subscription: the buffer capacity, slow-
// consumer strategy and conflation interval come from the CrossBar's
// CrossBarOptions defaults (with DefaultCrossBarOptions: unbounded
// queue, SkipUpdates strategy, no conflation), and there is no timeout.
type SubscribeOptions struct {
	// SubscriptionName is a human-readable prefix; the final display
	// name is "<SubscriptionName>-<id>".
	SubscriptionName string

	// FetchState, if true, includes the channel's value-store snapshot
	// as an initial state factory delivered before live messages.
	FetchState bool

	// SlowConsumerStrategy selects the backpressure policy.
	SlowConsumerStrategy SlowConsumerStrategy

	// BufferCapacity, if non-nil and > 0, bounds the ingress queue.
	// Nil takes SystemChannelBufferCapacity on a system channel and
	// DefaultBufferCapacity elsewhere; the queue is unbounded when that
	// default is nil.
	BufferCapacity *int

	// ConflationInterval, if > 0, enables the timed-flush conflation
	// stage for keyed envelopes.
	ConflationInterval time.Duration

	// HandlerTimeout, if > 0, bounds each handler invocation.
	HandlerTimeout time.Duration

	// OnTimeout is invoked synchronously, on the pipeline goroutine,
	// whenever HandlerTimeout elapses. It must be fast: it runs inline
	// before the loop proceeds to the next envelope.
	OnTimeout func(err error)

	// StatsOptions configures the percentile estimator. The zero value
	// disables percentile tracking; use DefaultStatsOptions() for the
	// conventional p99.
	StatsOptions StatsOptions

	// StateFactories is populated internally (FetchState) and may
	// also be set directly by callers who want additional backlog
	// sources replayed before live messages.
	StateFactories []StateFactory
}

// CrossBarOptions configures a CrossBar instance's defaults and limits.
type CrossBarOptions struct {
	DefaultBufferCapacity      *int
	DefaultSlowConsumerStrategy SlowConsumerStrategy
	DefaultConflationInterval  time.Duration

	MaxChannels          int
	MaxChannelNameLength int

	EnableMessageTracing    bool
	EnableLifecycleTracking bool
	EnablePublishLogging    bool

	SystemChannelPrefix         string
	SystemChannelBufferCapacity int
}

// DefaultCrossBarOptions returns the conventional defaults named in
// spec.md §4.4: unbounded default queues, SkipUpdates, conflation
// disabled, a 256-char channel name limit, "$" system prefix, and a
// 1000-capacity system channel buffer.
func DefaultCrossBarOptions() CrossBarOptions {
	return CrossBarOptions{
		DefaultSlowConsumerStrategy: SkipUpdates,
		MaxChannels:                 0, // 0 = unlimited
		MaxChannelNameLength:        256,
		SystemChannelPrefix:         "$",
		SystemChannelBufferCapacity: 1000,
	}
}

func (o CrossBarOptions) validate() error {
	if o.SystemChannelPrefix == "" {
		return &InvalidSubscriptionError{Reason: "systemChannelPrefix must not be empty"}
	}
	if o.DefaultConflationInterval < 0 {
		return &PublishFailureError{Reason: "defaultConflationInterval must not be negative"}
	}
	if o.DefaultBufferCapacity != nil && *o.DefaultBufferCapacity <= 0 {
		return &PublishFailureError{Reason: "defaultBufferCapacity must be > 0 when set"}
	}
	if o.SystemChannelBufferCapacity <= 0 {
		return &PublishFailureError{Reason: "systemChannelBufferCapacity must be > 0"}
	}
	return nil
}
