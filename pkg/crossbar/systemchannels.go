package crossbar

import "time"

// traceTypeTag and lifecycleTypeTag are the fixed type identities of
// the two built-in system channels, computed with the same typeTagOf
// used by the public Subscribe[T]/Publish[T] wrappers so that
// Subscribe[SubscriptionTrace](bar, "$message.traces", ...) and
// Subscribe[LifecycleEvent](bar, "$lifecycle", ...) agree with what
// the internal publishers stamp on these channels.
var (
	traceTypeTag     = typeTagOf[SubscriptionTrace]()
	lifecycleTypeTag = typeTagOf[LifecycleEvent]()
)

// SubscriptionTrace is the body published on the trace system channel
// (default "$message.traces") once per processed message, when
// message tracing is enabled. It mirrors spec.md §4.3 step 5.
type SubscriptionTrace struct {
	SubscriptionName string
	ChannelName      string
	LatencyMs        float64
	ServiceMs        float64
}

// LifecycleEvent is the body published on the lifecycle system channel
// (default "$lifecycle") when lifecycle tracking is enabled. Kind is
// one of "channel.created", "channel.deleted", "subscription.created",
// "subscription.disposed".
type LifecycleEvent struct {
	Kind string
	Name string
	At   time.Time
}
