package crossbar

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra context.
var (
	// ErrInvalidChannelName is returned when a channel name is empty,
	// too long, or contains "..".
	ErrInvalidChannelName = errors.New("crossbar: invalid channel name")

	// ErrObjectDisposed is returned by any API call made after Dispose.
	ErrObjectDisposed = errors.New("crossbar: object disposed")

	// ErrMaxChannelsExceeded is returned when channel creation would
	// exceed the configured maximum channel count.
	ErrMaxChannelsExceeded = errors.New("crossbar: max channels exceeded")

	// ErrHandlerTimeout is passed to a subscription's onTimeout callback
	// when a handler invocation exceeds its configured timeout.
	ErrHandlerTimeout = errors.New("crossbar: handler timeout")

	// ErrFailedSubscription is the cause recorded when a subscription's
	// queue is closed under the FailSubscription backpressure strategy.
	ErrFailedSubscription = errors.New("crossbar: subscription failed (backpressure)")
)

// TypeMismatchError is returned when a publish or subscribe operation's
// declared payload type disagrees with a channel's fixed type identity.
type TypeMismatchError struct {
	Channel  string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("crossbar: type mismatch on channel %q: channel carries %s, got %s", e.Channel, e.Expected, e.Got)
}

// PublishFailureError is returned when Publish is called with storeFlag
// set but no key, or other publish-time input validation fails.
type PublishFailureError struct {
	Channel string
	Reason  string
}

func (e *PublishFailureError) Error() string {
	return fmt.Sprintf("crossbar: publish to %q failed: %s", e.Channel, e.Reason)
}

// InvalidSubscriptionError is returned for illegal subscribe-time
// combinations: a wildcard pattern on a system channel, or a subscribe
// to a non-existent system channel.
type InvalidSubscriptionError struct {
	NameOrPattern string
	Reason        string
}

func (e *InvalidSubscriptionError) Error() string {
	return fmt.Sprintf("crossbar: invalid subscription %q: %s", e.NameOrPattern, e.Reason)
}
