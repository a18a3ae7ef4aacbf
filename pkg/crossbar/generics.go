package crossbar

import (
	"context"
	"fmt"
	"reflect"
)

// typeTagOf returns a stable string identity for T, used as the
// channel's opaque type token (spec.md §9: "tagged entries where the
// tag is a type identifier"). Two calls with the same T always agree,
// and calls with different T (even structurally identical ones named
// differently) disagree, which is exactly the granularity Publish/
// Subscribe's type-mismatch check needs.
func typeTagOf[T any]() string {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	return t.PkgPath() + "." + t.String()
}

// TypedHandler is the public, typed handler signature a caller
// supplies to Subscribe[T]. It receives the already-asserted payload
// alongside the raw envelope for metadata access.
type TypedHandler[T any] func(ctx context.Context, env *Envelope, body T) error

// Publish sends body of type T to the named channel, creating it with
// payload identity T on first use. See spec.md §4.1 for the full fan-
// out contract; Publish returns as soon as delivery has been attempted
// to every current subscriber, without waiting for handler execution.
func Publish[T any](cb *CrossBar, channelName string, body T, opts PublishOptions) error {
	return cb.publish(channelName, typeTagOf[T](), body, opts)
}

// Subscribe registers handler against channelName (a concrete name or
// a wildcard pattern) with payload identity T. The returned handle
// exposes Dispose/Suspend/GetStats without exposing the internal
// pipeline.
func Subscribe[T any](cb *CrossBar, channelName string, handler TypedHandler[T], opts SubscribeOptions) (*SubscribeHandle, error) {
	wrapped := func(ctx context.Context, env *Envelope) error {
		// ChannelDelete/ChannelReset envelopes carry no Body; they reach
		// the handler with the zero value of T.
		body, ok := env.Body.(T)
		if !ok && env.Body != nil {
			return fmt.Errorf("crossbar: internal type assertion failure on channel %q", env.ChannelName)
		}
		return handler(ctx, env, body)
	}
	return cb.subscribe(channelName, typeTagOf[T](), wrapped, opts)
}
