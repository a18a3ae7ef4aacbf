/*
Package crossbar implements Berberis' in-process, typed publish/subscribe
message bus.

CrossBar dispatches a publisher's value to N independent subscribers, each
with its own bounded or unbounded queue, optional per-key conflation,
optional stateful last-value cache, optional wildcard fan-out, and a
configurable backpressure policy. It contains the channel registry, the
per-subscription delivery pipeline (ingress queue -> conflation stage ->
handler invocation -> statistics), and the wildcard matcher / fan-out
binding.

# Architecture

	┌─────────────────────────── CROSSBAR ────────────────────────────┐
	│                                                                   │
	│  ┌─────────────────────────────────────────────────┐           │
	│  │                  Channel Registry                │           │
	│  │  name -> *Channel (lazy single-winner creation)   │           │
	│  └──────────────────────┬──────────────────────────┘           │
	│                         │                                        │
	│  ┌──────────────────────▼──────────────────────────┐           │
	│  │                     Channel                       │           │
	│  │  - payload type token (fixed at creation)         │           │
	│  │  - subscriptions: id -> *Subscription             │           │
	│  │  - optional value store: key -> Envelope          │           │
	│  │  - publish counter, last publisher metadata       │           │
	│  └──────────────────────┬──────────────────────────┘           │
	│                         │ fan-out (try-enqueue per subscriber)   │
	│  ┌──────────────────────▼──────────────────────────┐           │
	│  │                   Subscription                    │           │
	│  │  ingress queue -> [conflation] -> handler -> stats│           │
	│  │  exactly one consumer goroutine; FIFO per queue   │           │
	│  └───────────────────────────────────────────────────┘           │
	│                                                                   │
	│  ┌─────────────────────────────────────────────────┐           │
	│  │              Wildcard Registry                    │           │
	│  │  pattern -> (id -> *Subscription)                 │           │
	│  │  ">"-suffix prefix match, or "*"-segment match    │           │
	│  └─────────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────────┘

# Publish flow

 1. CrossBar.Publish validates the channel name and, if store is
    requested, the key.
 2. The channel is located, or created under a lazy single-winner
    protocol if this is the first publish/subscribe for that name.
 3. The envelope is stamped with a per-channel id and the current
    clock reading, optionally stored in the channel's value store.
 4. The envelope is offered to every subscriber's queue with a
    non-blocking try-enqueue; queue-full failures are resolved per
    subscription according to its SlowConsumerStrategy.
 5. Publish returns once fan-out attempts to all subscribers have been
    made. It never waits for handler execution.

# Subscribe flow

 1. CrossBar.Subscribe validates the name/pattern and handler.
 2. For a concrete name, a Channel is located or created (type-checked
    against any existing channel of the same name); a pattern is instead
    attached to every existing channel it matches.
 3. A Subscription is built with its queue, conflation buffer (if any),
    handler, and optional per-message timeout, then registered on the
    channel (and in the wildcard registry, if the name is a pattern).
 4. The subscription's single consumer goroutine starts, first
    delivering any configured initial state, then entering its read
    loop.

# Ordering and concurrency guarantees

Envelopes are delivered to a single subscription's handler in the order
they were published to that subscription's queue, and the pipeline
starts one handler invocation at a time. Two exceptions let
invocations overlap: a handler abandoned after HandlerTimeout keeps
running on its own goroutine while the next envelope is processed, and
with conflation enabled the flusher goroutine delivers keyed envelopes
while the read loop delivers keyless ones. Across different
subscriptions, no ordering is implied. Conflation coalesces same-key
envelopes within a flush window; keyless envelopes always bypass
conflation.

# Backpressure

A bounded subscription queue never blocks a publisher. On a failed
try-enqueue, the subscription's configured SlowConsumerStrategy decides
whether to drop the envelope (SkipUpdates), replace the most recently
queued envelope for the same key (ConflateAndSkipUpdates), or terminate
the subscription (FailSubscription). A "Block" strategy is documented in
some Berberis variants but intentionally not implemented here; see
DESIGN.md.

# See also

  - pkg/metrics for the statistics-to-JSON exporter shape.
  - pkg/config for loading CrossBarOptions from YAML.
  - cmd/berberis for a runnable demo wiring sample publishers/subscribers.
*/
package crossbar
