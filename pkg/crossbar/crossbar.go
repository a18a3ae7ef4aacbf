// Package crossbar implements Berberis' in-process typed publish/subscribe
// message bus. See doc.go for the architecture overview.
package crossbar

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	applog "github.com/berberis/crossbar/pkg/log"
)

const (
	defaultTraceChannelSuffix    = "message.traces"
	defaultLifecycleChannelSuffix = "lifecycle"
)

// CrossBar is the façade described in spec.md §4.1: it validates
// inputs, creates channels lazily on first publish or subscribe,
// enforces type identity per channel, fans out to direct and wildcard
// subscribers, manages the wildcard registry, and orchestrates
// teardown. A CrossBar is safe for concurrent use by many publishers
// and subscribers.
type CrossBar struct {
	opts   CrossBarOptions
	clk    Clock
	logger zerolog.Logger

	mu       sync.RWMutex
	channels map[string]*channel

	wildMu   sync.RWMutex
	wildcard map[string]map[uint64]*Subscription // pattern -> id -> subscription

	nextSubID   atomic.Uint64
	nextCorrID  atomic.Uint64

	disposed atomic.Bool

	traceChannelName     string
	lifecycleChannelName string
}

// New constructs a CrossBar. A nil clock defaults to NewSystemClock();
// a zero zerolog.Logger falls back to the pkg/log package global. Per
// spec.md §9, both are explicit constructor dependencies, never ambient
// singletons. If message tracing or lifecycle tracking is enabled, the
// corresponding system channel is created immediately so a caller can
// Subscribe to it before anything has been published.
func New(opts CrossBarOptions, clk Clock, logger zerolog.Logger) (*CrossBar, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = NewSystemClock()
	}
	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		logger = applog.Logger
	}
	cb := &CrossBar{
		opts:                  opts,
		clk:                   clk,
		logger:                logger,
		channels:              make(map[string]*channel),
		wildcard:              make(map[string]map[uint64]*Subscription),
		traceChannelName:      opts.SystemChannelPrefix + defaultTraceChannelSuffix,
		lifecycleChannelName:  opts.SystemChannelPrefix + defaultLifecycleChannelSuffix,
	}

	// System channels are created eagerly (rather than lazily on first
	// internal publish) so that a caller can Subscribe to them right
	// after New returns, before any message has ever been traced or any
	// lifecycle event emitted.
	if opts.EnableMessageTracing {
		if _, err := cb.getOrCreateChannel(cb.traceChannelName, traceTypeTag, true); err != nil {
			return nil, err
		}
	}
	if opts.EnableLifecycleTracking {
		if _, err := cb.getOrCreateChannel(cb.lifecycleChannelName, lifecycleTypeTag, true); err != nil {
			return nil, err
		}
	}

	return cb, nil
}

func (cb *CrossBar) clock() Clock { return cb.clk }

func (cb *CrossBar) messageTracingEnabled() bool { return cb.opts.EnableMessageTracing }

func (cb *CrossBar) isSystemChannel(name string) bool {
	return strings.HasPrefix(name, cb.opts.SystemChannelPrefix)
}

func validateChannelName(name string, maxLen int) error {
	if name == "" || strings.TrimSpace(name) == "" {
		return ErrInvalidChannelName
	}
	if len(name) > maxLen {
		return ErrInvalidChannelName
	}
	if strings.Contains(name, "..") {
		return ErrInvalidChannelName
	}
	return nil
}

// GetNextCorrelationId returns a fresh, process-unique correlation id.
func (cb *CrossBar) GetNextCorrelationId() string {
	n := cb.nextCorrID.Add(1)
	return "corr-" + strconv.FormatUint(n, 10) + "-" + uuid.NewString()[:8]
}

// PublishOptions carries the optional metadata accompanying a Publish
// call: correlation id, key, source, and an arbitrary tag.
type PublishOptions struct {
	CorrelationId string
	Key           string
	From          string
	Tag           string
	Store         bool
}

// publish is the untyped core of Publish[T]; typeTag identifies the
// caller's concrete T so the channel's type identity can be checked or
// established.
func (cb *CrossBar) publish(name string, typeTag string, body any, opts PublishOptions) error {
	if cb.disposed.Load() {
		return ErrObjectDisposed
	}
	if err := validateChannelName(name, cb.opts.MaxChannelNameLength); err != nil {
		return err
	}
	if opts.Store && opts.Key == "" {
		return &PublishFailureError{Channel: name, Reason: "store requested with empty key"}
	}

	ch, err := cb.getOrCreateChannel(name, typeTag, cb.isSystemChannel(name))
	if err != nil {
		return err
	}
	if ch.typeTag != typeTag {
		return &TypeMismatchError{Channel: name, Expected: ch.typeTag, Got: typeTag}
	}

	now := cb.clk.Now()
	env := &Envelope{
		Id:             ch.nextMessageID(),
		TimestampUTC:   time.Now().UTC(),
		MessageType:    ChannelUpdate,
		CorrelationId:  opts.CorrelationId,
		Key:            opts.Key,
		InceptionTicks: now,
		From:           opts.From,
		Body:           body,
		Tag:            opts.Tag,
		ChannelName:    name,
	}
	if env.CorrelationId == "" {
		env.CorrelationId = cb.GetNextCorrelationId()
	}

	ch.stats.onPublish(now)
	ch.recordPublisher(opts.From, env.TimestampUTC)

	if opts.Store {
		ch.store.update(env)
	}

	cb.fanOut(ch, env)

	if cb.opts.EnablePublishLogging {
		cb.logChannel(name).Debug().
			Uint64("message_id", env.Id).
			Str("correlation_id", env.CorrelationId).
			Msg("published")
	}

	return nil
}

// fanOut delivers env to every current subscriber of ch, applying each
// subscriber's backpressure strategy on enqueue failure (spec.md §4.1
// steps 2-4).
func (cb *CrossBar) fanOut(ch *channel, env *Envelope) {
	for _, sub := range ch.snapshotSubscriptions() {
		accepted, failed := sub.tryEnqueue(env)
		if accepted {
			continue
		}
		if failed {
			cb.logSubscription(sub.Name, ch.name).Warn().Msg("subscription failed: backpressure (FailSubscription)")
			continue
		}
		cb.logSubscription(sub.Name, ch.name).Warn().Msg("envelope dropped: backpressure (SkipUpdates)")
	}
}

// logChannel returns a child logger of the injected logger scoped to a
// channel name, mirroring pkg/log's WithChannel but bound to this
// CrossBar's own logger instance rather than the package global.
func (cb *CrossBar) logChannel(name string) zerolog.Logger {
	return cb.logger.With().Str("channel", name).Logger()
}

// logSubscription returns a child logger scoped to a subscription and
// its channel, mirroring pkg/log's WithSubscription.
func (cb *CrossBar) logSubscription(subscription, channel string) zerolog.Logger {
	return cb.logger.With().Str("subscription", subscription).Str("channel", channel).Logger()
}

// getOrCreateChannel implements the lazy single-winner creation
// protocol of spec.md §4.2: concurrent callers race under a single
// write lock, and the winner performs the one-shot wildcard-attach
// pass before any other goroutine can observe the new channel.
func (cb *CrossBar) getOrCreateChannel(name, typeTag string, isSystem bool) (*channel, error) {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if ok {
		return ch, nil
	}

	cb.mu.Lock()
	if ch, ok := cb.channels[name]; ok {
		cb.mu.Unlock()
		return ch, nil
	}

	if cb.opts.MaxChannels > 0 && len(cb.channels) >= cb.opts.MaxChannels {
		cb.mu.Unlock()
		return nil, ErrMaxChannelsExceeded
	}

	ch = newChannel(name, typeTag, isSystem)
	if !isSystem {
		ch.attachWildcardsLocked(cb.matchingWildcardSubs(name, typeTag))
	}
	cb.channels[name] = ch
	cb.mu.Unlock()

	// Published after the registry lock is released: the lifecycle
	// publish itself looks up the lifecycle channel in the registry.
	if !isSystem {
		cb.publishLifecycle("channel.created", name)
	}
	return ch, nil
}

// matchingWildcardSubs returns every registered wildcard subscription
// whose pattern matches name and whose declared type agrees.
func (cb *CrossBar) matchingWildcardSubs(name, typeTag string) []*Subscription {
	cb.wildMu.RLock()
	defer cb.wildMu.RUnlock()
	var out []*Subscription
	for pattern, subs := range cb.wildcard {
		if !matchWildcard(pattern, name) {
			continue
		}
		for _, sub := range subs {
			if sub.typeTag == typeTag {
				out = append(out, sub)
			}
		}
	}
	return out
}

// SubscribeHandle is the opaque handle returned by Subscribe, exposing
// the operations a caller needs without leaking the internal
// Subscription type's pipeline machinery.
type SubscribeHandle struct {
	sub *Subscription
}

// Dispose tears down this subscription: its queue is closed, the
// pipeline drains and exits, and it is deregistered.
func (h *SubscribeHandle) Dispose() { h.sub.Dispose() }

// Suspend pauses or resumes handler invocation on this subscription.
func (h *SubscribeHandle) Suspend(suspend bool) { h.sub.Suspend(suspend) }

// IsSuspended reports whether this subscription is currently suspended.
func (h *SubscribeHandle) IsSuspended() bool { return h.sub.IsSuspended() }

// GetStats returns this subscription's statistics snapshot.
func (h *SubscribeHandle) GetStats(reset bool) SubscriptionSnapshot { return h.sub.GetStats(reset) }

// Name is the subscription's display name ("<subscriptionName>-<id>").
func (h *SubscribeHandle) Name() string { return h.sub.Name }

// Err returns the error that terminated this subscription, such as
// ErrFailedSubscription when SlowConsumerStrategy is FailSubscription
// and a queue-full enqueue closed it (spec.md Scenario D). Returns nil
// if the subscription is still active or was disposed normally.
func (h *SubscribeHandle) Err() error { return h.sub.FailureCause() }

// subscribe is the untyped core of Subscribe[T].
func (cb *CrossBar) subscribe(nameOrPattern, typeTag string, handler Handler, opts SubscribeOptions) (*SubscribeHandle, error) {
	if cb.disposed.Load() {
		return nil, ErrObjectDisposed
	}
	if handler == nil {
		return nil, &InvalidSubscriptionError{NameOrPattern: nameOrPattern, Reason: "nil handler"}
	}

	isWildcard := IsWildcardPattern(nameOrPattern)
	isSystem := cb.isSystemChannel(nameOrPattern)

	if isWildcard {
		if err := validatePattern(nameOrPattern); err != nil {
			return nil, err
		}
		if isSystem {
			return nil, &InvalidSubscriptionError{NameOrPattern: nameOrPattern, Reason: "wildcard subscriptions are not permitted on system channels"}
		}
	} else {
		if err := validateChannelName(nameOrPattern, cb.opts.MaxChannelNameLength); err != nil {
			return nil, err
		}
		if isSystem {
			cb.mu.RLock()
			_, exists := cb.channels[nameOrPattern]
			cb.mu.RUnlock()
			if !exists {
				return nil, &InvalidSubscriptionError{NameOrPattern: nameOrPattern, Reason: "system channel does not exist"}
			}
		}
	}

	if opts.BufferCapacity != nil && *opts.BufferCapacity <= 0 {
		return nil, &InvalidSubscriptionError{NameOrPattern: nameOrPattern, Reason: "bufferCapacity must be > 0 when set"}
	}
	if opts.BufferCapacity == nil {
		switch {
		case isSystem:
			capacity := cb.opts.SystemChannelBufferCapacity
			opts.BufferCapacity = &capacity
		case cb.opts.DefaultBufferCapacity != nil:
			capacity := *cb.opts.DefaultBufferCapacity
			opts.BufferCapacity = &capacity
		}
	}
	if opts.ConflationInterval == 0 {
		opts.ConflationInterval = cb.opts.DefaultConflationInterval
	}
	if opts.SlowConsumerStrategy == SkipUpdates {
		opts.SlowConsumerStrategy = cb.opts.DefaultSlowConsumerStrategy
	}

	id := cb.nextSubID.Add(1)

	if isWildcard {
		sub := newSubscription(id, nameOrPattern, nameOrPattern, typeTag, true, false, opts, handler, cb)
		cb.registerWildcard(nameOrPattern, sub)
		cb.attachWildcardToExistingChannels(nameOrPattern, typeTag, sub)
		sub.start()
		cb.publishLifecycle("subscription.created", sub.Name)
		return &SubscribeHandle{sub: sub}, nil
	}

	ch, err := cb.getOrCreateChannel(nameOrPattern, typeTag, isSystem)
	if err != nil {
		return nil, err
	}
	if ch.typeTag != typeTag {
		return nil, &TypeMismatchError{Channel: nameOrPattern, Expected: ch.typeTag, Got: typeTag}
	}

	if opts.FetchState {
		opts.StateFactories = append(opts.StateFactories, func() []*Envelope {
			return ch.store.snapshot()
		})
	}

	sub := newSubscription(id, nameOrPattern, nameOrPattern, typeTag, false, isSystem, opts, handler, cb)
	ch.addSubscription(sub)
	sub.start()
	cb.publishLifecycle("subscription.created", sub.Name)
	return &SubscribeHandle{sub: sub}, nil
}

// registerWildcard records sub in the wildcard registry under pattern,
// the first half of the two-pass attach protocol in spec.md §9.
func (cb *CrossBar) registerWildcard(pattern string, sub *Subscription) {
	cb.wildMu.Lock()
	defer cb.wildMu.Unlock()
	m, ok := cb.wildcard[pattern]
	if !ok {
		m = make(map[uint64]*Subscription)
		cb.wildcard[pattern] = m
	}
	m[sub.Id] = sub
}

func (cb *CrossBar) unregisterWildcard(pattern string, id uint64) {
	cb.wildMu.Lock()
	defer cb.wildMu.Unlock()
	if m, ok := cb.wildcard[pattern]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(cb.wildcard, pattern)
		}
	}
}

// attachWildcardToExistingChannels is the second pass of spec.md §9's
// wildcard race mitigation: after registering itself, a new wildcard
// subscription scans every already-existing channel and attaches to
// the ones it matches.
func (cb *CrossBar) attachWildcardToExistingChannels(pattern, typeTag string, sub *Subscription) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	for name, ch := range cb.channels {
		if ch.isSystem || ch.typeTag != typeTag {
			continue
		}
		if matchWildcard(pattern, name) {
			ch.addSubscription(sub)
		}
	}
}

// unregister implements pipelineHost: it is called by a Subscription's
// Dispose to remove itself from its owning channel and, if a wildcard,
// the wildcard registry and every channel it had been attached to.
func (cb *CrossBar) unregister(channelOrPattern string, id uint64, isWildcard bool) {
	if isWildcard {
		cb.unregisterWildcard(channelOrPattern, id)
		cb.mu.RLock()
		for _, ch := range cb.channels {
			ch.removeSubscription(id)
		}
		cb.mu.RUnlock()
		cb.publishLifecycle("subscription.disposed", channelOrPattern)
		return
	}
	cb.mu.RLock()
	ch, ok := cb.channels[channelOrPattern]
	cb.mu.RUnlock()
	if ok {
		ch.removeSubscription(id)
	}
	cb.publishLifecycle("subscription.disposed", channelOrPattern)
}

// publishSystemTrace implements pipelineHost: it re-publishes a
// SubscriptionProcessed trace envelope onto the trace system channel,
// per spec.md §4.3 step 5.
func (cb *CrossBar) publishSystemTrace(subName, channelName string, latency, service Ticks) {
	if cb.disposed.Load() {
		return
	}
	trace := SubscriptionTrace{
		SubscriptionName: subName,
		ChannelName:      channelName,
		LatencyMs:        latency.Millis(),
		ServiceMs:        service.Millis(),
	}
	_ = cb.publish(cb.traceChannelName, traceTypeTag, trace, PublishOptions{Tag: "trace"})
}

// publishLifecycle re-publishes a lifecycle event onto the lifecycle
// system channel when enabled, used for channel/subscription creation
// and teardown notifications.
func (cb *CrossBar) publishLifecycle(kind, name string) {
	if !cb.opts.EnableLifecycleTracking || cb.disposed.Load() {
		return
	}
	evt := LifecycleEvent{Kind: kind, Name: name, At: time.Now().UTC()}
	_ = cb.publish(cb.lifecycleChannelName, lifecycleTypeTag, evt, PublishOptions{Tag: "lifecycle"})
}

// TryDeleteChannel removes the named channel from the registry. Each
// non-wildcard subscriber is sent a ChannelDelete envelope and
// disposed; wildcard subscribers remain alive. Returns false if no
// such channel exists.
func (cb *CrossBar) TryDeleteChannel(name string) bool {
	cb.mu.Lock()
	ch, ok := cb.channels[name]
	if ok {
		delete(cb.channels, name)
	}
	cb.mu.Unlock()
	if !ok {
		return false
	}

	ch.disposeAll(func() *Envelope {
		return &Envelope{
			Id:             ch.nextMessageID(),
			TimestampUTC:   time.Now().UTC(),
			MessageType:    ChannelDelete,
			InceptionTicks: cb.clk.Now(),
			ChannelName:    name,
		}
	})
	cb.publishLifecycle("channel.deleted", name)
	return true
}

// GetChannels returns the current channel names, excluding system
// channels (spec.md §6).
func (cb *CrossBar) GetChannels() []string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]string, 0, len(cb.channels))
	for name, ch := range cb.channels {
		if ch.isSystem {
			continue
		}
		out = append(out, name)
	}
	return out
}

// GetChannelSubscriptions returns the display names of every current
// subscriber of name (direct and wildcard-attached).
func (cb *CrossBar) GetChannelSubscriptions(name string) []string {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return nil
	}
	subs := ch.snapshotSubscriptions()
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Name)
	}
	return out
}

// ResetChannel clears the named channel's value store and publishes a
// ChannelReset envelope to its subscribers.
func (cb *CrossBar) ResetChannel(name string) error {
	if cb.disposed.Load() {
		return ErrObjectDisposed
	}
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return fmt.Errorf("crossbar: channel %q does not exist", name)
	}
	ch.store.clear()
	env := &Envelope{
		Id:             ch.nextMessageID(),
		TimestampUTC:   time.Now().UTC(),
		MessageType:    ChannelReset,
		InceptionTicks: cb.clk.Now(),
		ChannelName:    name,
	}
	cb.fanOut(ch, env)
	return nil
}

// TryGetMessage returns the stored envelope body for key on the named
// channel's value store, if present.
func (cb *CrossBar) TryGetMessage(name, key string) (any, bool) {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return nil, false
	}
	env, ok := ch.store.tryGet(key)
	if !ok {
		return nil, false
	}
	return env.Body, true
}

// TryDeleteMessage removes key from the named channel's value store
// and publishes a ChannelDelete envelope carrying that key.
func (cb *CrossBar) TryDeleteMessage(name, key string) bool {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return false
	}
	if !ch.store.tryDelete(key) {
		return false
	}
	env := &Envelope{
		Id:             ch.nextMessageID(),
		TimestampUTC:   time.Now().UTC(),
		MessageType:    ChannelDelete,
		Key:            key,
		InceptionTicks: cb.clk.Now(),
		ChannelName:    name,
	}
	cb.fanOut(ch, env)
	return true
}

// GetChannelState returns a point-in-time snapshot of the named
// channel's stored envelope bodies, keyed by their Key.
func (cb *CrossBar) GetChannelState(name string) map[string]any {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return nil
	}
	envs := ch.store.snapshot()
	out := make(map[string]any, len(envs))
	for _, e := range envs {
		out[e.Key] = e.Body
	}
	return out
}

// ChannelInfo bundles a channel's identity, publisher metadata, and
// statistics snapshot for the metrics exporter.
type ChannelInfo struct {
	Name               string
	MessageBodyType    string
	LastPublishedBy    string
	LastPublishedAt    time.Time
	StoredMessageCount int
	Stats              ChannelSnapshot
}

// GetChannelInfo returns the named channel's export bundle.
func (cb *CrossBar) GetChannelInfo(name string) (ChannelInfo, bool) {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return ChannelInfo{}, false
	}
	from, at := ch.publisherInfo()
	return ChannelInfo{
		Name:               name,
		MessageBodyType:    ch.typeTag,
		LastPublishedBy:    from,
		LastPublishedAt:    at,
		StoredMessageCount: len(ch.store.snapshot()),
		Stats:              ch.stats.GetStats(false),
	}, true
}

// SubscriptionInfo bundles a subscription's identity, configuration,
// and statistics snapshot for the metrics exporter.
type SubscriptionInfo struct {
	Name               string
	ChannelName        string
	IsWildcard         bool
	SubscribedOn       time.Time
	ConflationInterval time.Duration
	Stats              SubscriptionSnapshot
}

// GetChannelSubscriptionDetails returns export bundles for every
// current subscriber of the named channel.
func (cb *CrossBar) GetChannelSubscriptionDetails(name string) []SubscriptionInfo {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return nil
	}
	subs := ch.snapshotSubscriptions()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubscriptionInfo{
			Name:               s.Name,
			ChannelName:        s.ChannelName,
			IsWildcard:         s.IsWildcard,
			SubscribedOn:       s.SubscribedOn,
			ConflationInterval: s.ConflationInterval(),
			Stats:              s.GetStats(false),
		})
	}
	return out
}

// GetChannelStats returns the named channel's publish-rate snapshot.
func (cb *CrossBar) GetChannelStats(name string, reset bool) (ChannelSnapshot, bool) {
	cb.mu.RLock()
	ch, ok := cb.channels[name]
	cb.mu.RUnlock()
	if !ok {
		return ChannelSnapshot{}, false
	}
	return ch.stats.GetStats(reset), true
}

// Dispose marks the bar terminal: every channel's subscriptions are
// disposed and the channel registry is emptied. Afterwards Publish,
// Subscribe and ResetChannel return ErrObjectDisposed; the other
// accessors (TryDeleteChannel, TryGetMessage, TryDeleteMessage,
// GetChannels, GetChannelState, GetChannelInfo, ...) do not check for
// disposal and report not-found or empty results from the empty
// registry.
func (cb *CrossBar) Dispose() {
	if !cb.disposed.CompareAndSwap(false, true) {
		return
	}
	cb.mu.Lock()
	channels := make([]*channel, 0, len(cb.channels))
	for _, ch := range cb.channels {
		channels = append(channels, ch)
	}
	cb.channels = make(map[string]*channel)
	cb.mu.Unlock()

	for _, ch := range channels {
		for _, sub := range ch.snapshotSubscriptions() {
			sub.Dispose()
		}
	}

	cb.wildMu.Lock()
	cb.wildcard = make(map[string]map[uint64]*Subscription)
	cb.wildMu.Unlock()
}
