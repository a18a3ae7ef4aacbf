package crossbar

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler is the core's internal, untyped handler signature. The
// generic Subscribe[T] wrapper in generics.go type-asserts Envelope.Body
// into T before calling a caller's typed handler.
type Handler func(ctx context.Context, env *Envelope) error

// pipelineHost is the subset of CrossBar a Subscription's pipeline
// needs: publishing trace/lifecycle events and reading tracing flags.
// Modeling it as an interface (per spec.md §9) avoids a concrete
// ownership cycle between Subscription and CrossBar.
type pipelineHost interface {
	clock() Clock
	messageTracingEnabled() bool
	publishSystemTrace(subName, channelName string, latency, service Ticks)
	unregister(channelName string, id uint64, isWildcard bool)
}

// Subscription represents one registered consumer of a channel or
// wildcard pattern, per spec.md §3.
type Subscription struct {
	Id            uint64
	Name          string
	ChannelName   string // concrete name, or the pattern if isWildcard
	IsWildcard    bool
	IsSystem      bool
	SubscribedOn  time.Time

	typeTag string // matches the owning Channel's declared type tag

	opts SubscribeOptions

	queue *subQueue

	conflationEnabled  bool
	conflationInterval time.Duration
	conflMu            sync.Mutex
	conflMap           map[string]*Envelope

	suspended atomic.Bool
	resumeCh  atomic.Pointer[chan struct{}]

	stats *SubscriptionStats

	handler Handler
	host    pipelineHost

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	detached atomic.Bool
}

func newSubscription(id uint64, name, channelOrPattern, typeTag string, isWildcard, isSystem bool, opts SubscribeOptions, handler Handler, host pipelineHost) *Subscription {
	capacity := 0
	if opts.BufferCapacity != nil {
		capacity = *opts.BufferCapacity
	}

	displayName := opts.SubscriptionName
	if displayName == "" {
		displayName = "sub"
	}
	displayName = fmt.Sprintf("%s-%d", displayName, id)

	s := &Subscription{
		Id:                 id,
		Name:               displayName,
		ChannelName:        channelOrPattern,
		IsWildcard:         isWildcard,
		IsSystem:           isSystem,
		SubscribedOn:       time.Now().UTC(),
		typeTag:            typeTag,
		opts:               opts,
		queue:              newSubQueue(capacity),
		conflationEnabled:  opts.ConflationInterval > 0,
		conflationInterval: opts.ConflationInterval,
		conflMap:           make(map[string]*Envelope),
		stats:              NewSubscriptionStats(opts.StatsOptions),
		handler:            handler,
		host:               host,
		done:               make(chan struct{}),
	}
	return s
}

// start launches the single consumer goroutine for this subscription.
// Per spec.md §4.3, it yields once, delivers initial state, optionally
// starts the conflation flusher, then enters the read loop.
func (s *Subscription) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Subscription) run() {
	defer s.wg.Done()

	runtime.Gosched()

	for _, factory := range s.opts.StateFactories {
		for _, env := range factory() {
			s.processMessage(env, 0)
		}
	}

	if s.conflationEnabled {
		s.wg.Add(1)
		go s.runFlusher()
	}

	s.readLoop()
}

func (s *Subscription) readLoop() {
	for {
		items, closed := s.queue.drain()
		if len(items) == 0 {
			if closed {
				return
			}
			select {
			case <-s.queue.waitChan():
				continue
			case <-s.done:
				// Dispose closes the queue before closing done, so the
				// next drain hands back what is left and then reports
				// closed.
				continue
			}
		}

		for _, env := range items {
			now := s.host.clock().Now()
			latency := now - env.InceptionTicks
			s.stats.onDequeue(now, latency)

			if s.conflationEnabled && env.HasKey() {
				s.conflMu.Lock()
				s.conflMap[env.Key] = env
				s.conflMu.Unlock()
				continue
			}

			s.processMessage(env, latency)
		}
	}
}

func (s *Subscription) runFlusher() {
	defer s.wg.Done()

	lastFlushDuration := time.Duration(0)
	for {
		sleepFor := s.conflationInterval - lastFlushDuration
		if sleepFor < 0 {
			sleepFor = 0
		}
		timer := time.NewTimer(sleepFor)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		}

		start := time.Now()
		s.conflMu.Lock()
		batch := s.conflMap
		s.conflMap = make(map[string]*Envelope)
		s.conflMu.Unlock()

		for _, env := range batch {
			now := s.host.clock().Now()
			s.processMessage(env, now-env.InceptionTicks)
		}
		lastFlushDuration = time.Since(start)
	}
}

// processMessage implements the process-message step common to the
// initial-state path and the live path (spec.md §4.3): suspension
// check, handler invocation with optional timeout, stats update, and
// optional trace emission.
func (s *Subscription) processMessage(env *Envelope, latency Ticks) {
	s.waitIfResumed()

	serviceStart := s.host.clock().Now()
	err, timedOut := s.invokeHandler(env)
	serviceTicks := s.host.clock().Now() - serviceStart

	// A handler error (including a recovered panic) or a timeout means
	// this envelope does not count as processed, per spec.md §4.6: the
	// subscription continues, but the exception/timeout is not folded
	// into the processed counter.
	if err == nil && !timedOut {
		s.stats.onProcessed(s.host.clock().Now(), serviceTicks)

		if s.host.messageTracingEnabled() && !s.IsSystem {
			s.host.publishSystemTrace(s.Name, env.ChannelName, latency, serviceTicks)
		}
	}
}

// invokeHandler runs the user handler, catching panics and enforcing
// HandlerTimeout when configured. When HandlerTimeout is zero the
// handler runs inline with no extra goroutine or context machinery
// (the fast path spec.md §4.3 calls out); a timeout allocates a
// cancellable scope and races the handler against it.
func (s *Subscription) invokeHandler(env *Envelope) (err error, timedOut bool) {
	if s.opts.HandlerTimeout <= 0 {
		return s.callHandlerRecovering(context.Background(), env), false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandlerTimeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- s.callHandlerRecovering(ctx, env)
	}()

	select {
	case err := <-resultCh:
		return err, false
	case <-ctx.Done():
		s.stats.onTimeout()
		if s.opts.OnTimeout != nil {
			s.opts.OnTimeout(fmt.Errorf("%w: channel=%s id=%d timeout=%s", ErrHandlerTimeout, env.ChannelName, env.Id, s.opts.HandlerTimeout))
		}
		// The goroutine above may still be running; it delivers its
		// result to the buffered channel and exits with no further
		// receiver.
		return nil, true
	}
}

func (s *Subscription) callHandlerRecovering(ctx context.Context, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crossbar: handler panic: %v", r)
		}
	}()
	return s.handler(ctx, env)
}

// waitIfResumed blocks the pipeline goroutine while suspended is set,
// per spec.md §4.3's suspension contract: checked before each handler
// invocation, never mid-invocation.
func (s *Subscription) waitIfResumed() {
	for s.suspended.Load() {
		chPtr := s.resumeCh.Load()
		if chPtr == nil {
			return
		}
		select {
		case <-*chPtr:
		case <-s.done:
			return
		}
	}
}

// Suspend toggles the suspension flag. Concurrent toggles never
// deadlock: the resume channel is swapped atomically on each
// true->false transition, and a fresh one is installed on each
// false->true transition.
func (s *Subscription) Suspend(suspend bool) {
	was := s.suspended.Swap(suspend)
	if was == suspend {
		return
	}
	if suspend {
		ch := make(chan struct{})
		s.resumeCh.Store(&ch)
		return
	}
	chPtr := s.resumeCh.Swap(nil)
	if chPtr != nil {
		close(*chPtr)
	}
}

// IsSuspended reports the current suspension state.
func (s *Subscription) IsSuspended() bool {
	return s.suspended.Load()
}

// tryEnqueue offers env to this subscription's queue, applying the
// configured SlowConsumerStrategy on failure. Returns true if the
// envelope was accepted (queued, or absorbed into an existing
// conflation slot).
func (s *Subscription) tryEnqueue(env *Envelope) (accepted bool, failed bool) {
	if s.queue.tryEnqueue(env) {
		s.stats.onEnqueue()
		return true, false
	}

	switch s.opts.SlowConsumerStrategy {
	case FailSubscription:
		s.queue.close(ErrFailedSubscription)
		// The queue already carries ErrFailedSubscription, so Dispose's
		// own close is a no-op; it stops the pipeline and deregisters.
		s.Dispose()
		return false, true
	case ConflateAndSkipUpdates:
		if env.HasKey() && s.queue.tryConflateReplace(env) {
			return true, false
		}
		return false, false
	default: // SkipUpdates
		return false, false
	}
}

// GetStats returns this subscription's statistics snapshot.
func (s *Subscription) GetStats(reset bool) SubscriptionSnapshot {
	return s.stats.GetStats(reset)
}

// ConflationInterval returns the configured conflation flush interval
// (zero means conflation is disabled), for metrics export.
func (s *Subscription) ConflationInterval() time.Duration {
	return s.conflationInterval
}

// Dispose terminates the subscription's pipeline: the queue is closed,
// the consumer goroutine drains what remains and exits, the flusher (if
// any) is stopped, and the subscription is deregistered from its
// channel and (if a wildcard) the wildcard registry. Idempotent and
// safe to call from any goroutine; it does not wait for in-flight
// handler invocations beyond what the read loop naturally completes
// before observing the close.
func (s *Subscription) Dispose() {
	s.doneOnce.Do(func() {
		s.queue.close(nil)
		close(s.done)
		s.host.unregister(s.ChannelName, s.Id, s.IsWildcard)
		s.detached.Store(true)
	})
}

// FailureCause returns the error that closed this subscription's
// queue, if any (e.g. ErrFailedSubscription when SlowConsumerStrategy
// is FailSubscription and the queue overflowed). Returns nil if the
// queue is still open or was closed without an error (ordinary
// Dispose).
func (s *Subscription) FailureCause() error {
	_, err := s.queue.isClosed()
	return err
}

// wait blocks until the consumer goroutine (and flusher, if any) have
// fully exited. Used by tests to observe quiescence (spec.md §8
// property 9); CrossBar.Dispose does not call it.
func (s *Subscription) wait() {
	s.wg.Wait()
}

// newCorrelationID returns a fresh UUID string. Publish does not use
// it: the default correlation id comes from
// CrossBar.GetNextCorrelationId.
func newCorrelationID() string {
	return uuid.NewString()
}
