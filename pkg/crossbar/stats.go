package crossbar

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// StatsOptions configures the moving-percentile estimator attached to a
// subscription's statistics tracker.
type StatsOptions struct {
	// Percentile is the target quantile in (0, 1), e.g. 0.99. Zero
	// disables percentile tracking (GetStats reports NaN for the
	// percentile fields).
	Percentile float64
}

// DefaultStatsOptions matches the teacher's convention of exposing a
// sane zero-config default (99th percentile tracking enabled).
func DefaultStatsOptions() StatsOptions {
	return StatsOptions{Percentile: 0.99}
}

// quantileEstimator is a streaming P² quantile estimator (Jain & Chlamtac,
// 1985): five markers track the target quantile without retaining the
// observed sample. Safe for concurrent Observe calls via an internal
// mutex; cheap enough per call for the pipeline's hot path.
type quantileEstimator struct {
	mu   sync.Mutex
	p    float64
	n    int
	pos  [5]float64
	h    [5]float64 // marker heights
	np   [5]float64 // desired marker positions
	dn   [5]float64 // desired position increments
	init [5]float64 // first five raw observations
}

func newQuantileEstimator(p float64) *quantileEstimator {
	return &quantileEstimator{p: p}
}

func (q *quantileEstimator) observe(x float64) {
	if q.p <= 0 || q.p >= 1 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n < 5 {
		q.init[q.n] = x
		q.n++
		if q.n == 5 {
			// sort the first five and seed markers
			for i := 1; i < 5; i++ {
				for j := i; j > 0 && q.init[j-1] > q.init[j]; j-- {
					q.init[j-1], q.init[j] = q.init[j], q.init[j-1]
				}
			}
			for i := 0; i < 5; i++ {
				q.h[i] = q.init[i]
				q.pos[i] = float64(i + 1)
			}
			q.np[0] = 1
			q.np[1] = 1 + 2*q.p
			q.np[2] = 1 + 4*q.p
			q.np[3] = 3 + 2*q.p
			q.np[4] = 5
			q.dn[0] = 0
			q.dn[1] = q.p / 2
			q.dn[2] = q.p
			q.dn[3] = (1 + q.p) / 2
			q.dn[4] = 1
		}
		return
	}

	q.n++

	// find cell k such that h[k] <= x < h[k+1]
	var k int
	switch {
	case x < q.h[0]:
		q.h[0] = x
		k = 0
	case x >= q.h[4]:
		q.h[4] = x
		k = 3
	default:
		k = 3
		for i := 0; i < 4; i++ {
			if x < q.h[i+1] {
				k = i
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		q.pos[i]++
	}
	for i := 0; i < 5; i++ {
		q.np[i] += q.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := q.np[i] - q.pos[i]
		if (d >= 1 && q.pos[i+1]-q.pos[i] > 1) || (d <= -1 && q.pos[i-1]-q.pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			hNew := q.parabolic(i, sign)
			if q.h[i-1] < hNew && hNew < q.h[i+1] {
				q.h[i] = hNew
			} else {
				q.h[i] = q.linear(i, sign)
			}
			q.pos[i] += sign
		}
	}
}

func (q *quantileEstimator) parabolic(i int, d float64) float64 {
	return q.h[i] + d/(q.pos[i+1]-q.pos[i-1])*(
		(q.pos[i]-q.pos[i-1]+d)*(q.h[i+1]-q.h[i])/(q.pos[i+1]-q.pos[i])+
			(q.pos[i+1]-q.pos[i]-d)*(q.h[i]-q.h[i-1])/(q.pos[i]-q.pos[i-1]))
}

func (q *quantileEstimator) linear(i int, d float64) float64 {
	return q.h[i] + d*(q.h[int(d)+i]-q.h[i])/(q.pos[int(d)+i]-q.pos[i])
}

func (q *quantileEstimator) value() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return math.NaN()
	}
	if q.n < 5 {
		// not enough samples for P²; return the median of what we have
		tmp := append([]float64(nil), q.init[:q.n]...)
		for i := 1; i < len(tmp); i++ {
			for j := i; j > 0 && tmp[j-1] > tmp[j]; j-- {
				tmp[j-1], tmp[j] = tmp[j], tmp[j-1]
			}
		}
		return tmp[len(tmp)/2]
	}
	return q.h[2]
}

// minMaxTracker tracks a running min/max pair with lock-free CAS loops over an
// int64 bit-pattern (time.Duration-scale nanosecond values fit safely).
type minMaxTracker struct {
	min atomic.Int64
	max atomic.Int64
	set atomic.Bool
}

func newMinMaxTracker() *minMaxTracker {
	return &minMaxTracker{}
}

func (m *minMaxTracker) observe(v int64) {
	m.set.Store(true)
	for {
		cur := m.min.Load()
		if cur != 0 && cur <= v {
			break
		}
		if m.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := m.max.Load()
		if cur >= v {
			break
		}
		if m.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

func (m *minMaxTracker) values() (min, max float64) {
	if !m.set.Load() {
		return math.NaN(), math.NaN()
	}
	return float64(m.min.Load()), float64(m.max.Load())
}

// SubscriptionStats accumulates the per-subscription counters and
// timing sums spec.md §4.5 defines, and derives a Snapshot on demand.
type SubscriptionStats struct {
	enqueued  atomic.Uint64
	dequeued  atomic.Uint64
	processed atomic.Uint64
	timeouts  atomic.Uint64

	latencySumNs  atomic.Int64
	serviceSumNs  atomic.Int64
	interDequeueSumNs atomic.Int64
	interProcessSumNs atomic.Int64

	lastDequeueAt atomic.Int64 // Ticks, 0 = unset
	lastProcessAt atomic.Int64

	latencyMM *minMaxTracker
	serviceMM *minMaxTracker

	latencyQ *quantileEstimator
	serviceQ *quantileEstimator

	windowStart atomic.Int64 // wall clock unix nano of window start
}

// NewSubscriptionStats builds a tracker with the given percentile config.
func NewSubscriptionStats(opts StatsOptions) *SubscriptionStats {
	s := &SubscriptionStats{
		latencyMM: newMinMaxTracker(),
		serviceMM: newMinMaxTracker(),
		latencyQ:  newQuantileEstimator(opts.Percentile),
		serviceQ:  newQuantileEstimator(opts.Percentile),
	}
	s.windowStart.Store(time.Now().UnixNano())
	return s
}

func (s *SubscriptionStats) onEnqueue() {
	s.enqueued.Add(1)
}

func (s *SubscriptionStats) onDequeue(now Ticks, latency Ticks) {
	s.dequeued.Add(1)
	s.latencySumNs.Add(int64(latency))
	s.latencyMM.observe(int64(latency))
	s.latencyQ.observe(float64(latency))

	last := s.lastDequeueAt.Swap(int64(now))
	if last != 0 {
		s.interDequeueSumNs.Add(int64(now) - last)
	}
}

func (s *SubscriptionStats) onProcessed(now Ticks, service Ticks) {
	s.processed.Add(1)
	s.serviceSumNs.Add(int64(service))
	s.serviceMM.observe(int64(service))
	s.serviceQ.observe(float64(service))

	last := s.lastProcessAt.Swap(int64(now))
	if last != 0 {
		s.interProcessSumNs.Add(int64(now) - last)
	}
}

func (s *SubscriptionStats) onTimeout() {
	s.timeouts.Add(1)
}

// SubscriptionSnapshot is the point-in-time statistics view spec.md
// §4.5 describes, including all derived fields.
type SubscriptionSnapshot struct {
	IntervalMs float64

	TotalEnqueuedMessages  uint64
	TotalDequeuedMessages  uint64
	TotalProcessedMessages uint64
	TotalTimeouts          uint64
	QueueLength            uint64

	DequeueRate float64
	ProcessRate float64

	AvgLatencyTimeMs float64
	MinLatencyTimeMs float64
	MaxLatencyTimeMs float64
	PctLatencyTimeMs float64

	AvgServiceTimeMs float64
	MinServiceTimeMs float64
	MaxServiceTimeMs float64
	PctServiceTimeMs float64

	AvgResponseTimeMs          float64
	LatencyToResponseTimeRatio float64
	ConflationRatio            float64
	EstimatedAvgActiveMessages float64

	StatsPercentile float64
}

// GetStats returns a snapshot over the interval since the previous
// snapshot (or since construction), optionally resetting the window
// start so the next call's rate fields cover only the following
// interval. Totals are cumulative regardless of reset.
func (s *SubscriptionStats) GetStats(reset bool) SubscriptionSnapshot {
	now := time.Now().UnixNano()
	start := s.windowStart.Load()
	if reset {
		start = s.windowStart.Swap(now)
	}
	intervalMs := float64(now-start) / float64(time.Millisecond)
	if intervalMs <= 0 {
		intervalMs = 1
	}

	enq := s.enqueued.Load()
	deq := s.dequeued.Load()
	proc := s.processed.Load()

	var queueLen uint64
	if enq > deq {
		queueLen = enq - deq
	}

	dequeueRate := float64(deq) / (intervalMs / 1000)
	processRate := float64(proc) / (intervalMs / 1000)

	avgLatencyMs := 0.0
	if deq > 0 {
		avgLatencyMs = Ticks(s.latencySumNs.Load() / int64(deq)).Millis()
	}
	avgServiceMs := 0.0
	if proc > 0 {
		avgServiceMs = Ticks(s.serviceSumNs.Load() / int64(proc)).Millis()
	}

	minLat, maxLat := s.latencyMM.values()
	minSvc, maxSvc := s.serviceMM.values()

	respMs := avgLatencyMs + avgServiceMs
	latRatio := math.NaN()
	if respMs > 0 {
		latRatio = avgLatencyMs / respMs
	}

	conflationRatio := math.NaN()
	if dequeueRate > 0 {
		conflationRatio = processRate / dequeueRate
	}

	estimatedActive := processRate * (respMs) / 1000

	// nsToMs keeps NaN (unset min/max, disabled percentile) as NaN.
	nsToMs := func(ns float64) float64 { return ns / float64(time.Millisecond) }

	return SubscriptionSnapshot{
		IntervalMs:                 intervalMs,
		TotalEnqueuedMessages:      enq,
		TotalDequeuedMessages:      deq,
		TotalProcessedMessages:     proc,
		TotalTimeouts:              s.timeouts.Load(),
		QueueLength:                queueLen,
		DequeueRate:                dequeueRate,
		ProcessRate:                processRate,
		AvgLatencyTimeMs:           avgLatencyMs,
		MinLatencyTimeMs:           nsToMs(minLat),
		MaxLatencyTimeMs:           nsToMs(maxLat),
		PctLatencyTimeMs:           nsToMs(s.latencyQ.value()),
		AvgServiceTimeMs:           avgServiceMs,
		MinServiceTimeMs:           nsToMs(minSvc),
		MaxServiceTimeMs:           nsToMs(maxSvc),
		PctServiceTimeMs:           nsToMs(s.serviceQ.value()),
		AvgResponseTimeMs:          respMs,
		LatencyToResponseTimeRatio: latRatio,
		ConflationRatio:            conflationRatio,
		EstimatedAvgActiveMessages: estimatedActive,
		StatsPercentile:            s.latencyQ.p,
	}
}

// ChannelStats mirrors SubscriptionStats with enqueue-only totals: a
// channel only ever publishes, it never dequeues or processes.
type ChannelStats struct {
	published    atomic.Uint64
	lastPublishAt atomic.Int64
	interPublishSumNs atomic.Int64
	windowStart  atomic.Int64
}

// NewChannelStats builds a per-channel publish-rate tracker.
func NewChannelStats() *ChannelStats {
	c := &ChannelStats{}
	c.windowStart.Store(time.Now().UnixNano())
	return c
}

func (c *ChannelStats) onPublish(now Ticks) {
	c.published.Add(1)
	last := c.lastPublishAt.Swap(int64(now))
	if last != 0 {
		c.interPublishSumNs.Add(int64(now) - last)
	}
}

// ChannelSnapshot is the per-channel statistics view.
type ChannelSnapshot struct {
	IntervalMs       float64
	TotalMessages    uint64
	PublishRate      float64
	AvgInterPublishMs float64
}

// GetStats returns a point-in-time channel publish-rate snapshot.
func (c *ChannelStats) GetStats(reset bool) ChannelSnapshot {
	now := time.Now().UnixNano()
	start := c.windowStart.Load()
	if reset {
		start = c.windowStart.Swap(now)
	}
	intervalMs := float64(now-start) / float64(time.Millisecond)
	if intervalMs <= 0 {
		intervalMs = 1
	}
	total := c.published.Load()
	rate := float64(total) / (intervalMs / 1000)

	avgInterMs := 0.0
	if total > 1 {
		avgInterMs = Ticks(c.interPublishSumNs.Load() / int64(total-1)).Millis()
	}

	return ChannelSnapshot{
		IntervalMs:        intervalMs,
		TotalMessages:     total,
		PublishRate:       rate,
		AvgInterPublishMs: avgInterMs,
	}
}
