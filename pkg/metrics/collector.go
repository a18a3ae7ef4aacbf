package metrics

import (
	"time"

	"github.com/berberis/crossbar/pkg/crossbar"
)

// Collector periodically polls a CrossBar's channel statistics and
// republishes them as Prometheus series. The polling loop does not
// visit subscriptions; their series are updated only when a caller
// passes a handle to CollectHandle. It never
// touches crossbar internals beyond the exported snapshot accessors,
// preserving the one-way pkg/metrics -> pkg/crossbar dependency.
type Collector struct {
	bar      *crossbar.CrossBar
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a collector that polls every interval (15s if
// zero).
func NewCollector(bar *crossbar.CrossBar, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{bar: bar, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the polling loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	channels := c.bar.GetChannels()
	ChannelsTotal.Set(float64(len(channels)))

	for _, name := range channels {
		snap, ok := c.bar.GetChannelStats(name, false)
		if !ok {
			continue
		}
		ChannelPublishTotal.WithLabelValues(name).Set(float64(snap.TotalMessages))
		ChannelPublishRate.WithLabelValues(name).Set(snap.PublishRate)
	}
}

// CollectHandle records one subscription handle's current snapshot.
// The window average latency/service times are sampled into the
// histograms once per collection interval rather than per message:
// wiring true per-message histogram observation would require
// pkg/crossbar to import pkg/metrics, which the package boundary
// (crossbar never imports metrics) forbids.
func (c *Collector) CollectHandle(channelName string, handle *crossbar.SubscribeHandle) {
	snap := handle.GetStats(false)
	name := handle.Name()

	SubscriptionQueueLength.WithLabelValues(channelName, name).Set(float64(snap.QueueLength))
	SubscriptionEnqueuedTotal.WithLabelValues(channelName, name).Set(float64(snap.TotalEnqueuedMessages))
	SubscriptionProcessedTotal.WithLabelValues(channelName, name).Set(float64(snap.TotalProcessedMessages))
	SubscriptionTimeoutsTotal.WithLabelValues(channelName, name).Set(float64(snap.TotalTimeouts))

	if snap.TotalDequeuedMessages > 0 {
		SubscriptionLatency.WithLabelValues(channelName, name).Observe(snap.AvgLatencyTimeMs / 1000)
	}
	if snap.TotalProcessedMessages > 0 {
		SubscriptionServiceTime.WithLabelValues(channelName, name).Observe(snap.AvgServiceTimeMs / 1000)
	}
}
