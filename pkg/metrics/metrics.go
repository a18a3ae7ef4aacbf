// Package metrics exports CrossBar statistics two ways: Prometheus
// gauges/histograms scraped via Handler(), and the stable JSON shape
// (MetricsToJson) spec.md §6 names for the portal API. This package
// only ever imports pkg/crossbar's exported types; pkg/crossbar never
// imports this package.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelPublishTotal counts publishes per channel.
	ChannelPublishTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossbar_channel_messages_total",
			Help: "Total number of messages published to a channel",
		},
		[]string{"channel"},
	)

	// ChannelPublishRate reports each channel's publish rate, averaged
	// over the time since the channel was created.
	ChannelPublishRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossbar_channel_publish_rate",
			Help: "Messages published per second, averaged since the channel was created",
		},
		[]string{"channel"},
	)

	// ChannelsTotal reports the current (non-system) channel count.
	ChannelsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crossbar_channels_total",
			Help: "Total number of currently registered channels",
		},
	)

	// SubscriptionQueueLength reports the current backlog per subscription.
	SubscriptionQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossbar_subscription_queue_length",
			Help: "Current queue length (enqueued - dequeued) for a subscription",
		},
		[]string{"channel", "subscription"},
	)

	// SubscriptionEnqueuedTotal counts envelopes accepted per subscription.
	SubscriptionEnqueuedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossbar_subscription_enqueued_total",
			Help: "Total envelopes enqueued for a subscription",
		},
		[]string{"channel", "subscription"},
	)

	// SubscriptionProcessedTotal counts envelopes whose handler completed
	// successfully (spec.md §4.6: exceptions/timeouts do not count).
	SubscriptionProcessedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossbar_subscription_processed_total",
			Help: "Total envelopes successfully processed by a subscription's handler",
		},
		[]string{"channel", "subscription"},
	)

	// SubscriptionTimeoutsTotal counts handler timeouts per subscription.
	SubscriptionTimeoutsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crossbar_subscription_timeouts_total",
			Help: "Total handler timeouts for a subscription",
		},
		[]string{"channel", "subscription"},
	)

	// SubscriptionLatency observes a subscription's average latency
	// (publish to dequeue), sampled once per Collector.CollectHandle call.
	SubscriptionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crossbar_subscription_latency_seconds",
			Help:    "Latency between publish and dequeue, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "subscription"},
	)

	// SubscriptionServiceTime observes a subscription's average handler
	// execution time, sampled once per Collector.CollectHandle call.
	SubscriptionServiceTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crossbar_subscription_service_seconds",
			Help:    "Handler execution time, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "subscription"},
	)
)

func init() {
	prometheus.MustRegister(ChannelPublishTotal)
	prometheus.MustRegister(ChannelPublishRate)
	prometheus.MustRegister(ChannelsTotal)
	prometheus.MustRegister(SubscriptionQueueLength)
	prometheus.MustRegister(SubscriptionEnqueuedTotal)
	prometheus.MustRegister(SubscriptionProcessedTotal)
	prometheus.MustRegister(SubscriptionTimeoutsTotal)
	prometheus.MustRegister(SubscriptionLatency)
	prometheus.MustRegister(SubscriptionServiceTime)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing a single operation against a
// histogram, mirroring the teacher's convention.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time against a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
