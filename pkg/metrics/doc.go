/*
Package metrics exposes CrossBar observability two ways: Prometheus
gauges/histograms scraped via Handler(), and a stable JSON document
(MetricsToJson) for callers that want a snapshot without a scrape
round-trip. It also carries a small health/readiness subsystem modeled
after Warren's, renamed to the bus's single critical component.

# Metrics Catalog

crossbar_channels_total:
  - Type: Gauge
  - Description: Current number of registered (non-system) channels

crossbar_channel_messages_total{channel}:
  - Type: Gauge
  - Description: Total messages published to a channel

crossbar_channel_publish_rate{channel}:
  - Type: Gauge
  - Description: Messages published per second, averaged since the channel was created

crossbar_subscription_queue_length{channel, subscription}:
  - Type: Gauge
  - Description: Current backlog (enqueued - dequeued) for a subscription

crossbar_subscription_enqueued_total{channel, subscription}:
  - Type: Gauge
  - Description: Total envelopes enqueued for a subscription

crossbar_subscription_processed_total{channel, subscription}:
  - Type: Gauge
  - Description: Total envelopes whose handler completed successfully

crossbar_subscription_timeouts_total{channel, subscription}:
  - Type: Gauge
  - Description: Total handler timeouts for a subscription

crossbar_subscription_latency_seconds{channel, subscription}:
  - Type: Histogram
  - Description: Publish-to-dequeue latency, sampled once per collection interval

crossbar_subscription_service_seconds{channel, subscription}:
  - Type: Histogram
  - Description: Handler execution time, sampled once per collection interval

# Usage

	import "github.com/berberis/crossbar/pkg/metrics"

	collector := metrics.NewCollector(bar, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/healthz", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())

	body, _ := metrics.MetricsToJson(bar, metrics.DefaultExportOptions())

# Design notes

This package only imports pkg/crossbar's exported types and accessor
methods; pkg/crossbar never imports this package, so the bus stays
usable without pulling in a metrics dependency. That boundary is also
why subscription latency/service-time histograms are sampled once per
collection interval rather than observed per message: a true per-message
hook would require crossbar to call back into this package.

PromQL examples:

	rate(crossbar_channel_messages_total[1m])
	histogram_quantile(0.95, crossbar_subscription_latency_seconds_bucket)
	max(crossbar_subscription_queue_length) by (subscription)
*/
package metrics
