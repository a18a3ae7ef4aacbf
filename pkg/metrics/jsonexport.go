package metrics

import (
	"encoding/json"
	"math"

	"github.com/berberis/crossbar/pkg/crossbar"
)

// timestampLayout is the dd/MM/yyyy HH:mm:ss.fff format spec.md §6
// requires of the JSON exporter.
const timestampLayout = "02/01/2006 15:04:05.000"

// ExportOptions configures MetricsToJson's field naming and rounding.
type ExportOptions struct {
	// Mnemonic selects the short field-name aliases (Ch, Tp, PubBy, ...)
	// instead of the verbose names (Channel, MessageBodyType, ...).
	Mnemonic bool

	// RatePrecision is the decimal rounding applied to rate fields
	// (PublishRate, DequeueRate, ProcessRate). Defaults to 2.
	RatePrecision int

	// Precision is the decimal rounding applied to every other float
	// field. Defaults to 6.
	Precision int
}

// DefaultExportOptions returns the spec-default rounding: rates to 2
// decimals, everything else to 6.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{RatePrecision: 2, Precision: 6}
}

// MetricsToJson renders bar's current channel and subscription
// statistics as the stable JSON shape spec.md §6 names: a top-level
// object with "channels"/"Chs" and "subscriptions"/"Sbs" arrays.
func MetricsToJson(bar *crossbar.CrossBar, opts ExportOptions) ([]byte, error) {
	if opts.RatePrecision == 0 && opts.Precision == 0 {
		opts = DefaultExportOptions()
	}

	chKey, subKey := "channels", "subscriptions"
	if opts.Mnemonic {
		chKey, subKey = "Chs", "Sbs"
	}

	names := bar.GetChannels()
	channels := make([]map[string]any, 0, len(names))
	subscriptions := make([]map[string]any, 0, len(names))

	for _, name := range names {
		info, ok := bar.GetChannelInfo(name)
		if !ok {
			continue
		}
		channels = append(channels, channelEntry(info, opts))

		for _, sub := range bar.GetChannelSubscriptionDetails(name) {
			subscriptions = append(subscriptions, subscriptionEntry(sub, opts))
		}
	}

	out := map[string]any{
		chKey:  channels,
		subKey: subscriptions,
	}
	return json.Marshal(out)
}

func channelEntry(info crossbar.ChannelInfo, opts ExportOptions) map[string]any {
	f := func(v float64) any { return roundOrNull(v, opts.Precision) }
	rate := func(v float64) any { return roundOrNull(v, opts.RatePrecision) }

	if opts.Mnemonic {
		return map[string]any{
			"Ch":    info.Name,
			"Tp":    info.MessageBodyType,
			"PubBy": info.LastPublishedBy,
			"PubAt": info.LastPublishedAt.Format(timestampLayout),
			"InMs":  f(info.Stats.IntervalMs),
			"Rt":    rate(info.Stats.PublishRate),
			"TMsg":  info.Stats.TotalMessages,
			"StCnt": info.StoredMessageCount,
		}
	}
	return map[string]any{
		"Channel":            info.Name,
		"MessageBodyType":    info.MessageBodyType,
		"LastPublishedBy":    info.LastPublishedBy,
		"LastPublishedAt":    info.LastPublishedAt.Format(timestampLayout),
		"IntervalMs":         f(info.Stats.IntervalMs),
		"PublishRate":        rate(info.Stats.PublishRate),
		"TotalMessages":      info.Stats.TotalMessages,
		"StoredMessageCount": info.StoredMessageCount,
	}
}

func subscriptionEntry(sub crossbar.SubscriptionInfo, opts ExportOptions) map[string]any {
	s := sub.Stats
	f := func(v float64) any { return roundOrNull(v, opts.Precision) }
	rate := func(v float64) any { return roundOrNull(v, opts.RatePrecision) }

	if opts.Mnemonic {
		return map[string]any{
			"Nm":         sub.Name,
			"SubAt":      sub.SubscribedOn.Format(timestampLayout),
			"CfIn":       sub.ConflationInterval.Milliseconds(),
			"Exp":        sub.ChannelName,
			"CfRat":      f(s.ConflationRatio),
			"LatRsp":     f(s.LatencyToResponseTimeRatio),
			"DqRt":       rate(s.DequeueRate),
			"PcRt":       rate(s.ProcessRate),
			"EstAvgAMsg": f(s.EstimatedAvgActiveMessages),
			"TEqMsg":     s.TotalEnqueuedMessages,
			"TDqMsg":     s.TotalDequeuedMessages,
			"TPcMsg":     s.TotalProcessedMessages,
			"QLn":        s.QueueLength,
			"AvgLat":     f(s.AvgLatencyTimeMs),
			"MinLat":     f(s.MinLatencyTimeMs),
			"MaxLat":     f(s.MaxLatencyTimeMs),
			"AvgSvc":     f(s.AvgServiceTimeMs),
			"MinSvc":     f(s.MinServiceTimeMs),
			"MaxSvc":     f(s.MaxServiceTimeMs),
			"AvgRsp":     f(s.AvgResponseTimeMs),
			"StPct":      f(s.StatsPercentile),
			"PctLat":     f(s.PctLatencyTimeMs),
			"PctSvc":     f(s.PctServiceTimeMs),
		}
	}
	return map[string]any{
		"Name":                       sub.Name,
		"SubscribedAt":               sub.SubscribedOn.Format(timestampLayout),
		"ConflationInterval":         sub.ConflationInterval.Milliseconds(),
		"Expression":                 sub.ChannelName,
		"ConflationRatio":            f(s.ConflationRatio),
		"LatencyToResponseTimeRatio": f(s.LatencyToResponseTimeRatio),
		"DequeueRate":                rate(s.DequeueRate),
		"ProcessRate":                rate(s.ProcessRate),
		"EstimatedAvgActiveMessages": f(s.EstimatedAvgActiveMessages),
		"TotalEnqueuedMessages":      s.TotalEnqueuedMessages,
		"TotalDequeuedMessages":      s.TotalDequeuedMessages,
		"TotalProcessedMessages":     s.TotalProcessedMessages,
		"QueueLength":                s.QueueLength,
		"AvgLatencyTimeMs":           f(s.AvgLatencyTimeMs),
		"MinLatencyTimeMs":           f(s.MinLatencyTimeMs),
		"MaxLatencyTimeMs":           f(s.MaxLatencyTimeMs),
		"AvgServiceTimeMs":           f(s.AvgServiceTimeMs),
		"MinServiceTimeMs":           f(s.MinServiceTimeMs),
		"MaxServiceTimeMs":           f(s.MaxServiceTimeMs),
		"AvgResponseTimeMs":          f(s.AvgResponseTimeMs),
		"StatsPercentile":            f(s.StatsPercentile),
		"PctLatencyTimeMs":           f(s.PctLatencyTimeMs),
		"PctServiceTimeMs":           f(s.PctServiceTimeMs),
	}
}

// roundOrNull rounds v to the given decimal precision, returning nil
// (which encoding/json renders as null) for NaN or Infinity per
// spec.md §6.
func roundOrNull(v float64, precision int) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	mult := math.Pow(10, float64(precision))
	return math.Round(v*mult) / mult
}
