/*
Package log provides structured logging for the Berberis CrossBar using
zerolog.

The package wraps zerolog to give every component JSON or console
output, a configurable level, and a handful of context-logger helpers
for the concepts the bus cares about: channels, subscriptions, and
wildcard patterns.

# Usage

Initializing the logger:

	import "github.com/berberis/crossbar/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Simple logging:

	log.Info("crossbar starting")
	log.Error("failed to load config")

Structured logging:

	log.Logger.Info().
		Str("channel", "orders.new").
		Int("subscribers", 3).
		Msg("channel created")

Context loggers:

	chLog := log.WithChannel("orders.new")
	chLog.Debug().Msg("publish accepted")

	subLog := log.WithSubscription("orders-watcher-7", "orders.new")
	subLog.Warn().Msg("queue full, dropping envelope")

	patLog := log.WithPattern("orders.*")
	patLog.Info().Msg("wildcard subscription registered")

# Design

The global Logger variable exists for convenience at the CLI's entry
point; a zerolog.Logger is an explicit constructor argument to
crossbar.New, per the "no ambient singletons" rule for the clock,
logger, and id generators. CrossBar reads the global only as the
fallback when crossbar.New is given a zero zerolog.Logger.
*/
package log
