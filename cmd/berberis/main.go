package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/berberis/crossbar/pkg/config"
	"github.com/berberis/crossbar/pkg/crossbar"
	applog "github.com/berberis/crossbar/pkg/log"
	"github.com/berberis/crossbar/pkg/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "berberis",
	Short:   "Berberis CrossBar - in-process typed publish/subscribe message bus",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("berberis version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(demoCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	applog.Init(applog.Config{
		Level:      applog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an in-process demo: sample publishers/subscribers, a trace subscriber, and /metrics + /healthz",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	demoCmd.Flags().Duration("collect-interval", 5*time.Second, "Metrics collection interval")
	demoCmd.Flags().Bool("enable-tracing", true, "Enable message tracing on the trace system channel")
}

func runDemo(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	collectInterval, _ := cmd.Flags().GetDuration("collect-interval")
	enableTracing, _ := cmd.Flags().GetBool("enable-tracing")

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	opts := cfg.ToCrossBarOptions()
	opts.EnableMessageTracing = enableTracing
	opts.EnableLifecycleTracking = true

	bar, err := crossbar.New(opts, crossbar.NewSystemClock(), applog.Logger)
	if err != nil {
		return fmt.Errorf("failed to create crossbar: %w", err)
	}
	defer bar.Dispose()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("crossbar", true, "running")

	collector := metrics.NewCollector(bar, collectInterval)
	collector.Start()
	defer collector.Stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		mux.HandleFunc("/stats.json", func(w http.ResponseWriter, r *http.Request) {
			opts := metrics.DefaultExportOptions()
			opts.Mnemonic = r.URL.Query().Get("mnemonic") == "1"
			body, err := metrics.MetricsToJson(bar, opts)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		})
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			applog.Errorf("metrics server error", err)
		}
	}()
	fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Printf("stats endpoint:   http://%s/stats.json\n", metricsAddr)
	fmt.Printf("health endpoint:  http://%s/healthz\n", metricsAddr)

	traceHandle, err := crossbar.Subscribe[crossbar.SubscriptionTrace](bar, "$message.traces", func(ctx context.Context, env *crossbar.Envelope, trace crossbar.SubscriptionTrace) error {
		applog.WithChannel(trace.ChannelName).Debug().
			Str("subscription", trace.SubscriptionName).
			Float64("latency_ms", trace.LatencyMs).
			Float64("service_ms", trace.ServiceMs).
			Msg("trace")
		return nil
	}, crossbar.SubscribeOptions{SubscriptionName: "trace-sink"})
	if err != nil {
		return fmt.Errorf("failed to subscribe trace sink: %w", err)
	}
	defer traceHandle.Dispose()

	printed := 0
	ordersHandle, err := crossbar.Subscribe[OrderEvent](bar, "orders.>", func(ctx context.Context, env *crossbar.Envelope, order OrderEvent) error {
		printed++
		fmt.Printf("[orders] channel=%s key=%s order=%+v\n", env.ChannelName, env.Key, order)
		return nil
	}, crossbar.SubscribeOptions{SubscriptionName: "orders-watcher", FetchState: true})
	if err != nil {
		return fmt.Errorf("failed to subscribe orders watcher: %w", err)
	}
	defer ordersHandle.Dispose()

	stopPublishing := make(chan struct{})
	go publishSampleOrders(bar, stopPublishing)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	close(stopPublishing)

	fmt.Println("shutting down")
	return nil
}

// OrderEvent is the sample demo payload published on the "orders.*"
// channel family.
type OrderEvent struct {
	OrderID string
	Status  string
	Total   float64
}

func publishSampleOrders(bar *crossbar.CrossBar, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	statuses := []string{"new", "cancelled", "updated"}
	i := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			status := statuses[i%len(statuses)]
			order := OrderEvent{OrderID: fmt.Sprintf("ord-%d", i), Status: status, Total: float64(i) * 1.5}
			_ = crossbar.Publish(bar, "orders."+status, order, crossbar.PublishOptions{
				Key:   order.OrderID,
				Store: true,
			})
			i++
		}
	}
}
