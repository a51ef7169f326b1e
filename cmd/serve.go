package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InferenceNexus/text-generation-inference/backend"
)

var (
	// CLI flags for the serve command
	configFile            string   // Optional YAML config file
	logLevel              string   // Log verbosity level
	shardTargets          []string // gRPC targets of the model shards (unix:// or host:port)
	maxInputTokens        int      // Max input sequence length per request
	maxTotalTokens        int      // Max input + output length per request
	waitingServedRatio    float64  // Waiting/running ratio below which admission pauses
	maxBatchPrefillTokens int      // Prefill token budget per scheduling tick
	maxBatchTotalTokens   int      // Caller override for the token budget (0 = negotiate)
	maxWaitingTokens      int      // Decode steps before a waiting request is force-admitted
	maxBatchSize          int      // Optional cap on batch size (0 = uncapped)
	metricsAddr           string   // Listen address for /metrics
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Negotiate capacity with the model shards and run the scheduling backend",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if configFile != "" {
			applyConfigFile(cmd, configFile)
		}
		if len(shardTargets) == 0 {
			logrus.Fatal("No shard targets provided. Exiting.")
		}

		limits := backend.Limits{
			MaxInputTokens:        maxInputTokens,
			MaxTotalTokens:        maxTotalTokens,
			WaitingServedRatio:    waitingServedRatio,
			MaxBatchPrefillTokens: maxBatchPrefillTokens,
			MaxWaitingTokens:      maxWaitingTokens,
		}
		if maxBatchTotalTokens > 0 {
			limits.MaxBatchTotalTokens = &maxBatchTotalTokens
		}
		if maxBatchSize > 0 {
			limits.MaxBatchSize = &maxBatchSize
		}

		b, info, err := backend.ConnectBackend(context.Background(), shardTargets, limits)
		if err != nil {
			logrus.Fatalf("Startup failed: %v", err)
		}
		defer b.Stop()
		logrus.Infof("Backend info: %+v", info)

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logrus.Fatalf("Metrics server failed: %v", err)
			}
		}()

		// The request API layer attaches to the backend from here; this
		// process serves until signaled.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logrus.Info("Shutting down.")
	},
}

// applyConfigFile fills in values from a YAML file for flags the user did
// not set explicitly.
func applyConfigFile(cmd *cobra.Command, path string) {
	cfg, err := LoadServeConfig(path)
	if err != nil {
		logrus.Fatalf("Could not load config file %s: %v", path, err)
	}
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if !set("shard-targets") && len(cfg.ShardTargets) > 0 {
		shardTargets = cfg.ShardTargets
	}
	if !set("max-input-tokens") && cfg.MaxInputTokens > 0 {
		maxInputTokens = cfg.MaxInputTokens
	}
	if !set("max-total-tokens") && cfg.MaxTotalTokens > 0 {
		maxTotalTokens = cfg.MaxTotalTokens
	}
	if !set("waiting-served-ratio") && cfg.WaitingServedRatio > 0 {
		waitingServedRatio = cfg.WaitingServedRatio
	}
	if !set("max-batch-prefill-tokens") && cfg.MaxBatchPrefillTokens > 0 {
		maxBatchPrefillTokens = cfg.MaxBatchPrefillTokens
	}
	if !set("max-batch-total-tokens") && cfg.MaxBatchTotalTokens > 0 {
		maxBatchTotalTokens = cfg.MaxBatchTotalTokens
	}
	if !set("max-waiting-tokens") && cfg.MaxWaitingTokens > 0 {
		maxWaitingTokens = cfg.MaxWaitingTokens
	}
	if !set("max-batch-size") && cfg.MaxBatchSize > 0 {
		maxBatchSize = cfg.MaxBatchSize
	}
	if !set("metrics-addr") && cfg.MetricsAddr != "" {
		metricsAddr = cfg.MetricsAddr
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "YAML config file (flags take precedence)")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	serveCmd.Flags().StringSliceVar(&shardTargets, "shard-targets", nil, "Comma-separated gRPC targets of the model shards")
	serveCmd.Flags().IntVar(&maxInputTokens, "max-input-tokens", 1024, "Max input sequence length per request")
	serveCmd.Flags().IntVar(&maxTotalTokens, "max-total-tokens", 2048, "Max input + output length per request")
	serveCmd.Flags().Float64Var(&waitingServedRatio, "waiting-served-ratio", 0.3, "Waiting/running ratio parameter of the admission heuristic")
	serveCmd.Flags().IntVar(&maxBatchPrefillTokens, "max-batch-prefill-tokens", 4096, "Prefill token budget per scheduling tick")
	serveCmd.Flags().IntVar(&maxBatchTotalTokens, "max-batch-total-tokens", 0, "Token budget override; ignored when the model reports its own capacity")
	serveCmd.Flags().IntVar(&maxWaitingTokens, "max-waiting-tokens", 20, "Decode steps without admission before a waiting request is forced in")
	serveCmd.Flags().IntVar(&maxBatchSize, "max-batch-size", 0, "Max requests per batch (0 = uncapped)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9000", "Listen address for Prometheus metrics")

	rootCmd.AddCommand(serveCmd)
}
