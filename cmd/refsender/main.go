// Command refsender backfills reference data records and then streams live
// records from the configured readers to the configured sinks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	bifrost "github.com/maximhq/bifrost/core"
	"github.com/maximhq/bifrost/core/schemas"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/maximhq/bifrost/plugins/refsender"
	"github.com/maximhq/bifrost/plugins/refsender/readers"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:   "refsender",
		Short: "refsender sends reference data records to one or more sinks.",
		Long: `refsender replays the backfill window of every reader that supports it,
then polls all readers for live records. Records are grouped by type key and
upserted to every configured sink once max_batch_size records are queued or
send_period has passed.

Every top-level setting can be overridden with a REFSENDER_ environment
variable, e.g. REFSENDER_SEND_PERIOD=10s.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			config, err := refsender.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := bifrost.NewDefaultLogger(level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, config, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON or YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

func parseLogLevel(level string) (schemas.LogLevel, error) {
	switch level {
	case "debug":
		return schemas.LogLevelDebug, nil
	case "info", "":
		return schemas.LogLevelInfo, nil
	case "warn":
		return schemas.LogLevelWarn, nil
	case "error":
		return schemas.LogLevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", level)
}

// run wires the readers, sinks and observers and blocks until ctx is
// cancelled or a dispatch fails
func run(
	ctx context.Context,
	config *refsender.Config,
	logger schemas.Logger,
	reg prometheus.Registerer,
	gatherer prometheus.Gatherer,
) error {
	rs, err := readers.CreateAll(ctx, config.Readers)
	if err != nil {
		return err
	}

	rate := refsender.NewRateCounter(config.RateWindow, nil)
	observer := refsender.MultiObserver{rate, refsender.NewPrometheusObserver(reg)}

	sender, err := refsender.Init(ctx, config, rs, logger, observer)
	if err != nil {
		for _, r := range rs {
			if c, ok := r.(io.Closer); ok {
				c.Close()
			}
		}
		return err
	}

	var result *multierror.Error

	if config.MetricsAddr != "" {
		shutdownMetrics := serveMetrics(config.MetricsAddr, gatherer, logger)
		defer func() {
			if err := shutdownMetrics(); err != nil {
				logger.Warn("refsender: metrics server shutdown failed: %v", err)
			}
		}()
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go reportRate(reportCtx, config.RateWindow, rate, logger)

	if err := sender.Run(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := sender.Cleanup(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// serveMetrics serves /metrics on addr and returns a function that stops the server
func serveMetrics(addr string, gatherer prometheus.Gatherer, logger schemas.Logger) func() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("refsender: serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("refsender: metrics server failed: %v", err)
		}
	}()

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

// reportRate logs the sent values rate once per window
func reportRate(ctx context.Context, window time.Duration, rate *refsender.RateCounter, logger schemas.Logger) {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("refsender: sending %.2f values/s over the last %s, %d total", rate.Rate(), window, rate.Total())
		}
	}
}
