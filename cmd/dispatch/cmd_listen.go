package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/guardrail-sh/dispatch/internal/listener"
	"github.com/guardrail-sh/dispatch/journal"
	"github.com/guardrail-sh/dispatch/telemetry"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the long-lived dispatch worker",
	Long: `Consume the inbound event queue continuously, one dispatch per
message. Successfully dispatched messages are deleted; failures are
left for visibility-timeout redelivery, except malformed events, which
are dead-lettered locally and removed.

Serves Prometheus metrics on the configured address.`,
	Example: `  dispatch listen --config /etc/dispatch/config.yaml`,
	RunE:    runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if a.cfg.Queues.InboundURL == "" {
		return fmt.Errorf("queues.inbound_url is required for listen mode")
	}

	// Expired journal segments are swept once per start; the retention
	// window is long relative to worker lifetimes.
	if a.cfg.Storage.JournalDir != "" {
		if _, err := journal.Cleanup(a.cfg.Storage.JournalDir, journal.DefaultConfig()); err != nil {
			return err
		}
	}

	consumer := listener.New(a.sqsClient, a.dispatcher, a.deadLetter, listener.Config{
		QueueURL:    a.cfg.Queues.InboundURL,
		Concurrency: a.cfg.Dispatch.WorkerConcurrency,
		Deadline:    a.cfg.Dispatch.Deadline,
	})

	var group run.Group

	pollCtx, cancelPoll := context.WithCancel(ctx)
	group.Add(func() error {
		return consumer.Run(pollCtx)
	}, func(error) {
		cancelPoll()
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              a.cfg.OTEL.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Add(func() error {
		return server.ListenAndServe()
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = group.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
