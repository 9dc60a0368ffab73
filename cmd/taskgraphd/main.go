package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/hrygo/taskgraph/internal/config"
	"github.com/hrygo/taskgraph/internal/graph"
	"github.com/hrygo/taskgraph/internal/llm"
	"github.com/hrygo/taskgraph/internal/metrics"
	"github.com/hrygo/taskgraph/internal/registry"
	"github.com/hrygo/taskgraph/internal/transport"
)

const shutdownGrace = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "taskgraphd",
	Short: "Serves a dynamic, serializable dataflow graph over a websocket.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := config.FromViper()
		return run(cfg)
	},
}

func init() {
	if err := config.BindFlags(rootCmd); err != nil {
		panic(err)
	}
}

func run(cfg *config.Config) error {
	exporter := metrics.New(metrics.DefaultConfig())

	llmClient := llm.New(&llm.Config{
		Provider:           cfg.LLMProvider,
		Model:              cfg.LLMModel,
		APIKey:             cfg.LLMAPIKey,
		BaseURL:            cfg.LLMBaseURL,
		MaxTokens:          cfg.LLMMaxTokens,
		Temperature:        float32(cfg.LLMTemperature),
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})
	llmHandler := llm.NewHandler(llmClient)
	llmHandler.SetMetricsRecorder(exporter)

	baseRegistry := registry.NewBase(llmHandler.APIHandlerFunc())

	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", func(c echo.Context) error {
		// A transport.Server drives exactly one connection, so each
		// upgrade gets its own.
		srv := transport.NewServer(graph.New(), baseRegistry)
		srv.SetMetricsRecorder(exporter)
		srv.SetMaxConcurrency(cfg.MaxConcurrentTasks)
		return srv.Handler()(c)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", exporter.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		slog.Info("metrics: listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics: server failed", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	go func() {
		slog.Info("transport: listening", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("transport: server failed", "error", err)
			cancel()
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)

	select {
	case <-c:
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = e.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskgraphd: fatal", "error", err)
		os.Exit(1)
	}
}
