// Gacha agent: collects gacha history on behalf of a control server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/gacha-agent/internal/api"
	"github.com/ashureev/gacha-agent/internal/channel"
	"github.com/ashureev/gacha-agent/internal/collector"
	"github.com/ashureev/gacha-agent/internal/config"
	"github.com/ashureev/gacha-agent/internal/exchange"
	"github.com/ashureev/gacha-agent/internal/metrics"
	"github.com/ashureev/gacha-agent/internal/poll"
	"github.com/ashureev/gacha-agent/internal/task"
	"github.com/ashureev/gacha-agent/internal/upstream"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// agentRunner is the transport serving tasks: the websocket channel or the poller.
type agentRunner interface {
	api.StatusSource
	Run(ctx context.Context) error
}

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	mode := pflag.String("mode", "ws", "transport: ws (websocket channel) or poll (legacy HTTP polling)")
	logLevel := pflag.String("log-level", "", "log level override: debug, info, warn, error")
	pflag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	if *logLevel != "" {
		if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
			slog.Error("Invalid --log-level", "value", *logLevel, "error", err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	client := upstream.NewClient(cfg.Upstream,
		upstream.WithMetrics(m),
		upstream.WithLogger(logger.With("component", "upstream")),
	)
	orchestrator := task.NewOrchestrator(
		exchange.NewChain(client, logger),
		collector.New(client, m, logger),
		m,
		logger,
	)

	var runner agentRunner
	switch *mode {
	case "ws":
		runner = channel.New(channel.Config{
			URL:          cfg.ServerURL,
			AgentKey:     cfg.AgentKey,
			PingInterval: cfg.PingInterval,
		}, orchestrator, m, logger)
	case "poll":
		runner = poll.New(poll.Config{
			BaseURL:  cfg.BaseURL,
			AgentKey: cfg.AgentKey,
			Interval: cfg.PollInterval,
		}, upstream.NewHTTPClient(cfg.Upstream), orchestrator, client, logger)
	default:
		slog.Error("Unknown mode", "mode", *mode)
		os.Exit(1)
	}

	slog.Info("Starting agent", "mode", *mode, "server", cfg.ServerURL, "status_addr", cfg.StatusAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, runner, cfg.StatusAddr, api.NewHandler(runner, reg, logger)); err != nil {
		slog.Error("Agent stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent stopped")
}

// serve runs the transport and the status server until the transport returns
// or ctx is canceled. An empty addr disables the status server.
func serve(ctx context.Context, runner agentRunner, addr string, h *api.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return runner.Run(gctx)
	})

	if addr != "" {
		srv := api.NewServer(addr, h)
		g.Go(func() error {
			slog.Info("Status server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown status server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}
