// Command worker runs the two background loops described in §4.5 and §4.7:
// a worker.Pool draining the notification queue and ticking flow sessions,
// and a hunt.Engine.RunResultDrain loop draining hunt results into their output
// plugins. Per-client foreman evaluation stays check-in-triggered from
// cmd/frontend (internal/foreman.Foreman.AssignTasksToClient is called per
// request there); the datastore exposes no way to enumerate every known
// client subject, so there is no periodic sweep here to pair with
// config.ForemanConfig.PollIntervalSeconds; no code reads that field.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sentinelfleet/core/internal/bootstrap"
	"github.com/sentinelfleet/core/internal/clientstore"
	"github.com/sentinelfleet/core/internal/config"
	"github.com/sentinelfleet/core/internal/flow"
	"github.com/sentinelfleet/core/internal/flows"
	"github.com/sentinelfleet/core/internal/foreman"
	"github.com/sentinelfleet/core/internal/frontend"
	"github.com/sentinelfleet/core/internal/hunt"
	"github.com/sentinelfleet/core/internal/logging"
	"github.com/sentinelfleet/core/internal/metrics"
	"github.com/sentinelfleet/core/internal/queue"
	"github.com/sentinelfleet/core/internal/worker"
)

func main() {
	configFile, envPrefix := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging, "worker")
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store, err := bootstrap.NewDatastore(cfg.Datastore)
	if err != nil {
		logger.Error("failed to construct datastore", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	clients := clientstore.New(store)
	notifier := queue.New(store)
	outbox := frontend.NewClientOutbox(store)

	registry := flow.NewRegistry()
	flows.RegisterAll(registry)
	runner := flow.NewRunner(store, notifier, outbox, registry).WithMetrics(metricsRecorder)
	runner.NotifyQueue = cfg.Queue.NotificationQueue
	runner.HuntResultsQueue = cfg.Queue.HuntResultsQueue

	fm, err := foreman.New(store, clients, nil, metricsRecorder)
	if err != nil {
		logger.Error("failed to construct foreman", slog.Any("error", err))
		os.Exit(1)
	}
	engine := hunt.NewEngine(store, notifier, runner, fm, metricsRecorder).
		WithBatchSize(cfg.Hunt.OutputPluginBatchSize).
		WithHuntResultsQueue(cfg.Queue.HuntResultsQueue)
	fm.SetScheduler(engine)

	pool := worker.New(notifier, runner, logger, metricsRecorder, cfg.Worker, cfg.Queue)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	go func() {
		defer wg.Done()
		pollInterval := time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second
		if err := engine.RunResultDrain(ctx, pollInterval, cfg.Hunt.OutputPluginBatchSize); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	go func() {
		wg.Wait()
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("worker shutting down")
		wg.Wait()
	case err, ok := <-errCh:
		if ok {
			logger.Error("worker terminated unexpectedly", slog.Any("error", err))
			os.Exit(1)
		}
	}
	logger.Info("worker shutdown complete")
}

func parseFlags() (configFile, envPrefix string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "", "path to server configuration file")
	fs.StringVar(&envPrefix, "env-prefix", "SENTINELFLEET", "environment variable prefix")
	_ = fs.Parse(os.Args[1:])
	return configFile, envPrefix
}
