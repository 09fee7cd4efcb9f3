// Command frontend serves the client-facing HTTP endpoint described in
// §4.8: it authenticates inbound message bundles, feeds them into the flow
// runner, triggers foreman evaluation, and answers with whatever is queued
// for the polling client. Wiring follows the teacher's cmd/main.go shape:
// load config, build a logger and metrics recorder, construct the
// component, run until the process is signaled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

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

	logger, err := logging.New(cfg.Server.Logging, "frontend")
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

	if err := fm.SyncConfigRules(ctx, cfg.ForemanRules); err != nil {
		logger.Error("failed to install configured foreman rules", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Foreman.RulesFile != "" || cfg.Foreman.RulesFolder != "" {
		watcher, err := loader.WatchRules(ctx, cfg, func(bundle config.RuleBundle) {
			if err := fm.SyncConfigRules(ctx, bundle.Rules); err != nil {
				logger.Error("failed to reload foreman rules", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Error("rules watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	auth := frontend.NewAuthenticator(clients)
	handler := frontend.NewHandler(runner, fm, clients, outbox, auth, metricsRecorder, logger)
	handler.BatchLimit = cfg.Frontend.MessageBatchLimit

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("POST /clients/{client_id}/messages", handler)

	srv, err := frontend.NewServer(cfg.Frontend, logger, mux)
	if err != nil {
		logger.Error("unable to construct frontend server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("frontend server terminated unexpectedly", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("frontend server shutdown complete")
}

func parseFlags() (configFile, envPrefix string) {
	fs := flag.NewFlagSet("frontend", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "", "path to server configuration file")
	fs.StringVar(&envPrefix, "env-prefix", "SENTINELFLEET", "environment variable prefix")
	_ = fs.Parse(os.Args[1:])
	return configFile, envPrefix
}
