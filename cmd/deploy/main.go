// Command deploy is the one-shot operator CLI for launching a hunt (§4.7):
// it loads the same dependency graph cmd/frontend and cmd/worker build,
// gates the operation behind internal/accesscontrol (a supervisor token or
// an already-granted approval on the target hunt, plus the flow's category
// tag), then creates and runs the hunt in one invocation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sentinelfleet/core/internal/accesscontrol"
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
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(opts.envPrefix, opts.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging, "deploy")
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

	access, err := accesscontrol.NewManager(
		store, clients, metricsRecorder,
		time.Duration(cfg.AccessControl.ApprovalCacheTTLSeconds)*time.Second,
		cfg.AccessControl.RequiredApproversDefault,
		accesscontrol.DefaultDataStoreRules(),
		nil,
		flowCategoryLookup(registry),
	)
	if err != nil {
		logger.Error("failed to construct access control manager", slog.Any("error", err))
		os.Exit(1)
	}

	token := accesscontrol.Token{
		Username:   opts.username,
		Reason:     opts.reason,
		Expiry:     time.Now().Add(time.Hour),
		Supervisor: opts.supervisor,
	}

	if err := access.CheckIfCanStartFlow(ctx, token, opts.flowClass); err != nil {
		logger.Error("flow denied", slog.Any("error", err))
		os.Exit(1)
	}
	if err := access.CheckHuntAccess(ctx, token, opts.huntID); err != nil {
		logger.Error("hunt denied; request and grant an approval on this hunt id first, or pass -supervisor", slog.Any("error", err))
		os.Exit(1)
	}

	var flowArgs any
	if opts.flowArgsJSON != "" {
		if err := json.Unmarshal([]byte(opts.flowArgsJSON), &flowArgs); err != nil {
			logger.Error("invalid -flow-args JSON", slog.Any("error", err))
			os.Exit(1)
		}
	}

	params := hunt.CreateHuntParams{
		HuntID:                     opts.huntID,
		FlowClass:                  opts.flowClass,
		FlowArgs:                   flowArgs,
		Creator:                    opts.username,
		ClientLimit:                firstPositive(opts.clientLimit, cfg.Hunt.DefaultClientLimit),
		ClientRatePerMin:           firstPositive(opts.clientRatePerMin, cfg.Hunt.DefaultClientRatePerMin),
		CPULimitPerClient:          firstPositiveFloat(opts.cpuLimit, cfg.Hunt.DefaultCPULimit),
		NetworkBytesLimitPerClient: firstPositiveInt64(opts.networkBytesLimit, cfg.Hunt.DefaultNetworkBytesLimit),
	}
	if opts.expiresAfter > 0 {
		params.Expires = time.Now().Add(opts.expiresAfter)
	}

	if err := engine.CreateHunt(ctx, params); err != nil {
		logger.Error("failed to create hunt", slog.Any("error", err))
		os.Exit(1)
	}
	if err := engine.Run(ctx, opts.huntID, opts.clientRuleSet); err != nil {
		logger.Error("failed to run hunt", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("hunt deployed", slog.String("huntId", opts.huntID), slog.String("flowClass", opts.flowClass))
	fmt.Println(opts.huntID)
}

// flowCategoryLookup adapts a flow.Registry into an
// accesscontrol.FlowCategoryLookup: a flow is "tagged" once its Descriptor
// carries a non-empty Category.
func flowCategoryLookup(reg *flow.Registry) accesscontrol.FlowCategoryLookup {
	return func(name string) (string, bool) {
		desc, ok := reg.Lookup(name)
		if !ok || desc.Category == "" {
			return "", false
		}
		return desc.Category, true
	}
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstPositiveFloat(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func firstPositiveInt64(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}

type deployOptions struct {
	configFile        string
	envPrefix         string
	huntID            string
	flowClass         string
	flowArgsJSON      string
	clientRuleSet     string
	username          string
	reason            string
	supervisor        bool
	clientLimit       int
	clientRatePerMin  int
	cpuLimit          float64
	networkBytesLimit int64
	expiresAfter      time.Duration
}

func parseFlags() deployOptions {
	var o deployOptions
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	fs.StringVar(&o.configFile, "config", "", "path to server configuration file")
	fs.StringVar(&o.envPrefix, "env-prefix", "SENTINELFLEET", "environment variable prefix")
	fs.StringVar(&o.huntID, "hunt-id", "", "hunt identifier to create")
	fs.StringVar(&o.flowClass, "flow-class", "", "registered flow class the hunt runs on each client")
	fs.StringVar(&o.flowArgsJSON, "flow-args", "", "JSON-encoded flow arguments")
	fs.StringVar(&o.clientRuleSet, "client-rule-set", "", "CEL expression selecting eligible clients")
	fs.StringVar(&o.username, "user", "", "operator username recorded as the hunt's creator")
	fs.StringVar(&o.reason, "reason", "", "justification recorded on the access token")
	fs.BoolVar(&o.supervisor, "supervisor", false, "bypass the approval requirement with supervisor privilege")
	fs.IntVar(&o.clientLimit, "client-limit", 0, "maximum clients admitted (0 uses config default)")
	fs.IntVar(&o.clientRatePerMin, "client-rate-per-min", 0, "admission rate per minute (0 uses config default)")
	fs.Float64Var(&o.cpuLimit, "cpu-limit", 0, "per-client CPU seconds limit (0 uses config default)")
	fs.Int64Var(&o.networkBytesLimit, "network-bytes-limit", 0, "per-client network byte limit (0 uses config default)")
	fs.DurationVar(&o.expiresAfter, "expires-after", 0, "hunt expiry relative to now (0 means no expiry)")
	_ = fs.Parse(os.Args[1:])

	if o.huntID == "" || o.flowClass == "" || o.username == "" {
		fmt.Fprintln(os.Stderr, "deploy: -hunt-id, -flow-class, and -user are required")
		os.Exit(2)
	}
	return o
}
