// Command export is the one-shot operator CLI for pulling a hunt's current
// state and accumulated output-plugin batches out of the datastore as JSON
// (§4.7's export surface), gated the same way cmd/deploy gates hunt
// creation: a supervisor token or an already-granted approval on the hunt.
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

	"github.com/sentinelfleet/core/internal/accesscontrol"
	"github.com/sentinelfleet/core/internal/bootstrap"
	"github.com/sentinelfleet/core/internal/clientstore"
	"github.com/sentinelfleet/core/internal/config"
	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/hunt"
	"github.com/sentinelfleet/core/internal/logging"
)

type exportedBatch struct {
	Predicate string          `json:"predicate"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type exportedHunt struct {
	State   hunt.PersistedState `json:"state"`
	Batches []exportedBatch     `json:"outputBatches"`
}

func main() {
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(opts.envPrefix, opts.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging, "export")
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store, err := bootstrap.NewDatastore(cfg.Datastore)
	if err != nil {
		logger.Error("failed to construct datastore", slog.Any("error", err))
		os.Exit(1)
	}

	clients := clientstore.New(store)
	access, err := accesscontrol.NewManager(
		store, clients, nil,
		time.Duration(cfg.AccessControl.ApprovalCacheTTLSeconds)*time.Second,
		cfg.AccessControl.RequiredApproversDefault,
		accesscontrol.DefaultDataStoreRules(),
		nil, nil,
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
	if err := access.CheckHuntAccess(ctx, token, opts.huntID); err != nil {
		logger.Error("hunt denied; request and grant an approval on this hunt id first, or pass -supervisor", slog.Any("error", err))
		os.Exit(1)
	}

	engine := hunt.NewEngine(store, nil, nil, nil, nil)
	state, err := engine.State(ctx, opts.huntID)
	if err != nil {
		logger.Error("failed to load hunt state", slog.Any("error", err))
		os.Exit(1)
	}

	batches, err := loadOutputBatches(ctx, store, opts.huntID)
	if err != nil {
		logger.Error("failed to load output batches", slog.Any("error", err))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exportedHunt{State: state, Batches: batches}); err != nil {
		logger.Error("failed to encode export", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadOutputBatches reads every "export:<plugin>:<batchID>" record
// internal/outputplugin.TemplateExport.Process wrote under the hunt's
// subject; there is no dedicated read-side API for these records since
// Process is the only writer and export is the only reader, so this goes
// straight at the datastore the way internal/hunt.Engine.State does.
func loadOutputBatches(ctx context.Context, store datastore.Store, huntID string) ([]exportedBatch, error) {
	attrs, err := store.ResolveRegex(ctx, "hunts/"+huntID, "^export:", datastore.Newest, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, fmt.Errorf("export: read output batches: %w", err)
	}
	batches := make([]exportedBatch, 0, len(attrs))
	for _, a := range attrs {
		batches = append(batches, exportedBatch{
			Predicate: a.Predicate,
			Timestamp: a.Timestamp,
			Payload:   json.RawMessage(a.Value),
		})
	}
	return batches, nil
}

type exportOptions struct {
	configFile string
	envPrefix  string
	huntID     string
	username   string
	reason     string
	supervisor bool
}

func parseFlags() exportOptions {
	var o exportOptions
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.StringVar(&o.configFile, "config", "", "path to server configuration file")
	fs.StringVar(&o.envPrefix, "env-prefix", "SENTINELFLEET", "environment variable prefix")
	fs.StringVar(&o.huntID, "hunt-id", "", "hunt identifier to export")
	fs.StringVar(&o.username, "user", "", "operator username recorded on the access token")
	fs.StringVar(&o.reason, "reason", "", "justification recorded on the access token")
	fs.BoolVar(&o.supervisor, "supervisor", false, "bypass the approval requirement with supervisor privilege")
	_ = fs.Parse(os.Args[1:])

	if o.huntID == "" || o.username == "" {
		fmt.Fprintln(os.Stderr, "export: -hunt-id and -user are required")
		os.Exit(2)
	}
	return o
}
