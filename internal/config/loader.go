package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{envPrefix: envPrefix, files: files}
}

// Load assembles the effective snapshot, then resolves the foreman rule
// source into ForemanRules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"foreman.rulesfolder":              "foreman.rulesFolder",
			"foreman.rulesfile":                "foreman.rulesFile",
			"queue.notificationqueue":          "queue.notificationQueue",
			"queue.huntresultsqueue":           "queue.huntResultsQueue",
			"queue.defaultleaseseconds":        "queue.defaultLeaseSeconds",
			"queue.heartbeatfractionpercent":   "queue.heartbeatFractionPercent",
			"worker.poolsize":                  "worker.poolSize",
			"worker.pollintervalseconds":       "worker.pollIntervalSeconds",
			"worker.claimbatchsize":            "worker.claimBatchSize",
			"hunt.defaultclientlimit":          "hunt.defaultClientLimit",
			"hunt.defaultclientratepermin":     "hunt.defaultClientRatePerMin",
			"hunt.defaultcpulimit":             "hunt.defaultCpuLimit",
			"hunt.defaultnetworkbyteslimit":    "hunt.defaultNetworkBytesLimit",
			"hunt.outputpluginbatchsize":       "hunt.outputPluginBatchSize",
			"accesscontrol.approvalcachettlseconds":  "accessControl.approvalCacheTtlSeconds",
			"accesscontrol.requiredapproversdefault": "accessControl.requiredApproversDefault",
			"datastore.redis.tls.cafile":       "datastore.redis.tls.caFile",
		}
		transform := func(s string) string {
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineForemanRules = cloneRuleMap(cfg.ForemanRules)

	bundle, err := buildRuleBundle(ctx, cfg.InlineForemanRules, cfg.Foreman)
	if err != nil {
		return Config{}, err
	}
	cfg.ForemanRules = bundle.Rules
	cfg.RuleSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"datastore": map[string]any{
			"backend": cfg.Datastore.Backend,
			"redis": map[string]any{
				"address":  cfg.Datastore.Redis.Address,
				"username": cfg.Datastore.Redis.Username,
				"password": cfg.Datastore.Redis.Password,
				"db":       cfg.Datastore.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Datastore.Redis.TLS.Enabled,
					"caFile":  cfg.Datastore.Redis.TLS.CAFile,
				},
			},
		},
		"queue": map[string]any{
			"notificationQueue":        cfg.Queue.NotificationQueue,
			"huntResultsQueue":         cfg.Queue.HuntResultsQueue,
			"defaultLeaseSeconds":      cfg.Queue.DefaultLeaseSeconds,
			"heartbeatFractionPercent": cfg.Queue.HeartbeatFractionPercent,
		},
		"worker": map[string]any{
			"poolSize":            cfg.Worker.PoolSize,
			"pollIntervalSeconds": cfg.Worker.PollIntervalSeconds,
			"claimBatchSize":      cfg.Worker.ClaimBatchSize,
		},
		"foreman": map[string]any{
			"pollIntervalSeconds": cfg.Foreman.PollIntervalSeconds,
			"rulesFolder":         cfg.Foreman.RulesFolder,
			"rulesFile":           cfg.Foreman.RulesFile,
		},
		"hunt": map[string]any{
			"defaultClientLimit":       cfg.Hunt.DefaultClientLimit,
			"defaultClientRatePerMin":  cfg.Hunt.DefaultClientRatePerMin,
			"defaultCpuLimit":          cfg.Hunt.DefaultCPULimit,
			"defaultNetworkBytesLimit": cfg.Hunt.DefaultNetworkBytesLimit,
			"outputPluginBatchSize":    cfg.Hunt.OutputPluginBatchSize,
		},
		"accessControl": map[string]any{
			"approvalCacheTtlSeconds":  cfg.AccessControl.ApprovalCacheTTLSeconds,
			"requiredApproversDefault": cfg.AccessControl.RequiredApproversDefault,
		},
		"frontend": map[string]any{
			"listen": map[string]any{
				"address": cfg.Frontend.Listen.Address,
				"port":    cfg.Frontend.Listen.Port,
			},
			"messageBatchLimit": cfg.Frontend.MessageBatchLimit,
		},
	}
}
