package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every process-level option plus the foreman rule definitions
// once the loader resolves them from their configured source.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Datastore     DatastoreConfig     `koanf:"datastore"`
	Queue         QueueConfig         `koanf:"queue"`
	Worker        WorkerConfig        `koanf:"worker"`
	Foreman       ForemanConfig       `koanf:"foreman"`
	Hunt          HuntConfig          `koanf:"hunt"`
	AccessControl AccessControlConfig `koanf:"accessControl"`
	Frontend      FrontendConfig      `koanf:"frontend"`

	ForemanRules map[string]ForemanRuleConfig `koanf:"foremanRules"`

	InlineForemanRules map[string]ForemanRuleConfig `koanf:"-"`

	// RuleSources records which files contributed foreman rule definitions
	// once the loader resolves the configured source.
	RuleSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid rule
	// definitions the loader intentionally disabled.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs shared by every binary in cmd/.
type ServerConfig struct {
	Logging LoggingConfig `koanf:"logging"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ListenConfig instructs an HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// DatastoreConfig selects and configures the subject/predicate/value backend
// every other component shares.
type DatastoreConfig struct {
	Backend string      `koanf:"backend"` // "memory" | "redis"
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// QueueConfig tunes the notification queues the worker pool and hunt engine
// drain (§4.2).
type QueueConfig struct {
	NotificationQueue       string `koanf:"notificationQueue"`
	HuntResultsQueue        string `koanf:"huntResultsQueue"`
	DefaultLeaseSeconds     int    `koanf:"defaultLeaseSeconds"`
	HeartbeatFractionPercent int   `koanf:"heartbeatFractionPercent"`
}

// WorkerConfig sizes the pool that claims notifications and ticks flows (§4.5).
type WorkerConfig struct {
	PoolSize            int `koanf:"poolSize"`
	PollIntervalSeconds int `koanf:"pollIntervalSeconds"`
	ClaimBatchSize      int `koanf:"claimBatchSize"`
}

// ForemanConfig points at the client_rule_set definitions (§4.6).
// PollIntervalSeconds is loaded but not read: the foreman evaluates its
// rules on every client check-in.
type ForemanConfig struct {
	PollIntervalSeconds int    `koanf:"pollIntervalSeconds"`
	RulesFolder         string `koanf:"rulesFolder"`
	RulesFile           string `koanf:"rulesFile"`
}

// HuntConfig supplies the default rate/resource limits new hunts inherit
// unless overridden at creation (§4.7).
type HuntConfig struct {
	DefaultClientLimit        int     `koanf:"defaultClientLimit"`
	DefaultClientRatePerMin   int     `koanf:"defaultClientRatePerMin"`
	DefaultCPULimit           float64 `koanf:"defaultCpuLimit"`
	DefaultNetworkBytesLimit  int64   `koanf:"defaultNetworkBytesLimit"`
	OutputPluginBatchSize     int     `koanf:"outputPluginBatchSize"`
}

// AccessControlConfig tunes the approval cache and default approval policy (§4.9).
type AccessControlConfig struct {
	ApprovalCacheTTLSeconds  int `koanf:"approvalCacheTtlSeconds"`
	RequiredApproversDefault int `koanf:"requiredApproversDefault"`
}

// FrontendConfig configures the client-facing HTTP endpoint (§4.8).
type FrontendConfig struct {
	Listen            ListenConfig `koanf:"listen"`
	MessageBatchLimit int          `koanf:"messageBatchLimit"`
}

// DefinitionSkip describes a foreman rule the loader intentionally ignored
// because it violated invariants (for example duplicate names across files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// ForemanRuleConfig is the declarative form of a ForemanRule (§4.6): a CEL
// expression matched against a checking-in client's attributes, plus the
// hunts it schedules the client into when that expression is true.
type ForemanRuleConfig struct {
	Description   string                    `koanf:"description"`
	ClientRuleSet string                    `koanf:"clientRuleSet"`
	ExpiresAfter  string                    `koanf:"expiresAfter"` // duration since rule creation, e.g. "720h"
	Actions       []ForemanRuleActionConfig `koanf:"actions"`
}

// ForemanRuleActionConfig names one hunt a matching rule schedules the client
// into; ClientLimit, when positive, overrides the hunt's own client_limit for
// clients scheduled through this rule specifically.
type ForemanRuleActionConfig struct {
	HuntID      string `koanf:"huntId"`
	ClientLimit int    `koanf:"clientLimit"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Frontend.Listen.Port <= 0 || c.Frontend.Listen.Port > 65535 {
		return fmt.Errorf("config: frontend.listen.port invalid: %d", c.Frontend.Listen.Port)
	}
	if c.Foreman.RulesFolder != "" && c.Foreman.RulesFile != "" {
		return errors.New("config: foreman.rulesFolder and foreman.rulesFile are mutually exclusive")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Datastore.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Datastore.Redis.Address) == "" {
			return errors.New("config: datastore.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: datastore.backend unsupported: %s", c.Datastore.Backend)
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("config: worker.poolSize must be positive: %d", c.Worker.PoolSize)
	}
	if c.Queue.DefaultLeaseSeconds <= 0 {
		return fmt.Errorf("config: queue.defaultLeaseSeconds must be positive: %d", c.Queue.DefaultLeaseSeconds)
	}
	for name, rule := range c.ForemanRules {
		if strings.TrimSpace(rule.ClientRuleSet) == "" {
			return fmt.Errorf("config: foremanRules[%s].clientRuleSet required", name)
		}
		if len(rule.Actions) == 0 {
			return fmt.Errorf("config: foremanRules[%s] must configure at least one action", name)
		}
		for i, action := range rule.Actions {
			if strings.TrimSpace(action.HuntID) == "" {
				return fmt.Errorf("config: foremanRules[%s].actions[%d].huntId required", name, i)
			}
			if action.ClientLimit < 0 {
				return fmt.Errorf("config: foremanRules[%s].actions[%d].clientLimit must not be negative", name, i)
			}
		}
	}
	return nil
}

// DefaultConfig returns the baseline values the loader seeds before files and
// environment overrides are applied.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Datastore: DatastoreConfig{
			Backend: "memory",
		},
		Queue: QueueConfig{
			NotificationQueue:        "notification_queue",
			HuntResultsQueue:         "hunt_results_queue",
			DefaultLeaseSeconds:      600,
			HeartbeatFractionPercent: 50,
		},
		Worker: WorkerConfig{
			PoolSize:            4,
			PollIntervalSeconds: 2,
			ClaimBatchSize:      10,
		},
		Foreman: ForemanConfig{
			PollIntervalSeconds: 30,
			RulesFolder:         "./foreman-rules",
		},
		Hunt: HuntConfig{
			DefaultClientLimit:       1000,
			DefaultClientRatePerMin:  20,
			DefaultCPULimit:          3600,
			DefaultNetworkBytesLimit: 1 << 30,
			OutputPluginBatchSize:    500,
		},
		AccessControl: AccessControlConfig{
			ApprovalCacheTTLSeconds:  60,
			RequiredApproversDefault: 2,
		},
		Frontend: FrontendConfig{
			Listen:            ListenConfig{Address: "0.0.0.0", Port: 8080},
			MessageBatchLimit: 100,
		},
	}
}
