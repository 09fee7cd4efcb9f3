package config

import "testing"

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}

	invalidPort := cfg
	invalidPort.Frontend.Listen.Port = -1
	if err := invalidPort.Validate(); err == nil {
		t.Fatalf("expected failure when port is invalid")
	}

	conflictingRules := cfg
	conflictingRules.Foreman.RulesFile = "rules.yaml"
	if err := conflictingRules.Validate(); err == nil {
		t.Fatalf("expected failure when both rulesFolder and rulesFile are set")
	}

	missingAction := cfg
	missingAction.ForemanRules = map[string]ForemanRuleConfig{
		"no-actions": {ClientRuleSet: "client.os == \"linux\""},
	}
	if err := missingAction.Validate(); err == nil {
		t.Fatalf("expected failure when a foreman rule has no actions")
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Frontend.Listen.Address != "0.0.0.0" {
		t.Errorf("expected listen address 0.0.0.0, got %q", cfg.Frontend.Listen.Address)
	}
	if cfg.Frontend.Listen.Port != 8080 {
		t.Errorf("expected listen port 8080, got %d", cfg.Frontend.Listen.Port)
	}
	if cfg.Server.Logging.Level != "info" {
		t.Errorf("expected logging level info, got %q", cfg.Server.Logging.Level)
	}
	if cfg.Foreman.RulesFolder != "./foreman-rules" {
		t.Errorf("expected foreman rules folder ./foreman-rules, got %q", cfg.Foreman.RulesFolder)
	}
	if cfg.Datastore.Backend != "memory" {
		t.Errorf("expected default datastore backend memory, got %q", cfg.Datastore.Backend)
	}
	if cfg.Worker.PoolSize != 4 {
		t.Errorf("expected default worker pool size 4, got %d", cfg.Worker.PoolSize)
	}
}
