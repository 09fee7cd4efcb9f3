package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestBuildRuleBundleMergesSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	contents := "foremanRules:\n  file-rule:\n    description: from file\n    clientRuleSet: \"client.os == 'linux'\"\n    actions:\n      - huntId: hunt-fixture\n"
	if err := os.WriteFile(rulesFile, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	inlineRules := map[string]ForemanRuleConfig{
		"inline-rule": {Description: "inline", ClientRuleSet: "client.os == 'windows'", Actions: []ForemanRuleActionConfig{{HuntID: "hunt-fixture"}}},
	}

	bundle, err := buildRuleBundle(ctx, inlineRules, ForemanConfig{RulesFile: rulesFile})
	if err != nil {
		t.Fatalf("buildRuleBundle should succeed: %v", err)
	}
	if len(bundle.Rules) != 2 {
		t.Fatalf("expected two rules, got %d", len(bundle.Rules))
	}
	if _, ok := bundle.Rules["inline-rule"]; !ok {
		t.Fatalf("expected inline rule present")
	}
	if _, ok := bundle.Rules["file-rule"]; !ok {
		t.Fatalf("expected file rule present")
	}
	if !slices.Contains(bundle.Sources, inlineSourceName) {
		t.Fatalf("expected inline source recorded, got %v", bundle.Sources)
	}
	if !slices.Contains(bundle.Sources, filepath.Clean(rulesFile)) {
		t.Fatalf("expected file source recorded, got %v", bundle.Sources)
	}
	if len(bundle.Skipped) != 0 {
		t.Fatalf("expected no skipped definitions, got %v", bundle.Skipped)
	}
}

func TestBuildRuleBundleSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	contents := "foremanRules:\n  dup-rule:\n    description: from file\n    clientRuleSet: \"client.os == 'linux'\"\n    actions:\n      - huntId: hunt-fixture\n"
	if err := os.WriteFile(rulesFile, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	inlineRules := map[string]ForemanRuleConfig{
		"dup-rule": {Description: "inline", ClientRuleSet: "client.os == 'windows'", Actions: []ForemanRuleActionConfig{{HuntID: "hunt-fixture"}}},
	}

	bundle, err := buildRuleBundle(ctx, inlineRules, ForemanConfig{RulesFile: rulesFile})
	if err != nil {
		t.Fatalf("buildRuleBundle should succeed: %v", err)
	}
	if len(bundle.Rules) != 0 {
		t.Fatalf("expected duplicate rules to be skipped, got %v", bundle.Rules)
	}
	if len(bundle.Skipped) != 1 {
		t.Fatalf("expected one skipped entry, got %d", len(bundle.Skipped))
	}
	skip := bundle.Skipped[0]
	if !slices.Contains(skip.Sources, inlineSourceName) {
		t.Fatalf("expected inline source recorded in skip: %v", skip)
	}
	if !slices.Contains(skip.Sources, filepath.Clean(rulesFile)) {
		t.Fatalf("expected file source recorded in skip: %v", skip)
	}
	if skip.Reason != "duplicate definition" {
		t.Fatalf("unexpected skip reason: %v", skip.Reason)
	}
}

func TestBuildRuleBundleDiscoversFolderFilesInSortedOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0o750); err != nil {
		t.Fatalf("mkdir rules dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rulesDir, "b.yaml"), []byte("foremanRules:\n  b-rule:\n    clientRuleSet: \"client.os == 'linux'\"\n    actions:\n      - huntId: hunt-fixture\n"), 0o600); err != nil {
		t.Fatalf("write b.yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rulesDir, "a.yaml"), []byte("foremanRules:\n  a-rule:\n    clientRuleSet: \"client.os == 'windows'\"\n    actions:\n      - huntId: hunt-fixture\n"), 0o600); err != nil {
		t.Fatalf("write a.yaml: %v", err)
	}

	bundle, err := buildRuleBundle(ctx, nil, ForemanConfig{RulesFolder: rulesDir})
	if err != nil {
		t.Fatalf("buildRuleBundle should succeed: %v", err)
	}
	if len(bundle.Rules) != 2 {
		t.Fatalf("expected two rules, got %d", len(bundle.Rules))
	}
	if len(bundle.Sources) != 2 {
		t.Fatalf("expected two sources, got %v", bundle.Sources)
	}
	if bundle.Sources[0] > bundle.Sources[1] {
		t.Fatalf("expected sources in sorted order, got %v", bundle.Sources)
	}
}

func TestBuildRuleBundleMissingFolderIsNotAnError(t *testing.T) {
	ctx := context.Background()
	bundle, err := buildRuleBundle(ctx, nil, ForemanConfig{RulesFolder: filepath.Join(t.TempDir(), "does-not-exist")})
	if err != nil {
		t.Fatalf("missing rules folder should not error: %v", err)
	}
	if len(bundle.Rules) != 0 {
		t.Fatalf("expected no rules, got %v", bundle.Rules)
	}
}
