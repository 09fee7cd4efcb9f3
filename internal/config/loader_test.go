package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("SENTINELFLEET_FOREMAN__RULESFOLDER", t.TempDir())
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Frontend.Listen.Port)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("frontend:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("SENTINELFLEET_FOREMAN__RULESFOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Frontend.Listen.Port)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("frontend:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("SENTINELFLEET_FOREMAN__RULESFOLDER", t.TempDir())
				t.Setenv("SENTINELFLEET_FRONTEND__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Frontend.Listen.Port)
			},
		},
		{
			name: "reads worker pool size override",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("worker:\n  poolSize: 16\n"), 0o600))
				t.Setenv("SENTINELFLEET_FOREMAN__RULESFOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 16, cfg.Worker.PoolSize)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				t.Setenv("SENTINELFLEET_FOREMAN__RULESFOLDER", t.TempDir())
				dir := t.TempDir()
				return []string{filepath.Join(dir, "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "loads foreman rule file",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				rulesPath := filepath.Join(dir, "rules.yaml")
				ruleContents := "foremanRules:\n  file-rule:\n    description: from file\n    clientRuleSet: \"client.os == 'linux'\"\n    actions:\n      - huntId: hunt-fixture\n"
				require.NoError(t, os.WriteFile(rulesPath, []byte(ruleContents), 0o600))

				serverPath := filepath.Join(dir, "server.yaml")
				serverContents := "foreman:\n  rulesFolder: \"\"\n  rulesFile: %s\nforemanRules:\n  inline-rule:\n    description: inline\n    clientRuleSet: \"client.os == 'windows'\"\n    actions:\n      - huntId: hunt-fixture\n"
				require.NoError(t, os.WriteFile(serverPath, []byte(fmt.Sprintf(serverContents, rulesPath)), 0o600))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.ForemanRules, "inline-rule")
				require.Contains(t, cfg.ForemanRules, "file-rule")
				require.NotEmpty(t, cfg.RuleSources)
				require.Empty(t, cfg.SkippedDefinitions)
			},
		},
		{
			name: "flags duplicate rule names as skipped rather than erroring",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				rulesPath := filepath.Join(dir, "rules.yaml")
				ruleContents := "foremanRules:\n  inline-rule:\n    description: from file\n    clientRuleSet: \"client.os == 'linux'\"\n    actions:\n      - huntId: hunt-fixture\n"
				require.NoError(t, os.WriteFile(rulesPath, []byte(ruleContents), 0o600))

				serverPath := filepath.Join(dir, "server.yaml")
				serverContents := "foreman:\n  rulesFolder: \"\"\n  rulesFile: %s\nforemanRules:\n  inline-rule:\n    description: inline\n    clientRuleSet: \"client.os == 'windows'\"\n    actions:\n      - huntId: hunt-fixture\n"
				require.NoError(t, os.WriteFile(serverPath, []byte(fmt.Sprintf(serverContents, rulesPath)), 0o600))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.NotEmpty(t, cfg.SkippedDefinitions)
				require.Equal(t, "inline-rule", cfg.SkippedDefinitions[0].Name)
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("SENTINELFLEET", args...)

			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}
