package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchRulesFileReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte("foremanRules:\n  file-rule:\n    description: v1\n    clientRuleSet: \"client.os == 'linux'\"\n    actions:\n      - huntId: hunt-fixture\n"), 0o600))

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "foreman:\n  rulesFolder: \"\"\n  rulesFile: %s\nforemanRules:\n  inline-rule:\n    description: inline\n    clientRuleSet: \"client.os == 'windows'\"\n    actions:\n      - huntId: hunt-fixture\n"
	require.NoError(t, os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, rulesFile)), 0o600))

	loader := NewLoader("SENTINELFLEET", serverCfg)
	cfg, err := loader.Load(ctx)
	require.NoError(t, err)

	changeCh := make(chan RuleBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.WatchRules(ctx, cfg, func(bundle RuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		require.Contains(t, bundle.Rules, "inline-rule", "inline rule missing on initial load")
		rule, ok := bundle.Rules["file-rule"]
		require.True(t, ok, "file rule missing on initial load")
		require.Equal(t, "v1", rule.Description)
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for initial change event")
	}

	require.NoError(t, os.WriteFile(rulesFile, []byte("foremanRules:\n  file-rule:\n    description: v2\n    clientRuleSet: \"client.os == 'linux'\"\n    actions:\n      - huntId: hunt-fixture\n"), 0o600))

	select {
	case bundle := <-changeCh:
		rule, ok := bundle.Rules["file-rule"]
		require.True(t, ok, "file rule missing after reload")
		require.Equal(t, "v2", rule.Description)
		require.Contains(t, bundle.Rules, "inline-rule")
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for reload event")
	}
}

func TestWatchRulesFolderReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.MkdirAll(rulesDir, 0o750))

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "foreman:\n  rulesFolder: %s\nforemanRules:\n  inline-rule:\n    description: inline\n    clientRuleSet: \"client.os == 'windows'\"\n    actions:\n      - huntId: hunt-fixture\n"
	require.NoError(t, os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, rulesDir)), 0o600))

	loader := NewLoader("SENTINELFLEET", serverCfg)
	cfg, err := loader.Load(ctx)
	require.NoError(t, err)

	changeCh := make(chan RuleBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.WatchRules(ctx, cfg, func(bundle RuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		require.Len(t, bundle.Rules, 1, "expected only inline rule initially")
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for initial event")
	}

	rulePath := filepath.Join(rulesDir, "file.yaml")
	require.NoError(t, os.WriteFile(rulePath, []byte("foremanRules:\n  folder-rule:\n    description: folder\n    clientRuleSet: \"client.os == 'darwin'\"\n    actions:\n      - huntId: hunt-fixture\n"), 0o600))

	select {
	case bundle := <-changeCh:
		require.Contains(t, bundle.Rules, "folder-rule")
		require.Contains(t, bundle.Rules, "inline-rule")
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timeout waiting for folder reload event")
	}
}
