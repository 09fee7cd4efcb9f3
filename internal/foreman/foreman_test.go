package foreman

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelfleet/core/internal/clientstore"
	"github.com/sentinelfleet/core/internal/config"
	"github.com/sentinelfleet/core/internal/datastore"
)

type fakeScheduler struct {
	calls []fakeAddClientCall
}

type fakeAddClientCall struct {
	huntID      string
	clientID    string
	clientLimit int
}

func (f *fakeScheduler) AddClient(_ context.Context, huntID, clientID string, clientLimit int) error {
	f.calls = append(f.calls, fakeAddClientCall{huntID: huntID, clientID: clientID, clientLimit: clientLimit})
	return nil
}

func TestAssignTasksToClientSchedulesMatchingHunt(t *testing.T) {
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	ctx := context.Background()

	require.NoError(t, clients.SetAttributes(ctx, "C.1", map[string]any{"os": "linux"}))

	sched := &fakeScheduler{}
	f, err := New(store, clients, sched, nil)
	require.NoError(t, err)

	require.NoError(t, f.InstallRule(ctx, Rule{
		Name:          "hunt-H1",
		ClientRuleSet: "client.os == 'linux'",
		Actions:       []RuleAction{{HuntID: "H1", ClientLimit: 5}},
	}))

	require.NoError(t, f.AssignTasksToClient(ctx, "C.1"))
	require.Len(t, sched.calls, 1)
	require.Equal(t, "H1", sched.calls[0].huntID)
	require.Equal(t, "C.1", sched.calls[0].clientID)
	require.Equal(t, 5, sched.calls[0].clientLimit)

	attr, err := store.Resolve(ctx, "clients/C.1", "last_foreman_time")
	require.NoError(t, err)
	require.NotEmpty(t, attr.Value)
}

func TestAssignTasksToClientSkipsNonMatchingRule(t *testing.T) {
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	ctx := context.Background()
	require.NoError(t, clients.SetAttributes(ctx, "C.1", map[string]any{"os": "windows"}))

	sched := &fakeScheduler{}
	f, err := New(store, clients, sched, nil)
	require.NoError(t, err)
	require.NoError(t, f.InstallRule(ctx, Rule{
		Name:          "hunt-H1",
		ClientRuleSet: "client.os == 'linux'",
		Actions:       []RuleAction{{HuntID: "H1"}},
	}))

	require.NoError(t, f.AssignTasksToClient(ctx, "C.1"))
	require.Empty(t, sched.calls)
}

func TestAssignTasksToClientDropsExpiredRule(t *testing.T) {
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	ctx := context.Background()
	require.NoError(t, clients.SetAttributes(ctx, "C.1", map[string]any{"os": "linux"}))

	sched := &fakeScheduler{}
	f, err := New(store, clients, sched, nil)
	require.NoError(t, err)
	require.NoError(t, f.InstallRule(ctx, Rule{
		Name:          "hunt-H1",
		ClientRuleSet: "client.os == 'linux'",
		ExpiresAt:     time.Now().Add(-time.Minute),
		Actions:       []RuleAction{{HuntID: "H1"}},
	}))

	require.NoError(t, f.AssignTasksToClient(ctx, "C.1"))
	require.Empty(t, sched.calls)

	txn, err := store.Transaction(ctx, "foreman")
	require.NoError(t, err)
	rules, err := f.loadRulesTxn(ctx, txn)
	require.NoError(t, err)
	require.Empty(t, rules)
	require.NoError(t, txn.Rollback(ctx))
}

func TestSyncConfigRulesReplacesOnlyConfigSourcedRules(t *testing.T) {
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	ctx := context.Background()

	sched := &fakeScheduler{}
	f, err := New(store, clients, sched, nil)
	require.NoError(t, err)

	require.NoError(t, f.InstallRule(ctx, Rule{Name: "hunt-H1", ClientRuleSet: "true", Actions: []RuleAction{{HuntID: "H1"}}}))
	require.NoError(t, f.SyncConfigRules(ctx, map[string]config.ForemanRuleConfig{
		"linux-triage": {
			ClientRuleSet: "client.os == 'linux'",
			ExpiresAfter:  "720h",
			Actions:       []config.ForemanRuleActionConfig{{HuntID: "H2"}},
		},
	}))

	txn, err := store.Transaction(ctx, "foreman")
	require.NoError(t, err)
	rules, err := f.loadRulesTxn(ctx, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Rollback(ctx))
	require.Len(t, rules, 2)

	require.NoError(t, f.SyncConfigRules(ctx, map[string]config.ForemanRuleConfig{
		"windows-triage": {
			ClientRuleSet: "client.os == 'windows'",
			Actions:       []config.ForemanRuleActionConfig{{HuntID: "H3"}},
		},
	}))

	txn2, err := store.Transaction(ctx, "foreman")
	require.NoError(t, err)
	rules2, err := f.loadRulesTxn(ctx, txn2)
	require.NoError(t, err)
	require.NoError(t, txn2.Rollback(ctx))
	require.Len(t, rules2, 2)

	var names []string
	for _, r := range rules2 {
		names = append(names, r.Name)
	}
	require.Contains(t, names, "hunt-H1")
	require.Contains(t, names, "config:windows-triage")
	require.NotContains(t, names, "config:linux-triage")
}

func TestRemoveRule(t *testing.T) {
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	ctx := context.Background()
	sched := &fakeScheduler{}
	f, err := New(store, clients, sched, nil)
	require.NoError(t, err)

	require.NoError(t, f.InstallRule(ctx, Rule{Name: "hunt-H1", ClientRuleSet: "true", Actions: []RuleAction{{HuntID: "H1"}}}))
	require.NoError(t, f.RemoveRule(ctx, "hunt-H1"))

	txn, err := store.Transaction(ctx, "foreman")
	require.NoError(t, err)
	rules, err := f.loadRulesTxn(ctx, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Rollback(ctx))
	require.Empty(t, rules)
}
