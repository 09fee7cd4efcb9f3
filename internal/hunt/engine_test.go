package hunt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/queue"
)

type fakeFlowStarter struct {
	started   []startCall
	tagged    map[string]string
}

type startCall struct {
	flowClass       string
	sessionID       string
	clientID        string
	parentSessionID string
}

func (f *fakeFlowStarter) StartFlow(_ context.Context, flowClass, sessionID, clientID, _ string, _ any, _ float64, _ int64, parentSessionID string) error {
	f.started = append(f.started, startCall{flowClass: flowClass, sessionID: sessionID, clientID: clientID, parentSessionID: parentSessionID})
	return nil
}

func (f *fakeFlowStarter) TagPendingTermination(_ context.Context, sessionID, reason string) error {
	if f.tagged == nil {
		f.tagged = map[string]string{}
	}
	f.tagged[sessionID] = reason
	return nil
}

type fakeRuleInstaller struct {
	installed []RuleSpec
	removed   []string
}

func (f *fakeRuleInstaller) InstallHuntRule(_ context.Context, spec RuleSpec) error {
	f.installed = append(f.installed, spec)
	return nil
}

func (f *fakeRuleInstaller) RemoveHuntRule(_ context.Context, name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func TestAddClientRespectsClientLimit(t *testing.T) {
	store := datastore.NewMemory()
	notifier := queue.New(store)
	flows := &fakeFlowStarter{}
	engine := NewEngine(store, notifier, flows, nil, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreateHunt(ctx, CreateHuntParams{HuntID: "H1", FlowClass: "Triage", ClientLimit: 1}))
	require.NoError(t, engine.Run(ctx, "H1", "true"))

	require.NoError(t, engine.AddClient(ctx, "H1", "C.1", 0))
	require.NoError(t, engine.AddClient(ctx, "H1", "C.2", 0))

	require.Len(t, flows.started, 1)
	require.Equal(t, "C.1", flows.started[0].clientID)
	require.Equal(t, "H1", flows.started[0].parentSessionID)

	st, err := engine.State(ctx, "H1")
	require.NoError(t, err)
	require.Equal(t, 1, st.ClientsQueuedCount)
}

func TestAddClientIsIdempotentPerClient(t *testing.T) {
	store := datastore.NewMemory()
	notifier := queue.New(store)
	flows := &fakeFlowStarter{}
	engine := NewEngine(store, notifier, flows, nil, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreateHunt(ctx, CreateHuntParams{HuntID: "H1", FlowClass: "Triage"}))
	require.NoError(t, engine.Run(ctx, "H1", "true"))

	require.NoError(t, engine.AddClient(ctx, "H1", "C.1", 0))
	require.NoError(t, engine.AddClient(ctx, "H1", "C.1", 0))
	require.Len(t, flows.started, 1)
}

func TestAddClientIgnoredWhilePaused(t *testing.T) {
	store := datastore.NewMemory()
	notifier := queue.New(store)
	flows := &fakeFlowStarter{}
	engine := NewEngine(store, notifier, flows, nil, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreateHunt(ctx, CreateHuntParams{HuntID: "H1", FlowClass: "Triage"}))
	require.NoError(t, engine.AddClient(ctx, "H1", "C.1", 0))
	require.Empty(t, flows.started)
}

func TestStopTagsChildrenAndRemovesRule(t *testing.T) {
	store := datastore.NewMemory()
	notifier := queue.New(store)
	flows := &fakeFlowStarter{}
	rules := &fakeRuleInstaller{}
	engine := NewEngine(store, notifier, flows, rules, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreateHunt(ctx, CreateHuntParams{HuntID: "H1", FlowClass: "Triage"}))
	require.NoError(t, engine.Run(ctx, "H1", "true"))
	require.NoError(t, engine.AddClient(ctx, "H1", "C.1", 0))
	require.Len(t, flows.started, 1)
	childSession := flows.started[0].sessionID

	require.NoError(t, engine.Stop(ctx, "H1", "operator requested"))

	require.Equal(t, "operator requested", flows.tagged[childSession])
	require.Equal(t, []string{"hunt-H1"}, rules.removed)

	st, err := engine.State(ctx, "H1")
	require.NoError(t, err)
	require.Equal(t, Completed, st.State)
}

func TestProcessResultsAggregatesAndAdvancesCursor(t *testing.T) {
	store := datastore.NewMemory()
	notifier := queue.New(store)
	flows := &fakeFlowStarter{}
	engine := NewEngine(store, notifier, flows, nil, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreateHunt(ctx, CreateHuntParams{HuntID: "H1", FlowClass: "Triage"}))
	require.NoError(t, engine.Run(ctx, "H1", "true"))
	require.NoError(t, engine.AddClient(ctx, "H1", "C.1", 0))
	childSession := flows.started[0].sessionID

	require.NoError(t, store.Set(ctx, "hunts/H1", "pending_result:r1", []byte(`{"kind":"reply","clientId":"C.1","sessionId":"`+childSession+`","replyType":"Stat","payload":"eyJwYXRoIjoiL2V0Yy9ob3N0cyJ9","timestamp":"2026-01-01T00:00:00Z"}`), time.Now().UTC(), false))
	require.NoError(t, store.Set(ctx, "hunts/H1", "pending_result:r2", []byte(`{"kind":"terminal","clientId":"C.1","sessionId":"`+childSession+`","state":"TERMINATED","timestamp":"2026-01-01T00:00:01Z"}`), time.Now().UTC(), false))

	require.NoError(t, engine.ProcessResults(ctx, "H1"))

	st, err := engine.State(ctx, "H1")
	require.NoError(t, err)
	require.Equal(t, 1, st.ResultsCount)
	require.Equal(t, 1, st.ClientsWithResultsCount)
	require.Equal(t, 1, st.CompletedClientsCount)
	require.Equal(t, 2, st.AggregateCursor)

	// A second call with no new results is a no-op on the counters.
	require.NoError(t, engine.ProcessResults(ctx, "H1"))
	st2, err := engine.State(ctx, "H1")
	require.NoError(t, err)
	require.Equal(t, st.ResultsCount, st2.ResultsCount)
}

func TestProcessResultsRunsOutputPluginIndependently(t *testing.T) {
	store := datastore.NewMemory()
	notifier := queue.New(store)
	flows := &fakeFlowStarter{}
	engine := NewEngine(store, notifier, flows, nil, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreateHunt(ctx, CreateHuntParams{
		HuntID:    "H1",
		FlowClass: "Triage",
		OutputPlugins: []OutputPluginDescriptor{
			{Name: "csv", Kind: "template_export", TemplateSource: "{{.ClientID}},{{.ReplyType}}"},
			{Name: "broken", Kind: "unknown_kind"},
		},
	}))
	require.NoError(t, engine.Run(ctx, "H1", "true"))
	require.NoError(t, engine.AddClient(ctx, "H1", "C.1", 0))
	childSession := flows.started[0].sessionID

	require.NoError(t, store.Set(ctx, "hunts/H1", "pending_result:r1", []byte(`{"kind":"reply","clientId":"C.1","sessionId":"`+childSession+`","replyType":"Stat","payload":"eHg=","timestamp":"2026-01-01T00:00:00Z"}`), time.Now().UTC(), false))

	require.NoError(t, engine.ProcessResults(ctx, "H1"))

	st, err := engine.State(ctx, "H1")
	require.NoError(t, err)
	require.True(t, st.PluginState["csv"].LastOK)
	require.Equal(t, 1, st.PluginState["csv"].HighWater)
	require.False(t, st.PluginState["broken"].LastOK)
	require.NotEmpty(t, st.PluginState["broken"].LastError)

	attrs, err := store.ResolveRegex(ctx, "hunts/H1", "^export:csv:", datastore.All, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
}

func TestExpiredHuntStopsOnNextProcess(t *testing.T) {
	store := datastore.NewMemory()
	notifier := queue.New(store)
	flows := &fakeFlowStarter{}
	engine := NewEngine(store, notifier, flows, nil, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreateHunt(ctx, CreateHuntParams{
		HuntID:    "H1",
		FlowClass: "Triage",
		Expires:   time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, engine.Run(ctx, "H1", "true"))

	require.NoError(t, engine.ProcessResults(ctx, "H1"))

	st, err := engine.State(ctx, "H1")
	require.NoError(t, err)
	require.Equal(t, Completed, st.State)
	require.Equal(t, "hunt expired", st.StopReason)
}
