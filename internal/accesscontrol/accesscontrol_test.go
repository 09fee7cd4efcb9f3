package accesscontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelfleet/core/internal/clientstore"
	"github.com/sentinelfleet/core/internal/datastore"
)

func newTestManager(t *testing.T) (*Manager, datastore.Store) {
	t.Helper()
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	mgr, err := NewManager(store, clients, nil, 60*time.Second, 2, DefaultDataStoreRules(), nil, nil)
	require.NoError(t, err)
	return mgr, store
}

func TestCheckClientAccessDeniedWithoutApproval(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := t.Context()

	err := mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1")
	require.ErrorIs(t, err, ErrNoApproval)
}

func TestCheckClientAccessGrantedAfterTwoApprovers(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := t.Context()

	_, err := mgr.RequestApproval(ctx, "clients/C.1", "analyst1", "incident 42", nil, nil, time.Now().Add(time.Hour), false)
	require.NoError(t, err)

	require.ErrorContains(t, mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1"), "approver")

	require.NoError(t, mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "incident 42", "lead1"))
	require.ErrorContains(t, mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1"), "approver")

	require.NoError(t, mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "incident 42", "lead2"))
	require.NoError(t, mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1"))
}

func TestRequesterNeverCountsAsApprover(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := t.Context()

	_, err := mgr.RequestApproval(ctx, "clients/C.1", "analyst1", "self-service", nil, nil, time.Now().Add(time.Hour), false)
	require.NoError(t, err)

	err = mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "self-service", "analyst1")
	require.Error(t, err)
}

func TestSupervisorBypassesApproval(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := t.Context()

	require.NoError(t, mgr.CheckClientAccess(ctx, Token{Username: "root", Supervisor: true}, "C.1"))
}

// TestApprovalExpiryInvalidatesCachedHit exercises §8 invariant 3 together
// with the 60s cache: a lookup caches the Approval, but once its own
// expires field lapses the very next check must fail even though the TTL
// window is still open.
func TestApprovalExpiryInvalidatesCachedHit(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := t.Context()

	expires := time.Now().Add(50 * time.Millisecond)
	_, err := mgr.RequestApproval(ctx, "clients/C.1", "analyst1", "short-lived", nil, nil, expires, false)
	require.NoError(t, err)
	require.NoError(t, mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "short-lived", "lead1"))
	require.NoError(t, mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "short-lived", "lead2"))

	require.NoError(t, mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1"))

	time.Sleep(80 * time.Millisecond)

	err = mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1")
	require.ErrorContains(t, err, "expired")
}

func TestCheckIfCanStartFlowRequiresCategoryOrSupervisor(t *testing.T) {
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	categories := map[string]string{"ListDirectory": "filesystem"}
	mgr, err := NewManager(store, clients, nil, time.Second, 2, DefaultDataStoreRules(), nil, func(name string) (string, bool) {
		cat, ok := categories[name]
		return cat, ok
	})
	require.NoError(t, err)
	ctx := t.Context()

	require.NoError(t, mgr.CheckIfCanStartFlow(ctx, Token{Username: "analyst1"}, "ListDirectory"))
	require.Error(t, mgr.CheckIfCanStartFlow(ctx, Token{Username: "analyst1"}, "ExperimentalPurge"))
	require.NoError(t, mgr.CheckIfCanStartFlow(ctx, Token{Username: "root", Supervisor: true}, "ExperimentalPurge"))
}

func TestCheckDataStoreAccessOwnNamespaceVsForeman(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := t.Context()

	require.NoError(t, mgr.CheckDataStoreAccess(ctx, Token{Username: "analyst1"}, []string{"users/analyst1/settings"}, AccessWrite))
	require.Error(t, mgr.CheckDataStoreAccess(ctx, Token{Username: "analyst1"}, []string{"users/other/settings"}, AccessRead))
	require.Error(t, mgr.CheckDataStoreAccess(ctx, Token{Username: "analyst1"}, []string{"foreman"}, AccessRead))
	require.NoError(t, mgr.CheckDataStoreAccess(ctx, Token{Username: "root", Supervisor: true}, []string{"foreman"}, AccessRead))
}

func TestCheckApproversForLabelRequiresGroupMembership(t *testing.T) {
	store := datastore.NewMemory()
	clients := clientstore.New(store)
	groups := map[string][]string{"lead1": {"security-leads"}}
	mgr, err := NewManager(store, clients, nil, time.Second, 2, DefaultDataStoreRules(), func(u string) []string { return groups[u] }, nil)
	require.NoError(t, err)
	mgr.SetLabelPolicy(ClientApprovalAuthorization{
		Label:                "restricted",
		RequiredGroups:       []string{"security-leads"},
		NumApproversRequired: 2,
	})
	ctx := t.Context()

	require.NoError(t, clients.SetAttributes(ctx, "C.1", map[string]any{"labels": []string{"restricted"}}))

	_, err = mgr.RequestApproval(ctx, "clients/C.1", "analyst1", "restricted access", nil, nil, time.Now().Add(time.Hour), false)
	require.NoError(t, err)
	require.NoError(t, mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "restricted access", "peer1"))
	require.NoError(t, mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "restricted access", "peer2"))

	err = mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1")
	require.ErrorContains(t, err, "security-leads")

	require.NoError(t, mgr.GrantApproval(ctx, "clients/C.1", "analyst1", "restricted access", "lead1"))
	require.NoError(t, mgr.CheckClientAccess(ctx, Token{Username: "analyst1"}, "C.1"))
}
