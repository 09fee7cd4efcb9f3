package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinelfleet/core/internal/datastore"
)

func TestQueueClaimRespectsEligibilityAndLease(t *testing.T) {
	store := datastore.NewMemory()
	mgr := New(store)
	ctx := context.Background()

	_, err := mgr.QueueNotification(ctx, "W", "flows/F1", time.Now().Add(-time.Second), Medium)
	require.NoError(t, err)
	_, err = mgr.QueueNotification(ctx, "W", "flows/F2", time.Now().Add(time.Hour), Medium)
	require.NoError(t, err)

	notifications, claims, err := mgr.ClaimNotifications(ctx, "W", 10*time.Second, nil, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, "flows/F1", notifications[0].SessionID)

	// A second claim attempt before the lease expires sees nothing new.
	_, claims2, err := mgr.ClaimNotifications(ctx, "W", 10*time.Second, nil, 10)
	require.NoError(t, err)
	require.Empty(t, claims2)

	require.NoError(t, mgr.DeleteNotifications(ctx, "W", claims))
}

func TestQueuePriorityOrdering(t *testing.T) {
	store := datastore.NewMemory()
	mgr := New(store)
	ctx := context.Background()

	_, err := mgr.QueueNotification(ctx, "W", "low", time.Now().Add(-time.Second), Low)
	require.NoError(t, err)
	_, err = mgr.QueueNotification(ctx, "W", "high", time.Now().Add(-time.Second), High)
	require.NoError(t, err)

	notifications, _, err := mgr.ClaimNotifications(ctx, "W", time.Minute, nil, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	require.Equal(t, "high", notifications[0].SessionID)
}

func TestRefreshClaimExtendsLease(t *testing.T) {
	store := datastore.NewMemory()
	mgr := New(store)
	ctx := context.Background()

	_, err := mgr.QueueNotification(ctx, "W", "flows/F1", time.Now().Add(-time.Second), Medium)
	require.NoError(t, err)

	_, claims, err := mgr.ClaimNotifications(ctx, "W", 50*time.Millisecond, nil, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	require.NoError(t, mgr.RefreshClaim(ctx, "W", claims, time.Minute))

	time.Sleep(60 * time.Millisecond)
	// Without the refresh this would have become claimable again.
	_, claims2, err := mgr.ClaimNotifications(ctx, "W", time.Minute, nil, 10)
	require.NoError(t, err)
	require.Empty(t, claims2)
}

func TestClaimMarksReclaimAfterExpiredLease(t *testing.T) {
	store := datastore.NewMemory()
	mgr := New(store)
	ctx := context.Background()

	_, err := mgr.QueueNotification(ctx, "W", "flows/F1", time.Now().Add(-time.Second), Medium)
	require.NoError(t, err)

	_, claims, err := mgr.ClaimNotifications(ctx, "W", 10*time.Millisecond, nil, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.False(t, claims[0].WasExpired, "first claim of a fresh notification is not a reclaim")

	time.Sleep(20 * time.Millisecond)

	_, claims2, err := mgr.ClaimNotifications(ctx, "W", time.Minute, nil, 10)
	require.NoError(t, err)
	require.Len(t, claims2, 1)
	require.True(t, claims2[0].WasExpired, "reclaiming after the lease passed should be flagged")
}

func TestClaimFilterStopsAtDifferentHunt(t *testing.T) {
	store := datastore.NewMemory()
	mgr := New(store)
	ctx := context.Background()

	_, err := mgr.QueueNotification(ctx, "hunt_results_queue", "hunts/H1", time.Now().Add(-time.Second), Medium)
	require.NoError(t, err)
	_, err = mgr.QueueNotification(ctx, "hunt_results_queue", "hunts/H2", time.Now().Add(-time.Second), Medium)
	require.NoError(t, err)

	onlyH1 := func(n Notification) bool { return n.SessionID == "hunts/H1" }
	notifications, _, err := mgr.ClaimNotifications(ctx, "hunt_results_queue", time.Minute, onlyH1, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, "hunts/H1", notifications[0].SessionID)
}
