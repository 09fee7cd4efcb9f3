// Package queue implements the per-queue FIFO of work-notification tokens
// described in §4.2: a queue is a datastore subject whose attributes are
// pending notifications, each carrying an eligibility time and a lease.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelfleet/core/internal/datastore"
)

// Priority mirrors the GrrMessage priority levels a notification can carry.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

// Notification is one pending unit of work on a queue.
type Notification struct {
	RecordID      string    `json:"recordId"`
	SessionID     string    `json:"sessionId"`
	EligibleAfter time.Time `json:"eligibleAfter"`
	Priority      Priority  `json:"priority"`
	LeasedUntil   time.Time `json:"leasedUntil"`
	Timestamp     time.Time `json:"-"`
}

// Claim uniquely identifies one claimed notification so the caller can later
// Delete or RefreshClaim it; combines the record id with the version
// timestamp the claim was read at, matching §4.2's "(record_id, timestamp,
// suffix)" contract.
type Claim struct {
	RecordID  string
	Timestamp time.Time
	Suffix    string

	// WasExpired is true when this claim reclaimed a notification whose
	// previous lease had already passed without being refreshed or deleted —
	// the signal a worker pool uses to count a lost heartbeat (§4.5).
	WasExpired bool
}

// Manager implements QueueNotification / ClaimNotifications / DeleteNotifications
// / RefreshClaim atop a datastore.Store.
type Manager struct {
	store datastore.Store
}

// New constructs a queue manager backed by store.
func New(store datastore.Store) *Manager {
	return &Manager{store: store}
}

func subjectFor(queue string) string { return "queues/" + queue }

func notificationPredicate(recordID string) string { return "notify:" + recordID }

// QueueNotification appends a notification for sessionID, eligible once
// eligibleAfter has passed. Each call allocates a fresh record id, so calling
// it twice within one transaction produces two distinct notifications
// (idempotency is the caller's responsibility, scoped by request id — see
// §4.3).
func (m *Manager) QueueNotification(ctx context.Context, queue, sessionID string, eligibleAfter time.Time, priority Priority) (string, error) {
	recordID := uuid.NewString()
	n := Notification{
		RecordID:      recordID,
		SessionID:     sessionID,
		EligibleAfter: eligibleAfter,
		Priority:      priority,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("queue: marshal notification: %w", err)
	}
	if err := m.store.Set(ctx, subjectFor(queue), notificationPredicate(recordID), payload, time.Now().UTC(), false); err != nil {
		return "", fmt.Errorf("queue: write notification: %w", err)
	}
	return recordID, nil
}

// Filter narrows ClaimNotifications to the leading run, in claim order, of
// eligible notifications whose decoded value satisfies the predicate; used by
// the hunt-result processor to stop at the first notification belonging to a
// different hunt (§4.7).
type Filter func(Notification) bool

// ClaimNotifications atomically selects up to limit eligible, unleased
// notifications, stamps them with a fresh lease, and returns them ordered by
// priority (High first) then by enqueue order.
func (m *Manager) ClaimNotifications(ctx context.Context, queue string, lease time.Duration, filter Filter, limit int) ([]Notification, []Claim, error) {
	subject := subjectFor(queue)
	txn, err := m.store.Transaction(ctx, subject)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: begin claim transaction: %w", err)
	}

	attrs, err := txn.ResolveRegex(ctx, "^notify:", datastore.Newest, time.Time{}, time.Time{}, 0)
	if err != nil {
		_ = txn.Rollback(ctx)
		return nil, nil, fmt.Errorf("queue: scan notifications: %w", err)
	}

	now := time.Now().UTC()
	var candidates []Notification
	var candidateAttrs []datastore.Attribute
	for _, attr := range attrs {
		var n Notification
		if err := json.Unmarshal(attr.Value, &n); err != nil {
			continue
		}
		n.Timestamp = attr.Timestamp
		if n.EligibleAfter.After(now) {
			continue
		}
		if n.LeasedUntil.After(now) {
			continue
		}
		candidates = append(candidates, n)
		candidateAttrs = append(candidateAttrs, attr)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})

	if filter != nil {
		for i := range candidates {
			if !filter(candidates[i]) {
				candidates = candidates[:i]
				break
			}
		}
	}

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claims := make([]Claim, 0, len(candidates))
	leasedUntil := now.Add(lease)
	for i := range candidates {
		wasExpired := !candidates[i].LeasedUntil.IsZero()
		candidates[i].LeasedUntil = leasedUntil
		payload, err := json.Marshal(candidates[i])
		if err != nil {
			_ = txn.Rollback(ctx)
			return nil, nil, fmt.Errorf("queue: marshal leased notification: %w", err)
		}
		txn.Set(ctx, notificationPredicate(candidates[i].RecordID), payload, time.Now().UTC(), true)
		claims = append(claims, Claim{RecordID: candidates[i].RecordID, Timestamp: candidates[i].Timestamp, Suffix: queue, WasExpired: wasExpired})
	}

	if err := txn.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return candidates, claims, nil
}

// DeleteNotifications removes notifications after successful processing.
func (m *Manager) DeleteNotifications(ctx context.Context, queue string, claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	predicates := make([]string, 0, len(claims))
	for _, c := range claims {
		predicates = append(predicates, notificationPredicate(c.RecordID))
	}
	if err := m.store.DeleteAttributes(ctx, subjectFor(queue), predicates); err != nil {
		return fmt.Errorf("queue: delete notifications: %w", err)
	}
	return nil
}

// RefreshClaim extends the lease on already-claimed notifications; called
// periodically while a worker is mid-processing so it does not lose the
// claim to a re-dispatch (the heartbeat described in §4.5).
func (m *Manager) RefreshClaim(ctx context.Context, queue string, claims []Claim, lease time.Duration) error {
	subject := subjectFor(queue)
	leasedUntil := time.Now().UTC().Add(lease)
	for _, c := range claims {
		attr, err := m.store.Resolve(ctx, subject, notificationPredicate(c.RecordID))
		if err != nil {
			continue // claim already deleted or lost; nothing to refresh
		}
		var n Notification
		if err := json.Unmarshal(attr.Value, &n); err != nil {
			continue
		}
		n.LeasedUntil = leasedUntil
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("queue: marshal refreshed notification: %w", err)
		}
		if err := m.store.Set(ctx, subject, notificationPredicate(c.RecordID), payload, time.Now().UTC(), true); err != nil {
			return fmt.Errorf("queue: refresh claim: %w", err)
		}
	}
	return nil
}
