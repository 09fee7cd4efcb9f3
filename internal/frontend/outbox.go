// Package frontend implements the single client-facing HTTP endpoint of
// §4.8: it authenticates an inbound message bundle, routes each message into
// its session, triggers foreman evaluation, and hands back whatever is
// queued for the client.
package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/message"
)

// ClientOutbox persists outbound GrrMessages per client on datastore subject
// "queues/C.<client_id>", leased the same way internal/queue's Manager
// leases session notifications (§4.2, §4.8 step 4): a message stays queued
// until its lease expires unclaimed, so a client that drops mid-poll
// re-receives it on its next contact rather than losing it. It implements
// flow.Outbox.
type ClientOutbox struct {
	store datastore.Store
}

// NewClientOutbox builds a client outbox backed by store.
func NewClientOutbox(store datastore.Store) *ClientOutbox {
	return &ClientOutbox{store: store}
}

func outboxSubject(clientID string) string { return "queues/C." + clientID }

func outboxPredicate(recordID string) string { return "msg:" + recordID }

type outboundRecord struct {
	RecordID    string             `json:"recordId"`
	Message     message.GrrMessage `json:"message"`
	LeasedUntil time.Time          `json:"leasedUntil"`
}

// Enqueue implements flow.Outbox.
func (o *ClientOutbox) Enqueue(ctx context.Context, clientID string, msg message.GrrMessage) error {
	rec := outboundRecord{RecordID: uuid.NewString(), Message: msg}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("frontend: encode outbound message: %w", err)
	}
	if err := o.store.Set(ctx, outboxSubject(clientID), outboxPredicate(rec.RecordID), payload, time.Now().UTC(), false); err != nil {
		return fmt.Errorf("frontend: write outbound message for %q: %w", clientID, err)
	}
	return nil
}

// Claimed is a leased outbound message the caller must later Delete once
// delivery is believed to have succeeded.
type Claimed struct {
	RecordID string
	Message  message.GrrMessage
}

// Claim atomically selects up to limit unleased messages for clientID,
// stamps them with a lease, and returns them ordered by priority (HIGH
// first) then enqueue order.
func (o *ClientOutbox) Claim(ctx context.Context, clientID string, limit int, lease time.Duration) ([]Claimed, error) {
	subject := outboxSubject(clientID)
	txn, err := o.store.Transaction(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("frontend: begin claim transaction for %q: %w", clientID, err)
	}
	attrs, err := txn.ResolveRegex(ctx, `^msg:`, datastore.Newest, time.Time{}, time.Time{}, 0)
	if err != nil {
		_ = txn.Rollback(ctx)
		return nil, fmt.Errorf("frontend: scan outbound messages for %q: %w", clientID, err)
	}

	now := time.Now().UTC()
	type candidate struct {
		rec outboundRecord
		ts  time.Time
	}
	var candidates []candidate
	for _, attr := range attrs {
		var rec outboundRecord
		if err := json.Unmarshal(attr.Value, &rec); err != nil {
			continue
		}
		if rec.LeasedUntil.After(now) {
			continue
		}
		candidates = append(candidates, candidate{rec: rec, ts: attr.Timestamp})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rec.Message.Priority != candidates[j].rec.Message.Priority {
			return candidates[i].rec.Message.Priority > candidates[j].rec.Message.Priority
		}
		return candidates[i].ts.Before(candidates[j].ts)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Claimed, 0, len(candidates))
	leasedUntil := now.Add(lease)
	for _, c := range candidates {
		c.rec.LeasedUntil = leasedUntil
		payload, err := json.Marshal(c.rec)
		if err != nil {
			_ = txn.Rollback(ctx)
			return nil, fmt.Errorf("frontend: marshal leased message: %w", err)
		}
		txn.Set(ctx, outboxPredicate(c.rec.RecordID), payload, time.Now().UTC(), true)
		out = append(out, Claimed{RecordID: c.rec.RecordID, Message: c.rec.Message})
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, fmt.Errorf("frontend: commit claim for %q: %w", clientID, err)
	}
	return out, nil
}

// Delete removes delivered messages so they are not redelivered once their
// lease eventually lapses.
func (o *ClientOutbox) Delete(ctx context.Context, clientID string, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	preds := make([]string, 0, len(recordIDs))
	for _, id := range recordIDs {
		preds = append(preds, outboxPredicate(id))
	}
	if err := o.store.DeleteAttributes(ctx, outboxSubject(clientID), preds); err != nil {
		return fmt.Errorf("frontend: delete delivered messages for %q: %w", clientID, err)
	}
	return nil
}
