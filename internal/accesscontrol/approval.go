package accesscontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelfleet/core/internal/datastore"
)

// ErrNoApproval is returned when no approval record exists at all for the
// (target, requester) pair, as distinct from one existing but not (yet)
// being valid.
var ErrNoApproval = errors.New("accesscontrol: no approval request found")

// RequestApproval creates a new Approval record. Re-requesting with the same
// reason is idempotent (the subject is deterministic from target+requester+
// reason), so a client retrying a timed-out request does not fork the
// approver list.
func (m *Manager) RequestApproval(ctx context.Context, target, requester, reason string, notified, cc []string, expires time.Time, emergency bool) (Approval, error) {
	subject := approvalSubject(target, requester, reason)
	existing, err := m.readApproval(ctx, subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, datastore.ErrNotFound) {
		return Approval{}, err
	}
	approval := Approval{
		Target:           target,
		Requester:        requester,
		Reason:           reason,
		NotifiedUsers:    notified,
		EmailCCAddresses: cc,
		Expires:          expires,
		IsEmergency:      emergency,
	}
	if err := m.writeApproval(ctx, subject, approval); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

// GrantApproval appends approver to the approval identified by
// (target, requester, reason). The grant is idempotent and the requester can
// never approve their own request.
func (m *Manager) GrantApproval(ctx context.Context, target, requester, reason, approver string) error {
	if approver == requester {
		return fmt.Errorf("accesscontrol: %s cannot approve their own request", approver)
	}
	subject := approvalSubject(target, requester, reason)
	txn, err := m.store.Transaction(ctx, subject)
	if err != nil {
		return fmt.Errorf("accesscontrol: open transaction for %q: %w", subject, err)
	}
	attr, err := txn.Resolve(ctx, recordPredicate)
	if err != nil {
		_ = txn.Rollback(ctx)
		if errors.Is(err, datastore.ErrNotFound) {
			return ErrNoApproval
		}
		return fmt.Errorf("accesscontrol: resolve %q: %w", subject, err)
	}
	var approval Approval
	if err := json.Unmarshal(attr.Value, &approval); err != nil {
		_ = txn.Rollback(ctx)
		return fmt.Errorf("accesscontrol: decode %q: %w", subject, err)
	}
	if !approval.hasApprover(approver) {
		approval.Approvers = append(approval.Approvers, approver)
	}
	payload, err := json.Marshal(approval)
	if err != nil {
		_ = txn.Rollback(ctx)
		return fmt.Errorf("accesscontrol: encode %q: %w", subject, err)
	}
	txn.Set(ctx, recordPredicate, payload, time.Now().UTC(), true)
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("accesscontrol: commit %q: %w", subject, err)
	}
	m.cache.invalidate(requester, target)
	return nil
}

func (m *Manager) readApproval(ctx context.Context, subject string) (Approval, error) {
	attr, err := m.store.Resolve(ctx, subject, recordPredicate)
	if err != nil {
		return Approval{}, err
	}
	var approval Approval
	if err := json.Unmarshal(attr.Value, &approval); err != nil {
		return Approval{}, fmt.Errorf("accesscontrol: decode %q: %w", subject, err)
	}
	return approval, nil
}

func (m *Manager) writeApproval(ctx context.Context, subject string, approval Approval) error {
	payload, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("accesscontrol: encode %q: %w", subject, err)
	}
	if err := m.store.Set(ctx, subject, recordPredicate, payload, time.Now().UTC(), true); err != nil {
		return fmt.Errorf("accesscontrol: write %q: %w", subject, err)
	}
	return nil
}

// bestApproval scans every approval a requester has ever filed against
// target and returns the one closest to being valid: a currently-valid one
// if any exists, else the one with the furthest-future expiry so the
// caller's error message reflects the most promising candidate.
func (m *Manager) bestApproval(ctx context.Context, target, requester string, now time.Time) (Approval, error) {
	subjects, err := m.store.Query(ctx, approvalPrefix(target, requester), nil, 0)
	if err != nil {
		return Approval{}, fmt.Errorf("accesscontrol: query approvals for %q/%q: %w", target, requester, err)
	}
	if len(subjects) == 0 {
		return Approval{}, ErrNoApproval
	}
	var best Approval
	haveBest := false
	for _, subject := range subjects {
		approval, err := m.readApproval(ctx, subject)
		if err != nil {
			continue
		}
		if !haveBest {
			best, haveBest = approval, true
			continue
		}
		bestValid := now.Before(best.Expires)
		candidateValid := now.Before(approval.Expires)
		switch {
		case candidateValid && !bestValid:
			best = approval
		case candidateValid == bestValid && approval.Expires.After(best.Expires):
			best = approval
		}
	}
	if !haveBest {
		return Approval{}, ErrNoApproval
	}
	return best, nil
}
