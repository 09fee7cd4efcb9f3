// Package clientstore persists the per-client attribute record the foreman
// matches rules against and the frontend updates on every check-in (§3:
// "clients/<client_id> — client attributes").
package clientstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelfleet/core/internal/datastore"
)

const attrsPredicate = "attrs"
const lastPingPredicate = "last_ping"

func subjectFor(clientID string) string { return "clients/" + clientID }

// Store reads and writes client attribute records.
type Store struct {
	store datastore.Store
}

// New builds a client attribute store backed by store.
func New(store datastore.Store) *Store {
	return &Store{store: store}
}

// ClientAttributes returns the attribute map rule evaluation reads (§4.6). An
// unenrolled or not-yet-seen client yields an empty map rather than an error,
// since a rule's client_rule_set must still be able to evaluate (and simply
// not match) against it.
func (s *Store) ClientAttributes(ctx context.Context, clientID string) (map[string]any, error) {
	attr, err := s.store.Resolve(ctx, subjectFor(clientID), attrsPredicate)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("clientstore: resolve attrs for %q: %w", clientID, err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(attr.Value, &attrs); err != nil {
		return nil, fmt.Errorf("clientstore: decode attrs for %q: %w", clientID, err)
	}
	return attrs, nil
}

// SetAttributes overwrites clientID's attribute map, as happens when an
// enrollment or interrogate flow reports updated facts about the host.
func (s *Store) SetAttributes(ctx context.Context, clientID string, attrs map[string]any) error {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("clientstore: encode attrs for %q: %w", clientID, err)
	}
	if err := s.store.Set(ctx, subjectFor(clientID), attrsPredicate, payload, time.Now().UTC(), true); err != nil {
		return fmt.Errorf("clientstore: write attrs for %q: %w", clientID, err)
	}
	return nil
}

// RecordCheckIn stamps last_ping so operators can see how recently a client
// contacted the frontend.
func (s *Store) RecordCheckIn(ctx context.Context, clientID string, now time.Time) error {
	if err := s.store.Set(ctx, subjectFor(clientID), lastPingPredicate, []byte(now.UTC().Format(time.RFC3339Nano)), now, true); err != nil {
		return fmt.Errorf("clientstore: record check-in for %q: %w", clientID, err)
	}
	return nil
}
