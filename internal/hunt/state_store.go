package hunt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentinelfleet/core/internal/datastore"
)

func loadState(ctx context.Context, txn datastore.Txn) (PersistedState, error) {
	attr, err := txn.Resolve(ctx, statePredicate)
	if err != nil {
		return PersistedState{}, fmt.Errorf("hunt: load state for %q: %w", txn.Subject(), err)
	}
	var st PersistedState
	if err := json.Unmarshal(attr.Value, &st); err != nil {
		return PersistedState{}, fmt.Errorf("hunt: decode state for %q: %w", txn.Subject(), err)
	}
	return st, nil
}

func saveState(ctx context.Context, txn datastore.Txn, st PersistedState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("hunt: encode state: %w", err)
	}
	txn.Set(ctx, statePredicate, payload, time.Now().UTC(), true)
	return nil
}
