package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/message"
)

const statePredicate = "task:state"

var (
	requestPredicateRe  = regexp.MustCompile(`^task:request_(\d+)$`)
	responsePredicateRe = regexp.MustCompile(`^task:response_(\d+)_(\d+)$`)
)

// SubjectFor returns the datastore subject a session's flow record lives
// under (§6: "flows/<session_id>").
func SubjectFor(sessionID string) string { return "flows/" + sessionID }

func requestPredicate(requestID int) string { return fmt.Sprintf("task:request_%d", requestID) }

func responsePredicate(requestID, responseID int) string {
	return fmt.Sprintf("task:response_%d_%d", requestID, responseID)
}

// loadState reads the session's PersistedState, or ErrNotFound if the flow
// does not exist.
func loadState(ctx context.Context, txn datastore.Txn) (PersistedState, error) {
	attr, err := txn.Resolve(ctx, statePredicate)
	if err != nil {
		return PersistedState{}, err
	}
	var st PersistedState
	if err := json.Unmarshal(attr.Value, &st); err != nil {
		return PersistedState{}, fmt.Errorf("flow: decode state: %w", err)
	}
	return st, nil
}

func saveState(ctx context.Context, txn datastore.Txn, st PersistedState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("flow: encode state: %w", err)
	}
	txn.Set(ctx, statePredicate, payload, time.Now().UTC(), true)
	return nil
}

// loadRequests returns every pending request row for the session.
func loadRequests(ctx context.Context, txn datastore.Txn) (map[int]message.RequestState, error) {
	attrs, err := txn.ResolveRegex(ctx, `^task:request_\d+$`, datastore.Newest, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, fmt.Errorf("flow: scan requests: %w", err)
	}
	out := make(map[int]message.RequestState, len(attrs))
	for _, attr := range attrs {
		m := requestPredicateRe.FindStringSubmatch(attr.Predicate)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		var rs message.RequestState
		if err := json.Unmarshal(attr.Value, &rs); err != nil {
			continue
		}
		out[id] = rs
	}
	return out, nil
}

// loadRequest returns a single request row, or ok=false if none exists at
// requestID.
func loadRequest(ctx context.Context, txn datastore.Txn, requestID int) (message.RequestState, bool, error) {
	attr, err := txn.Resolve(ctx, requestPredicate(requestID))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return message.RequestState{}, false, nil
		}
		return message.RequestState{}, false, err
	}
	var rs message.RequestState
	if err := json.Unmarshal(attr.Value, &rs); err != nil {
		return message.RequestState{}, false, fmt.Errorf("flow: decode request %d: %w", requestID, err)
	}
	return rs, true, nil
}

func saveRequest(ctx context.Context, txn datastore.Txn, rs message.RequestState) error {
	payload, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("flow: encode request: %w", err)
	}
	txn.Set(ctx, requestPredicate(rs.RequestID), payload, time.Now().UTC(), true)
	return nil
}

// loadResponses returns the non-status responses recorded against requestID,
// keyed by response id.
func loadResponses(ctx context.Context, txn datastore.Txn, requestID int) (map[int]message.GrrMessage, error) {
	prefix := fmt.Sprintf(`^task:response_%d_\d+$`, requestID)
	attrs, err := txn.ResolveRegex(ctx, prefix, datastore.Newest, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, fmt.Errorf("flow: scan responses: %w", err)
	}
	out := make(map[int]message.GrrMessage, len(attrs))
	for _, attr := range attrs {
		m := responsePredicateRe.FindStringSubmatch(attr.Predicate)
		if m == nil {
			continue
		}
		responseID, _ := strconv.Atoi(m[2])
		var gm message.GrrMessage
		if err := json.Unmarshal(attr.Value, &gm); err != nil {
			continue
		}
		out[responseID] = gm
	}
	return out, nil
}

func appendResponse(ctx context.Context, txn datastore.Txn, m message.GrrMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("flow: encode response: %w", err)
	}
	txn.Set(ctx, responsePredicate(m.RequestID, m.ResponseID), payload, time.Now().UTC(), true)
	return nil
}

// deleteRequest removes a fully-processed request and its responses so the
// session record does not grow without bound (§4.4 step 5).
func deleteRequest(ctx context.Context, txn datastore.Txn, requestID int, responseCount int) {
	preds := make([]string, 0, responseCount+1)
	preds = append(preds, requestPredicate(requestID))
	for i := 1; i <= responseCount; i++ {
		preds = append(preds, responsePredicate(requestID, i))
	}
	txn.Delete(ctx, preds...)
}

// sessionIDFromSubject strips the "flows/" prefix Query returns.
func sessionIDFromSubject(subject string) string {
	return strings.TrimPrefix(subject, "flows/")
}
