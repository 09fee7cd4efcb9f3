package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelfleet/core/internal/queue"
)

// Result kinds recorded for a hunt's parent to aggregate (§4.7).
const (
	pendingResultKindReply    = "reply"
	pendingResultKindTerminal = "terminal"
)

// pendingResult is one unit of hunt-aggregation data: either a child's
// SendReply payload or its terminal outcome. It is written under the parent
// hunt's own subject so the hunt's result processor can read it without a
// second round trip to the child session.
type pendingResult struct {
	Kind         string    `json:"kind"`
	ClientID     string    `json:"clientId"`
	SessionID    string    `json:"sessionId"`
	ReplyType    string    `json:"replyType,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	State        string    `json:"state,omitempty"`
	Backtrace    string    `json:"backtrace,omitempty"`
	CPUUsage     float64   `json:"cpuUsage,omitempty"`
	NetworkBytes int64     `json:"networkBytes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func huntSubject(huntID string) string { return "hunts/" + huntID }

func pendingResultPredicate(recordID string) string { return "pending_result:" + recordID }

// huntNotice is one deferred write to a parent hunt, queued up while a child
// session's transaction is open and flushed only after that transaction
// commits successfully — a child's own session record must never be
// considered authoritative until it is durably saved (§4.4 step 5).
type huntNotice struct {
	parentSessionID string
	result          pendingResult
}

// flushHuntNotices persists each notice under its parent hunt's subject and
// wakes the hunt's result processor via the hunt-results queue.
func (r *Runner) flushHuntNotices(ctx context.Context, notices []huntNotice) error {
	for _, n := range notices {
		if n.parentSessionID == "" {
			continue
		}
		payload, err := json.Marshal(n.result)
		if err != nil {
			return fmt.Errorf("flow: encode pending hunt result: %w", err)
		}
		recordID := uuid.NewString()
		if err := r.store.Set(ctx, huntSubject(n.parentSessionID), pendingResultPredicate(recordID), payload, time.Now().UTC(), false); err != nil {
			return fmt.Errorf("flow: record pending hunt result: %w", err)
		}
		if r.notifier == nil {
			continue
		}
		queueName := r.HuntResultsQueue
		if queueName == "" {
			queueName = "hunt_results_queue"
		}
		if _, err := r.notifier.QueueNotification(ctx, queueName, n.parentSessionID, time.Now().UTC(), queue.Medium); err != nil {
			return fmt.Errorf("flow: notify parent hunt %q: %w", n.parentSessionID, err)
		}
	}
	return nil
}
