// Package flow drives the per-session state machine described in §4.4: a
// flow is a registered (name -> Descriptor) pair whose state methods are
// looked up by string, invoked with the responses matching one completed
// request, and persisted back to the datastore under the session's
// transaction lock.
package flow

import (
	"encoding/json"
	"time"

	"github.com/sentinelfleet/core/internal/message"
)

// State is the flow lifecycle described in §3: RUNNING until no requests are
// outstanding, then PENDING, then a sticky terminal (TERMINATED or ERROR).
type State int

const (
	Running State = iota
	Pending
	Terminated
	Error
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Pending:
		return "PENDING"
	case Terminated:
		return "TERMINATED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ClientResources accumulates the CPU/network usage reported across every
// completed request this flow has processed (§5, invariant 9).
type ClientResources struct {
	CPUUsage     float64 `json:"cpuUsage"`
	NetworkBytes int64   `json:"networkBytes"`
}

// Context is the flow-context sub-record described in §3.
type Context struct {
	CreateTime        time.Time       `json:"createTime"`
	SessionID         string          `json:"sessionId"`
	State             State           `json:"state"`
	Backtrace         string          `json:"backtrace,omitempty"`
	ClientResources   ClientResources `json:"clientResources"`
	NetworkBytesSent  int64           `json:"networkBytesSent"`
	CPULimit          float64         `json:"cpuLimit"`
	NetworkBytesLimit int64           `json:"networkBytesLimit"`
	PendingTermination string         `json:"pendingTermination,omitempty"`
}

// PersistedState is the per-session record stored under predicate
// "task:state". Args and SubState are schema-tagged payloads (§9 Design
// Notes): the receiving descriptor knows how to unmarshal them because it
// registered the concrete Go type at init time.
type PersistedState struct {
	FlowClassName        string          `json:"flowClassName"`
	Creator              string          `json:"creator"`
	ClientID             string          `json:"clientId,omitempty"`
	ParentSessionID       string         `json:"parentSessionId,omitempty"`
	ParentRequestID       int            `json:"parentRequestId,omitempty"`
	Args                 json.RawMessage `json:"args"`
	CurrentState         string          `json:"currentState"`
	NextOutboundID       int             `json:"nextOutboundId"`
	NextProcessedRequest int             `json:"nextProcessedRequest"`
	Context              Context         `json:"context"`
	SubState             json.RawMessage `json:"subState"`
}

// Responses is the object passed to a state method (§4.4).
type Responses struct {
	ordered []message.GrrMessage
	Success bool
	Status  *message.Status
	Data    map[string]any
}

// NewResponses builds a Responses view from the ordered non-status messages
// and the request's terminal status.
func NewResponses(ordered []message.GrrMessage, status *message.Status, data map[string]any) Responses {
	success := status != nil && status.Code == message.StatusOK
	return Responses{ordered: ordered, Success: success, Status: status, Data: data}
}

// Payloads returns the response payload bytes in ascending response_id order.
func (r Responses) Payloads() [][]byte {
	out := make([][]byte, 0, len(r.ordered))
	for _, m := range r.ordered {
		out = append(out, m.Payload)
	}
	return out
}

// Len reports how many non-status responses this request carried.
func (r Responses) Len() int { return len(r.ordered) }
