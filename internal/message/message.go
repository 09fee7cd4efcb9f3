// Package message defines the wire unit of client/server communication
// (GrrMessage), the per-request correlation record (RequestState), and the
// pure, no-I/O router that decides when a request is complete (§4.3).
package message

import "github.com/sentinelfleet/core/internal/queue"

// AuthState records how a message bundle's signature verified.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
	Desynchronized
)

// Type distinguishes the three wire message kinds that together complete one request.
type Type int

const (
	TypeMessage Type = iota
	TypeStatus
	TypeIterator
)

// Priority reuses the queue package's priority levels; a message's priority
// determines where it lands in the client's outbound queue.
type Priority = queue.Priority

// StatusCode mirrors the client action outcome carried by a STATUS message.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusGenericError
	StatusCPUExceeded
	StatusNetworkExceeded
)

// Status is the payload of a STATUS (response_id == 0) message.
type Status struct {
	Code           StatusCode `json:"code"`
	Backtrace      string     `json:"backtrace,omitempty"`
	ResponseID     int        `json:"responseId"` // highest response_id the client sent for this request
	CPUTimeUsed    float64    `json:"cpuTimeUsed"`
	NetworkBytes   int64      `json:"networkBytes"`
}

// GrrMessage is the unit of client/server communication described in §3.
type GrrMessage struct {
	SessionID         string     `json:"sessionId"`
	RequestID         int        `json:"requestId"`
	ResponseID        int        `json:"responseId"` // 0 reserved for STATUS
	Name              string     `json:"name"`
	AuthState         AuthState  `json:"authState"`
	Priority          Priority   `json:"priority"`
	Type              Type       `json:"type"`
	PayloadType       string     `json:"payloadType"`
	Payload           []byte     `json:"payload"`
	CPULimit          float64    `json:"cpuLimit,omitempty"`
	NetworkBytesLimit int64      `json:"networkBytesLimit,omitempty"`
	Status            *Status    `json:"status,omitempty"`
}

// RequestState is a row in a session's inbound table, keyed by RequestID.
type RequestState struct {
	RequestID          int            `json:"requestId"`
	NextState          string         `json:"nextState"`
	ClientID           string         `json:"clientId,omitempty"`
	Status             *Status        `json:"status,omitempty"`
	ResponseCount       int           `json:"responseCount"`
	Data               map[string]any `json:"data,omitempty"`
	TransmissionCount  int            `json:"transmissionCount"`
}

// MaxTransmissions is the retry ceiling from §4.3/§7: after this many
// retransmissions an incomplete request is surfaced as GENERIC_ERROR instead
// of retried again.
const MaxTransmissions = 5
