package flow

import (
	"encoding/json"
	"fmt"
)

// Action is the tagged union a state method returns to request one unit of
// work from the runner (§9 Design Notes). Exactly the fields relevant to Kind
// are populated; the runner switches on Kind rather than inspecting zero
// values.
type Action struct {
	Kind ActionKind

	// ActionCallClient
	ClientAction      string
	Payload           []byte
	PayloadType       string
	NextState         string
	RequestData       map[string]any
	CPULimit          float64
	NetworkBytesLimit int64

	// ActionCallFlow
	FlowClass string
	FlowArgs  json.RawMessage

	// ActionCallState synthesizes responses for NextState without a round
	// trip to a client.
	Synthetic []byte

	// ActionSendReply
	ReplyType    string
	ReplyPayload []byte

	// ActionError
	ErrorMessage string
}

// ActionKind enumerates the six things a state method can ask the runner to do.
type ActionKind int

const (
	ActionCallClient ActionKind = iota
	ActionCallFlow
	ActionCallState
	ActionSendReply
	ActionTerminate
	ActionError
)

// StateFunc is one named state method. It receives the responses for the
// request that became ready, plus the run context (through which it reads and
// mutates typed flow arguments/substate), and returns the actions the runner
// should carry out on its behalf. A single invocation may return more than
// one CallClient action (fan-out to several clients) or none (pure substate
// update before falling to PENDING).
type StateFunc func(rc *RunContext, r Responses) ([]Action, error)

// Descriptor is what Register binds a flow class name to.
type Descriptor struct {
	// Name is the flow class, e.g. "ListDirectory". Must match the key used
	// to register it.
	Name string
	// Category groups flows for listing, and is the category access control
	// checks when deciding whether a token may start the flow (see
	// cmd/deploy's flowCategoryLookup).
	Category string
	// NewArgs constructs the zero value of this flow's typed argument struct
	// so the runner can json.Unmarshal into it.
	NewArgs func() any
	// NewSubState constructs the zero value of this flow's typed mutable
	// state, carried across state invocations. Flows with no cross-state
	// bookkeeping can leave this nil.
	NewSubState func() any
	// States maps state-method name to implementation. "Start" is the
	// well-known entry point invoked once at flow creation.
	States map[string]StateFunc
}

// Registry is the explicit name -> Descriptor table populated at process
// init, mirroring the teacher's rule-definition registration rather than
// reflection-based class discovery (§9 Design Notes, resolving Open Question
// 1).
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Register binds name to d. It panics on duplicate registration: this is a
// startup wiring mistake, not a runtime condition a caller can recover from
// (§7's "fatal at startup" taxonomy).
func (r *Registry) Register(name string, d Descriptor) {
	if _, exists := r.descriptors[name]; exists {
		panic(fmt.Sprintf("flow: duplicate registration for %q", name))
	}
	if d.States == nil || d.States["Start"] == nil {
		panic(fmt.Sprintf("flow: %q must register a Start state", name))
	}
	d.Name = name
	r.descriptors[name] = d
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}
