// Package flows holds the concrete flow classes a process registers into a
// flow.Registry at startup (§4.4). Each flow here is grounded the same way:
// a typed Args struct, a Start state that issues the client action, and a
// follow-up state that turns the completed request's responses into a
// terminal outcome.
package flows

import (
	"encoding/json"
	"fmt"

	"github.com/sentinelfleet/core/internal/flow"
)

// ListDirectoryArgs names the path and path type ListDirectory stats,
// matching the wire shape the client action expects.
type ListDirectoryArgs struct {
	Path     string `json:"path"`
	PathType string `json:"pathtype"`
}

// StatEntry is one directory entry reported back by the client, matching the
// scenario's expectation that each entry's payload carries a non-zero
// st_mode.
type StatEntry struct {
	Name   string `json:"name"`
	StMode uint32 `json:"st_mode"`
	StSize int64  `json:"st_size"`
}

// RegisterListDirectory adds the ListDirectory flow class to reg: it issues
// one ListDirectory client action and terminates once the client's listing
// comes back, forwarding the payload to the flow's caller via
// ActionSendReply (§4.4, scenario S1).
func RegisterListDirectory(reg *flow.Registry) {
	reg.Register("ListDirectory", flow.Descriptor{
		Category: "filesystem",
		NewArgs:  func() any { return &ListDirectoryArgs{} },
		States: map[string]flow.StateFunc{
			"Start": func(rc *flow.RunContext, _ flow.Responses) ([]flow.Action, error) {
				args, ok := rc.Args.(*ListDirectoryArgs)
				if !ok {
					return nil, fmt.Errorf("flows: ListDirectory.Start got unexpected args type %T", rc.Args)
				}
				payload, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("flows: encode ListDirectory args: %w", err)
				}
				return []flow.Action{{
					Kind:         flow.ActionCallClient,
					ClientAction: "ListDirectory",
					NextState:    "Collect",
					PayloadType:  "ListDirectoryArgs",
					Payload:      payload,
				}}, nil
			},
			"Collect": func(_ *flow.RunContext, r flow.Responses) ([]flow.Action, error) {
				if !r.Success {
					return nil, fmt.Errorf("flows: ListDirectory client reported failure")
				}
				payloads := r.Payloads()
				if len(payloads) == 0 {
					return nil, fmt.Errorf("flows: ListDirectory returned no entries")
				}
				actions := make([]flow.Action, 0, len(payloads)+1)
				for _, p := range payloads {
					actions = append(actions, flow.Action{Kind: flow.ActionSendReply, ReplyType: "StatEntry", ReplyPayload: p})
				}
				actions = append(actions, flow.Action{Kind: flow.ActionTerminate})
				return actions, nil
			},
		},
	})
}
