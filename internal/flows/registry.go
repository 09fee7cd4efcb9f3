package flows

import "github.com/sentinelfleet/core/internal/flow"

// RegisterAll binds every flow class a production process knows about into
// reg. cmd/frontend and cmd/worker both call this at startup so the set of
// flow classes a client can be asked to run is process-wide, not handler- or
// pool-specific.
func RegisterAll(reg *flow.Registry) {
	RegisterListDirectory(reg)
}
