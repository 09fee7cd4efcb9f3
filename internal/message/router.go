package message

import "sort"

// Completeness is the verdict Router.Evaluate reaches for one request.
type Completeness int

const (
	// Pending means the STATUS message for this request has not arrived yet.
	Pending Completeness = iota
	// Complete means at least as many responses as the STATUS's ResponseID
	// have arrived.
	Complete
	// Incomplete means the STATUS arrived but fewer responses are present
	// than it claims; the caller must decide between retransmission and
	// giving up (§4.3, §7).
	Incomplete
)

// Router correlates the GrrMessage triples belonging to one request. It
// performs no I/O: callers load RequestState and its responses from the
// datastore (while holding the session transaction) and hand them to
// Evaluate.
type Router struct{}

// NewRouter constructs a stateless message router.
func NewRouter() *Router { return &Router{} }

// Evaluate decides whether request is complete given the responses received
// so far (keyed by response_id, 1-based). A request is complete when a
// STATUS message has arrived and the number of non-status responses is at
// least status.ResponseID, the highest response id the client sent for the
// request. Evaluate only counts responses; OrderedResponses orders them.
func (r *Router) Evaluate(rs RequestState, responses map[int]GrrMessage) Completeness {
	if rs.Status == nil {
		return Pending
	}
	expected := rs.Status.ResponseID
	if len(responses) >= expected {
		return Complete
	}
	return Incomplete
}

// OrderedResponses returns responses sorted ascending by ResponseID, the
// order state methods must observe them in (§5).
func (r *Router) OrderedResponses(responses map[int]GrrMessage) []GrrMessage {
	ordered := make([]GrrMessage, 0, len(responses))
	for _, m := range responses {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ResponseID < ordered[j].ResponseID })
	return ordered
}

// ShouldRetransmit reports whether an Incomplete request should trigger
// another outbound send rather than being surfaced as GENERIC_ERROR (§4.3).
func (r *Router) ShouldRetransmit(rs RequestState) bool {
	return rs.TransmissionCount < MaxTransmissions
}

// NextReadyRequest returns the lowest request id in requests that is ready
// to be delivered to its state method given nextProcessed (the session's
// next_processed_request cursor), honoring the strict-ascending-order
// invariant of §4.4/§5. It returns ok=false when request nextProcessed is
// not yet Complete.
func (r *Router) NextReadyRequest(nextProcessed int, requests map[int]RequestState, responses map[int]map[int]GrrMessage) (RequestState, bool) {
	rs, ok := requests[nextProcessed]
	if !ok {
		return RequestState{}, false
	}
	if r.Evaluate(rs, responses[nextProcessed]) != Complete {
		return RequestState{}, false
	}
	return rs, true
}
