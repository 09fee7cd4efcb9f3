package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/message"
	"github.com/sentinelfleet/core/internal/metrics"
	"github.com/sentinelfleet/core/internal/queue"
)

// NewSessionID allocates a session id in the "<queue>:<12-hex>" form
// described in §6, where queue is typically a flow's priority queue name
// ("F" for flows started directly, "H" for hunts). The 12 hex characters
// come from a random v4 UUID's leading bytes, matching the teacher's use of
// google/uuid for correlation identifiers elsewhere in this repo.
func NewSessionID(queue string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return queue + ":" + raw[:12]
}

// RunContext is handed to a state method. It exposes the flow's typed
// arguments and mutable substate; a state method mutates SubState in place
// and the runner persists whatever it points to after the call returns.
type RunContext struct {
	SessionID string
	ClientID  string
	Args      any
	SubState  any
	Now       time.Time
	Log       func(format string, args ...any)

	logLines []string
}

func (rc *RunContext) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	rc.logLines = append(rc.logLines, line)
	if rc.Log != nil {
		rc.Log(format, args...)
	}
}

// Outbox is the subset of internal/queue's client-message delivery surface
// the runner needs; kept as an interface here so flow tests can stub it
// without constructing a real datastore-backed outbox.
type Outbox interface {
	Enqueue(ctx context.Context, clientID string, msg message.GrrMessage) error
}

// Runner drives one session's state machine per Tick call, implementing the
// acquire-drain-invoke-persist-release algorithm of §4.4.
type Runner struct {
	store    datastore.Store
	notifier *queue.Manager
	outbox   Outbox
	registry *Registry
	router   *message.Router
	metrics  *metrics.Recorder

	// NotifyQueue is the queue name newly-ready sessions are pushed onto so a
	// worker picks them up (§4.5); defaults to "notification_queue".
	NotifyQueue string

	// HuntResultsQueue is the queue a child session's SendReply/terminal
	// transition is announced on when it has a parent hunt (§4.7); defaults
	// to "hunt_results_queue".
	HuntResultsQueue string
}

// NewRunner constructs a flow runner. outbox may be nil if this process never
// issues CallClient actions (e.g. a hunt-only worker), in which case any
// CallClient action fails with an error rather than panicking.
func NewRunner(store datastore.Store, notifier *queue.Manager, outbox Outbox, registry *Registry) *Runner {
	return &Runner{
		store:       store,
		notifier:    notifier,
		outbox:      outbox,
		registry:         registry,
		router:           message.NewRouter(),
		NotifyQueue:      "notification_queue",
		HuntResultsQueue: "hunt_results_queue",
	}
}

// WithMetrics attaches a recorder so flow start/terminal events are observed;
// rec may be nil, in which case observations are silently skipped.
func (r *Runner) WithMetrics(rec *metrics.Recorder) *Runner {
	r.metrics = rec
	return r
}

// SessionClientID returns the client id a session was started against, so a
// worker that only has a session id off the notification queue can look up
// who to address before calling Tick (§4.5).
func (r *Runner) SessionClientID(ctx context.Context, sessionID string) (string, error) {
	subject := SubjectFor(sessionID)
	txn, err := r.store.Transaction(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("flow: begin client-id lookup transaction: %w", err)
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return "", fmt.Errorf("flow: load state for %q: %w", sessionID, err)
	}
	_ = txn.Rollback(ctx)
	return st.ClientID, nil
}

// IngestResponse records one inbound client GrrMessage into its session's
// response table, or updates the owning RequestState's Status if msg is a
// STATUS message, then wakes a worker via NotifyQueue once the request
// becomes complete (§4.3, §4.8 step 2). Called by the frontend handler once
// per inbound message in a client's bundle.
func (r *Runner) IngestResponse(ctx context.Context, msg message.GrrMessage) error {
	subject := SubjectFor(msg.SessionID)
	txn, err := r.store.Transaction(ctx, subject)
	if err != nil {
		return fmt.Errorf("flow: begin ingest transaction: %w", err)
	}
	rs, ok, err := loadRequest(ctx, txn, msg.RequestID)
	if err != nil {
		_ = txn.Rollback(ctx)
		return fmt.Errorf("flow: load request %d for %q: %w", msg.RequestID, msg.SessionID, err)
	}
	if !ok {
		_ = txn.Rollback(ctx)
		return fmt.Errorf("flow: session %q has no request %d", msg.SessionID, msg.RequestID)
	}

	if msg.Type == message.TypeStatus {
		rs.Status = msg.Status
	} else {
		if err := appendResponse(ctx, txn, msg); err != nil {
			_ = txn.Rollback(ctx)
			return err
		}
		rs.ResponseCount++
	}

	responses, err := loadResponses(ctx, txn, msg.RequestID)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	complete := r.router.Evaluate(rs, responses) == message.Complete

	if err := saveRequest(ctx, txn, rs); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("flow: commit ingested response: %w", err)
	}

	if complete && r.notifier != nil {
		if _, err := r.notifier.QueueNotification(ctx, r.NotifyQueue, msg.SessionID, time.Now().UTC(), queue.Medium); err != nil {
			return fmt.Errorf("flow: notify worker for %q: %w", msg.SessionID, err)
		}
	}
	return nil
}

// TickResult summarizes one Tick invocation for metrics/logging.
type TickResult struct {
	RequestsProcessed int
	FinalState        State
	Requeued          bool
}

// StartFlow creates a new session record and synchronously runs its Start
// state, exactly as GRR's flow creation path invokes State "Start" before the
// first notification ever reaches a worker (§4.4). parentSessionID is empty
// for a top-level flow; a hunt passes its own session id so child flows link
// back to it for result aggregation (§4.7).
func (r *Runner) StartFlow(ctx context.Context, flowClass, sessionID, clientID, creator string, args any, cpuLimit float64, networkBytesLimit int64, parentSessionID string) error {
	desc, ok := r.registry.Lookup(flowClass)
	if !ok {
		return fmt.Errorf("flow: unknown flow class %q", flowClass)
	}

	argsPayload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("flow: encode args: %w", err)
	}

	var subState any
	if desc.NewSubState != nil {
		subState = desc.NewSubState()
	}
	subPayload, err := encodeSubState(subState)
	if err != nil {
		return err
	}

	st := PersistedState{
		FlowClassName:   flowClass,
		Creator:         creator,
		ClientID:        clientID,
		ParentSessionID: parentSessionID,
		Args:            argsPayload,
		CurrentState:    "Start",
		Context: Context{
			CreateTime:        time.Now().UTC(),
			SessionID:         sessionID,
			State:             Running,
			CPULimit:          cpuLimit,
			NetworkBytesLimit: networkBytesLimit,
		},
		SubState: subPayload,
	}

	subject := SubjectFor(sessionID)
	txn, err := r.store.Transaction(ctx, subject)
	if err != nil {
		return fmt.Errorf("flow: begin start transaction: %w", err)
	}
	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("flow: commit initial state: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ObserveFlowStarted(flowClass)
	}

	rc := &RunContext{SessionID: sessionID, ClientID: clientID, Args: args, SubState: subState, Now: time.Now().UTC()}
	actions, err := r.invoke(desc, "Start", rc, Responses{})
	if err != nil {
		return r.terminateWithError(ctx, sessionID, err.Error())
	}
	return r.applyActions(ctx, sessionID, clientID, &st, rc, actions)
}

func encodeSubState(v any) ([]byte, error) {
	if v == nil {
		return json.Marshal(struct{}{})
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flow: encode substate: %w", err)
	}
	return payload, nil
}

// Tick drains every completed, in-order request for sessionID, invoking each
// one's target state method once, then persists the resulting flow record.
// It is the unit of work a worker claims off the notification queue.
func (r *Runner) Tick(ctx context.Context, sessionID, clientID string) (TickResult, error) {
	subject := SubjectFor(sessionID)
	txn, err := r.store.Transaction(ctx, subject)
	if err != nil {
		return TickResult{}, fmt.Errorf("flow: begin tick transaction: %w", err)
	}

	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return TickResult{}, fmt.Errorf("flow: load state for %q: %w", sessionID, err)
	}
	if st.Context.State == Terminated || st.Context.State == Error {
		_ = txn.Rollback(ctx)
		return TickResult{FinalState: st.Context.State}, nil
	}

	if st.Context.PendingTermination != "" {
		st.Context.State = Error
		st.Context.Backtrace = st.Context.PendingTermination
		if err := saveState(ctx, txn, st); err != nil {
			_ = txn.Rollback(ctx)
			return TickResult{}, err
		}
		if err := txn.Commit(ctx); err != nil {
			return TickResult{}, err
		}
		if r.metrics != nil {
			r.metrics.ObserveFlowTerminal(st.FlowClassName, st.Context.State.String())
		}
		if st.ParentSessionID != "" {
			notice := huntNotice{parentSessionID: st.ParentSessionID, result: pendingResult{
				Kind:      pendingResultKindTerminal,
				ClientID:  clientID,
				SessionID: sessionID,
				State:     st.Context.State.String(),
				Backtrace: st.Context.Backtrace,
				Timestamp: time.Now().UTC(),
			}}
			if err := r.flushHuntNotices(ctx, []huntNotice{notice}); err != nil {
				return TickResult{}, err
			}
		}
		return TickResult{FinalState: st.Context.State}, nil
	}

	desc, ok := r.registry.Lookup(st.FlowClassName)
	if !ok {
		_ = txn.Rollback(ctx)
		return TickResult{}, fmt.Errorf("flow: unknown flow class %q for session %q", st.FlowClassName, sessionID)
	}

	var args any
	if desc.NewArgs != nil {
		args = desc.NewArgs()
		if err := json.Unmarshal(st.Args, args); err != nil {
			_ = txn.Rollback(ctx)
			return TickResult{}, fmt.Errorf("flow: decode args: %w", err)
		}
	}
	var subState any
	if desc.NewSubState != nil {
		subState = desc.NewSubState()
		if err := json.Unmarshal(st.SubState, subState); err != nil {
			_ = txn.Rollback(ctx)
			return TickResult{}, fmt.Errorf("flow: decode substate: %w", err)
		}
	}

	requests, err := loadRequests(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return TickResult{}, err
	}

	result := TickResult{FinalState: Running}
	var pendingActions []Action

	for {
		rs, ok := requests[st.NextProcessedRequest]
		if !ok {
			break
		}
		responses, err := loadResponses(ctx, txn, rs.RequestID)
		if err != nil {
			_ = txn.Rollback(ctx)
			return TickResult{}, err
		}
		completeness := r.router.Evaluate(rs, responses)
		if completeness != message.Complete {
			break
		}

		if rs.Status != nil {
			st.Context.ClientResources.CPUUsage += rs.Status.CPUTimeUsed
			st.Context.ClientResources.NetworkBytes += rs.Status.NetworkBytes
			if st.Context.CPULimit > 0 && st.Context.ClientResources.CPUUsage > st.Context.CPULimit {
				st.Context.State = Error
				st.Context.Backtrace = "client CPU limit exceeded"
				break
			}
			if st.Context.NetworkBytesLimit > 0 && st.Context.ClientResources.NetworkBytes > st.Context.NetworkBytesLimit {
				st.Context.State = Error
				st.Context.Backtrace = "client network byte limit exceeded"
				break
			}
		}

		rc := &RunContext{SessionID: sessionID, ClientID: clientID, Args: args, SubState: subState, Now: time.Now().UTC()}
		ordered := r.router.OrderedResponses(responses)
		resp := NewResponses(ordered, rs.Status, rs.Data)

		actions, invokeErr := r.invoke(desc, rs.NextState, rc, resp)
		if invokeErr != nil {
			st.Context.State = Error
			st.Context.Backtrace = invokeErr.Error()
			break
		}

		deleteRequest(ctx, txn, rs.RequestID, len(responses))
		delete(requests, rs.RequestID)
		st.NextProcessedRequest++
		result.RequestsProcessed++
		pendingActions = append(pendingActions, actions...)

		subPayload, err := encodeSubState(subState)
		if err != nil {
			_ = txn.Rollback(ctx)
			return TickResult{}, err
		}
		st.SubState = subPayload
	}

	if st.Context.State == Running {
		if len(requests) == 0 {
			st.Context.State = Pending
		}
	}
	result.FinalState = st.Context.State

	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return TickResult{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return TickResult{}, err
	}

	if r.metrics != nil && (st.Context.State == Terminated || st.Context.State == Error) {
		r.metrics.ObserveFlowTerminal(st.FlowClassName, st.Context.State.String())
	}

	if (st.Context.State == Terminated || st.Context.State == Error) && st.ParentSessionID != "" {
		notice := huntNotice{parentSessionID: st.ParentSessionID, result: pendingResult{
			Kind:         pendingResultKindTerminal,
			ClientID:     clientID,
			SessionID:    sessionID,
			State:        st.Context.State.String(),
			Backtrace:    st.Context.Backtrace,
			CPUUsage:     st.Context.ClientResources.CPUUsage,
			NetworkBytes: st.Context.ClientResources.NetworkBytes,
			Timestamp:    time.Now().UTC(),
		}}
		if err := r.flushHuntNotices(ctx, []huntNotice{notice}); err != nil {
			return result, err
		}
	}

	if err := r.applyActions(ctx, sessionID, clientID, &st, &RunContext{SessionID: sessionID, ClientID: clientID, Args: args, SubState: subState}, pendingActions); err != nil {
		return result, err
	}
	result.FinalState = st.Context.State
	return result, nil
}

// invoke calls the named state method, recovering from panics into an error
// so one malformed flow cannot crash the worker process (§7).
func (r *Runner) invoke(desc Descriptor, stateName string, rc *RunContext, resp Responses) (actions []Action, err error) {
	fn, ok := desc.States[stateName]
	if !ok {
		return nil, fmt.Errorf("flow: %q has no state %q", desc.Name, stateName)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("flow: panic in %s.%s: %v\n%s", desc.Name, stateName, rec, debug.Stack())
		}
	}()
	return fn(rc, resp)
}

// applyActions carries out the side effects a batch of state-method Actions
// requested: allocating outbound requests, queuing client messages, chaining
// sub-flows, and deciding whether the session needs re-notifying.
func (r *Runner) applyActions(ctx context.Context, sessionID, clientID string, st *PersistedState, rc *RunContext, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}

	subject := SubjectFor(sessionID)
	txn, err := r.store.Transaction(ctx, subject)
	if err != nil {
		return fmt.Errorf("flow: begin apply-actions transaction: %w", err)
	}

	current, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}

	var notices []huntNotice

	for _, a := range actions {
		switch a.Kind {
		case ActionCallClient:
			requestID := current.NextOutboundID
			current.NextOutboundID++
			rs := message.RequestState{
				RequestID: requestID,
				NextState: a.NextState,
				ClientID:  clientID,
				Data:      a.RequestData,
			}
			if r.outbox == nil {
				_ = txn.Rollback(ctx)
				return fmt.Errorf("flow: CallClient %q issued but this runner has no outbox", a.ClientAction)
			}
			if err := saveRequest(ctx, txn, rs); err != nil {
				_ = txn.Rollback(ctx)
				return err
			}
			if r.outbox != nil {
				msg := message.GrrMessage{
					SessionID:         sessionID,
					RequestID:         requestID,
					Name:              a.ClientAction,
					Type:              message.TypeMessage,
					PayloadType:       a.PayloadType,
					Payload:           a.Payload,
					CPULimit:          a.CPULimit,
					NetworkBytesLimit: a.NetworkBytesLimit,
				}
				if err := r.outbox.Enqueue(ctx, clientID, msg); err != nil {
					_ = txn.Rollback(ctx)
					return fmt.Errorf("flow: enqueue client message: %w", err)
				}
			}
		case ActionCallFlow:
			// The runner does not start sub-flows: a CallFlow action is
			// skipped, and nothing is recorded or returned for it.
			continue
		case ActionCallState:
			synthetic := message.GrrMessage{SessionID: sessionID, Type: message.TypeMessage, Payload: a.Synthetic}
			rs := message.RequestState{RequestID: current.NextOutboundID, NextState: a.NextState, Status: &message.Status{Code: message.StatusOK, ResponseID: 1}}
			current.NextOutboundID++
			if err := saveRequest(ctx, txn, rs); err != nil {
				_ = txn.Rollback(ctx)
				return err
			}
			synthetic.RequestID = rs.RequestID
			synthetic.ResponseID = 1
			if err := appendResponse(ctx, txn, synthetic); err != nil {
				_ = txn.Rollback(ctx)
				return err
			}
			current.Context.State = Running
		case ActionSendReply:
			if current.ParentSessionID != "" {
				notices = append(notices, huntNotice{parentSessionID: current.ParentSessionID, result: pendingResult{
					Kind:      pendingResultKindReply,
					ClientID:  clientID,
					SessionID: sessionID,
					ReplyType: a.ReplyType,
					Payload:   a.ReplyPayload,
					Timestamp: time.Now().UTC(),
				}})
			}
		case ActionTerminate:
			current.Context.State = Terminated
		case ActionError:
			current.Context.State = Error
			current.Context.Backtrace = a.ErrorMessage
		}
	}

	if (current.Context.State == Terminated || current.Context.State == Error) && current.ParentSessionID != "" {
		notices = append(notices, huntNotice{parentSessionID: current.ParentSessionID, result: pendingResult{
			Kind:         pendingResultKindTerminal,
			ClientID:     clientID,
			SessionID:    sessionID,
			State:        current.Context.State.String(),
			Backtrace:    current.Context.Backtrace,
			CPUUsage:     current.Context.ClientResources.CPUUsage,
			NetworkBytes: current.Context.ClientResources.NetworkBytes,
			Timestamp:    time.Now().UTC(),
		}})
	}

	if err := saveState(ctx, txn, current); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	*st = current

	if r.metrics != nil && (current.Context.State == Terminated || current.Context.State == Error) {
		r.metrics.ObserveFlowTerminal(current.FlowClassName, current.Context.State.String())
	}

	if err := r.flushHuntNotices(ctx, notices); err != nil {
		return err
	}

	if current.Context.State == Running && r.notifier != nil {
		if _, err := r.notifier.QueueNotification(ctx, r.NotifyQueue, sessionID, time.Now().UTC(), queue.Medium); err != nil {
			return fmt.Errorf("flow: requeue notification: %w", err)
		}
	}
	return nil
}

func (r *Runner) terminateWithError(ctx context.Context, sessionID, reason string) error {
	subject := SubjectFor(sessionID)
	txn, err := r.store.Transaction(ctx, subject)
	if err != nil {
		return err
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	st.Context.State = Error
	st.Context.Backtrace = reason
	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ObserveFlowTerminal(st.FlowClassName, st.Context.State.String())
	}
	return nil
}

// TagPendingTermination marks sessionID for abortion on its next Tick and
// wakes a worker to carry it out, implementing a hunt Stop's cascade to its
// children (§4.7, §8 invariant 7): "Tick" checks PendingTermination before
// invoking any state method, so a child already mid-flight completes its
// current tick but never progresses past it. It is a no-op once the session
// is already terminal.
func (r *Runner) TagPendingTermination(ctx context.Context, sessionID, reason string) error {
	subject := SubjectFor(sessionID)
	txn, err := r.store.Transaction(ctx, subject)
	if err != nil {
		return fmt.Errorf("flow: begin pending-termination transaction: %w", err)
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return fmt.Errorf("flow: load state for %q: %w", sessionID, err)
	}
	if st.Context.State == Terminated || st.Context.State == Error {
		_ = txn.Rollback(ctx)
		return nil
	}
	st.Context.PendingTermination = reason
	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("flow: commit pending-termination tag: %w", err)
	}
	if r.notifier != nil {
		if _, err := r.notifier.QueueNotification(ctx, r.NotifyQueue, sessionID, time.Now().UTC(), queue.High); err != nil {
			return fmt.Errorf("flow: wake session %q for termination: %w", sessionID, err)
		}
	}
	return nil
}
