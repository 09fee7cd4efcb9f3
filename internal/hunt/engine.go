package hunt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/flow"
	"github.com/sentinelfleet/core/internal/metrics"
	"github.com/sentinelfleet/core/internal/outputplugin"
	"github.com/sentinelfleet/core/internal/queue"
)

// pendingResult mirrors the JSON shape internal/flow writes under a hunt's
// own subject at predicate "pending_result:<record_id>" (flow/hunt_link.go).
// The two packages share the wire format rather than the type because flow
// must not import hunt (hunt is the consumer of flow.Runner, not the other
// way around).
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

const (
	resultKindReply    = "reply"
	resultKindTerminal = "terminal"
)

// FlowStarter is the subset of flow.Runner the hunt engine needs to launch
// and abort child sessions; kept as an interface so engine tests can stub it.
type FlowStarter interface {
	StartFlow(ctx context.Context, flowClass, sessionID, clientID, creator string, args any, cpuLimit float64, networkBytesLimit int64, parentSessionID string) error
	TagPendingTermination(ctx context.Context, sessionID, reason string) error
}

// RuleSpec is what a hunt asks the foreman to install on its behalf once
// started, matching foreman.RuleAction's HuntID/ClientLimit shape without
// hunt importing foreman.
type RuleSpec struct {
	Name          string
	ClientRuleSet string
	HuntID        string
	ClientLimit   int
}

// RuleInstaller is implemented by *foreman.Foreman; the engine uses it to
// register/remove the foreman rule a Run/Stop call corresponds to.
type RuleInstaller interface {
	InstallHuntRule(ctx context.Context, spec RuleSpec) error
	RemoveHuntRule(ctx context.Context, name string) error
}

// Engine implements hunt creation, scheduling admission (as a
// foreman.Scheduler), stop cascades, and output-plugin result processing
// (§4.7).
type Engine struct {
	store    datastore.Store
	notifier *queue.Manager
	flows    FlowStarter
	rules    RuleInstaller
	plugins  *outputplugin.Registry
	metrics  *metrics.Recorder

	huntResultsQueue string
	resultLease      time.Duration
	batchSize        int
}

// NewEngine constructs a hunt engine. rules may be nil if this process never
// drives foreman integration (e.g. an offline export tool).
func NewEngine(store datastore.Store, notifier *queue.Manager, flows FlowStarter, rules RuleInstaller, rec *metrics.Recorder) *Engine {
	return &Engine{
		store:            store,
		notifier:         notifier,
		flows:            flows,
		rules:            rules,
		plugins:          outputplugin.NewRegistry(store),
		metrics:          rec,
		huntResultsQueue: "hunt_results_queue",
		resultLease:      time.Minute,
		batchSize:        500,
	}
}

// WithBatchSize overrides the output-plugin batch size (default 500,
// typically sourced from config.HuntConfig.OutputPluginBatchSize).
func (e *Engine) WithBatchSize(n int) *Engine {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithHuntResultsQueue overrides the notification queue name results are
// drained from (default "hunt_results_queue"), typically sourced from
// config.QueueConfig.HuntResultsQueue so it matches the name
// flow.Runner is configured to publish to.
func (e *Engine) WithHuntResultsQueue(name string) *Engine {
	if name != "" {
		e.huntResultsQueue = name
	}
	return e
}

// RunResultDrain polls the hunt-results queue on pollInterval, discovers
// which hunts have pending work, and drives each through ProcessResults,
// mirroring the claim/process shape of internal/worker.Pool.loop but over
// hunt ids rather than flow sessions. Named distinctly from Run, which
// starts a single hunt's lifecycle (§4.7) — this instead is the
// long-running drain loop a cmd/worker process hosts for every hunt.
func (e *Engine) RunResultDrain(ctx context.Context, pollInterval time.Duration, batchSize int) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.drainOnce(ctx, batchSize); err != nil {
				return err
			}
		}
	}
}

// drainOnce claims whatever is on the hunt-results queue purely to discover
// which hunts changed, deletes those notifications outright, then lets
// ProcessResults do the actual (idempotent) aggregation work per hunt. This
// avoids a double-claim race where ProcessResults's own internal
// claim/filter would otherwise never see notifications this loop already
// holds a lease on.
func (e *Engine) drainOnce(ctx context.Context, batchSize int) error {
	if e.notifier == nil {
		return nil
	}
	notifications, claims, err := e.notifier.ClaimNotifications(ctx, e.huntResultsQueue, e.resultLease, nil, batchSize)
	if err != nil {
		return fmt.Errorf("hunt: claim results queue: %w", err)
	}
	if len(notifications) == 0 {
		return nil
	}
	if err := e.notifier.DeleteNotifications(ctx, e.huntResultsQueue, claims); err != nil {
		return fmt.Errorf("hunt: delete results notifications: %w", err)
	}

	seen := make(map[string]struct{}, len(notifications))
	for _, n := range notifications {
		if _, ok := seen[n.SessionID]; ok {
			continue
		}
		seen[n.SessionID] = struct{}{}
		if err := e.ProcessResults(ctx, n.SessionID); err != nil {
			return fmt.Errorf("hunt: process results for %q: %w", n.SessionID, err)
		}
	}
	return nil
}

// CreateHuntParams describes a new hunt at creation time (§4.7).
type CreateHuntParams struct {
	HuntID                     string
	FlowClass                  string
	FlowArgs                   any
	Creator                    string
	ClientLimit                int
	ClientRatePerMin           int
	CPULimitPerClient          float64
	NetworkBytesLimitPerClient int64
	CPULimitTotal              float64
	NetworkBytesLimitTotal     int64
	AverageLimits              AverageLimits
	Expires                    time.Time
	OutputPlugins              []OutputPluginDescriptor
}

// CreateHunt persists a new hunt record in the PAUSED state. A hunt never
// schedules a client until Run is called, matching GRR's two-phase
// create-then-run hunt lifecycle so an operator can review before launch.
func (e *Engine) CreateHunt(ctx context.Context, p CreateHuntParams) error {
	if p.HuntID == "" {
		return fmt.Errorf("hunt: HuntID required")
	}
	argsPayload, err := json.Marshal(p.FlowArgs)
	if err != nil {
		return fmt.Errorf("hunt: encode flow args: %w", err)
	}

	st := PersistedState{
		HuntID:                     p.HuntID,
		FlowClass:                  p.FlowClass,
		FlowArgs:                   argsPayload,
		Creator:                    p.Creator,
		CreatedAt:                  time.Now().UTC(),
		State:                      Paused,
		Expires:                    p.Expires,
		ClientLimit:                p.ClientLimit,
		ClientRatePerMin:           p.ClientRatePerMin,
		CPULimitPerClient:          p.CPULimitPerClient,
		NetworkBytesLimitPerClient: p.NetworkBytesLimitPerClient,
		CPULimitTotal:              p.CPULimitTotal,
		NetworkBytesLimitTotal:     p.NetworkBytesLimitTotal,
		AverageLimits:              p.AverageLimits,
		OutputPlugins:              p.OutputPlugins,
		PluginState:                map[string]PluginProgress{},
	}

	txn, err := e.store.Transaction(ctx, subjectFor(p.HuntID))
	if err != nil {
		return fmt.Errorf("hunt: begin create transaction: %w", err)
	}
	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// Run transitions a hunt to STARTED and, if an installer is wired, installs
// its foreman rule so checking-in clients begin matching it (§4.6/§4.7).
func (e *Engine) Run(ctx context.Context, huntID, clientRuleSet string) error {
	txn, err := e.store.Transaction(ctx, subjectFor(huntID))
	if err != nil {
		return fmt.Errorf("hunt: begin run transaction: %w", err)
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	st.State = Started
	st.RuleName = "hunt-" + huntID
	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	if e.rules == nil {
		return nil
	}
	return e.rules.InstallHuntRule(ctx, RuleSpec{
		Name:          st.RuleName,
		ClientRuleSet: clientRuleSet,
		HuntID:        huntID,
		ClientLimit:   st.ClientLimit,
	})
}

// Stop marks a hunt COMPLETED, removes its foreman rule, and tags every
// currently-running child flow with PendingTermination so none of them
// transitions from RUNNING to a non-ERROR terminal state afterward (§4.7,
// §8 invariant 7).
func (e *Engine) Stop(ctx context.Context, huntID, reason string) error {
	txn, err := e.store.Transaction(ctx, subjectFor(huntID))
	if err != nil {
		return fmt.Errorf("hunt: begin stop transaction: %w", err)
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if st.State == Completed {
		_ = txn.Rollback(ctx)
		return nil
	}
	st.State = Completed
	st.StopReason = reason
	clientAttrs, err := txn.ResolveRegex(ctx, "^"+allClientsPrefix, datastore.Newest, time.Time{}, time.Time{}, 0)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}

	if e.rules != nil && st.RuleName != "" {
		if err := e.rules.RemoveHuntRule(ctx, st.RuleName); err != nil {
			return fmt.Errorf("hunt: remove rule for %q: %w", huntID, err)
		}
	}

	for _, attr := range clientAttrs {
		sessionID := string(attr.Value)
		if sessionID == "" {
			continue
		}
		if e.flows != nil {
			if err := e.flows.TagPendingTermination(ctx, sessionID, reason); err != nil {
				return fmt.Errorf("hunt: tag child %q for termination: %w", sessionID, err)
			}
		}
	}
	return nil
}

// AddClient implements foreman.Scheduler: it is called once per checking-in
// client that a foreman rule matched to huntID. Admission enforces
// client_limit (refuses once the hunt has scheduled that many clients) and
// client_rate (defers scheduling until the hunt's next allotted slot) per
// §4.7.
func (e *Engine) AddClient(ctx context.Context, huntID, clientID string, clientLimitOverride int) error {
	txn, err := e.store.Transaction(ctx, subjectFor(huntID))
	if err != nil {
		return fmt.Errorf("hunt: begin add-client transaction: %w", err)
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if st.State != Started {
		_ = txn.Rollback(ctx)
		return nil
	}
	if !st.Expires.IsZero() && time.Now().UTC().After(st.Expires) {
		_ = txn.Rollback(ctx)
		return e.Stop(ctx, huntID, "hunt expired")
	}

	if _, err := txn.Resolve(ctx, allClientsPredicate(clientID)); err == nil {
		_ = txn.Rollback(ctx) // already scheduled; idempotent no-op
		return nil
	} else if err != datastore.ErrNotFound {
		_ = txn.Rollback(ctx)
		return err
	}

	limit := st.ClientLimit
	if clientLimitOverride > 0 {
		limit = clientLimitOverride
	}
	if limit > 0 && st.ClientsQueuedCount >= limit {
		_ = txn.Rollback(ctx)
		return nil
	}

	now := time.Now().UTC()
	due := now
	if st.ClientRatePerMin > 0 {
		if st.NextClientDue.After(now) {
			due = st.NextClientDue
		}
		interval := time.Minute / time.Duration(st.ClientRatePerMin)
		st.NextClientDue = due.Add(interval)
	}

	sessionID := flow.NewSessionID("H")
	txn.Set(ctx, allClientsPredicate(clientID), []byte(sessionID), now, false)
	st.ClientsQueuedCount++
	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.ObserveHuntClientScheduled(huntID)
	}

	if due.After(now) {
		if e.notifier == nil {
			return fmt.Errorf("hunt: rate-limited admission requires a notifier")
		}
		if _, err := e.notifier.QueueNotification(ctx, e.huntResultsQueue, huntID, due, queue.Low); err != nil {
			return fmt.Errorf("hunt: schedule deferred admission: %w", err)
		}
		return e.deferAdmission(ctx, huntID, clientID, sessionID, due)
	}
	return e.registerAndStart(ctx, st, clientID, sessionID)
}

// deferAdmission records a client admitted under client_rate but not yet
// due, so a later drain of the hunt can launch its flow once its time
// arrives. It is stored the same way a pending result would be so
// ProcessResults's existing scan-and-launch loop can pick it up uniformly.
func (e *Engine) deferAdmission(ctx context.Context, huntID, clientID, sessionID string, due time.Time) error {
	payload, err := json.Marshal(struct {
		ClientID  string `json:"clientId"`
		SessionID string `json:"sessionId"`
	}{ClientID: clientID, SessionID: sessionID})
	if err != nil {
		return err
	}
	return e.store.Set(ctx, subjectFor(huntID), "deferred_admission:"+clientID, payload, due, false)
}

func (e *Engine) registerAndStart(ctx context.Context, st PersistedState, clientID, sessionID string) error {
	var args any
	if len(st.FlowArgs) > 0 {
		args = json.RawMessage(st.FlowArgs)
	}
	return e.flows.StartFlow(ctx, st.FlowClass, sessionID, clientID, st.Creator, args,
		st.CPULimitPerClient, st.NetworkBytesLimitPerClient, st.HuntID)
}

// drainDueAdmissions launches any client whose client_rate delay has
// elapsed; called from ProcessResults so a rate-limited hunt makes progress
// purely by the hunt-results queue's own periodic wakeups.
func (e *Engine) drainDueAdmissions(ctx context.Context, huntID string) error {
	txn, err := e.store.Transaction(ctx, subjectFor(huntID))
	if err != nil {
		return err
	}
	attrs, err := txn.ResolveRegex(ctx, "^deferred_admission:", datastore.All, time.Time{}, time.Time{}, 0)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	now := time.Now().UTC()
	type due struct {
		predicate string
		clientID  string
		sessionID string
	}
	var ready []due
	for _, attr := range attrs {
		if attr.Timestamp.After(now) {
			continue
		}
		var v struct {
			ClientID  string `json:"clientId"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(attr.Value, &v); err != nil {
			continue
		}
		ready = append(ready, due{predicate: attr.Predicate, clientID: v.ClientID, sessionID: v.SessionID})
	}
	if len(ready) == 0 {
		_ = txn.Rollback(ctx)
		return nil
	}
	for _, r := range ready {
		txn.Delete(ctx, r.predicate)
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	for _, r := range ready {
		if err := e.registerAndStart(ctx, st, r.clientID, r.sessionID); err != nil {
			return err
		}
	}
	return nil
}

// resultItem is one sortable entry in a hunt's aggregated result backlog.
type resultItem struct {
	predicate string
	timestamp time.Time
	decoded   pendingResult
}

func (e *Engine) loadSortedResults(ctx context.Context, txn datastore.Txn) ([]resultItem, error) {
	attrs, err := txn.ResolveRegex(ctx, "^"+pendingResultPrefix, datastore.Newest, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	items := make([]resultItem, 0, len(attrs))
	for _, attr := range attrs {
		var r pendingResult
		if err := json.Unmarshal(attr.Value, &r); err != nil {
			continue
		}
		items = append(items, resultItem{predicate: attr.Predicate, timestamp: attr.Timestamp, decoded: r})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].timestamp.Equal(items[j].timestamp) {
			return items[i].timestamp.Before(items[j].timestamp)
		}
		return items[i].predicate < items[j].predicate
	})
	return items, nil
}

// ProcessResults claims one batch off the hunt-results queue for huntID,
// records aggregate counters over any newly-arrived results exactly once,
// and runs every attached output plugin over whatever portion of the sorted
// backlog it has not yet seen, isolating a failing plugin's error from its
// siblings (§4.7, §8 invariant 6).
func (e *Engine) ProcessResults(ctx context.Context, huntID string) error {
	if e.notifier != nil {
		filter := func(n queue.Notification) bool { return n.SessionID == huntID }
		notifications, claims, err := e.notifier.ClaimNotifications(ctx, e.huntResultsQueue, e.resultLease, filter, 0)
		if err != nil {
			return fmt.Errorf("hunt: claim results notifications: %w", err)
		}
		if len(notifications) > 0 {
			if err := e.notifier.DeleteNotifications(ctx, e.huntResultsQueue, claims); err != nil {
				return fmt.Errorf("hunt: delete results notifications: %w", err)
			}
		}
	}

	if err := e.drainDueAdmissions(ctx, huntID); err != nil {
		return err
	}

	txn, err := e.store.Transaction(ctx, subjectFor(huntID))
	if err != nil {
		return fmt.Errorf("hunt: begin process-results transaction: %w", err)
	}
	st, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}

	items, err := e.loadSortedResults(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}

	seenClients := map[string]bool{}
	seenResultClients := map[string]bool{}
	for i := st.AggregateCursor; i < len(items); i++ {
		r := items[i].decoded
		switch r.Kind {
		case resultKindReply:
			st.ResultsCount++
			if !seenResultClients[r.ClientID] {
				seenResultClients[r.ClientID] = true
				st.ClientsWithResultsCount++
				txn.Set(ctx, clientWithResultsPredicate(r.ClientID), []byte(r.SessionID), items[i].timestamp, false)
			}
			st.Usage.recordClient(ClientUsage{ClientID: r.ClientID})
			txn.Set(ctx, resultPredicate(fmt.Sprintf("%d", i)), r.Payload, items[i].timestamp, false)
			if r.ReplyType != "" {
				txn.Set(ctx, resultPerTypePredicate(r.ReplyType, fmt.Sprintf("%d", i)), r.Payload, items[i].timestamp, false)
			}
		case resultKindTerminal:
			if !seenClients[r.ClientID] {
				seenClients[r.ClientID] = true
				st.CompletedClientsCount++
				txn.Set(ctx, completedClientPredicate(r.ClientID), []byte(r.State), items[i].timestamp, false)
			}
			st.Usage.recordClient(ClientUsage{ClientID: r.ClientID, CPUUsage: r.CPUUsage, NetworkBytes: r.NetworkBytes})
			st.CPUConsumed += r.CPUUsage
			st.NetworkBytesConsumed += r.NetworkBytes
			if r.State == "ERROR" {
				if strings.Contains(r.Backtrace, "panic in") {
					txn.Set(ctx, crashPredicate(fmt.Sprintf("%d", i)), []byte(r.Backtrace), items[i].timestamp, false)
				} else {
					txn.Set(ctx, errorPredicate(fmt.Sprintf("%d", i)), []byte(r.Backtrace), items[i].timestamp, false)
				}
			}
		}
	}
	st.AggregateCursor = len(items)

	breach := ""
	if st.CPULimitTotal > 0 && st.CPUConsumed > st.CPULimitTotal {
		breach = "total CPU limit exceeded"
	} else if st.NetworkBytesLimitTotal > 0 && st.NetworkBytesConsumed > st.NetworkBytesLimitTotal {
		breach = "total network byte limit exceeded"
	} else if st.ClientsQueuedCount > 0 && st.AverageLimits.CPU > 0 &&
		st.CPUConsumed/float64(st.ClientsQueuedCount) > st.AverageLimits.CPU {
		breach = "average CPU limit exceeded"
	} else if st.ClientsQueuedCount > 0 && st.AverageLimits.NetworkBytes > 0 &&
		float64(st.NetworkBytesConsumed)/float64(st.ClientsQueuedCount) > float64(st.AverageLimits.NetworkBytes) {
		breach = "average network byte limit exceeded"
	} else if st.ClientsQueuedCount > 0 && st.AverageLimits.ResultCount > 0 &&
		float64(st.ResultsCount)/float64(st.ClientsQueuedCount) > st.AverageLimits.ResultCount {
		breach = "average result count limit exceeded"
	}
	if !st.Expires.IsZero() && time.Now().UTC().After(st.Expires) {
		breach = "hunt expired"
	}
	if st.ClientLimit > 0 && st.CompletedClientsCount >= st.ClientLimit && st.ClientsQueuedCount >= st.ClientLimit {
		if breach == "" {
			breach = "all scheduled clients completed"
		}
	}

	if err := saveState(ctx, txn, st); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}

	if err := e.runOutputPlugins(ctx, huntID, &st, items); err != nil {
		return err
	}

	if breach != "" {
		return e.Stop(ctx, huntID, breach)
	}
	return nil
}

// runOutputPlugins advances every attached plugin's high-water mark over the
// sorted result backlog in configured batch sizes, persisting each plugin's
// own progress and outcome independently so one plugin's failure never
// blocks or rewinds another's (§4.7).
func (e *Engine) runOutputPlugins(ctx context.Context, huntID string, st *PersistedState, items []resultItem) error {
	if len(st.OutputPlugins) == 0 {
		return nil
	}
	if st.PluginState == nil {
		st.PluginState = map[string]PluginProgress{}
	}

	for _, desc := range st.OutputPlugins {
		progress := st.PluginState[desc.Name]
		if progress.HighWater >= len(items) {
			continue
		}
		end := progress.HighWater + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[progress.HighWater:end]

		plugin, err := e.plugins.Resolve(desc.Kind, desc.Name, desc.TemplateSource)
		if err != nil {
			progress.LastOK = false
			progress.LastError = err.Error()
			st.PluginState[desc.Name] = progress
			if e.metrics != nil {
				e.metrics.ObserveHuntOutputPluginRun(huntID, desc.Name, metrics.OutputPluginFailed)
			}
			continue
		}

		records := make([]outputplugin.Record, 0, len(batch))
		for _, it := range batch {
			records = append(records, outputplugin.Record{
				ClientID:  it.decoded.ClientID,
				SessionID: it.decoded.SessionID,
				ReplyType: it.decoded.ReplyType,
				Payload:   it.decoded.Payload,
				Timestamp: it.timestamp,
			})
		}

		runErr := plugin.Process(ctx, huntID, records)
		progress.Calls++
		progress.LastBatch = len(batch)
		if runErr != nil {
			progress.LastOK = false
			progress.LastError = runErr.Error()
			if e.metrics != nil {
				e.metrics.ObserveHuntOutputPluginRun(huntID, desc.Name, metrics.OutputPluginFailed)
			}
		} else {
			progress.LastOK = true
			progress.LastError = ""
			progress.HighWater = end
			if e.metrics != nil {
				e.metrics.ObserveHuntOutputPluginRun(huntID, desc.Name, metrics.OutputPluginSucceeded)
			}
		}
		st.PluginState[desc.Name] = progress
	}

	txn, err := e.store.Transaction(ctx, subjectFor(huntID))
	if err != nil {
		return fmt.Errorf("hunt: begin plugin-progress transaction: %w", err)
	}
	current, err := loadState(ctx, txn)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	current.PluginState = st.PluginState
	if err := saveState(ctx, txn, current); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// Log records an operator-visible line against a hunt (rule installation,
// admission refusals, stop reasons) under the same "hunts/<id>" subject its
// results live on, so a single datastore query surfaces a hunt's full
// history.
func (e *Engine) Log(ctx context.Context, huntID, line string) error {
	recordID := fmt.Sprintf("%d", time.Now().UnixNano())
	return e.store.Set(ctx, subjectFor(huntID), logsPrefix+recordID, []byte(line), time.Now().UTC(), false)
}

// State returns a hunt's current persisted record for inspection (used by
// the frontend's status surface and tests).
func (e *Engine) State(ctx context.Context, huntID string) (PersistedState, error) {
	txn, err := e.store.Transaction(ctx, subjectFor(huntID))
	if err != nil {
		return PersistedState{}, err
	}
	st, err := loadState(ctx, txn)
	_ = txn.Rollback(ctx)
	return st, err
}
