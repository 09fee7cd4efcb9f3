// Package hunt implements the specialized flow described in §4.7: a hunt
// schedules child flows across many clients under global rate/count/CPU/
// bandwidth limits, aggregates their results, and drives an ordered pipeline
// of output plugins over the aggregated stream.
package hunt

import (
	"encoding/json"
	"time"
)

// State is the hunt lifecycle of §3: PAUSED from creation until Run, STARTED
// while its foreman rule is live, COMPLETED once Stop runs (on operator
// request, on expiry, on a breached limit, or once client_limit clients have
// all completed).
type State int

const (
	Paused State = iota
	Started
	Completed
)

func (s State) String() string {
	switch s {
	case Paused:
		return "PAUSED"
	case Started:
		return "STARTED"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// ClientUsage is one entry in a hunt's worst-performer rolling histogram.
type ClientUsage struct {
	ClientID     string  `json:"clientId"`
	CPUUsage     float64 `json:"cpuUsage"`
	NetworkBytes int64   `json:"networkBytes"`
}

// UsageStats is the rolling CPU/network histogram and top-N worst performers
// described in §3's HuntContext.
type UsageStats struct {
	CPUUsageTotal     float64       `json:"cpuUsageTotal"`
	NetworkBytesTotal int64         `json:"networkBytesTotal"`
	WorstCPU          []ClientUsage `json:"worstCpu,omitempty"`
	WorstNetwork      []ClientUsage `json:"worstNetwork,omitempty"`
}

const worstPerformerTopN = 10

func (u *UsageStats) recordClient(usage ClientUsage) {
	u.CPUUsageTotal += usage.CPUUsage
	u.NetworkBytesTotal += usage.NetworkBytes
	u.WorstCPU = insertWorst(u.WorstCPU, usage, func(a, b ClientUsage) bool { return a.CPUUsage > b.CPUUsage })
	u.WorstNetwork = insertWorst(u.WorstNetwork, usage, func(a, b ClientUsage) bool { return a.NetworkBytes > b.NetworkBytes })
}

func insertWorst(list []ClientUsage, usage ClientUsage, worse func(a, b ClientUsage) bool) []ClientUsage {
	list = append(list, usage)
	for i := len(list) - 1; i > 0 && worse(list[i], list[i-1]); i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	if len(list) > worstPerformerTopN {
		list = list[:worstPerformerTopN]
	}
	return list
}

// OutputPluginDescriptor is the persisted, ordered description of one output
// plugin attached to a hunt (§4.7).
type OutputPluginDescriptor struct {
	Name string `json:"name"`
	// Kind selects the concrete plugin implementation the engine resolves
	// this descriptor against (currently only "template_export" ships).
	Kind string `json:"kind"`
	// TemplateSource is the inline Go template rendered per result for the
	// template_export plugin kind.
	TemplateSource string `json:"templateSource,omitempty"`
}

// PluginProgress is one plugin's high-water mark into the hunt's ordered
// result stream plus its last outcome, persisted in PersistedState.PluginState
// inside the hunt's "task:state" record (no separate "ResultsMetadata"
// attribute is written) so a failed plugin resumes at the batch it failed on while its siblings move
// on (§4.7, §8 invariant 6).
type PluginProgress struct {
	HighWater int    `json:"highWater"`
	LastBatch int     `json:"lastBatch"`
	LastOK    bool   `json:"lastOk"`
	LastError string `json:"lastError,omitempty"`
	Calls     int    `json:"calls"`
}

// AverageLimits bound the mean CPU, network bytes and result count per
// client, averaged over the clients the hunt has scheduled; exceeding one
// stops the hunt (§4.7).
type AverageLimits struct {
	CPU          float64 `json:"cpu,omitempty"`
	NetworkBytes int64   `json:"networkBytes,omitempty"`
	ResultCount  float64 `json:"resultCount,omitempty"`
}

// PersistedState is the full persisted record for one hunt, stored under
// "hunts/<hunt_id>" predicate "task:state" (§6).
type PersistedState struct {
	HuntID    string          `json:"huntId"`
	FlowClass string          `json:"flowClass"`
	FlowArgs  json.RawMessage `json:"flowArgs"`
	Creator   string          `json:"creator"`
	CreatedAt time.Time       `json:"createdAt"`

	State   State     `json:"state"`
	Expires time.Time `json:"expires,omitempty"`

	ClientLimit      int `json:"clientLimit,omitempty"`
	ClientRatePerMin int `json:"clientRatePerMin,omitempty"`

	NextClientDue time.Time `json:"nextClientDue,omitempty"`

	CPULimitPerClient          float64 `json:"cpuLimitPerClient,omitempty"`
	NetworkBytesLimitPerClient int64   `json:"networkBytesLimitPerClient,omitempty"`
	CPULimitTotal              float64 `json:"cpuLimitTotal,omitempty"`
	NetworkBytesLimitTotal     int64   `json:"networkBytesLimitTotal,omitempty"`
	CPUConsumed                float64 `json:"cpuConsumed"`
	NetworkBytesConsumed       int64   `json:"networkBytesConsumed"`

	AverageLimits AverageLimits `json:"averageLimits,omitempty"`

	ClientsQueuedCount      int `json:"clientsQueuedCount"`
	CompletedClientsCount   int `json:"completedClientsCount"`
	ClientsWithResultsCount int `json:"clientsWithResultsCount"`
	ResultsCount            int `json:"resultsCount"`

	AggregateCursor int `json:"aggregateCursor"`

	RuleName string `json:"ruleName,omitempty"`

	OutputPlugins []OutputPluginDescriptor  `json:"outputPlugins,omitempty"`
	PluginState   map[string]PluginProgress `json:"pluginState,omitempty"`

	Usage UsageStats `json:"usage"`

	StopReason string `json:"stopReason,omitempty"`
}

func subjectFor(huntID string) string { return "hunts/" + huntID }

const (
	statePredicate          = "task:state"
	allClientsPrefix        = "AllClients:"
	completedClientsPrefix  = "CompletedClients:"
	clientsWithResultsPrefix = "ClientsWithResults:"
	resultsPrefix           = "Results:"
	resultsPerTypePrefix    = "ResultsPerType:"
	logsPrefix              = "Logs:"
	errorsPrefix            = "Errors:"
	crashesPrefix           = "Crashes:"
	pendingResultPrefix     = "pending_result:"
)

func allClientsPredicate(clientID string) string { return allClientsPrefix + clientID }

func completedClientPredicate(clientID string) string { return completedClientsPrefix + clientID }

func clientWithResultsPredicate(clientID string) string { return clientsWithResultsPrefix + clientID }

func resultPredicate(recordID string) string { return resultsPrefix + recordID }

func resultPerTypePredicate(replyType, recordID string) string {
	return resultsPerTypePrefix + replyType + ":" + recordID
}

func errorPredicate(recordID string) string { return errorsPrefix + recordID }

func crashPredicate(recordID string) string { return crashesPrefix + recordID }
