package accesscontrol

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sentinelfleet/core/internal/clientstore"
	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/expr"
	"github.com/sentinelfleet/core/internal/metrics"
)

// GroupLookup resolves the groups a username belongs to, used by
// CheckApproversForLabel to decide whether an approver satisfies a label's
// required_groups clause.
type GroupLookup func(username string) []string

// FlowCategoryLookup resolves the category a flow class is tagged with.
// CheckIfCanStartFlow refuses untagged flow classes unless the token carries
// supervisor privilege.
type FlowCategoryLookup func(flowName string) (category string, tagged bool)

// DataStoreRule is one entry of the pattern-matched datastore allowlist
// CheckDataStoreAccess evaluates. SubjectPattern is a regular expression;
// the literal "{username}" is substituted with the caller's token.Username
// before compiling, so a single rule like "^users/{username}/" expresses
// "a user may access their own namespace" without per-user configuration.
type DataStoreRule struct {
	SubjectPattern string
	Access         []AccessMode
	SupervisorOnly bool
}

func (r DataStoreRule) allows(mode AccessMode) bool {
	for _, m := range r.Access {
		if m == mode {
			return true
		}
	}
	return false
}

// DefaultDataStoreRules returns the two canonical rules named in §4.9: users
// may read/write/query their own users/<name>/* namespace, and supervisors
// may read the foreman subject.
func DefaultDataStoreRules() []DataStoreRule {
	return []DataStoreRule{
		{SubjectPattern: `^users/{username}(/.*)?$`, Access: []AccessMode{AccessRead, AccessWrite, AccessQuery}},
		{SubjectPattern: `^foreman$`, Access: []AccessMode{AccessRead}, SupervisorOnly: true},
	}
}

// ClientApprovalAuthorization maps one client label to the approval policy
// that must additionally be satisfied, on top of the base approver count,
// before an approval on a client carrying that label is considered valid.
type ClientApprovalAuthorization struct {
	Label                     string
	RequiredApprovers         []string
	RequiredGroups            []string
	NumApproversRequired      int
	RequesterMustBeAuthorized bool
	// Predicate, when set, is a CEL expression evaluated over vars.approvers
	// (list of strings), vars.approverCount, and vars.label; group
	// membership is not part of its activation. It lets an operator express a
	// policy this struct's fixed fields can't, reusing the same compiled-
	// expression engine the foreman evaluates client_rule_set with.
	Predicate string
}

// Manager answers every access-control question a server operation must ask
// before it persists anything (§4.9).
type Manager struct {
	store    datastore.Store
	clients  *clientstore.Store
	cache    *approvalCache
	celEnv   *expr.Environment
	metrics  *metrics.Recorder
	rules    []DataStoreRule
	policies map[string]ClientApprovalAuthorization

	requiredApproversDefault int
	groups                   GroupLookup
	flowCategory             FlowCategoryLookup
}

// NewManager builds an access-control manager. cacheTTL <= 0 defaults to the
// spec's 60-second TTL; requiredApproversDefault <= 0 defaults to 2.
func NewManager(store datastore.Store, clients *clientstore.Store, rec *metrics.Recorder, cacheTTL time.Duration, requiredApproversDefault int, rules []DataStoreRule, groups GroupLookup, flowCategory FlowCategoryLookup) (*Manager, error) {
	celEnv, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: build CEL environment: %w", err)
	}
	if requiredApproversDefault <= 0 {
		requiredApproversDefault = 2
	}
	if groups == nil {
		groups = func(string) []string { return nil }
	}
	if flowCategory == nil {
		flowCategory = func(string) (string, bool) { return "", false }
	}
	return &Manager{
		store:                    store,
		clients:                  clients,
		cache:                    newApprovalCache(cacheTTL),
		celEnv:                   celEnv,
		metrics:                  rec,
		rules:                    rules,
		policies:                 map[string]ClientApprovalAuthorization{},
		requiredApproversDefault: requiredApproversDefault,
		groups:                   groups,
		flowCategory:             flowCategory,
	}, nil
}

// SetLabelPolicy installs (or replaces) the approval policy for a client
// label, consulted by CheckApproversForLabel.
func (m *Manager) SetLabelPolicy(policy ClientApprovalAuthorization) {
	m.policies[policy.Label] = policy
}

// CheckClientAccess requires a valid Approval on clients/<id> for
// token.Username, unless the token carries supervisor privilege.
func (m *Manager) CheckClientAccess(ctx context.Context, token Token, clientID string) error {
	return m.checkApproval(ctx, token, "clients/"+clientID, "client")
}

// CheckHuntAccess is CheckClientAccess's analogue for hunts/<id>.
func (m *Manager) CheckHuntAccess(ctx context.Context, token Token, huntID string) error {
	return m.checkApproval(ctx, token, "hunts/"+huntID, "hunt")
}

// CheckCronJobAccess is CheckClientAccess's analogue for cron jobs.
func (m *Manager) CheckCronJobAccess(ctx context.Context, token Token, cronJobID string) error {
	return m.checkApproval(ctx, token, "cronjobs/"+cronJobID, "cronjob")
}

// CheckIfCanStartFlow refuses to start flowName unless it is tagged with a
// category, or the token is a supervisor.
func (m *Manager) CheckIfCanStartFlow(_ context.Context, token Token, flowName string) error {
	if token.Supervisor {
		return nil
	}
	if _, tagged := m.flowCategory(flowName); !tagged {
		return fmt.Errorf("accesscontrol: flow %q is untagged and requires supervisor privilege to start", flowName)
	}
	return nil
}

// CheckDataStoreAccess evaluates every subject against the pattern-matched
// allowlist, failing closed on the first subject no rule grants requestedAccess
// for.
func (m *Manager) CheckDataStoreAccess(_ context.Context, token Token, subjects []string, requestedAccess AccessMode) error {
	for _, subject := range subjects {
		if !m.subjectAllowed(token, subject, requestedAccess) {
			return fmt.Errorf("accesscontrol: %s denied %s access to %q", token.Username, requestedAccess, subject)
		}
	}
	return nil
}

func (m *Manager) subjectAllowed(token Token, subject string, mode AccessMode) bool {
	for _, rule := range m.rules {
		if rule.SupervisorOnly && !token.Supervisor {
			continue
		}
		if !rule.allows(mode) {
			continue
		}
		pattern := strings.ReplaceAll(rule.SubjectPattern, "{username}", regexp.QuoteMeta(token.Username))
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(subject) {
			return true
		}
	}
	return token.Supervisor
}

// checkApproval is the shared implementation behind CheckClientAccess,
// CheckHuntAccess, and CheckCronJobAccess: supervisor bypass, then a
// cache-assisted lookup of the best-matching Approval, then full
// revalidation of that approval regardless of whether it came from cache.
func (m *Manager) checkApproval(ctx context.Context, token Token, target, approvalType string) error {
	if token.Supervisor {
		return nil
	}
	now := time.Now().UTC()
	if token.Expired(now) {
		return fmt.Errorf("accesscontrol: token for %s has expired", token.Username)
	}
	key := cacheKey{username: token.Username, subject: target, approvalType: approvalType}
	approval, ok := m.cache.lookup(key, now)
	if ok {
		m.observeCacheLookup(metrics.ApprovalCacheHit)
	} else {
		m.observeCacheLookup(metrics.ApprovalCacheMiss)
		loaded, err := m.bestApproval(ctx, target, token.Username, now)
		if err != nil {
			m.observeCacheLookup(metrics.ApprovalCacheError)
			return fmt.Errorf("accesscontrol: %s has no approval on %q: %w", token.Username, target, err)
		}
		approval = loaded
		m.cache.store(key, approval, now)
		m.observeCacheStore(metrics.ApprovalCacheMiss)
	}
	return m.validate(ctx, approval, target, token, now)
}

// validate re-checks expiry and the approver policy on every call — a cache
// hit never substitutes for this, so a request that outlives its approval's
// expires field starts failing the instant it does, not after the TTL.
func (m *Manager) validate(ctx context.Context, approval Approval, target string, token Token, now time.Time) error {
	if !now.Before(approval.Expires) {
		return fmt.Errorf("accesscontrol: approval on %q for %s expired at %s", target, token.Username, approval.Expires)
	}
	if len(approval.Approvers) < m.requiredApproversDefault {
		return fmt.Errorf("accesscontrol: approval on %q has %d approver(s), needs %d", target, len(approval.Approvers), m.requiredApproversDefault)
	}
	if strings.HasPrefix(target, "clients/") && m.clients != nil {
		clientID := strings.TrimPrefix(target, "clients/")
		attrs, err := m.clients.ClientAttributes(ctx, clientID)
		if err != nil {
			return fmt.Errorf("accesscontrol: load attributes for %q: %w", clientID, err)
		}
		labels := stringSlice(attrs["labels"])
		if err := m.CheckApproversForLabel(labels, approval); err != nil {
			return err
		}
	}
	return nil
}

// CheckApproversForLabel enumerates the labels in play and, for every one
// that has a registered policy, verifies the approval's approver set
// satisfies it. The requester is always excluded from the count.
func (m *Manager) CheckApproversForLabel(labels []string, approval Approval) error {
	for _, label := range labels {
		policy, ok := m.policies[label]
		if !ok {
			continue
		}
		if err := m.checkLabelPolicy(policy, approval); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) checkLabelPolicy(policy ClientApprovalAuthorization, approval Approval) error {
	approvers := approvalExcludingRequester(approval)

	required := policy.NumApproversRequired
	if required <= 0 {
		required = m.requiredApproversDefault
	}
	if len(approvers) < required {
		return fmt.Errorf("accesscontrol: label %q requires %d approvers, got %d", policy.Label, required, len(approvers))
	}

	if policy.RequesterMustBeAuthorized && !stringInSlice(approval.Requester, policy.RequiredApprovers) {
		return fmt.Errorf("accesscontrol: label %q requires an authorized requester, %q is not authorized", policy.Label, approval.Requester)
	}

	if len(policy.RequiredApprovers) > 0 {
		if !anyStringIn(approvers, policy.RequiredApprovers) {
			return fmt.Errorf("accesscontrol: label %q requires approval from one of %v", policy.Label, policy.RequiredApprovers)
		}
	}

	if len(policy.RequiredGroups) > 0 {
		if !m.anyApproverInGroups(approvers, policy.RequiredGroups) {
			return fmt.Errorf("accesscontrol: label %q requires an approver from one of groups %v", policy.Label, policy.RequiredGroups)
		}
	}

	if policy.Predicate != "" {
		ok, err := m.evaluateLabelPredicate(policy, approvers)
		if err != nil {
			return fmt.Errorf("accesscontrol: label %q predicate: %w", policy.Label, err)
		}
		if !ok {
			return fmt.Errorf("accesscontrol: label %q predicate %q not satisfied", policy.Label, policy.Predicate)
		}
	}
	return nil
}

func (m *Manager) evaluateLabelPredicate(policy ClientApprovalAuthorization, approvers []string) (bool, error) {
	prog, err := m.celEnv.Compile(policy.Predicate)
	if err != nil {
		return false, err
	}
	return prog.EvalBool(map[string]any{
		"vars": map[string]any{
			"approvers":      toAnySlice(approvers),
			"approverCount":  int64(len(approvers)),
			"label":          policy.Label,
		},
	})
}

func (m *Manager) anyApproverInGroups(approvers []string, groups []string) bool {
	for _, approver := range approvers {
		for _, g := range m.groups(approver) {
			if stringInSlice(g, groups) {
				return true
			}
		}
	}
	return false
}

func (m *Manager) observeCacheLookup(result metrics.ApprovalCacheResult) {
	if m.metrics != nil {
		m.metrics.ObserveApprovalCacheLookup(result)
	}
}

func (m *Manager) observeCacheStore(result metrics.ApprovalCacheResult) {
	if m.metrics != nil {
		m.metrics.ObserveApprovalCacheStore(result)
	}
}

func approvalExcludingRequester(approval Approval) []string {
	out := make([]string, 0, len(approval.Approvers))
	for _, a := range approval.Approvers {
		if a != approval.Requester {
			out = append(out, a)
		}
	}
	return out
}

func stringInSlice(s string, in []string) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}

func anyStringIn(candidates, allowed []string) bool {
	for _, c := range candidates {
		if stringInSlice(c, allowed) {
			return true
		}
	}
	return false
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
