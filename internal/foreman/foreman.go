// Package foreman implements the per-client rule evaluation described in
// §4.6: a singleton subject ("foreman") carries a repeated ForemanRule,
// matched against a checking-in client's attributes and used to schedule the
// client into whichever hunts its rule actions name.
package foreman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sentinelfleet/core/internal/config"
	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/expr"
	"github.com/sentinelfleet/core/internal/hunt"
	"github.com/sentinelfleet/core/internal/metrics"
)

const subject = "foreman"
const rulesPredicate = "RULES"

// configRulePrefix namespaces rule names sourced from static configuration
// so SyncConfigRules can replace them wholesale without disturbing rules a
// running hunt installed directly via InstallRule.
const configRulePrefix = "config:"

// RuleAction names one hunt a matching rule schedules a client into.
// ClientLimit, when positive, overrides the hunt's own client_limit for
// clients admitted through this action specifically.
type RuleAction struct {
	HuntID      string `json:"huntId"`
	ClientLimit int    `json:"clientLimit,omitempty"`
}

// Rule is the runtime form of a ForemanRule (§3): a CEL client_rule_set
// clause plus the hunts it schedules a matching client into.
type Rule struct {
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	ClientRuleSet string       `json:"clientRuleSet"`
	CreatedAt     time.Time    `json:"createdAt"`
	ExpiresAt     time.Time    `json:"expiresAt,omitempty"`
	Actions       []RuleAction `json:"actions"`
}

func (r Rule) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// Scheduler is the subset of internal/hunt.Engine's surface the foreman
// needs to admit a matched client into a hunt; kept as an interface so
// foreman tests can stub hunt scheduling without a real engine.
type Scheduler interface {
	AddClient(ctx context.Context, huntID, clientID string, clientLimitOverride int) error
}

// ClientAttributeSource resolves the attribute map a checking-in client
// presents to rule evaluation (OS, hostname, labels, counters).
type ClientAttributeSource interface {
	ClientAttributes(ctx context.Context, clientID string) (map[string]any, error)
}

type compiledRule struct {
	source  string
	program expr.Program
}

// Foreman evaluates ForemanRule documents against checking-in clients and
// schedules matches into the hunts their rule actions name.
type Foreman struct {
	store     datastore.Store
	env       *expr.Environment
	clients   ClientAttributeSource
	scheduler Scheduler
	metrics   *metrics.Recorder

	mu    sync.Mutex
	cache map[string]compiledRule
}

// New builds a Foreman. rec may be nil.
func New(store datastore.Store, clients ClientAttributeSource, scheduler Scheduler, rec *metrics.Recorder) (*Foreman, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("foreman: build rule environment: %w", err)
	}
	return &Foreman{
		store:     store,
		env:       env,
		clients:   clients,
		scheduler: scheduler,
		metrics:   rec,
		cache:     make(map[string]compiledRule),
	}, nil
}

func (f *Foreman) loadRulesTxn(ctx context.Context, txn datastore.Txn) ([]Rule, error) {
	attr, err := txn.Resolve(ctx, rulesPredicate)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rules []Rule
	if err := json.Unmarshal(attr.Value, &rules); err != nil {
		return nil, fmt.Errorf("foreman: decode rules: %w", err)
	}
	return rules, nil
}

func saveRulesTxn(ctx context.Context, txn datastore.Txn, rules []Rule) error {
	payload, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("foreman: encode rules: %w", err)
	}
	// The RULES predicate is always rewritten wholesale (replace=true) rather
	// than through a read-modify-write of individual entries, so concurrent
	// installers only ever race at the transaction's optimistic lock, never
	// at the predicate level (§5).
	txn.Set(ctx, rulesPredicate, payload, time.Now().UTC(), true)
	return nil
}

// mutateRules runs mutate against the current rule list inside the
// foreman subject's transaction, retrying on lock contention since the
// subject is a known hotspot under concurrent hunt starts (§5).
func (f *Foreman) mutateRules(ctx context.Context, mutate func([]Rule) ([]Rule, bool, error)) ([]Rule, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn, err := f.store.Transaction(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("foreman: begin rules transaction: %w", err)
		}
		rules, err := f.loadRulesTxn(ctx, txn)
		if err != nil {
			_ = txn.Rollback(ctx)
			return nil, err
		}
		next, changed, err := mutate(rules)
		if err != nil {
			_ = txn.Rollback(ctx)
			return nil, err
		}
		if !changed {
			_ = txn.Rollback(ctx)
			return next, nil
		}
		if err := saveRulesTxn(ctx, txn, next); err != nil {
			_ = txn.Rollback(ctx)
			return nil, err
		}
		if err := txn.Commit(ctx); err != nil {
			if errors.Is(err, datastore.ErrTransactionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("foreman: rules update lost the race %d times: %w", maxAttempts, lastErr)
}

// InstallRule upserts rule by name, replacing any prior rule of the same
// name. Used by a hunt's Run operation to install its own matching rule
// (§4.7).
func (f *Foreman) InstallRule(ctx context.Context, rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errors.New("foreman: rule name required")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err := f.mutateRules(ctx, func(rules []Rule) ([]Rule, bool, error) {
		next := make([]Rule, 0, len(rules)+1)
		for _, r := range rules {
			if r.Name == rule.Name {
				continue
			}
			next = append(next, r)
		}
		next = append(next, rule)
		return next, true, nil
	})
	return err
}

// RemoveRule drops the named rule, if present. Used by a hunt's Stop/pause
// path to stop scheduling new clients (§4.7).
func (f *Foreman) RemoveRule(ctx context.Context, name string) error {
	_, err := f.mutateRules(ctx, func(rules []Rule) ([]Rule, bool, error) {
		next := make([]Rule, 0, len(rules))
		changed := false
		for _, r := range rules {
			if r.Name == name {
				changed = true
				continue
			}
			next = append(next, r)
		}
		return next, changed, nil
	})
	return err
}

// SyncConfigRules replaces every config-sourced rule (name prefix
// "config:") with the set described by rules, leaving hunt-installed rules
// untouched. Called once at startup and again on every hot-reload of the
// rule bundle (§4.6, §9 "process-scoped lifecycle-managed caches").
func (f *Foreman) SyncConfigRules(ctx context.Context, rules map[string]config.ForemanRuleConfig) error {
	now := time.Now().UTC()
	_, err := f.mutateRules(ctx, func(existing []Rule) ([]Rule, bool, error) {
		next := make([]Rule, 0, len(existing)+len(rules))
		for _, r := range existing {
			if strings.HasPrefix(r.Name, configRulePrefix) {
				continue
			}
			next = append(next, r)
		}
		for name, cfg := range rules {
			var expiresAt time.Time
			if strings.TrimSpace(cfg.ExpiresAfter) != "" {
				d, err := time.ParseDuration(cfg.ExpiresAfter)
				if err != nil {
					return nil, false, fmt.Errorf("foreman: foremanRules[%s].expiresAfter: %w", name, err)
				}
				expiresAt = now.Add(d)
			}
			actions := make([]RuleAction, 0, len(cfg.Actions))
			for _, a := range cfg.Actions {
				actions = append(actions, RuleAction{HuntID: a.HuntID, ClientLimit: a.ClientLimit})
			}
			next = append(next, Rule{
				Name:          configRulePrefix + name,
				Description:   cfg.Description,
				ClientRuleSet: cfg.ClientRuleSet,
				CreatedAt:     now,
				ExpiresAt:     expiresAt,
				Actions:       actions,
			})
		}
		return next, true, nil
	})
	return err
}

// AssignTasksToClient evaluates every live rule against clientID's current
// attributes and schedules it into every matching action's hunt (§4.6).
func (f *Foreman) AssignTasksToClient(ctx context.Context, clientID string) error {
	now := time.Now().UTC()

	live, err := f.mutateRules(ctx, func(rules []Rule) ([]Rule, bool, error) {
		kept := make([]Rule, 0, len(rules))
		changed := false
		for _, r := range rules {
			if r.expired(now) {
				changed = true
				continue
			}
			kept = append(kept, r)
		}
		return kept, changed, nil
	})
	if err != nil {
		return fmt.Errorf("foreman: load rules: %w", err)
	}

	attrs, err := f.clients.ClientAttributes(ctx, clientID)
	if err != nil {
		return fmt.Errorf("foreman: load client attributes for %q: %w", clientID, err)
	}

	vars := map[string]any{"client": attrs, "now": now}
	for _, rule := range live {
		prog, err := f.compiled(rule)
		if err != nil {
			return fmt.Errorf("foreman: rule %q: %w", rule.Name, err)
		}
		matched, err := prog.EvalBool(vars)
		if err != nil {
			return fmt.Errorf("foreman: evaluate rule %q for client %q: %w", rule.Name, clientID, err)
		}
		if !matched {
			continue
		}
		for _, action := range rule.Actions {
			if err := f.scheduler.AddClient(ctx, action.HuntID, clientID, action.ClientLimit); err != nil {
				return fmt.Errorf("foreman: schedule client %q into hunt %q: %w", clientID, action.HuntID, err)
			}
		}
	}

	if err := f.store.Set(ctx, "clients/"+clientID, "last_foreman_time", []byte(now.Format(time.RFC3339Nano)), now, true); err != nil {
		return fmt.Errorf("foreman: update last_foreman_time: %w", err)
	}
	return nil
}

// SetScheduler binds the hunt engine after both it and the Foreman have been
// constructed, resolving the construction-order cycle between them (the
// engine needs a RuleInstaller backed by this Foreman; this Foreman needs a
// Scheduler backed by that engine). Safe to call once during process wiring,
// before AssignTasksToClient is ever invoked.
func (f *Foreman) SetScheduler(s Scheduler) {
	f.scheduler = s
}

// InstallHuntRule implements hunt.RuleInstaller, letting a hunt's Run
// operation install its own matching rule without the hunt package
// importing foreman.
func (f *Foreman) InstallHuntRule(ctx context.Context, spec hunt.RuleSpec) error {
	return f.InstallRule(ctx, Rule{
		Name:          spec.Name,
		ClientRuleSet: spec.ClientRuleSet,
		Actions:       []RuleAction{{HuntID: spec.HuntID, ClientLimit: spec.ClientLimit}},
	})
}

// RemoveHuntRule implements hunt.RuleInstaller's removal half, used by a
// hunt's Stop operation.
func (f *Foreman) RemoveHuntRule(ctx context.Context, name string) error {
	return f.RemoveRule(ctx, name)
}

// compiled returns the cached CEL program for rule, recompiling only when
// its ClientRuleSet text has changed since the last check-in that used it
// (§4.6's "expensive checks are cached").
func (f *Foreman) compiled(rule Rule) (expr.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cr, ok := f.cache[rule.Name]; ok && cr.source == rule.ClientRuleSet {
		return cr.program, nil
	}
	prog, err := f.env.Compile(rule.ClientRuleSet)
	if err != nil {
		return expr.Program{}, err
	}
	f.cache[rule.Name] = compiledRule{source: rule.ClientRuleSet, program: prog}
	return prog, nil
}
