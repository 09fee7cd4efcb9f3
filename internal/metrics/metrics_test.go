package metrics

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFlowLifecycle(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFlowStarted("ListDirectory")
	rec.ObserveFlowTerminal("ListDirectory", "Terminated")

	families := gather(t, rec, "sentinelfleet_flows_started_total", "sentinelfleet_flows_terminal_total")

	started := findMetric(t, families["sentinelfleet_flows_started_total"], map[string]string{
		"flow_class": "ListDirectory",
	})
	if got := started.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected started counter 1, got %v", got)
	}

	terminal := findMetric(t, families["sentinelfleet_flows_terminal_total"], map[string]string{
		"flow_class": "ListDirectory",
		"state":      "Terminated",
	})
	if got := terminal.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected terminal counter 1, got %v", got)
	}
}

func TestRecorderObserveQueueClaims(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveQueueClaim("notification_queue", QueueClaimSucceeded)
	rec.ObserveQueueClaim("notification_queue", QueueClaimContended)
	rec.ObserveQueueLeaseExpired("notification_queue")

	families := gather(t, rec, "sentinelfleet_queue_claims_total", "sentinelfleet_queue_lease_expired_total")

	succeeded := findMetric(t, families["sentinelfleet_queue_claims_total"], map[string]string{
		"queue":   "notification_queue",
		"outcome": string(QueueClaimSucceeded),
	})
	if got := succeeded.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected succeeded counter 1, got %v", got)
	}

	expired := findMetric(t, families["sentinelfleet_queue_lease_expired_total"], map[string]string{
		"queue": "notification_queue",
	})
	if got := expired.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lease expired counter 1, got %v", got)
	}
}

func TestRecorderObserveHuntActivity(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveHuntClientScheduled("hunt-1")
	rec.ObserveHuntOutputPluginRun("hunt-1", "TemplateExport", OutputPluginSucceeded)
	rec.ObserveHuntOutputPluginRun("hunt-1", "TemplateExport", OutputPluginFailed)

	families := gather(t, rec, "sentinelfleet_hunt_clients_scheduled_total", "sentinelfleet_hunt_output_plugin_runs_total")

	scheduled := findMetric(t, families["sentinelfleet_hunt_clients_scheduled_total"], map[string]string{
		"hunt": "hunt-1",
	})
	if got := scheduled.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected scheduled counter 1, got %v", got)
	}

	succeeded := findMetric(t, families["sentinelfleet_hunt_output_plugin_runs_total"], map[string]string{
		"hunt":    "hunt-1",
		"plugin":  "TemplateExport",
		"outcome": string(OutputPluginSucceeded),
	})
	if got := succeeded.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected succeeded plugin run counter 1, got %v", got)
	}

	failed := findMetric(t, families["sentinelfleet_hunt_output_plugin_runs_total"], map[string]string{
		"hunt":    "hunt-1",
		"plugin":  "TemplateExport",
		"outcome": string(OutputPluginFailed),
	})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failed plugin run counter 1, got %v", got)
	}
}

func TestRecorderObserveApprovalCache(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveApprovalCacheLookup(ApprovalCacheHit)
	rec.ObserveApprovalCacheStore(ApprovalCacheError)

	families := gather(t, rec, "sentinelfleet_access_approval_cache_operations_total")

	lookup := findMetric(t, families["sentinelfleet_access_approval_cache_operations_total"], map[string]string{
		"operation": string(ApprovalCacheLookup),
		"result":    string(ApprovalCacheHit),
	})
	if got := lookup.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	store := findMetric(t, families["sentinelfleet_access_approval_cache_operations_total"], map[string]string{
		"operation": string(ApprovalCacheStore),
		"result":    string(ApprovalCacheError),
	})
	if got := store.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected store counter 1, got %v", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
