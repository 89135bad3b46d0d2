package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if sink := NewPrometheusSink(reg, nil); sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_PassCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.PassStarted()
	sink.PassStarted()
	sink.PassCompleted(100*time.Millisecond, 3, nil)
	sink.PassCompleted(100*time.Millisecond, 0, errors.New("map unreachable"))

	if got := getCounterValue(t, reg, "clustercron_coordinator_passes_total"); got != 2 {
		t.Errorf("passes_total = %v, want 2", got)
	}
	if got := getCounterValue(t, reg, "clustercron_coordinator_pass_errors_total"); got != 1 {
		t.Errorf("pass_errors_total = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "clustercron_coordinator_triggers_fired_total"); got != 3 {
		t.Errorf("triggers_fired_total = %v, want 3", got)
	}
}

func TestPrometheusSink_ConcurrencyOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.AcquisitionLost()
	sink.AcquisitionLost()
	sink.TransientError("swap")
	sink.TriggerMisfired("skip")
	sink.TriggerFinished(FinishedWaiting)
	sink.TriggerFinished(FinishedWaiting)

	if got := getCounterValue(t, reg, "clustercron_coordinator_acquisitions_lost_total"); got != 2 {
		t.Errorf("acquisitions_lost_total = %v, want 2", got)
	}
	if got := getCounterVecValue(t, reg, "clustercron_transient_errors_total", map[string]string{"op": "swap"}); got != 1 {
		t.Errorf("transient_errors_total{op=swap} = %v, want 1", got)
	}
	if got := getCounterVecValue(t, reg, "clustercron_coordinator_misfires_total", map[string]string{"policy": "skip"}); got != 1 {
		t.Errorf("misfires_total{policy=skip} = %v, want 1", got)
	}
	if got := getCounterVecValue(t, reg, "clustercron_coordinator_triggers_finished_total", map[string]string{"outcome": "waiting"}); got != 2 {
		t.Errorf("triggers_finished_total{outcome=waiting} = %v, want 2", got)
	}
}

func TestPrometheusSink_OverlapDecision(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.OverlapDecision("defer", true)
	sink.OverlapDecision("fire", false)

	if got := getCounterVecValue(t, reg, "clustercron_overlap_decisions_total",
		map[string]string{"decision": "defer", "cached": "true"}); got != 1 {
		t.Errorf("overlap_decisions_total{defer,true} = %v, want 1", got)
	}
}

func TestPrometheusSink_Sweeper(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SweepCompleted(time.Millisecond, 4, nil)
	sink.SweepCompleted(time.Millisecond, 0, errors.New("membership unavailable"))
	sink.InvariantViolation()
	sink.ClusterMembers(3)

	if got := getCounterValue(t, reg, "clustercron_sweeper_reclaimed_total"); got != 4 {
		t.Errorf("reclaimed_total = %v, want 4", got)
	}
	if got := getCounterValue(t, reg, "clustercron_sweeper_cycle_errors_total"); got != 1 {
		t.Errorf("cycle_errors_total = %v, want 1", got)
	}
	if got := getCounterValue(t, reg, "clustercron_invariant_violations_total"); got != 1 {
		t.Errorf("invariant_violations_total = %v, want 1", got)
	}
	if got := getGaugeValue(t, reg, "clustercron_cluster_members"); got != 3 {
		t.Errorf("cluster_members = %v, want 3", got)
	}
}

func TestPrometheusSink_HealthGauges(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CoordinatorHealth(true)
	sink.MembershipStatusChanged(true)
	sink.LeaderStatusChanged(true)
	if got := getGaugeValue(t, reg, "clustercron_coordinator_healthy"); got != 1 {
		t.Errorf("coordinator_healthy = %v, want 1", got)
	}

	sink.CoordinatorHealth(false)
	sink.LeaderStatusChanged(false)
	if got := getGaugeValue(t, reg, "clustercron_coordinator_healthy"); got != 0 {
		t.Errorf("coordinator_healthy = %v, want 0", got)
	}
	if got := getGaugeValue(t, reg, "clustercron_membership_member"); got != 1 {
		t.Errorf("membership_member = %v, want 1", got)
	}
	if got := getGaugeValue(t, reg, "clustercron_sweeper_is_leader"); got != 0 {
		t.Errorf("sweeper_is_leader = %v, want 0", got)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(1, "2xx", 100*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, "5xx", 200*time.Millisecond)

	if got := getCounterVecValue(t, reg, "clustercron_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "1", "status_class": "2xx"}); got != 1 {
		t.Errorf("attempt=1,status=2xx = %v, want 1", got)
	}
	if got := getCounterVecValue(t, reg, "clustercron_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "2", "status_class": "5xx"}); got != 1 {
		t.Errorf("attempt=2,status=5xx = %v, want 1", got)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	if got := getGaugeValue(t, reg, "clustercron_dispatcher_events_in_flight"); got != 1 {
		t.Errorf("events_in_flight = %v, want 1", got)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.EmitError()

	if got := getGaugeValue(t, reg, "clustercron_eventbus_buffer_capacity"); got != 100 {
		t.Errorf("buffer_capacity = %v, want 100", got)
	}
	if got := getGaugeValue(t, reg, "clustercron_eventbus_buffer_size"); got != 42 {
		t.Errorf("buffer_size = %v, want 42", got)
	}
	if got := getCounterValue(t, reg, "clustercron_eventbus_emit_errors_total"); got != 1 {
		t.Errorf("emit_errors_total = %v, want 1", got)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// The second registration fails for every collector but must not panic.
	reg := prometheus.NewRegistry()
	if NewPrometheusSink(reg, nil) == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	if NewPrometheusSink(reg, nil) == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}
