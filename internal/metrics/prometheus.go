package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "clustercron"

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.SugaredLogger

	// Coordinator metrics
	passesTotal        prometheus.Counter
	passErrorsTotal    prometheus.Counter
	firedTotal         prometheus.Counter
	passDuration       prometheus.Histogram
	tickDrift          prometheus.Histogram
	acquisitionsLost   prometheus.Counter
	transientErrors    *prometheus.CounterVec
	fireLatency        prometheus.Histogram
	blockedTotal       prometheus.Counter
	misfiresTotal      *prometheus.CounterVec
	finishedTotal      *prometheus.CounterVec
	ownedRecovered     prometheus.Counter
	coordinatorHealthy prometheus.Gauge

	// Overlap guard metrics
	overlapDecisions *prometheus.CounterVec

	// Sweeper metrics
	sweepsTotal         prometheus.Counter
	sweepErrorsTotal    prometheus.Counter
	sweepDuration       prometheus.Histogram
	reclaimedTotal      prometheus.Counter
	invariantViolations prometheus.Counter
	clusterMembers      prometheus.Gauge

	// Membership keeper metrics
	heartbeatFailures prometheus.Counter
	member            prometheus.Gauge

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	eventsInFlight        prometheus.Gauge

	// EventBus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Leader election metrics
	isLeader        prometheus.Gauge
	leaderAcquired  prometheus.Counter
	leaderLostTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.SugaredLogger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &PrometheusSink{logger: logger}
	s.initCoordinatorMetrics(reg)
	s.initSweeperMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogram(name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
}

func (s *PrometheusSink) initCoordinatorMetrics(reg prometheus.Registerer) {
	s.passesTotal = counter("coordinator_passes_total", "Total number of coordinator passes.")
	s.passErrorsTotal = counter("coordinator_pass_errors_total", "Total number of coordinator passes that failed.")
	s.firedTotal = counter("coordinator_triggers_fired_total", "Total number of triggers moved to EXECUTING by this node.")
	s.passDuration = histogram("coordinator_pass_duration_seconds", "Duration of each coordinator pass in seconds.",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10})
	s.tickDrift = histogram("coordinator_tick_drift_seconds", "Difference between actual tick time and expected interval in seconds.",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60})
	s.acquisitionsLost = counter("coordinator_acquisitions_lost_total", "Conditional writes lost to another node.")
	s.transientErrors = counterVec("transient_errors_total", "Distributed map operations that failed with an unknown outcome.", "op")
	s.fireLatency = histogram("coordinator_fire_latency_seconds", "Delay between scheduled fire time and actual firing in seconds.",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300})
	s.blockedTotal = counter("coordinator_triggers_blocked_total", "Triggers deferred by the overlap guard.")
	s.misfiresTotal = counterVec("coordinator_misfires_total", "Triggers found past their misfire threshold.", "policy")
	s.finishedTotal = counterVec("coordinator_triggers_finished_total", "Completed executions by resulting trigger state.", "outcome")
	s.ownedRecovered = counter("coordinator_owned_recovered_total", "Records owned by this node released on recovery.")
	s.coordinatorHealthy = gauge("coordinator_healthy", "1 if the coordinator is within its retry budget.")
	s.overlapDecisions = counterVec("overlap_decisions_total", "Overlap guard decisions.", "decision", "cached")

	for _, c := range []prometheus.Collector{
		s.passesTotal, s.passErrorsTotal, s.firedTotal, s.passDuration, s.tickDrift,
		s.acquisitionsLost, s.transientErrors, s.fireLatency, s.blockedTotal, s.misfiresTotal,
		s.finishedTotal, s.ownedRecovered, s.coordinatorHealthy, s.overlapDecisions,
	} {
		s.register(reg, c)
	}
}

func (s *PrometheusSink) initSweeperMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = counter("sweeper_cycles_total", "Total number of sweeper cycles.")
	s.sweepErrorsTotal = counter("sweeper_cycle_errors_total", "Sweeper cycles aborted by an error.")
	s.sweepDuration = histogram("sweeper_cycle_duration_seconds", "Duration of each sweeper cycle in seconds.",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5})
	s.reclaimedTotal = counter("sweeper_reclaimed_total", "Orphaned triggers returned to WAITING.")
	s.invariantViolations = counter("invariant_violations_total", "Records found violating the owner invariant.")
	s.clusterMembers = gauge("cluster_members", "Members in the last membership snapshot.")
	s.heartbeatFailures = counter("membership_heartbeat_failures_total", "Failed membership renewals.")
	s.member = gauge("membership_member", "1 if this node believes it is a cluster member.")

	for _, c := range []prometheus.Collector{
		s.sweepsTotal, s.sweepErrorsTotal, s.sweepDuration, s.reclaimedTotal,
		s.invariantViolations, s.clusterMembers, s.heartbeatFailures, s.member,
	} {
		s.register(reg, c)
	}
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = counterVec("dispatcher_delivery_attempts_total", "Total number of webhook delivery attempts.",
		"attempt", "status_class")
	s.deliveryOutcomesTotal = counterVec("dispatcher_delivery_outcomes_total", "Total number of final delivery outcomes per firing.",
		"outcome")
	s.webhookDuration = histogram("dispatcher_webhook_duration_seconds", "Webhook request latency in seconds (excludes backoff wait).",
		[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30})
	s.retryAttemptsTotal = counterVec("dispatcher_retry_attempts_total", "Total number of retry attempts (excludes first attempt).",
		"retryable")
	s.eventsInFlight = gauge("dispatcher_events_in_flight", "Number of fire events currently being executed.")

	for _, c := range []prometheus.Collector{
		s.deliveryAttemptsTotal, s.deliveryOutcomesTotal, s.webhookDuration, s.retryAttemptsTotal, s.eventsInFlight,
	} {
		s.register(reg, c)
	}
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = gauge("eventbus_buffer_size", "Current number of events in the event bus buffer.")
	s.bufferCapacity = gauge("eventbus_buffer_capacity", "Capacity of the event bus buffer.")
	s.emitErrorsTotal = counter("eventbus_emit_errors_total", "Total number of emit errors (buffer full).")

	for _, c := range []prometheus.Collector{s.bufferSize, s.bufferCapacity, s.emitErrorsTotal} {
		s.register(reg, c)
	}
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = gauge("sweeper_is_leader", "1 if this node holds the sweep leader lock.")
	s.leaderAcquired = counter("sweeper_leader_acquired_total", "Times this node acquired the sweep leader lock.")
	s.leaderLostTotal = counterVec("sweeper_leader_lost_total", "Times this node lost the sweep leader lock.", "reason")

	for _, c := range []prometheus.Collector{s.isLeader, s.leaderAcquired, s.leaderLostTotal} {
		s.register(reg, c)
	}
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		s.logger.Warnw("failed to register metric", "error", err)
	}
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Coordinator metrics implementation

func (s *PrometheusSink) PassStarted() {
	s.passesTotal.Inc()
}

func (s *PrometheusSink) PassCompleted(duration time.Duration, fired int, err error) {
	s.passDuration.Observe(duration.Seconds())
	s.firedTotal.Add(float64(fired))
	if err != nil {
		s.passErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) AcquisitionLost() {
	s.acquisitionsLost.Inc()
}

func (s *PrometheusSink) TransientError(op string) {
	s.transientErrors.WithLabelValues(op).Inc()
}

func (s *PrometheusSink) TriggerFired(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	s.fireLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) TriggerBlocked() {
	s.blockedTotal.Inc()
}

func (s *PrometheusSink) TriggerMisfired(policy string) {
	s.misfiresTotal.WithLabelValues(policy).Inc()
}

func (s *PrometheusSink) TriggerFinished(outcome string) {
	s.finishedTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) OwnedRecovered(count int) {
	s.ownedRecovered.Add(float64(count))
}

func (s *PrometheusSink) CoordinatorHealth(healthy bool) {
	boolGauge(s.coordinatorHealthy, healthy)
}

func (s *PrometheusSink) OverlapDecision(decision string, cached bool) {
	s.overlapDecisions.WithLabelValues(decision, strconv.FormatBool(cached)).Inc()
}

// Sweeper metrics implementation

func (s *PrometheusSink) SweepCompleted(duration time.Duration, reclaimed int, err error) {
	s.sweepsTotal.Inc()
	s.sweepDuration.Observe(duration.Seconds())
	s.reclaimedTotal.Add(float64(reclaimed))
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) InvariantViolation() {
	s.invariantViolations.Inc()
}

func (s *PrometheusSink) ClusterMembers(count int) {
	s.clusterMembers.Set(float64(count))
}

func (s *PrometheusSink) HeartbeatFailed() {
	s.heartbeatFailures.Inc()
}

func (s *PrometheusSink) MembershipStatusChanged(member bool) {
	boolGauge(s.member, member)
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	boolGauge(s.isLeader, isLeader)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
