package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PassStarted()                                                              {}
func (n *NoopSink) PassCompleted(duration time.Duration, fired int, err error)                {}
func (n *NoopSink) TickDrift(drift time.Duration)                                             {}
func (n *NoopSink) AcquisitionLost()                                                          {}
func (n *NoopSink) TransientError(op string)                                                  {}
func (n *NoopSink) TriggerFired(latency time.Duration)                                        {}
func (n *NoopSink) TriggerBlocked()                                                           {}
func (n *NoopSink) TriggerMisfired(policy string)                                             {}
func (n *NoopSink) TriggerFinished(outcome string)                                            {}
func (n *NoopSink) OwnedRecovered(count int)                                                  {}
func (n *NoopSink) CoordinatorHealth(healthy bool)                                            {}
func (n *NoopSink) OverlapDecision(decision string, cached bool)                              {}
func (n *NoopSink) SweepCompleted(duration time.Duration, reclaimed int, err error)           {}
func (n *NoopSink) InvariantViolation()                                                       {}
func (n *NoopSink) ClusterMembers(count int)                                                  {}
func (n *NoopSink) HeartbeatFailed()                                                          {}
func (n *NoopSink) MembershipStatusChanged(member bool)                                       {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                 {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                            {}
func (n *NoopSink) EmitError()                                                                {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                         {}
func (n *NoopSink) LeaderAcquired()                                                           {}
func (n *NoopSink) LeaderLost(reason string)                                                  {}

var _ Sink = (*NoopSink)(nil)
