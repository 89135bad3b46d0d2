package domain

import "time"

// ConcurrencyPolicy controls whether triggers of the same job may run at the
// same time.
type ConcurrencyPolicy string

const (
	ConcurrencyAllow  ConcurrencyPolicy = "allow"
	ConcurrencyForbid ConcurrencyPolicy = "forbid" // at most one concurrent execution
)

type DeliveryType string

const (
	DeliveryTypeWebhook DeliveryType = "webhook"
	DeliveryTypeNone    DeliveryType = "none"
)

type DeliveryConfig struct {
	Type       DeliveryType
	WebhookURL string
	Secret     string // HMAC secret
	Timeout    time.Duration
}

type AnalyticsConfig struct {
	Enabled   bool
	Window    time.Duration // 1m, 5m, 1h
	Retention time.Duration // TTL, must be >= Window
}

// Job is the unit of work a trigger invokes.
type Job struct {
	Key         JobKey
	Description string
	Concurrency ConcurrencyPolicy

	Delivery  DeliveryConfig
	Analytics AnalyticsConfig
}

// DisallowsConcurrent reports whether at most one trigger of the job may
// execute at a time.
func (j Job) DisallowsConcurrent() bool {
	return j.Concurrency == ConcurrencyForbid
}
