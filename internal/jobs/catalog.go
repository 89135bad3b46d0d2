// Package jobs loads the job catalog: the jobs triggers may invoke, their
// concurrency policy and delivery, and optional triggers to schedule at
// startup.
package jobs

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/djlord-it/clustercron/internal/domain"
)

// Duration reads "1h20s" style durations from YAML.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		v, err := time.ParseDuration(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*d = Duration(v)
		return nil
	}
	// Plain integers are seconds.
	var secs int64
	if err := n.Decode(&secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// File is the on-disk catalog layout.
type File struct {
	Jobs     []JobSpec     `yaml:"jobs"`
	Triggers []TriggerSpec `yaml:"triggers,omitempty"`
}

type JobSpec struct {
	Name        string         `yaml:"name"`
	Group       string         `yaml:"group,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Concurrency string         `yaml:"concurrency,omitempty"` // allow | forbid
	Webhook     *WebhookSpec   `yaml:"webhook,omitempty"`
	Analytics   *AnalyticsSpec `yaml:"analytics,omitempty"`
}

// WebhookSpec values are expanded against the environment, so secrets can be
// given as "${WEBHOOK_SECRET}".
type WebhookSpec struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

type AnalyticsSpec struct {
	Window    Duration `yaml:"window"`
	Retention Duration `yaml:"retention"`
}

type TriggerSpec struct {
	Name        string    `yaml:"name"`
	Group       string    `yaml:"group,omitempty"`
	Job         string    `yaml:"job"` // "group:name", or a name in the trigger's group
	Description string    `yaml:"description,omitempty"`
	Priority    int       `yaml:"priority,omitempty"`
	Cron        string    `yaml:"cron,omitempty"`
	Timezone    string    `yaml:"timezone,omitempty"`
	Interval    Duration  `yaml:"interval,omitempty"`
	Repeat      *int      `yaml:"repeat,omitempty"` // interval repeats, default forever
	StartAt     time.Time `yaml:"start_at,omitempty"`
	EndAt       time.Time `yaml:"end_at,omitempty"`
	Misfire     string    `yaml:"misfire,omitempty"`
}

var validWindows = map[time.Duration]bool{
	time.Minute:     true,
	5 * time.Minute: true,
	time.Hour:       true,
}

// Catalog is the in-memory job table. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	jobs     map[domain.JobKey]domain.Job
	triggers []domain.Trigger
}

func NewCatalog(jobs ...domain.Job) *Catalog {
	c := &Catalog{jobs: make(map[domain.JobKey]domain.Job, len(jobs))}
	for _, j := range jobs {
		c.jobs[j.Key] = j
	}
	return c
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("job catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog. All problems are reported together.
func Parse(data []byte) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	c := NewCatalog()
	var errs error
	for i, spec := range f.Jobs {
		job, err := spec.build()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
			continue
		}
		if _, dup := c.jobs[job.Key]; dup {
			errs = multierr.Append(errs, fmt.Errorf("jobs[%d]: duplicate job %s", i, job.Key))
			continue
		}
		c.jobs[job.Key] = job
	}

	seen := make(map[domain.TriggerKey]bool, len(f.Triggers))
	for i, spec := range f.Triggers {
		t, err := spec.build()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("triggers[%d]: %w", i, err))
			continue
		}
		if seen[t.Key] {
			errs = multierr.Append(errs, fmt.Errorf("triggers[%d]: duplicate trigger %s", i, t.Key))
			continue
		}
		if _, ok := c.jobs[t.JobKey]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("triggers[%d]: trigger %s references unknown job %s", i, t.Key, t.JobKey))
			continue
		}
		seen[t.Key] = true
		c.triggers = append(c.triggers, t)
	}

	if errs != nil {
		return nil, errs
	}
	return c, nil
}

func (s JobSpec) build() (domain.Job, error) {
	job := domain.Job{
		Key:         domain.NewJobKey(s.Name, s.Group),
		Description: s.Description,
		Concurrency: domain.ConcurrencyPolicy(strings.ToLower(s.Concurrency)),
		Delivery:    domain.DeliveryConfig{Type: domain.DeliveryTypeNone},
	}
	if err := job.Key.Validate(); err != nil {
		return domain.Job{}, err
	}
	switch job.Concurrency {
	case "":
		job.Concurrency = domain.ConcurrencyAllow
	case domain.ConcurrencyAllow, domain.ConcurrencyForbid:
	default:
		return domain.Job{}, fmt.Errorf("job %s: concurrency must be %s or %s, got %q",
			job.Key, domain.ConcurrencyAllow, domain.ConcurrencyForbid, s.Concurrency)
	}

	if s.Webhook != nil {
		webhookURL := os.ExpandEnv(s.Webhook.URL)
		if err := validateWebhookURL(webhookURL); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: invalid webhook url %q: %w", job.Key, webhookURL, err)
		}
		job.Delivery = domain.DeliveryConfig{
			Type:       domain.DeliveryTypeWebhook,
			WebhookURL: webhookURL,
			Secret:     os.ExpandEnv(s.Webhook.Secret),
			Timeout:    s.Webhook.Timeout.Duration(),
		}
	}

	if s.Analytics != nil {
		window, retention := s.Analytics.Window.Duration(), s.Analytics.Retention.Duration()
		if !validWindows[window] {
			return domain.Job{}, fmt.Errorf("job %s: analytics window must be 1m, 5m or 1h, got %s", job.Key, window)
		}
		if retention < window {
			return domain.Job{}, fmt.Errorf("job %s: analytics retention %s shorter than window %s", job.Key, retention, window)
		}
		job.Analytics = domain.AnalyticsConfig{Enabled: true, Window: window, Retention: retention}
	}
	return job, nil
}

func (s TriggerSpec) build() (domain.Trigger, error) {
	key := domain.NewTriggerKey(s.Name, s.Group)
	jobKey, err := resolveJob(s.Job, key.Group)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("trigger %s: %w", key, err)
	}

	repeat := domain.RepeatForever
	if s.Repeat != nil {
		repeat = *s.Repeat
	}
	t := domain.Trigger{
		Key:         key,
		JobKey:      jobKey,
		Description: s.Description,
		Priority:    s.Priority,
		Schedule: domain.Schedule{
			Cron:     s.Cron,
			Timezone: s.Timezone,
			Interval: s.Interval.Duration(),
		},
		MisfirePolicy: domain.MisfirePolicy(strings.ToLower(s.Misfire)),
		StartAt:       s.StartAt,
		EndAt:         s.EndAt,
	}
	if t.Schedule.IsInterval() {
		t.Schedule.RepeatCount = repeat
	}
	if err := t.Validate(); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func resolveJob(ref, group string) (domain.JobKey, error) {
	if ref == "" {
		return domain.JobKey{}, fmt.Errorf("job is required")
	}
	if strings.Contains(ref, ":") {
		return domain.ParseJobKey(ref)
	}
	return domain.NewJobKey(ref, group), nil
}

// Job implements dispatcher.JobLookup.
func (c *Catalog) Job(key domain.JobKey) (domain.Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[key]
	return j, ok
}

// Concurrency implements overlap.PolicySource.
func (c *Catalog) Concurrency(key domain.JobKey) (domain.ConcurrencyPolicy, bool) {
	j, ok := c.Job(key)
	if !ok {
		return "", false
	}
	return j.Concurrency, true
}

// Put adds or replaces a job.
func (c *Catalog) Put(job domain.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[job.Key] = job
}

// PutTrigger declares a trigger to be scheduled when a node joins.
func (c *Catalog) PutTrigger(t domain.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, t)
}

// Jobs returns all jobs ordered by key.
func (c *Catalog) Jobs() []domain.Job {
	c.mu.RLock()
	out := make([]domain.Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		return out[i].Key.String() < out[k].Key.String()
	})
	return out
}

// Triggers returns the triggers declared in the catalog file.
func (c *Catalog) Triggers() []domain.Trigger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Trigger(nil), c.triggers...)
}
