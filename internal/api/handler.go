// Package api serves the admin HTTP surface of a node: trigger management,
// the job catalog and health endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/predicate"
	"github.com/djlord-it/clustercron/internal/registry"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

const healthCheckTimeout = 3 * time.Second

type Registry interface {
	Schedule(ctx context.Context, t domain.Trigger) (domain.Record, error)
	Unschedule(ctx context.Context, key domain.TriggerKey) (bool, error)
	Pause(ctx context.Context, key domain.TriggerKey) (domain.Record, error)
	Resume(ctx context.Context, key domain.TriggerKey) (domain.Record, error)
	State(ctx context.Context, key domain.TriggerKey) (domain.State, error)
	Get(ctx context.Context, key domain.TriggerKey) (domain.Record, error)
	List(ctx context.Context, p predicate.Predicate) ([]domain.Record, error)
}

type Catalog interface {
	Job(key domain.JobKey) (domain.Job, bool)
	Jobs() []domain.Job
}

// Check reports the health of one component.
type Check func(ctx context.Context) error

type Handler struct {
	registry Registry
	catalog  Catalog
	health   healthcheck.Handler
	checks   map[string]Check
	logger   *zap.SugaredLogger
}

func NewHandler(reg Registry, catalog Catalog) *Handler {
	return &Handler{
		registry: reg,
		catalog:  catalog,
		health:   healthcheck.NewHandler(),
		checks:   make(map[string]Check),
		logger:   logging.Nop(),
	}
}

func (h *Handler) WithLogger(logger *zap.SugaredLogger) *Handler {
	h.logger = logging.OrNop(logger).Named("api")
	return h
}

// WithLivenessCheck registers a check that fails /live. It is also reported
// by /health?verbose=true.
func (h *Handler) WithLivenessCheck(name string, check Check) *Handler {
	h.checks[name] = check
	h.health.AddLivenessCheck(name, h.bind(check))
	return h
}

// WithReadinessCheck registers a check that fails /ready. It is also
// reported by /health?verbose=true.
func (h *Handler) WithReadinessCheck(name string, check Check) *Handler {
	h.checks[name] = check
	h.health.AddReadinessCheck(name, h.bind(check))
	return h
}

func (h *Handler) bind(check Check) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return check(ctx)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.healthz(w, r)

	case path == "/live" && r.Method == http.MethodGet:
		h.health.LiveEndpoint(w, r)

	case path == "/ready" && r.Method == http.MethodGet:
		h.health.ReadyEndpoint(w, r)

	case path == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)

	case path == "/triggers" && r.Method == http.MethodPost:
		h.createTrigger(w, r)

	case path == "/triggers" && r.Method == http.MethodGet:
		h.listTriggers(w, r)

	case len(parts) == 3 && parts[0] == "triggers" && r.Method == http.MethodGet:
		h.getTrigger(w, r, domain.NewTriggerKey(parts[2], parts[1]))

	case len(parts) == 3 && parts[0] == "triggers" && r.Method == http.MethodDelete:
		h.deleteTrigger(w, r, domain.NewTriggerKey(parts[2], parts[1]))

	case len(parts) == 4 && parts[0] == "triggers" && parts[3] == "state" && r.Method == http.MethodGet:
		h.triggerState(w, r, domain.NewTriggerKey(parts[2], parts[1]))

	case len(parts) == 4 && parts[0] == "triggers" && parts[3] == "pause" && r.Method == http.MethodPost:
		h.changeState(w, r, "pause", domain.NewTriggerKey(parts[2], parts[1]), h.registry.Pause)

	case len(parts) == 4 && parts[0] == "triggers" && parts[3] == "resume" && r.Method == http.MethodPost:
		h.changeState(w, r, "resume", domain.NewTriggerKey(parts[2], parts[1]), h.registry.Resume)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(h.checks)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) createTrigger(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	t, err := buildTrigger(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.catalog.Job(t.JobKey); !ok {
		writeError(w, http.StatusBadRequest, "unknown job "+t.JobKey.String())
		return
	}

	rec, err := h.registry.Schedule(r.Context(), t)
	switch {
	case errors.Is(err, registry.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "trigger already exists")
		return
	case errors.Is(err, registry.ErrNeverFires):
		writeError(w, http.StatusBadRequest, "trigger will never fire")
		return
	case err != nil:
		h.logger.Errorw("schedule trigger failed", "trigger", t.Key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule trigger")
		return
	}

	writeJSON(w, http.StatusCreated, toTriggerResponse(rec))
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The first filter is evaluated by the map; the rest locally.
	var query predicate.Predicate = predicate.All{}
	if len(filters) > 0 {
		query = filters[0]
	}
	records, err := h.registry.List(r.Context(), query)
	if err != nil {
		h.logger.Errorw("list triggers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list triggers")
		return
	}
	for _, p := range filters[min(1, len(filters)):] {
		records = predicate.Filter(p, records)
	}

	resp := ListTriggersResponse{Triggers: []TriggerResponse{}}
	for i := offset; i < len(records) && i < offset+limit; i++ {
		resp.Triggers = append(resp.Triggers, toTriggerResponse(records[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request, key domain.TriggerKey) {
	rec, err := h.registry.Get(r.Context(), key)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	if err != nil {
		h.logger.Errorw("get trigger failed", "trigger", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get trigger")
		return
	}
	writeJSON(w, http.StatusOK, toTriggerResponse(rec))
}

// triggerState answers NONE for unknown keys instead of 404.
func (h *Handler) triggerState(w http.ResponseWriter, r *http.Request, key domain.TriggerKey) {
	st, err := h.registry.State(r.Context(), key)
	if err != nil {
		h.logger.Errorw("trigger state failed", "trigger", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read trigger state")
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{Key: key.String(), State: string(st)})
}

// deleteTrigger is idempotent: deleting a missing trigger is a 204 as well.
func (h *Handler) deleteTrigger(w http.ResponseWriter, r *http.Request, key domain.TriggerKey) {
	if _, err := h.registry.Unschedule(r.Context(), key); err != nil {
		h.logger.Errorw("unschedule trigger failed", "trigger", key.String(), "error", err)
		writeError(w, statusFor(err), "failed to delete trigger")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changeState(w http.ResponseWriter, r *http.Request, op string, key domain.TriggerKey,
	apply func(context.Context, domain.TriggerKey) (domain.Record, error)) {
	rec, err := apply(r.Context(), key)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Errorw(op+" trigger failed", "trigger", key.String(), "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTriggerResponse(rec))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.catalog.Jobs()
	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = JobResponse{
			Key:         j.Key.String(),
			Name:        j.Key.Name,
			Group:       j.Key.Group,
			Description: j.Description,
			Concurrency: string(j.Concurrency),
			Delivery:    string(j.Delivery.Type),
			WebhookURL:  j.Delivery.WebhookURL,
			Analytics:   j.Analytics.Enabled,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrBusy), errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, registry.ErrContended):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toTriggerResponse(rec domain.Record) TriggerResponse {
	t := rec.Trigger
	return TriggerResponse{
		Key:             t.Key.String(),
		Name:            t.Key.Name,
		Group:           t.Key.Group,
		Job:             t.JobKey.String(),
		Description:     t.Description,
		Priority:        t.Priority,
		CronExpression:  t.Schedule.Cron,
		Timezone:        t.Schedule.Timezone,
		IntervalSeconds: int(t.Schedule.Interval / time.Second),
		MisfirePolicy:   string(t.Misfire()),
		State:           string(rec.State),
		Owner:           rec.Owner,
		FireID:          rec.FireID,
		NextFireTime:    formatTime(t.NextFireTime),
		PrevFireTime:    formatTime(t.PrevFireTime),
		TimesFired:      t.TimesFired,
		LastError:       rec.LastError,
		Version:         rec.Version,
		UpdatedAt:       formatTime(rec.LastUpdate),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parseFilters turns ?state=WAITING,BLOCKED&job=group:name into predicates.
func parseFilters(r *http.Request) ([]predicate.Predicate, error) {
	var filters []predicate.Predicate
	if raw := r.URL.Query().Get("state"); raw != "" {
		var states []domain.State
		for _, s := range strings.Split(raw, ",") {
			st, err := domain.ParseState(s)
			if err != nil {
				return nil, err
			}
			states = append(states, st)
		}
		filters = append(filters, predicate.NewInStates(states...))
	}
	if raw := r.URL.Query().Get("job"); raw != "" {
		job, err := domain.ParseJobKey(raw)
		if err != nil {
			return nil, err
		}
		filters = append(filters, predicate.SiblingsOfJob{Job: job})
	}
	// Narrower filters first.
	sort.SliceStable(filters, func(i, j int) bool {
		return filters[i].Kind() == predicate.KindSiblingsOfJob && filters[j].Kind() != predicate.KindSiblingsOfJob
	})
	return filters, nil
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
