// Command webhook-receiver accepts clustercron deliveries, checks their
// signature and counts duplicate fires. It is meant for local clusters and
// failover drills.
package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/djlord-it/clustercron/internal/dispatcher"
	"github.com/djlord-it/clustercron/internal/logging"
)

const maxStored = 50

type request struct {
	Timestamp string            `json:"timestamp"`
	FireID    string            `json:"fire_id"`
	AttemptID string            `json:"attempt_id"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

type stats struct {
	Count        int64          `json:"count"`
	Fires        int            `json:"fires"`
	Duplicates   int64          `json:"duplicates"`
	Rejected     int64          `json:"rejected"`
	ByNode       map[string]int `json:"by_node"`
	LastRequests []request      `json:"last_requests"`
	Since        string         `json:"since"`
}

type receiver struct {
	secret string
	logger *zap.SugaredLogger

	mu         sync.Mutex
	count      int64
	duplicates int64
	rejected   int64
	seen       map[string]bool
	byNode     map[string]int
	last       []request
	since      time.Time
}

func newReceiver(secret string, logger *zap.SugaredLogger) *receiver {
	r := &receiver{secret: secret, logger: logging.OrNop(logger)}
	r.reset()
	return r
}

func (rc *receiver) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.count, rc.duplicates, rc.rejected = 0, 0, 0
	rc.seen = make(map[string]bool)
	rc.byNode = make(map[string]int)
	rc.last = nil
	rc.since = time.Now().UTC()
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rc.hook)
	mux.HandleFunc("/hook/", rc.hook)
	mux.HandleFunc("/stats", rc.stats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.reset()
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "reset\n")
	})
	return mux
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rc.secret != "" && !dispatcher.VerifySignature(rc.secret, body, r.Header.Get(dispatcher.HeaderSignature)) {
		rc.mu.Lock()
		rc.rejected++
		rc.mu.Unlock()
		rc.logger.Warnw("signature mismatch", "fire_id", r.Header.Get(dispatcher.HeaderFireID))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload dispatcher.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	fireID := r.Header.Get(dispatcher.HeaderFireID)
	if fireID == "" {
		fireID = payload.FireID
	}

	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	req := request{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		FireID:    fireID,
		AttemptID: r.Header.Get(dispatcher.HeaderAttemptID),
		Headers:   headers,
		Body:      string(body),
	}

	// A fire is identified by trigger and scheduled time; a fire id seen
	// twice is a retried attempt, a new fire id for a seen fire is a duplicate.
	fire := payload.Trigger + "@" + payload.ScheduledAt

	rc.mu.Lock()
	rc.count++
	duplicate := rc.seen[fire] && !rc.seen[fireID]
	if duplicate {
		rc.duplicates++
	}
	first := !rc.seen[fire]
	rc.seen[fire] = true
	rc.seen[fireID] = true
	if first {
		rc.byNode[payload.Node]++
	}
	rc.last = append(rc.last, req)
	if len(rc.last) > maxStored {
		rc.last = rc.last[len(rc.last)-maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	rc.logger.Infow("hook received", "n", current, "trigger", payload.Trigger,
		"scheduled_at", payload.ScheduledAt, "node", payload.Node, "fire_id", fireID, "duplicate", duplicate)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"received": current, "duplicate": duplicate})
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:        rc.count,
		Duplicates:   rc.duplicates,
		Rejected:     rc.rejected,
		ByNode:       make(map[string]int, len(rc.byNode)),
		LastRequests: append([]request(nil), rc.last...),
		Since:        rc.since.Format(time.RFC3339),
	}
	for node, n := range rc.byNode {
		s.ByNode[node] = n
		s.Fires += n
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func main() {
	logger, err := logging.New("info", logging.FormatConsole, "")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	rc := newReceiver(os.Getenv("WEBHOOK_SECRET"), logger)

	server := &http.Server{Addr: addr, Handler: rc.routes(), ReadHeaderTimeout: 10 * time.Second}
	logger.Infow("webhook-receiver listening", "addr", addr, "verify_signatures", rc.secret != "")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalw("server failed", "error", err)
	}
}
