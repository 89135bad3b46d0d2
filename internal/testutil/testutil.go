// Package testutil provides shared test helpers for clustercron.
package testutil

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/clustercron/internal/dispatcher"
)

// Context returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WebhookRecorder is a dispatcher.WebhookSender that accepts every delivery
// and remembers it.
type WebhookRecorder struct {
	mu       sync.Mutex
	payloads []dispatcher.WebhookPayload
}

func (r *WebhookRecorder) Send(ctx context.Context, req dispatcher.WebhookRequest) dispatcher.WebhookResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, req.Payload)
	return dispatcher.WebhookResult{StatusCode: http.StatusOK}
}

// Total returns the number of deliveries.
func (r *WebhookRecorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

// Times returns how often the fire of trigger scheduled at was delivered.
func (r *WebhookRecorder) Times(trigger string, scheduled time.Time) int {
	at := scheduled.UTC().Format(time.RFC3339)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.payloads {
		if p.Trigger == trigger && p.ScheduledAt == at {
			n++
		}
	}
	return n
}

// ByNode returns the number of deliveries per firing node.
func (r *WebhookRecorder) ByNode() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, p := range r.payloads {
		out[p.Node]++
	}
	return out
}
