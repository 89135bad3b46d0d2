package testutil

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/djlord-it/clustercron/internal/dispatcher"
)

func TestContext_HasDeadline(t *testing.T) {
	ctx := Context(t)
	if _, ok := ctx.Deadline(); !ok {
		t.Error("Context should carry a deadline")
	}
}

func TestWebhookRecorder(t *testing.T) {
	scheduled := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	payload := dispatcher.WebhookPayload{
		Trigger:     "g:t1",
		Node:        "node-a",
		ScheduledAt: scheduled.Format(time.RFC3339),
	}

	r := &WebhookRecorder{}
	for i := 0; i < 2; i++ {
		res := r.Send(context.Background(), dispatcher.WebhookRequest{Payload: payload})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("Send status = %d, want 200", res.StatusCode)
		}
	}
	payload.Node = "node-b"
	r.Send(context.Background(), dispatcher.WebhookRequest{Payload: payload})

	if got := r.Total(); got != 3 {
		t.Errorf("Total() = %d, want 3", got)
	}
	if got := r.Times("g:t1", scheduled); got != 3 {
		t.Errorf("Times(g:t1) = %d, want 3", got)
	}
	if got := r.Times("g:t1", scheduled.Add(time.Hour)); got != 0 {
		t.Errorf("Times at another hour = %d, want 0", got)
	}
	if got := r.ByNode(); got["node-a"] != 2 || got["node-b"] != 1 {
		t.Errorf("ByNode() = %v", got)
	}
}
