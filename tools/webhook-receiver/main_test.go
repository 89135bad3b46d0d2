package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/clustercron/internal/dispatcher"
)

func deliver(t *testing.T, url, secret, fireID string, payload dispatcher.WebhookPayload) dispatcher.WebhookResult {
	t.Helper()
	payload.FireID = fireID
	return dispatcher.NewHTTPWebhookSender().Send(context.Background(), dispatcher.WebhookRequest{
		URL:       url,
		Secret:    secret,
		Payload:   payload,
		AttemptID: "attempt-" + fireID,
	})
}

func readStats(t *testing.T, url string) stats {
	t.Helper()
	resp, err := http.Get(url + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var s stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func TestReceiver_CountsDuplicateFires(t *testing.T) {
	rc := newReceiver("s3cret", nil)
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	payload := dispatcher.WebhookPayload{
		Job:         "billing:report",
		Trigger:     "billing:nightly",
		Node:        "node-a",
		ScheduledAt: "2026-03-01T02:00:00Z",
		FiredAt:     "2026-03-01T02:00:00Z",
	}

	assert.True(t, deliver(t, srv.URL+"/hook", "s3cret", "fire-1", payload).IsSuccess())
	// Retried attempt of the same fire.
	assert.True(t, deliver(t, srv.URL+"/hook", "s3cret", "fire-1", payload).IsSuccess())
	// The same scheduled fire delivered again by another node.
	payload.Node = "node-b"
	assert.True(t, deliver(t, srv.URL+"/hook", "s3cret", "fire-2", payload).IsSuccess())

	s := readStats(t, srv.URL)
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, int64(1), s.Duplicates)
	assert.Equal(t, 1, s.Fires)
	assert.Equal(t, map[string]int{"node-a": 1}, s.ByNode)
	require.Len(t, s.LastRequests, 3)
	assert.Equal(t, "attempt-fire-2", s.LastRequests[2].AttemptID)
}

func TestReceiver_RejectsBadSignature(t *testing.T) {
	rc := newReceiver("s3cret", nil)
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	res := deliver(t, srv.URL+"/hook", "wrong", "fire-1", dispatcher.WebhookPayload{Trigger: "g:t"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.False(t, res.IsRetryable())

	s := readStats(t, srv.URL)
	assert.Zero(t, s.Count)
	assert.Equal(t, int64(1), s.Rejected)
}

func TestReceiver_ResetAndHealth(t *testing.T) {
	rc := newReceiver("", nil)
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hook", "application/json", bytes.NewReader([]byte(`{"trigger":"g:t","scheduled_at":"x"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int64(1), readStats(t, srv.URL).Count)

	resp, err = http.Post(srv.URL+"/reset", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Zero(t, readStats(t, srv.URL).Count)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
