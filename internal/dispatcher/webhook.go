package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const (
	HeaderAttemptID   = "X-ClusterCron-Attempt-ID"
	HeaderFireID      = "X-ClusterCron-Fire-ID"
	HeaderNode        = "X-ClusterCron-Node"
	HeaderScheduledAt = "X-ClusterCron-Scheduled-At"
	HeaderSignature   = "X-ClusterCron-Signature"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	userAgent             = "clustercron-webhook/1"
	// maxDrainBytes caps how much of a response body is read so the
	// connection can be reused.
	maxDrainBytes = 64 << 10
)

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// Send posts the webhook payload with an HMAC-SHA256 signature of the body.
// Receivers deduplicate on the fire id header; the attempt id changes on
// every retry of the same fire.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	signature := computeSignature(req.Secret, body)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultWebhookTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(HeaderAttemptID, req.AttemptID)
	httpReq.Header.Set(HeaderFireID, req.Payload.FireID)
	httpReq.Header.Set(HeaderScheduledAt, req.Payload.ScheduledAt)
	if req.Payload.Node != "" {
		httpReq.Header.Set(HeaderNode, req.Payload.Node)
	}
	httpReq.Header.Set(HeaderSignature, signature)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
