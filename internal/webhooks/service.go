// Package webhooks notifies external receivers of ledger events, so that
// auditors can record each revision as it is appended.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledger-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher delivers events to a fixed set of endpoints.
type Dispatcher struct {
	endpoints  []Endpoint
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher for endpoints.
func NewDispatcher(endpoints []Endpoint, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// SetRetryDelays replaces the wait before each attempt; its length is the
// number of attempts.
func (d *Dispatcher) SetRetryDelays(delays []time.Duration) {
	d.delays = delays
}

// Dispatch fans out an event to all matching endpoints in the background.
// Delivery is not bound to ctx's cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, ep := range d.endpoints {
		if !ep.wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ctx, ep, body)
		}()
	}
}

// Wait blocks until every pending delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver sends body to a single endpoint with retries.
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, body []byte) {
	signature := Sign(body, ep.Secret)

	for attempt, delay := range d.delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		success, errMsg := d.doDelivery(ctx, ep.URL, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(success)
		}
		if success {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", ep.URL),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Valid reports whether signature matches body under secret.
func Valid(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
