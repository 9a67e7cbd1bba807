// Package notify delivers signed JSON webhooks for pipeline incidents:
// failed ingests, degraded records, verification mismatches and source
// rotations.
package notify

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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types dispatched by the system.
const (
	EventIngestFailed  = "cdr.ingest_failed"
	EventDegraded      = "cdr.degraded"
	EventMismatch      = "cdr.mismatch"
	EventSourceRotated = "source.rotated"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>".
const SignatureHeader = "X-CDR-Signature"

// Config lists webhook targets.
type Config struct {
	URLs    []string
	Secret  string
	Events  []string // empty means all events
	Timeout time.Duration
	// Delays is the wait before each attempt. Default 0s, 1s, 5s.
	Delays []time.Duration
}

// Event is the JSON body of a webhook.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(eventType string, success bool)

// Service dispatches events to every configured URL.
type Service struct {
	cfg        Config
	events     map[string]bool
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewService creates a Service. With no URLs Dispatch is a no-op.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Delays) == 0 {
		cfg.Delays = []time.Duration{0, 1 * time.Second, 5 * time.Second}
	}
	var filter map[string]bool
	if len(cfg.Events) > 0 {
		filter = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			filter[e] = true
		}
	}
	return &Service{
		cfg:        cfg,
		events:     filter,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Enabled reports whether any target is configured.
func (s *Service) Enabled() bool { return len(s.cfg.URLs) > 0 }

// Dispatch fans the event out to all targets in the background. Delivery
// outlives ctx cancellation so that shutdown-time failures are still sent;
// use Wait to block until in-flight deliveries finish.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if !s.Enabled() {
		return
	}
	if s.events != nil && !s.events[eventType] {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("notify: marshal event", zap.Error(err))
		return
	}
	signature := Sign(body, s.cfg.Secret)

	dctx := context.WithoutCancel(ctx)
	for _, url := range s.cfg.URLs {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			s.deliver(dctx, url, event, body, signature)
		}(url)
	}
}

// Wait blocks until all dispatched deliveries have finished.
func (s *Service) Wait() { s.wg.Wait() }

// deliver sends one event to one URL with retries.
func (s *Service) deliver(ctx context.Context, url string, event Event, body []byte, signature string) {
	for attempt, delay := range s.cfg.Delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		success, errMsg := s.doDelivery(ctx, url, body, signature)
		if s.onMetrics != nil {
			s.onMetrics(event.Type, success)
		}
		if success {
			return
		}

		s.logger.Warn("notify: delivery failed",
			zap.String("url", url),
			zap.String("event", event.Type),
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.httpClient.Do(req)
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
