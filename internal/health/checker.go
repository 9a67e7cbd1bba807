// Package health periodically probes the services the pipeline depends on
// and publishes an aggregate status for /healthz and the gRPC health
// service.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EventComponentDegraded is dispatched when a probe crosses the fail
// threshold.
const EventComponentDegraded = "health.degraded"

// Status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusUnknown  = "unknown"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency. A nil error means healthy.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ComponentStatus is the last known state of one probe.
type ComponentStatus struct {
	Status      string    `json:"status"`
	FailCount   int       `json:"fail_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Snapshot is the aggregate state.
type Snapshot struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
}

// WebhookDispatchFunc is an optional callback for dispatching degraded events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(component string, success bool)

// HealthChecker runs periodic probes.
type HealthChecker struct {
	probes []Probe
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	state map[string]ComponentStatus

	grpc      *grpchealth.Server
	onWebhook WebhookDispatchFunc
	onMetrics MetricsRecordFunc
}

// New creates a new HealthChecker.
func New(probes []Probe, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	state := make(map[string]ComponentStatus, len(probes))
	for _, p := range probes {
		state[p.Name] = ComponentStatus{Status: StatusUnknown}
	}
	return &HealthChecker{
		probes: probes,
		cfg:    cfg,
		logger: logger,
		state:  state,
	}
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (h *HealthChecker) SetWebhookDispatch(fn WebhookDispatchFunc) {
	h.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// BindGRPC publishes the aggregate status, and each component's status
// under its own service name, to srv.
func (h *HealthChecker) BindGRPC(srv *grpchealth.Server) {
	h.mu.Lock()
	h.grpc = srv
	h.mu.Unlock()
	h.publish()
}

// Start runs the check loop until ctx is done. The first round runs
// immediately.
func (h *HealthChecker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and updates the state.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			h.run(ctx, p)
		}(p)
	}
	wg.Wait()
	h.publish()
}

func (h *HealthChecker) run(ctx context.Context, p Probe) {
	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	err := p.Check(pctx)
	cancel()

	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(p.Name, success)
	}

	h.mu.Lock()
	prev := h.state[p.Name]
	next := ComponentStatus{LastChecked: time.Now().UTC()}
	if success {
		next.Status = StatusHealthy
	} else {
		next.FailCount = prev.FailCount + 1
		next.LastError = err.Error()
		next.Status = prev.Status
		if next.FailCount >= h.cfg.FailThreshold {
			next.Status = StatusDegraded
		}
		if next.Status == StatusUnknown {
			next.Status = StatusHealthy
		}
	}
	h.state[p.Name] = next
	h.mu.Unlock()

	switch {
	case success && prev.Status == StatusDegraded:
		h.logger.Info("health: recovered", zap.String("component", p.Name))
	case !success && next.FailCount == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("component", p.Name),
			zap.Int("fail_count", next.FailCount),
			zap.Error(err),
		)
		if h.onWebhook != nil {
			h.onWebhook(ctx, EventComponentDegraded, map[string]string{
				"component": p.Name,
				"error":     err.Error(),
			})
		}
	case !success:
		h.logger.Debug("health: probe failed", zap.String("component", p.Name), zap.Error(err))
	}
}

// Snapshot returns the current state. The aggregate status is degraded if
// any component is degraded.
func (h *HealthChecker) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := Snapshot{Status: StatusHealthy, Components: make(map[string]ComponentStatus, len(h.state))}
	for name, st := range h.state {
		snap.Components[name] = st
		if st.Status == StatusDegraded {
			snap.Status = StatusDegraded
		}
	}
	return snap
}

// Healthy reports whether no component is degraded.
func (h *HealthChecker) Healthy() bool {
	return h.Snapshot().Status == StatusHealthy
}

func (h *HealthChecker) publish() {
	h.mu.RLock()
	srv := h.grpc
	h.mu.RUnlock()
	if srv == nil {
		return
	}

	snap := h.Snapshot()
	names := make([]string, 0, len(snap.Components))
	for name := range snap.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		srv.SetServingStatus(name, servingStatus(snap.Components[name].Status))
	}
	srv.SetServingStatus("", servingStatus(snap.Status))
}

func servingStatus(status string) healthpb.HealthCheckResponse_ServingStatus {
	if status == StatusDegraded {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// HTTPProbe returns a probe that succeeds when url answers with any status
// below 500. HEAD is tried first, then GET.
func HTTPProbe(name, url string) Probe {
	client := &http.Client{}
	return Probe{
		Name: name,
		Check: func(ctx context.Context) error {
			var lastErr error
			for _, method := range []string{http.MethodHead, http.MethodGet} {
				req, err := http.NewRequestWithContext(ctx, method, url, nil)
				if err != nil {
					return err
				}
				resp, err := client.Do(req)
				if err != nil {
					lastErr = err
					continue
				}
				resp.Body.Close()
				if resp.StatusCode < 500 {
					return nil
				}
				lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return lastErr
		},
	}
}
