// Package health implements the Health Supervisor: one per backend, it
// periodically probes the backend's Session and drives the backend's
// availability state machine, including exponential-retry reconnection and
// restart.
package health

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/backend"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/config"
)

// Status is one state of a backend's availability state machine.
type Status string

const (
	StatusDisabled Status = "Disabled"
	StatusStarting Status = "Starting"
	StatusReady    Status = "Ready"
	StatusDegraded Status = "Degraded"
	StatusFailed   Status = "Failed"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
)

// ReadinessEvent is published to the Registry whenever a backend transitions
// into or out of Ready, or reports a capability-changed notification. The
// Registry drains and coalesces these on a bounded channel rather than being
// called synchronously, per spec.md §9 "message-passing over shared state".
type ReadinessEvent struct {
	Backend string
	Ready   bool
	// CapabilityChanged is set when the event is a catalog-changed
	// notification rather than a readiness transition.
	CapabilityChanged bool
}

const (
	maxBackoff      = 30 * time.Second
	jitterFraction  = 0.2
	sustainedPeriod = 1 // number of full probe intervals of Ready before restartAttempts resets
)

// Supervisor owns one backend's Session across restarts and drives its
// state machine per spec.md §4.2.
type Supervisor struct {
	cfg    config.BackendConfig
	agg    config.AggregationConfig
	logger *zap.Logger
	events chan<- ReadinessEvent

	session atomic.Pointer[backend.Session]

	mu                   sync.Mutex
	status               Status
	consecutiveFailures  int
	restartAttempts      int
	lastSuccess          time.Time
	lastFailure          time.Time
	nextRetryAt          time.Time
	readySince           time.Time
	sustainedReadyTicks  int

	httpClient *http.Client
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New creates a Supervisor for cfg. events is the bounded channel the
// Supervisor publishes ReadinessEvent values to; it must not block for long
// (the Registry is expected to drain it promptly).
func New(cfg config.BackendConfig, agg config.AggregationConfig, logger *zap.Logger, events chan<- ReadinessEvent) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		agg:        agg,
		logger:     logger.With(zap.String("backend", cfg.Name)),
		events:     events,
		status:     StatusStopped,
		httpClient: &http.Client{Timeout: cfg.HealthCheck.Timeout},
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Status returns the backend's current availability status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Session returns the backend's current Session, or nil if none is running.
func (s *Supervisor) Session() *backend.Session {
	return s.session.Load()
}

// Name returns the supervised backend's configured name, satisfying
// registry.Source.
func (s *Supervisor) Name() string {
	return s.cfg.Name
}

// Ready reports whether the backend is currently in the Ready state,
// satisfying registry.Source.
func (s *Supervisor) Ready() bool {
	return s.Status() == StatusReady
}

// Priority returns the backend's configured priority, satisfying
// registry.Source.
func (s *Supervisor) Priority() int {
	return s.cfg.Priority
}

// Namespaces returns the backend's configured tool/resource/prompt
// namespace overrides, satisfying registry.Source.
func (s *Supervisor) Namespaces() (tool, resource, prompt string) {
	return s.cfg.ToolNamespace, s.cfg.ResourceNamespace, s.cfg.PromptNamespace
}

// Timeout returns the backend's configured request timeout, satisfying
// registry.Source.
func (s *Supervisor) Timeout() time.Duration {
	return s.cfg.Timeout
}

func (s *Supervisor) setStatus(next Status) {
	s.mu.Lock()
	prev := s.status
	s.status = next
	s.mu.Unlock()

	wasReady, isReady := prev == StatusReady, next == StatusReady
	if wasReady != isReady {
		s.publish(ReadinessEvent{Backend: s.cfg.Name, Ready: isReady})
	}
}

func (s *Supervisor) publish(ev ReadinessEvent) {
	select {
	case s.events <- ev:
	default:
		// Bounded channel is full; the Registry coalesces triggers, so a
		// dropped signal here is still covered by the next successful send.
		s.logger.Debug("readiness event channel full, dropping", zap.String("backend", ev.Backend))
	}
}

// Run drives the backend's state machine until ctx is cancelled or Stop is
// called. It blocks; callers run it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.doneCh)

	s.setStatus(StatusStarting)

	if !s.startSession(ctx) {
		s.setStatus(StatusFailed)
		s.scheduleRetry()
	} else {
		s.setStatus(StatusReady)
		s.markSuccess()
	}

	ticker := time.NewTicker(s.cfg.HealthCheck.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdownSession()

			return
		case <-s.stopCh:
			s.shutdownSession()

			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.notifyCh():
			if sess := s.session.Load(); sess != nil {
				refreshCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
				if err := sess.RefreshCatalog(refreshCtx, s.agg); err != nil {
					s.logger.Warn("catalog refresh failed", zap.Error(err))
				}
				cancel()
			}

			s.publish(ReadinessEvent{Backend: s.cfg.Name, CapabilityChanged: true})
		}
	}
}

// notifyCh returns the current session's capability-changed channel, or a
// nil channel (which blocks forever in a select) if there is no session.
func (s *Supervisor) notifyCh() <-chan struct{} {
	if sess := s.session.Load(); sess != nil {
		return sess.NotifyCh
	}

	return nil
}

func (s *Supervisor) tick(ctx context.Context) {
	switch s.Status() {
	case StatusReady, StatusDegraded:
		s.probe(ctx)
	case StatusFailed:
		s.maybeRestart(ctx)
	}
}

func (s *Supervisor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheck.Timeout)
	defer cancel()

	if err := s.runProbe(probeCtx); err != nil {
		s.onProbeFailure(err)

		return
	}

	s.onProbeSuccess()
}

func (s *Supervisor) onProbeSuccess() {
	s.mu.Lock()
	wasDegraded := s.status == StatusDegraded
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	s.sustainedReadyTicks++

	if s.sustainedReadyTicks >= sustainedPeriod {
		s.restartAttempts = 0
	}
	s.mu.Unlock()

	if wasDegraded {
		s.setStatus(StatusReady)
	}
}

func (s *Supervisor) onProbeFailure(err error) {
	s.logger.Warn("probe failed", zap.Error(err))

	s.mu.Lock()
	s.consecutiveFailures++
	s.lastFailure = time.Now()
	s.sustainedReadyTicks = 0
	failures := s.consecutiveFailures
	max := s.cfg.HealthCheck.MaxConsecutiveFailures
	s.mu.Unlock()

	if failures >= max {
		s.setStatus(StatusFailed)
		s.scheduleRetry()
		s.shutdownSession()

		return
	}

	s.setStatus(StatusDegraded)
}

// runProbe issues the configured probe operation against the current
// session, per spec.md §4.2. Any non-error response counts as success.
func (s *Supervisor) runProbe(ctx context.Context) error {
	probe := s.cfg.HealthCheck.Probe
	if probe == "" {
		probe = config.ProbeListTools
	}

	if probe == config.ProbePing {
		return s.runPingProbe(ctx)
	}

	sess := s.session.Load()
	if sess == nil {
		return fmt.Errorf("no active session")
	}

	method, params := probeRequest(probe, s.cfg.HealthCheck.ProbeParams)

	_, err := sess.Request(ctx, method, params)

	return err
}

func probeRequest(probe config.ProbeKind, params map[string]interface{}) (string, interface{}) {
	switch probe {
	case config.ProbeListResources:
		return "resources/list", nil
	case config.ProbeReadResource:
		return "resources/read", params
	case config.ProbeCallTool:
		return "tools/call", params
	default:
		return "tools/list", nil
	}
}

func (s *Supervisor) runPingProbe(ctx context.Context) error {
	url, _ := s.cfg.HealthCheck.ProbeParams["url"].(string)
	if url == "" {
		return fmt.Errorf("ping probe requires probe_params.url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	expectedStatus := s.cfg.HealthCheck.ExpectedStatus
	if expectedStatus != 0 && resp.StatusCode != expectedStatus {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if s.cfg.HealthCheck.ExpectedContent != "" {
		buf := make([]byte, 4096)
		n, _ := resp.Body.Read(buf)

		if !strings.Contains(string(buf[:n]), s.cfg.HealthCheck.ExpectedContent) {
			return fmt.Errorf("response did not contain expected content")
		}
	}

	return nil
}

// maybeRestart implements the Failed -> Starting transition, per the Open
// Question decision in spec.md §9: with autoRestart disabled, or restart
// attempts exhausted, the backend stays Failed until explicit administrative
// action (out of scope here) restarts the process.
func (s *Supervisor) maybeRestart(ctx context.Context) {
	hc := s.cfg.HealthCheck

	s.mu.Lock()
	attempts := s.restartAttempts
	due := time.Now().After(s.nextRetryAt) || time.Now().Equal(s.nextRetryAt)
	s.mu.Unlock()

	if !hc.AutoRestart || attempts >= hc.MaxRestartAttempts || !due {
		return
	}

	s.mu.Lock()
	s.restartAttempts++
	s.mu.Unlock()

	s.setStatus(StatusStarting)

	if !s.startSession(ctx) {
		s.setStatus(StatusFailed)
		s.scheduleRetry()

		return
	}

	s.setStatus(StatusReady)
	s.markSuccess()
}

func (s *Supervisor) markSuccess() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	s.readySince = time.Now()
	s.sustainedReadyTicks = 0
	s.mu.Unlock()
}

// scheduleRetry sets nextRetryAt using exponential backoff with ±20% jitter,
// per spec.md §4.2 Retry backoff. The base delay is capped at 30s before the
// jitter is applied, so a capped retry lands between 24s and 36s.
func (s *Supervisor) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.cfg.HealthCheck.RestartDelay
	for i := 0; i < s.restartAttempts && delay < maxBackoff; i++ {
		delay *= 2
	}

	if delay > maxBackoff {
		delay = maxBackoff
	}

	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFraction * float64(delay)) //nolint:gosec // timing jitter, not security sensitive
	s.nextRetryAt = time.Now().Add(delay + jitter)
	s.lastFailure = time.Now()
}

// startSession creates and starts a fresh Session (a fresh subprocess) for
// this backend, replacing whatever session previously existed.
func (s *Supervisor) startSession(ctx context.Context) bool {
	sess := backend.New(s.cfg, s.logger)

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := sess.Start(startCtx, s.agg); err != nil {
		s.logger.Warn("backend session failed to start", zap.Error(err))

		return false
	}

	s.session.Store(sess)

	return true
}

func (s *Supervisor) shutdownSession() {
	if sess := s.session.Load(); sess != nil {
		_ = sess.Stop(s.cfg.HealthCheck.Timeout)
	}
}

// Stop requests Run to exit and stops the backend's session with grace,
// transitioning through Stopping to Stopped.
func (s *Supervisor) Stop(grace time.Duration) {
	s.setStatus(StatusStopping)
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(grace):
	}

	s.setStatus(StatusStopped)
}
