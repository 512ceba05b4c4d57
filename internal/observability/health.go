package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Check and aggregate states.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthFail     = "fail"
)

// Pinger reaches a storage backend. storage.Journal implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SandboxProber runs a trivial snippet and reports which backend served
// it. *sandbox.Executor implements it.
type SandboxProber interface {
	Check(ctx context.Context) error
	BackendName() string
	FallbackName() string
	FallbackActive() bool
}

// HealthChecker reports whether the pieces a run depends on are usable.
type HealthChecker struct {
	checks  []readinessCheck
	anomaly *AnomalyDetector
	logger  *slog.Logger
}

type readinessCheck struct {
	name string
	run  func(ctx context.Context) CheckResult
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status    string                 `json:"status"` // "ok" or "degraded"
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Anomalies []string               `json:"anomalies,omitempty"` // Operations above their error-rate threshold.
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string            `json:"status"` // ok, degraded or fail
	Message   string            `json:"message,omitempty"`
	LatencyMS int64             `json:"latency_ms"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddJournalCheck verifies the run journal answers a ping.
func (h *HealthChecker) AddJournalCheck(p Pinger) {
	h.checks = append(h.checks, readinessCheck{
		name: "journal",
		run: func(ctx context.Context) CheckResult {
			return resultOf(p.Ping(ctx))
		},
	})
}

// AddSandboxCheck runs a snippet through the executor. The check degrades
// when the primary backend could not start and the fallback served it.
func (h *HealthChecker) AddSandboxCheck(s SandboxProber) {
	h.checks = append(h.checks, readinessCheck{
		name: "sandbox",
		run: func(ctx context.Context) CheckResult {
			res := resultOf(s.Check(ctx))
			res.Detail = map[string]string{"backend": s.BackendName()}
			if fb := s.FallbackName(); fb != "" {
				res.Detail["fallback"] = fb
				res.Detail["fallback_active"] = strconv.FormatBool(s.FallbackActive())
				if res.Status == HealthOK && s.FallbackActive() {
					res.Status = HealthDegraded
					res.Message = s.BackendName() + " backend unavailable, serving from " + fb
				}
			}
			return res
		},
	})
}

// WatchAnomalies lists the detector's alerting operations in readiness
// responses. Anomalies are informational and never change Status.
func (h *HealthChecker) WatchAnomalies(a *AnomalyDetector) {
	h.anomaly = a
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: HealthOK}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if every check is ok.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: HealthOK}
	for _, op := range h.anomaly.Alerting() {
		status.Anomalies = append(status.Anomalies, string(op))
	}
	if len(h.checks) == 0 {
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status.Checks = make(map[string]CheckResult, len(h.checks))
	for _, c := range h.checks {
		start := time.Now()
		res := c.run(checkCtx)
		res.LatencyMS = time.Since(start).Milliseconds()
		status.Checks[c.name] = res

		if res.Status == HealthOK {
			continue
		}
		status.Status = HealthDegraded
		if h.logger != nil {
			h.logger.Warn("readiness check not ok",
				slog.String("check", c.name),
				slog.String("status", res.Status),
				slog.String("message", res.Message),
			)
		}
	}
	return status
}

func resultOf(err error) CheckResult {
	if err != nil {
		return CheckResult{Status: HealthFail, Message: err.Error()}
	}
	return CheckResult{Status: HealthOK}
}
