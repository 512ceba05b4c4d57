package observability

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/rlm/internal/config"
)

// Operation names an outcome stream the detector watches.
type Operation string

const (
	// OpLLMRequest counts provider calls; failed requests are errors.
	OpLLMRequest Operation = "llm_request"
	// OpSandboxTimeout counts snippet executions; timeouts are errors.
	OpSandboxTimeout Operation = "sandbox_timeout"
	// OpDelegation counts recursive_llm sub-runs; any sub-run that does not
	// end in success is an error.
	OpDelegation Operation = "delegation_failure"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	// minAnomalySamples is how many outcomes a window needs before its rate
	// is judged.
	minAnomalySamples = 5
)

// AnomalyDetector tracks per-operation error rates over a sliding window and
// warns when a rate crosses the configured threshold. Each operation alerts
// once per excursion and logs again when it recovers.
type AnomalyDetector struct {
	mu       sync.Mutex
	windows  map[Operation]*outcomeWindow
	alerting map[Operation]bool
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
	now      func() time.Time
}

type outcomeWindow struct {
	span   time.Duration
	events []outcome
}

type outcome struct {
	at     time.Time
	failed bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		windows:  make(map[Operation]*outcomeWindow),
		alerting: make(map[Operation]bool),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *AnomalyDetector) span() time.Duration {
	if a.cfg.WindowSeconds <= 0 {
		return defaultAnomalyWindow
	}
	return time.Duration(a.cfg.WindowSeconds) * time.Second
}

// Record adds an outcome of op to its window.
func (a *AnomalyDetector) Record(op Operation, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w, ok := a.windows[op]
	if !ok {
		w = &outcomeWindow{span: a.span()}
		a.windows[op] = w
	}
	w.events = append(w.events, outcome{at: now, failed: failed})
	w.prune(now)
	a.evaluate(op, w)
}

// evaluate flips op in or out of the alerting state. Must be called with
// a.mu held.
func (a *AnomalyDetector) evaluate(op Operation, w *outcomeWindow) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	rate, samples := w.rate()
	if samples < minAnomalySamples {
		return
	}

	high := rate > threshold
	if high == a.alerting[op] {
		return
	}
	a.alerting[op] = high
	if a.logger == nil {
		return
	}
	if high {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", string(op)),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("samples", samples),
		)
	} else {
		a.logger.Info("anomaly cleared",
			slog.String("operation", string(op)),
			slog.Float64("error_rate", rate),
		)
	}
}

// Rate reports the error rate of op within the window and how many
// outcomes it is based on.
func (a *AnomalyDetector) Rate(op Operation) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[op]
	if !ok {
		return 0, 0
	}
	w.prune(a.now())
	return w.rate()
}

// Alerting lists the operations currently above the threshold, sorted.
func (a *AnomalyDetector) Alerting() []Operation {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var ops []Operation
	for op, on := range a.alerting {
		if !on {
			continue
		}
		// An alert whose window has emptied out is over.
		w := a.windows[op]
		w.prune(now)
		if len(w.events) == 0 {
			a.alerting[op] = false
			continue
		}
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

func (w *outcomeWindow) rate() (float64, int) {
	if len(w.events) == 0 {
		return 0, 0
	}
	failed := 0
	for _, e := range w.events {
		if e.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.events)), len(w.events)
}

// prune drops outcomes older than the window.
func (w *outcomeWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}
