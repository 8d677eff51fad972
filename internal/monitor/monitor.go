// Package monitor tracks a sliding window of execution failures and
// pauses the auto loop when the pattern looks like an external resource
// limit rather than one-off bad luck.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/agent"
)

const instrumentationName = "github.com/halvardlabs/autoboard/internal/monitor"

// Record is one failure observation in the sliding window.
type Record struct {
	Timestamp time.Time
	Kind      agent.ErrorKind
	Message   string
}

// Config configures the failure monitor.
type Config struct {
	// Window is how far back failures count.
	Window time.Duration
	// Threshold is the failure count within the window that triggers a
	// pause.
	Threshold int
}

// DefaultConfig returns the stock 3-failures-in-60s policy.
func DefaultConfig() Config {
	return Config{Window: 60 * time.Second, Threshold: 3}
}

// Monitor is the failure monitor. Pause is signalled at most once until
// Reset; throttling-classified failures pause immediately regardless of
// count.
type Monitor struct {
	window    time.Duration
	threshold int
	logger    *zap.Logger
	now       func() time.Time

	failureCounter metric.Int64Counter
	pauseCounter   metric.Int64Counter

	mu      sync.Mutex
	records []Record
	paused  bool
	onPause func(reason string)
}

// New creates a monitor.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		window:    cfg.Window,
		threshold: cfg.Threshold,
		logger:    logger,
		now:       time.Now,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.failureCounter, err = meter.Int64Counter(
		"autoboard.monitor.failures_total",
		metric.WithDescription("Execution failures recorded"),
	)
	if err != nil {
		logger.Warn("failed to create failure counter", zap.Error(err))
	}
	m.pauseCounter, err = meter.Int64Counter(
		"autoboard.monitor.pauses_total",
		metric.WithDescription("Auto-loop pauses triggered"),
	)
	if err != nil {
		logger.Warn("failed to create pause counter", zap.Error(err))
	}

	return m
}

// SetPauseFunc registers the callback invoked when a pause is signalled.
// Must be set before the monitor starts receiving failures.
func (m *Monitor) SetPauseFunc(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPause = fn
}

// RecordFailure appends a failure to the window, prunes aged entries, and
// returns whether a pause was triggered. Rate-limit and quota failures
// pause immediately regardless of count.
func (m *Monitor) RecordFailure(kind agent.ErrorKind, message string) bool {
	if m.failureCounter != nil {
		m.failureCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
		))
	}

	m.mu.Lock()
	now := m.now()
	m.records = append(m.records, Record{Timestamp: now, Kind: kind, Message: message})
	m.prune(now)
	count := len(m.records)
	threshold := m.threshold
	m.mu.Unlock()

	m.logger.Warn("execution failure recorded",
		zap.String("kind", string(kind)),
		zap.String("message", message),
		zap.Int("window_count", count),
	)

	if kind.TriggersImmediatePause() {
		m.SignalPause("provider throttling: " + message)
		return true
	}
	if count >= threshold {
		m.SignalPause("repeated failures")
		return true
	}
	return false
}

// RecordSuccess clears the window.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
}

// SignalPause pauses the loop. Idempotent: a second call while already
// paused is a no-op.
func (m *Monitor) SignalPause(reason string) {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	fn := m.onPause
	m.mu.Unlock()

	if m.pauseCounter != nil {
		m.pauseCounter.Add(context.Background(), 1)
	}
	m.logger.Error("pausing auto loop", zap.String("reason", reason))

	if fn != nil {
		fn(reason)
	}
}

// Paused reports whether the monitor is in the paused state.
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Reset clears the window and the paused flag. Called only on an
// explicit user-initiated restart of the loop.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.records = nil
	m.paused = false
	m.mu.Unlock()
}

// Failures returns a copy of the current window contents.
func (m *Monitor) Failures() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// prune drops records older than the window. Caller holds the lock.
func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	kept := m.records[:0]
	for _, r := range m.records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	m.records = kept
}
