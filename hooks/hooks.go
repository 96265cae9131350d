// Package hooks provides production-ready Hook and Logger implementations.
package hooks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) { s.log.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...interface{})  { s.log.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...interface{})  { s.log.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...interface{}) { s.log.Error(msg, fields...) }

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs around each engine stage.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStage(_ context.Context, stage core.Stage, info core.StageInfo) {
	h.logger.Debug("engine.stage.start",
		"stage", stage,
		"source", info.SourceID,
		"format", info.Format,
		"width", info.Width,
		"height", info.Height,
	)
}

func (h *LoggingHook) AfterStage(_ context.Context, stage core.Stage, info core.StageInfo, d time.Duration, err error) {
	if err != nil {
		log := h.logger.Error
		switch apperrors.CategoryOf(err) {
		case apperrors.CategoryUser, apperrors.CategoryResource:
			log = h.logger.Warn
		}
		log("engine.stage.error",
			"stage", stage,
			"source", info.SourceID,
			"duration_ms", d.Milliseconds(),
			"code", apperrors.CodeOf(err).String(),
			"error", err.Error(),
		)
		return
	}
	h.logger.Debug("engine.stage.done",
		"stage", stage,
		"source", info.SourceID,
		"duration_ms", d.Milliseconds(),
		"bytes", info.Bytes,
	)
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stageDurations map[core.Stage]time.Duration
	stageCalls     map[core.Stage]int64
	stageErrors    map[core.Stage]int64
	violations     map[string]int64

	bytesIn, bytesOut int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stageDurations: make(map[core.Stage]time.Duration),
		stageCalls:     make(map[core.Stage]int64),
		stageErrors:    make(map[core.Stage]int64),
		violations:     make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordStage(stage core.Stage, d time.Duration) {
	m.mu.Lock()
	m.stageDurations[stage] += d
	m.stageCalls[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordBytes(in, out int64) {
	m.mu.Lock()
	m.bytesIn += in
	m.bytesOut += out
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordViolation(kind string) {
	m.mu.Lock()
	m.violations[kind]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordError(stage core.Stage, _ string) {
	m.mu.Lock()
	m.stageErrors[stage]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		StageDurations: make(map[core.Stage]time.Duration, len(m.stageDurations)),
		StageCalls:     make(map[core.Stage]int64, len(m.stageCalls)),
		StageErrors:    make(map[core.Stage]int64, len(m.stageErrors)),
		Violations:     make(map[string]int64, len(m.violations)),
		BytesIn:        m.bytesIn,
		BytesOut:       m.bytesOut,
	}
	for k, v := range m.stageDurations {
		snap.StageDurations[k] = v
	}
	for k, v := range m.stageCalls {
		snap.StageCalls[k] = v
	}
	for k, v := range m.stageErrors {
		snap.StageErrors[k] = v
	}
	for k, v := range m.violations {
		snap.Violations[k] = v
	}
	return snap
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StageDurations map[core.Stage]time.Duration
	StageCalls     map[core.Stage]int64
	StageErrors    map[core.Stage]int64
	Violations     map[string]int64
	BytesIn        int64
	BytesOut       int64
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds stage timings and failures into a MetricsCollector.
type MetricsHook struct {
	collector core.MetricsCollector
}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeStage(context.Context, core.Stage, core.StageInfo) {}

func (h *MetricsHook) AfterStage(_ context.Context, stage core.Stage, _ core.StageInfo, d time.Duration, err error) {
	h.collector.RecordStage(stage, d)
	if err != nil {
		h.collector.RecordError(stage, string(apperrors.Classify(string(stage), err).Category))
	}
}
