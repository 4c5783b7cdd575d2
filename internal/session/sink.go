package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

// Sink receives session events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// LogSink writes events as structured log lines. Flagged events log at warn level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	snap := ev.Snapshot()
	attrs := []any{
		"event", ev.Name,
		"event_id", ev.EventID(),
		"tenant_id", snap.TenantID,
		"user_id", snap.UserID,
		"session_id", snap.SessionID,
		"ip", snap.IPAddress,
	}

	level := slog.LevelInfo
	switch {
	case ev.Activity != nil:
		attrs = append(attrs,
			"request_id", ev.Activity.RequestID,
			"method", ev.Activity.Method,
			"url", ev.Activity.URL,
		)
	case ev.Response != nil:
		attrs = append(attrs,
			"request_id", ev.Response.RequestID,
			"method", ev.Response.Method,
			"url", ev.Response.URL,
			"status", ev.Response.StatusCode,
			"response_time_ms", ev.Response.ResponseTimeMs,
		)
		if ev.Name != EventResponse {
			level = slog.LevelWarn
		}
	default:
		return fmt.Errorf("event %q has no payload", ev.Name)
	}

	s.logger.Log(ctx, level, "session event", attrs...)
	return nil
}

// MetricsSink counts events and response classifications.
type MetricsSink struct {
	metrics *telemetry.Metrics
}

func NewMetricsSink(m *telemetry.Metrics) *MetricsSink {
	return &MetricsSink{metrics: m}
}

func (s *MetricsSink) Emit(_ context.Context, ev Event) error {
	s.metrics.RecordSessionEvent(ev.Name, "emitted")
	// Flag events duplicate the base response event; count the response once.
	if ev.Name == EventResponse && ev.Response != nil {
		r := ev.Response
		s.metrics.RecordResponse(r.StatusCode, r.IsErrorResponse, r.IsSlowResponse, r.IsSuspiciousStatus)
	}
	return nil
}

// MultiSink fans events out to every child sink. A failing child does not stop the others.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := safeEmit(ctx, s, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// safeEmit converts a sink panic into an error.
func safeEmit(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink %T panicked: %v", s, rec)
		}
	}()
	return s.Emit(ctx, ev)
}
