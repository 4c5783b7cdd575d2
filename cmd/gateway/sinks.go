package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealcycle/identity-gateway/internal/config"
	"github.com/dealcycle/identity-gateway/internal/session"
	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

type sinkSet struct {
	sink   session.Sink
	async  *session.AsyncSink
	kafka  *session.KafkaSink
	logger *slog.Logger
}

// buildSinks wires the configured event sinks. Log and metrics sinks are cheap and run
// inline; network sinks sit behind a bounded AsyncSink.
func buildSinks(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics, db *pgxpool.Pool) *sinkSet {
	set := &sinkSet{logger: logger}

	var inline session.MultiSink
	if cfg.Events.Has("log") {
		inline = append(inline, session.NewLogSink(logger))
	}
	if cfg.Events.Has("metrics") {
		inline = append(inline, session.NewMetricsSink(metrics))
	}

	var remote session.MultiSink
	if cfg.Events.Has("kafka") {
		set.kafka = session.NewKafkaSink(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		remote = append(remote, set.kafka)
		logger.Info("kafka event sink enabled", "brokers", cfg.Events.Kafka.Brokers, "topic", cfg.Events.Kafka.Topic)
	}
	if cfg.Events.Has("postgres") && db != nil {
		remote = append(remote, session.NewPostgresSink(db))
		logger.Info("postgres event sink enabled")
	}
	if len(remote) > 0 {
		set.async = session.NewAsyncSink(remote, cfg.Events.Buffer, metrics)
		inline = append(inline, set.async)
	}

	switch len(inline) {
	case 0:
		set.sink = session.NopSink{}
	case 1:
		set.sink = inline[0]
	default:
		set.sink = inline
	}
	return set
}

// close drains buffered events before the network sinks are shut down.
func (s *sinkSet) close(ctx context.Context) {
	if s.async != nil {
		if err := s.async.Close(ctx); err != nil {
			s.logger.Warn("session event buffer not fully drained", "error", err)
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Warn("kafka writer close failed", "error", err)
		}
	}
}
