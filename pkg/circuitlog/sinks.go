package circuitlog

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/stream"
)

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Write(_ context.Context, ev Event) error {
	log.Printf("circuit event kind=%s target=%s state=%s coordination=%t reason=%q",
		ev.Kind, ev.TargetID, ev.State, ev.CoordinationDetected, ev.Reason)
	return nil
}

type eventDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink appends events to the breaker_events audit table.
type PostgresSink struct {
	DB eventDB
}

// EnsureSchema creates the audit table when it does not exist yet.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS breaker_events (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			decision_id TEXT,
			target_author_id TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL,
			window_counts JSONB,
			coordination_detected BOOLEAN NOT NULL DEFAULT FALSE,
			estimated BOOLEAN NOT NULL DEFAULT FALSE,
			open_for_ns BIGINT,
			occurred_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (s *PostgresSink) Write(ctx context.Context, ev Event) error {
	counts, err := json.Marshal(ev.WindowCounts)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO breaker_events
		(kind, decision_id, target_author_id, state, reason, window_counts, coordination_detected, estimated, open_for_ns, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, ev.Kind, ev.DecisionID, ev.TargetID, ev.State, ev.Reason, counts, ev.CoordinationDetected, ev.Estimated, int64(ev.OpenFor), ev.At)
	return err
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes events to a topic for downstream consumers.
type KafkaSink struct {
	writer kafkaWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TargetID),
		Value: payload,
	})
}

func (s *KafkaSink) Close() error {
	if w, ok := s.writer.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}

// CircuitCounters is the slice of the metrics registry the sink updates.
type CircuitCounters interface {
	CountTrip(coordinated bool)
	CountReset()
	CountWarn()
}

// MetricsSink folds the event stream into trip/reset/warn counters so the
// snapshot endpoint reflects circuit activity.
type MetricsSink struct {
	Counters CircuitCounters
}

func (s MetricsSink) Write(_ context.Context, ev Event) error {
	switch ev.Kind {
	case KindTrip:
		s.Counters.CountTrip(ev.CoordinationDetected)
	case KindReset:
		s.Counters.CountReset()
	case KindWarn:
		s.Counters.CountWarn()
	}
	return nil
}

// HubSink fans events out to live stream subscribers (admin dashboards).
type HubSink struct {
	Hub *stream.Hub
}

func (s HubSink) Write(_ context.Context, ev Event) error {
	s.Hub.Publish(ev.Kind, ev)
	return nil
}
