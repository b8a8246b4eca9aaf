package actionbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/action"
)

func TestDecodeEvent(t *testing.T) {
	raw := `{"event_id":"e-1","actor_id":"actor-1","target_author_id":"author-1","action_type":"block","timestamp":"2026-01-01T12:00:00Z"}`
	ev, err := DecodeEvent(Message{Value: []byte(raw)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ActorID != "actor-1" || ev.TargetID != "author-1" || ev.Type != action.TypeBlock {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp: %v", ev.Timestamp)
	}

	if _, err := DecodeEvent(Message{Value: []byte("{not json")}); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  KafkaConfig
	}{
		{"no brokers", KafkaConfig{Topic: "actions", GroupID: "breaker"}},
		{"blank brokers", KafkaConfig{Brokers: []string{" ", ""}, Topic: "actions", GroupID: "breaker"}},
		{"no topic", KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "breaker"}},
		{"no group", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "actions"}},
	}
	for _, tc := range cases {
		if _, err := NewKafkaConsumer(tc.cfg); err == nil {
			t.Fatalf("%s: expected config error", tc.name)
		}
	}

	c, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "actions",
		GroupID: "breaker",
	})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type fakeReader struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeReader) ReadMessage(_ context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	if len(f.msgs) == 0 {
		return kafka.Message{}, errors.New("no more messages")
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestKafkaConsumerReadMessage(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Value: []byte(`{"actor_id":"a"}`)}}}
	c := &KafkaConsumer{reader: r}
	msg, err := c.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Value) != `{"actor_id":"a"}` {
		t.Fatalf("unexpected message: %s", msg.Value)
	}

	r.err = errors.New("broker gone")
	if _, err := c.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error")
	}
	if err := c.Close(); err != nil || !r.closed {
		t.Fatalf("close: err=%v closed=%v", err, r.closed)
	}

	var nilConsumer *KafkaConsumer
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected error from nil consumer")
	}
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("nil consumer close must be a no-op: %v", err)
	}
}
