package circuitlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/stream"
)

type collectSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	got    chan struct{}
}

func newCollectSink(capacity int) *collectSink {
	return &collectSink{got: make(chan struct{}, capacity)}
}

func (s *collectSink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
	return s.err
}

func (s *collectSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func waitFor(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestEmitterDeliversToAllSinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newCollectSink(4)
	b := newCollectSink(4)
	e := NewEmitter(8, time.Second, a, b)
	e.Start(ctx)

	e.Publish(Event{Kind: KindTrip, TargetID: "author-1"})
	e.Publish(Event{Kind: KindReset, TargetID: "author-1"})
	waitFor(t, a.got, 2)
	waitFor(t, b.got, 2)

	for _, sink := range []*collectSink{a, b} {
		events := sink.snapshot()
		if len(events) != 2 || events[0].Kind != KindTrip || events[1].Kind != KindReset {
			t.Fatalf("unexpected delivery order: %+v", events)
		}
	}
	if e.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", e.Dropped())
	}

	cancel()
	e.Wait()
}

func TestEmitterDropsOldestUnderBackpressure(t *testing.T) {
	// No Start: the queue never drains, so publishes past capacity must
	// evict the oldest event rather than block.
	e := NewEmitter(2, time.Second)
	e.Publish(Event{Kind: KindTrip, TargetID: "t1"})
	e.Publish(Event{Kind: KindTrip, TargetID: "t2"})
	e.Publish(Event{Kind: KindTrip, TargetID: "t3"})
	if e.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", e.Dropped())
	}

	first := <-e.queue
	second := <-e.queue
	if first.TargetID != "t2" || second.TargetID != "t3" {
		t.Fatalf("expected oldest event evicted, queue held %s then %s", first.TargetID, second.TargetID)
	}
}

func TestEmitterKeepsGoingPastFailingSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := newCollectSink(4)
	failing.err = errors.New("sink down")
	healthy := newCollectSink(4)
	e := NewEmitter(8, time.Second, failing, healthy)
	e.Start(ctx)

	e.Publish(Event{Kind: KindWarn, TargetID: "author-1"})
	waitFor(t, healthy.got, 1)
	if len(healthy.snapshot()) != 1 {
		t.Fatal("healthy sink must still receive after a failing sink")
	}
}

type fakeEventDB struct {
	execErr  error
	execSQL  []string
	execArgs [][]any
}

func (f *fakeEventDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeEventDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return nil }

func TestPostgresSinkWrite(t *testing.T) {
	db := &fakeEventDB{}
	s := &PostgresSink{DB: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Kind:                 KindTrip,
		DecisionID:           "d-1",
		TargetID:             "author-1",
		State:                "OPEN",
		Reason:               "tripped: 1h window=12 (threshold=10); coordination=false",
		WindowCounts:         map[string]int{"1h": 12},
		CoordinationDetected: false,
		OpenFor:              0,
		At:                   at,
	}
	if err := s.Write(context.Background(), ev); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(db.execArgs) != 2 {
		t.Fatalf("expected schema exec plus insert, got %d", len(db.execArgs))
	}
	args := db.execArgs[1]
	if len(args) != 10 {
		t.Fatalf("expected 10 insert args, got %d", len(args))
	}
	if args[0] != KindTrip || args[2] != "author-1" || args[3] != "OPEN" {
		t.Fatalf("unexpected insert args: %+v", args)
	}
	var counts map[string]int
	if err := json.Unmarshal(args[5].([]byte), &counts); err != nil || counts["1h"] != 12 {
		t.Fatalf("window counts not serialized: %v %v", args[5], err)
	}

	db.execErr = errors.New("insert failed")
	if err := s.Write(context.Background(), ev); err == nil {
		t.Fatal("expected write error")
	}
}

type fakeKafkaWriter struct {
	err  error
	msgs []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func TestKafkaSinkWrite(t *testing.T) {
	w := &fakeKafkaWriter{}
	s := &KafkaSink{writer: w}
	ev := Event{Kind: KindReset, TargetID: "author-7", State: "CLOSED"}
	if err := s.Write(context.Background(), ev); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "author-7" {
		t.Fatalf("messages must key by target for ordered partitioning, got %q", w.msgs[0].Key)
	}
	var decoded Event
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Kind != KindReset || decoded.TargetID != "author-7" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}

	w.err = errors.New("broker down")
	if err := s.Write(context.Background(), ev); err == nil {
		t.Fatal("expected write error")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close on fake writer: %v", err)
	}
}

func TestHubSinkFansOut(t *testing.T) {
	hub := stream.NewHub()
	sub := hub.Subscribe(4)
	defer hub.Unsubscribe(sub)

	s := HubSink{Hub: hub}
	if err := s.Write(context.Background(), Event{Kind: KindTrip, TargetID: "author-1", State: "OPEN"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case env := <-sub:
		if env.Kind != KindTrip {
			t.Fatalf("unexpected envelope kind: %+v", env)
		}
		var decoded Event
		if err := json.Unmarshal(env.Data, &decoded); err != nil || decoded.TargetID != "author-1" {
			t.Fatalf("unexpected envelope data: %s", env.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

type fakeCounters struct {
	coordinated int
	volume      int
	resets      int
	warns       int
}

func (f *fakeCounters) CountTrip(coordinated bool) {
	if coordinated {
		f.coordinated++
	} else {
		f.volume++
	}
}

func (f *fakeCounters) CountReset() { f.resets++ }

func (f *fakeCounters) CountWarn() { f.warns++ }

func TestMetricsSinkCountsByKind(t *testing.T) {
	counters := &fakeCounters{}
	s := MetricsSink{Counters: counters}
	ctx := context.Background()

	events := []Event{
		{Kind: KindTrip, CoordinationDetected: true},
		{Kind: KindTrip, CoordinationDetected: false},
		{Kind: KindReset},
		{Kind: KindWarn},
		{Kind: KindEvicted},
	}
	for _, ev := range events {
		if err := s.Write(ctx, ev); err != nil {
			t.Fatalf("write %s: %v", ev.Kind, err)
		}
	}
	if counters.coordinated != 1 || counters.volume != 1 {
		t.Fatalf("unexpected trip counts: %+v", counters)
	}
	if counters.resets != 1 || counters.warns != 1 {
		t.Fatalf("unexpected reset/warn counts: %+v", counters)
	}
}

func TestLogSink(t *testing.T) {
	if err := (LogSink{}).Write(context.Background(), Event{Kind: KindWarn, TargetID: "author-1"}); err != nil {
		t.Fatalf("log sink: %v", err)
	}
}
