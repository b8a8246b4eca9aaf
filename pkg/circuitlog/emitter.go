package circuitlog

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

// Sink receives events from the emitter loop. A slow or failing sink must
// never gate breaker correctness; the emitter isolates it behind the queue.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Emitter decouples the breaker from its sinks with a bounded queue. Under
// backpressure the oldest queued event is dropped to make room, so the most
// recent transition is always the one that survives.
type Emitter struct {
	queue     chan Event
	sinks     []Sink
	timeout   time.Duration
	dropped   atomic.Int64
	startOnce sync.Once
	done      chan struct{}
}

func NewEmitter(queueSize int, timeout time.Duration, sinks ...Sink) *Emitter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Emitter{
		queue:   make(chan Event, queueSize),
		sinks:   sinks,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Publish enqueues without blocking. If the queue is full the oldest event is
// evicted first; if it is still full the new event is counted as dropped.
func (e *Emitter) Publish(ev Event) {
	select {
	case e.queue <- ev:
		return
	default:
	}
	select {
	case <-e.queue:
		e.dropped.Add(1)
	default:
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to backpressure.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Start runs the delivery loop until ctx is cancelled.
func (e *Emitter) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.loop(ctx)
	})
}

func (e *Emitter) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			e.deliver(ctx, ev)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, ev Event) {
	for _, sink := range e.sinks {
		writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
		if err := sink.Write(writeCtx, ev); err != nil {
			log.Printf("circuitlog: sink write failed kind=%s target=%s: %v", ev.Kind, ev.TargetID, err)
		}
		cancel()
	}
}

// Wait blocks until the delivery loop has exited. Test helper.
func (e *Emitter) Wait() { <-e.done }
