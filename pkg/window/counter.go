package window

import (
	"errors"
	"time"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/action"
)

var ErrLateEvent = errors.New("event older than grace period")

// Counter is a fixed-size ring of time buckets for one target. Each slot
// covers one granularity interval and holds per-action-type counts. Memory is
// O(longest window / granularity) regardless of event volume: advancing the
// head overwrites stale slots instead of growing.
//
// Counter is not internally locked; the owning target state serializes access.
type Counter struct {
	granularity time.Duration
	grace       time.Duration
	slots       []slot
	head        int       // index of the newest slot
	headStart   time.Time // start of the newest slot's interval
	highWater   time.Time // newest timestamp ever recorded
	droppedLate int64
}

type slot struct {
	start  time.Time
	counts [4]int // indexed by action.Type.Index
}

// NewCounter sizes the ring to cover span at the given granularity.
func NewCounter(span, granularity, grace time.Duration) (*Counter, error) {
	if granularity <= 0 {
		return nil, ErrNonPositiveBucket
	}
	if span < granularity {
		span = granularity
	}
	n := int(span / granularity)
	if span%granularity != 0 {
		n++
	}
	// One extra slot so a full span is still covered mid-interval.
	n++
	return &Counter{
		granularity: granularity,
		grace:       grace,
		slots:       make([]slot, n),
	}, nil
}

func (c *Counter) slotStart(ts time.Time) time.Time {
	return ts.Truncate(c.granularity)
}

// Record adds one event at ts. Timestamps older than the high-water mark by
// more than the grace period are rejected and tallied as dropped-late so
// ingestion anomalies stay visible to auditing.
func (c *Counter) Record(t action.Type, ts time.Time) error {
	idx := t.Index()
	if idx < 0 {
		return action.ErrUnknownType
	}
	ts = ts.UTC()
	if !c.highWater.IsZero() && ts.Before(c.highWater.Add(-c.grace)) {
		c.droppedLate++
		return ErrLateEvent
	}
	start := c.slotStart(ts)
	if c.headStart.IsZero() {
		c.headStart = start
		c.slots[c.head] = slot{start: start}
	}
	switch {
	case start.After(c.headStart):
		c.advance(start)
	case start.Before(c.headStart):
		// Out of order but within grace: land in the older slot if the
		// ring still covers it, otherwise fold into the oldest live slot.
		steps := int(c.headStart.Sub(start) / c.granularity)
		if steps >= len(c.slots) {
			steps = len(c.slots) - 1
		}
		pos := (c.head - steps + len(c.slots)*2) % len(c.slots)
		if c.slots[pos].start.IsZero() {
			c.slots[pos].start = start
		}
		c.slots[pos].counts[idx]++
		if ts.After(c.highWater) {
			c.highWater = ts
		}
		return nil
	}
	c.slots[c.head].counts[idx]++
	if ts.After(c.highWater) {
		c.highWater = ts
	}
	return nil
}

// advance moves the head forward to the slot containing start, zeroing every
// interval it passes over.
func (c *Counter) advance(start time.Time) {
	steps := int(start.Sub(c.headStart) / c.granularity)
	if steps >= len(c.slots) {
		// Entire ring has gone stale.
		for i := range c.slots {
			c.slots[i] = slot{}
		}
		c.head = 0
		c.headStart = start
		c.slots[0] = slot{start: start}
		return
	}
	for i := 0; i < steps; i++ {
		c.head = (c.head + 1) % len(c.slots)
		c.headStart = c.headStart.Add(c.granularity)
		c.slots[c.head] = slot{start: c.headStart}
	}
}

// CountInWindow sums every slot whose interval falls inside [now-d, now].
// Cost is bounded by the ring length, never by event volume.
func (c *Counter) CountInWindow(d time.Duration, now time.Time) int {
	cutoff := now.UTC().Add(-d)
	total := 0
	for _, s := range c.slots {
		if s.start.IsZero() || s.start.Before(cutoff) {
			continue
		}
		for _, n := range s.counts {
			total += n
		}
	}
	return total
}

// CountByType is CountInWindow restricted to one action type.
func (c *Counter) CountByType(t action.Type, d time.Duration, now time.Time) int {
	idx := t.Index()
	if idx < 0 {
		return 0
	}
	cutoff := now.UTC().Add(-d)
	total := 0
	for _, s := range c.slots {
		if s.start.IsZero() || s.start.Before(cutoff) {
			continue
		}
		total += s.counts[idx]
	}
	return total
}

// Seed adds count pre-existing actions into the oldest covered slot for the
// given lookback. Warm starts use this to fold historical aggregates into
// long windows without fabricating a burst in the short ones.
func (c *Counter) Seed(t action.Type, count int, lookback time.Duration, now time.Time) {
	if count <= 0 {
		return
	}
	idx := t.Index()
	if idx < 0 {
		return
	}
	ts := now.UTC().Add(-lookback).Add(c.granularity)
	start := c.slotStart(ts)
	if c.headStart.IsZero() {
		head := c.slotStart(now.UTC())
		c.headStart = head
		c.slots[c.head] = slot{start: head}
		c.highWater = now.UTC()
	}
	if start.After(c.headStart) {
		start = c.headStart
	}
	steps := int(c.headStart.Sub(start) / c.granularity)
	if steps >= len(c.slots) {
		steps = len(c.slots) - 1
	}
	pos := (c.head - steps + len(c.slots)*2) % len(c.slots)
	if c.slots[pos].start.IsZero() {
		c.slots[pos].start = start
	}
	c.slots[pos].counts[idx] += count
}

// DroppedLate reports how many events were rejected for exceeding the grace
// period.
func (c *Counter) DroppedLate() int64 { return c.droppedLate }

// Valid reports whether the ring is internally consistent. A negative count
// means corruption; callers treat it as a degraded-mode signal, not a fatal.
func (c *Counter) Valid() bool {
	for _, s := range c.slots {
		for _, n := range s.counts {
			if n < 0 {
				return false
			}
		}
	}
	return true
}
