// Package breaker gates whether negative actions may move a target author's
// reputation score. Each target gets a closed/open/half-open circuit fed by
// sliding-window counts and a coordination signal; coordinated mass-action
// bursts trip the circuit and suppress score impact until the reset policy
// completes.
package breaker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/action"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/circuitlog"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/coordination"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/policy"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/window"
)

const (
	defaultShards        = 64
	defaultProbeCount    = 3
	defaultCoolDown      = 24 * time.Hour
	defaultGranularity   = time.Minute
	defaultGrace         = 2 * time.Minute
	defaultSweepInterval = time.Minute
)

type Config struct {
	Windows            []window.Window
	BucketGranularity  time.Duration
	LateEventGrace     time.Duration
	MinDistinctActors  int
	MinRatio           float64
	MaxActorsPerWindow int
	WarnFraction       float64
	CoolDown           time.Duration
	ProbeCount         int
	IdleEviction       time.Duration
	SweepInterval      time.Duration
	Shards             int
}

// DefaultConfig mirrors the production defaults: 10 actions in an hour, 50 in
// a day, or 200 in a week trips the circuit; five distinct actors at 0.6
// ratio flags coordination; a tripped circuit cools down for a day.
func DefaultConfig() Config {
	return Config{
		Windows: []window.Window{
			{Name: "1h", Duration: time.Hour, CountThreshold: 10},
			{Name: "24h", Duration: 24 * time.Hour, CountThreshold: 50},
			{Name: "7d", Duration: 7 * 24 * time.Hour, CountThreshold: 200},
		},
		MinDistinctActors: 5,
		MinRatio:          0.6,
		CoolDown:          defaultCoolDown,
		ProbeCount:        defaultProbeCount,
	}
}

func (c Config) withDefaults() (Config, error) {
	if len(c.Windows) == 0 {
		return c, window.ErrEmptyTable
	}
	if c.BucketGranularity <= 0 {
		c.BucketGranularity = defaultGranularity
	}
	if c.LateEventGrace <= 0 {
		c.LateEventGrace = defaultGrace
	}
	if c.WarnFraction <= 0 {
		c.WarnFraction = policy.DefaultWarnFraction
	}
	if c.CoolDown <= 0 {
		c.CoolDown = defaultCoolDown
	}
	if c.ProbeCount <= 0 {
		c.ProbeCount = defaultProbeCount
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = window.Longest(c.Windows)
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	return c, nil
}

// target owns everything the breaker knows about one author. Access is
// serialized by the shard mutex, which keeps transitions for a single target
// strictly ordered even under concurrent ingestion.
type target struct {
	counter       *window.Counter
	detector      *coordination.Detector
	record        *Record
	lastEvent     time.Time
	cooldownUntil time.Time
}

func (t *target) state() string {
	if t.record == nil {
		return StateClosed
	}
	return t.record.State
}

type shard struct {
	mu      sync.Mutex
	targets map[string]*target
}

// Breaker is the concurrent per-target circuit map. Targets are created
// lazily on first event and evicted after an idle period by the sweep loop.
type Breaker struct {
	cfg    Config
	logs   circuitlog.Publisher
	shards []*shard

	droppedLate atomic.Int64
	degraded    atomic.Int64
	evictions   atomic.Int64
	live        atomic.Int64

	nowFn func() time.Time
}

func New(cfg Config, logs circuitlog.Publisher) (*Breaker, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{targets: map[string]*target{}}
	}
	return &Breaker{cfg: cfg, logs: logs, shards: shards, nowFn: time.Now}, nil
}

// SetClock overrides the time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) { b.nowFn = now }

func (b *Breaker) shardFor(targetID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(targetID))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

func (b *Breaker) getOrCreate(sh *shard, targetID string) (*target, error) {
	t, ok := sh.targets[targetID]
	if ok {
		return t, nil
	}
	counter, err := window.NewCounter(window.Longest(b.cfg.Windows), b.cfg.BucketGranularity, b.cfg.LateEventGrace)
	if err != nil {
		return nil, err
	}
	t = &target{
		counter:  counter,
		detector: coordination.NewDetector(b.cfg.Windows, b.cfg.MaxActorsPerWindow),
	}
	sh.targets[targetID] = t
	b.live.Add(1)
	return t, nil
}

// Submit runs the full pipeline for one action: record, observe, evaluate,
// transition. It always answers; every error path still resolves to a
// Decision. The returned error is non-nil only for malformed input, which is
// rejected before it can touch breaker state.
func (b *Breaker) Submit(ev action.Event) (Decision, error) {
	if err := ev.Validate(); err != nil {
		return Decision{
			EventID:          ev.EventID,
			AllowScoreImpact: false,
			State:            StateClosed,
			Reason:           fmt.Sprintf("rejected: %v", err),
		}, err
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	now := b.nowFn().UTC()

	sh := b.shardFor(ev.TargetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	t, err := b.getOrCreate(sh, ev.TargetID)
	if err != nil {
		// Counter construction failed; hold whatever we knew before.
		b.degraded.Add(1)
		return Decision{
			EventID:          ev.EventID,
			AllowScoreImpact: false,
			State:            StateClosed,
			Reason:           fmt.Sprintf("degraded: %v", err),
			Degraded:         true,
		}, nil
	}
	t.lastEvent = now

	if recErr := t.counter.Record(ev.Type, ev.Timestamp); recErr != nil {
		b.droppedLate.Add(1)
		return Decision{
			EventID:          ev.EventID,
			AllowScoreImpact: !Suppressing(t.state()),
			State:            t.state(),
			Reason:           "late event beyond grace period; not counted",
		}, nil
	}
	t.detector.Observe(ev.ActorID, ev.Timestamp)

	if !t.counter.Valid() {
		// Internal inconsistency: never silently reset, hold the last
		// known state so a tripped circuit stays tripped.
		b.degraded.Add(1)
		b.publish(circuitlog.Event{
			Kind:     circuitlog.KindDegraded,
			TargetID: ev.TargetID,
			State:    t.state(),
			Reason:   "degraded: window counter inconsistency detected; holding last state",
			At:       now,
		})
		return Decision{
			EventID:          ev.EventID,
			AllowScoreImpact: !Suppressing(t.state()),
			State:            t.state(),
			Reason:           "degraded: holding last known state",
			Degraded:         true,
		}, nil
	}

	stats := b.windowStats(t, now)
	res := policy.Evaluate(policy.Config{
		MinDistinctActors: b.cfg.MinDistinctActors,
		MinRatio:          b.cfg.MinRatio,
		WarnFraction:      b.cfg.WarnFraction,
	}, stats)

	return b.transition(t, ev, res, stats, now), nil
}

func (b *Breaker) windowStats(t *target, now time.Time) []policy.WindowStat {
	stats := make([]policy.WindowStat, len(b.cfg.Windows))
	for i, w := range b.cfg.Windows {
		count := t.counter.CountInWindow(w.Duration, now)
		stats[i] = policy.WindowStat{
			Window:       w,
			Count:        count,
			Coordination: t.detector.ScoreAt(i, count, now),
		}
	}
	return stats
}

// transition applies the policy result to the state machine. Caller holds
// the shard lock.
func (b *Breaker) transition(t *target, ev action.Event, res policy.Result, stats []policy.WindowStat, now time.Time) Decision {
	state := t.state()

	if state == StateOpen && now.After(t.cooldownUntil) {
		// Cool-down elapsed with no re-trip: probation starts.
		t.record.State = StateHalfOpen
		t.record.LastTransition = now
		t.record.ProbesRemaining = b.cfg.ProbeCount
		state = StateHalfOpen
	}

	switch state {
	case StateClosed:
		if res.Outcome == policy.OutcomeTrip {
			b.trip(t, ev.TargetID, res, stats, now)
			return b.decisionFor(ev, t, false, t.record.Reason)
		}
		if res.Outcome == policy.OutcomeWarn {
			b.publish(circuitlog.Event{
				Kind:         circuitlog.KindWarn,
				TargetID:     ev.TargetID,
				State:        StateClosed,
				Reason:       res.Reason,
				WindowCounts: countsMap(stats),
				At:           now,
			})
		}
		return b.decisionFor(ev, t, true, res.Reason)

	case StateOpen:
		if res.Outcome == policy.OutcomeTrip {
			// Still hot: restart the cool-down so the circuit only
			// enters probation after a genuinely quiet interval.
			t.cooldownUntil = now.Add(b.cfg.CoolDown)
			t.record.Reason = res.Reason
			t.record.WindowCounts = countsMap(stats)
			t.record.CoordinationDetected = res.CoordinationDetected
			t.record.Estimated = res.Estimated
			t.record.LastTransition = now
		}
		return b.decisionFor(ev, t, false, t.record.Reason)

	case StateHalfOpen:
		if res.Outcome == policy.OutcomeTrip {
			// No partial credit: one bad evaluation mid-probation
			// re-opens immediately.
			b.trip(t, ev.TargetID, res, stats, now)
			return b.decisionFor(ev, t, false, t.record.Reason)
		}
		t.record.ProbesRemaining--
		if t.record.ProbesRemaining <= 0 {
			openFor := now.Sub(t.record.TrippedAt)
			t.record.State = StateClosed
			t.record.LastTransition = now
			t.record.Reason = fmt.Sprintf("reset: %d clean probes after %s open", b.cfg.ProbeCount, openFor.Round(time.Second))
			t.record.ProbesRemaining = 0
			b.publish(circuitlog.Event{
				Kind:         circuitlog.KindReset,
				TargetID:     ev.TargetID,
				DecisionID:   t.record.DecisionID,
				State:        StateClosed,
				Reason:       t.record.Reason,
				WindowCounts: countsMap(stats),
				OpenFor:      openFor,
				At:           now,
			})
			return b.decisionFor(ev, t, true, t.record.Reason)
		}
		return b.decisionFor(ev, t, true, "probation: action allowed through")

	default:
		// Unknown state is corruption; hold and flag.
		b.degraded.Add(1)
		return b.decisionFor(ev, t, false, "degraded: unknown circuit state")
	}
}

// trip moves the target to open from closed or half-open, snapshotting the
// window counts and coordination flag into the record.
func (b *Breaker) trip(t *target, targetID string, res policy.Result, stats []policy.WindowStat, now time.Time) {
	next, err := Transition(t.state(), StateOpen)
	if err != nil {
		b.degraded.Add(1)
		return
	}
	if t.record == nil {
		t.record = &Record{TargetID: targetID}
	}
	t.record.State = next
	t.record.DecisionID = uuid.NewString()
	t.record.TrippedAt = now
	t.record.LastTransition = now
	t.record.Reason = res.Reason
	t.record.WindowCounts = countsMap(stats)
	t.record.CoordinationDetected = res.CoordinationDetected
	t.record.Estimated = res.Estimated
	t.record.TripCount++
	t.record.ProbesRemaining = 0
	t.cooldownUntil = now.Add(b.cfg.CoolDown)

	b.publish(circuitlog.Event{
		Kind:                 circuitlog.KindTrip,
		TargetID:             targetID,
		DecisionID:           t.record.DecisionID,
		State:                StateOpen,
		Reason:               res.Reason,
		WindowCounts:         t.record.WindowCounts,
		CoordinationDetected: res.CoordinationDetected,
		Estimated:            res.Estimated,
		At:                   now,
	})
}

func (b *Breaker) decisionFor(ev action.Event, t *target, allow bool, reason string) Decision {
	coordinated := false
	if t.record != nil {
		coordinated = t.record.CoordinationDetected && t.record.State != StateClosed
	}
	return Decision{
		EventID:              ev.EventID,
		AllowScoreImpact:     allow,
		State:                t.state(),
		Reason:               reason,
		CoordinationDetected: coordinated,
	}
}

func (b *Breaker) publish(ev circuitlog.Event) {
	if b.logs != nil {
		b.logs.Publish(ev)
	}
}

func countsMap(stats []policy.WindowStat) map[string]int {
	out := make(map[string]int, len(stats))
	for _, st := range stats {
		out[st.Window.Name] = st.Count
	}
	return out
}

// CircuitState returns the target's record for admin inspection. Targets
// that never tripped (or were never seen) report a closed default; querying
// is read-only and never mutates state.
func (b *Breaker) CircuitState(targetID string) Record {
	sh := b.shardFor(targetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t, ok := sh.targets[targetID]
	if !ok || t.record == nil {
		return Record{TargetID: targetID, State: StateClosed, Reason: "circuit normal"}
	}
	return t.record.Clone()
}

// WindowStatus is one window's live counts for the status endpoint.
type WindowStatus struct {
	Name           string  `json:"window"`
	Count          int     `json:"count"`
	Threshold      int     `json:"threshold"`
	DistinctActors int     `json:"distinct_actors"`
	Ratio          float64 `json:"ratio"`
	Estimated      bool    `json:"estimated,omitempty"`
}

// Status combines the circuit record with a live window snapshot.
type Status struct {
	Record      Record         `json:"record"`
	Windows     []WindowStatus `json:"windows"`
	DroppedLate int64          `json:"dropped_late"`
}

func (b *Breaker) Status(targetID string) Status {
	sh := b.shardFor(targetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t, ok := sh.targets[targetID]
	if !ok {
		return Status{Record: Record{TargetID: targetID, State: StateClosed, Reason: "circuit normal"}}
	}
	now := b.nowFn().UTC()
	stats := b.windowStats(t, now)
	windows := make([]WindowStatus, len(stats))
	for i, st := range stats {
		windows[i] = WindowStatus{
			Name:           st.Window.Name,
			Count:          st.Count,
			Threshold:      st.Window.CountThreshold,
			DistinctActors: st.Coordination.DistinctActors,
			Ratio:          st.Coordination.Ratio,
			Estimated:      st.Coordination.Estimated,
		}
	}
	rec := Record{TargetID: targetID, State: StateClosed, Reason: "circuit normal"}
	if t.record != nil {
		rec = t.record.Clone()
	}
	return Status{Record: rec, Windows: windows, DroppedLate: t.counter.DroppedLate()}
}

// Seed folds a historical per-window aggregate into a target's counters, so
// long-window thresholds reflect accumulated history from the first event
// after a restart.
func (b *Breaker) Seed(targetID, windowName string, t action.Type, count int) {
	var w *window.Window
	for i := range b.cfg.Windows {
		if b.cfg.Windows[i].Name == windowName {
			w = &b.cfg.Windows[i]
			break
		}
	}
	if w == nil || count <= 0 {
		return
	}
	sh := b.shardFor(targetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	tg, err := b.getOrCreate(sh, targetID)
	if err != nil {
		return
	}
	now := b.nowFn().UTC()
	tg.counter.Seed(t, count, w.Duration, now)
	tg.lastEvent = now
}

// Targets reports how many live target states exist.
func (b *Breaker) Targets() int64 { return b.live.Load() }

// DroppedLate reports events rejected for exceeding the grace period.
func (b *Breaker) DroppedLate() int64 { return b.droppedLate.Load() }

// Degraded reports detected internal inconsistencies.
func (b *Breaker) Degraded() int64 { return b.degraded.Load() }

// Evictions reports idle targets removed by the sweep loop.
func (b *Breaker) Evictions() int64 { return b.evictions.Load() }

// Sweep removes targets idle past the eviction window. Candidates are
// collected under the shard lock but quickly; a target that saw a new event
// between collection and deletion is kept.
func (b *Breaker) Sweep(now time.Time) int {
	now = now.UTC()
	cutoff := now.Add(-b.cfg.IdleEviction)
	removed := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		var candidates []string
		for id, t := range sh.targets {
			// Promote circuits whose cool-down elapsed without traffic,
			// so probation starts on schedule rather than on the next event.
			if t.record != nil && t.record.State == StateOpen && now.After(t.cooldownUntil) {
				t.record.State = StateHalfOpen
				t.record.LastTransition = now
				t.record.ProbesRemaining = b.cfg.ProbeCount
			}
			if t.lastEvent.Before(cutoff) {
				candidates = append(candidates, id)
			}
		}
		sh.mu.Unlock()

		for _, id := range candidates {
			sh.mu.Lock()
			t, ok := sh.targets[id]
			if ok && t.lastEvent.Before(cutoff) {
				if t.record != nil {
					b.publish(circuitlog.Event{
						Kind:     circuitlog.KindEvicted,
						TargetID: id,
						State:    t.record.State,
						Reason:   fmt.Sprintf("evicted: no events for %s", b.cfg.IdleEviction),
						At:       now,
					})
				}
				delete(sh.targets, id)
				b.live.Add(-1)
				b.evictions.Add(1)
				removed++
			}
			sh.mu.Unlock()
		}
	}
	return removed
}

// Start runs the low-priority eviction sweep until ctx is cancelled.
func (b *Breaker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Sweep(b.nowFn())
			}
		}
	}()
}
