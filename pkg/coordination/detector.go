// Package coordination tracks how many distinct actors act against one
// target per window. Many distinct actors with few repeats is the signature
// of brigading; one actor acting repeatedly is a different risk handled by
// raw-count thresholds.
package coordination

import (
	"time"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/window"
)

// DefaultMaxActors bounds each per-window actor set. Beyond the cap the
// distinct count degrades to a documented lower-bound estimate instead of
// growing without limit.
const DefaultMaxActors = 4096

// Score is the coordination signal for a single window.
type Score struct {
	Window         string  `json:"window"`
	DistinctActors int     `json:"distinct_actors"`
	TotalActions   int     `json:"total_actions"`
	Ratio          float64 `json:"ratio"`
	Estimated      bool    `json:"estimated,omitempty"`
}

// Detector keeps one bounded actor set per configured window for one target.
// Not internally locked; the owning target state serializes access.
type Detector struct {
	windows []window.Window
	cap     int
	sets    []actorSet
}

type actorSet struct {
	lastSeen  map[string]time.Time
	estimated bool
}

func NewDetector(windows []window.Window, maxActors int) *Detector {
	if maxActors <= 0 {
		maxActors = DefaultMaxActors
	}
	sets := make([]actorSet, len(windows))
	for i := range sets {
		sets[i] = actorSet{lastSeen: map[string]time.Time{}}
	}
	return &Detector{windows: windows, cap: maxActors, sets: sets}
}

// Observe inserts the actor into every window set.
func (d *Detector) Observe(actorID string, ts time.Time) {
	ts = ts.UTC()
	for i := range d.sets {
		set := &d.sets[i]
		if _, known := set.lastSeen[actorID]; known {
			if ts.After(set.lastSeen[actorID]) {
				set.lastSeen[actorID] = ts
			}
			continue
		}
		if len(set.lastSeen) >= d.cap {
			d.prune(i, ts)
		}
		if len(set.lastSeen) >= d.cap {
			// Capped exact set: new actors past the cap are not admitted,
			// so the distinct count becomes a lower bound.
			set.estimated = true
			continue
		}
		set.lastSeen[actorID] = ts
	}
}

func (d *Detector) prune(i int, now time.Time) {
	set := &d.sets[i]
	cutoff := now.Add(-d.windows[i].Duration)
	for actor, seen := range set.lastSeen {
		if seen.Before(cutoff) {
			delete(set.lastSeen, actor)
		}
	}
	// Counting is exact again once the set has real headroom; only flag
	// windows under live cap pressure.
	if set.estimated && len(set.lastSeen) < d.cap/2 {
		set.estimated = false
	}
}

// ScoreAt returns the signal for window i. totalActions comes from the raw
// window counter so the ratio always shares its denominator with the
// threshold evaluation; invariant: distinct never exceeds total.
func (d *Detector) ScoreAt(i int, totalActions int, now time.Time) Score {
	if i < 0 || i >= len(d.windows) {
		return Score{}
	}
	d.prune(i, now.UTC())
	distinct := len(d.sets[i].lastSeen)
	if distinct > totalActions {
		distinct = totalActions
	}
	ratio := 0.0
	if totalActions > 0 {
		ratio = float64(distinct) / float64(totalActions)
	}
	return Score{
		Window:         d.windows[i].Name,
		DistinctActors: distinct,
		TotalActions:   totalActions,
		Ratio:          ratio,
		Estimated:      d.sets[i].estimated,
	}
}
