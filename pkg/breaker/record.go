package breaker

import "time"

// Record is the durable per-target circuit record. It is created on the
// first trip, mutated on every transition afterward, and only removed by the
// explicit reset/eviction path.
type Record struct {
	TargetID             string         `json:"target_author_id"`
	State                string         `json:"state"`
	DecisionID           string         `json:"decision_id,omitempty"`
	TrippedAt            time.Time      `json:"tripped_at,omitempty"`
	LastTransition       time.Time      `json:"last_transition,omitempty"`
	Reason               string         `json:"reason"`
	WindowCounts         map[string]int `json:"window_counts,omitempty"`
	CoordinationDetected bool           `json:"coordination_detected"`
	Estimated            bool           `json:"estimated,omitempty"`
	TripCount            int            `json:"trip_count,omitempty"`
	ProbesRemaining      int            `json:"probes_remaining,omitempty"`
}

// Clone returns a copy safe to hand to callers outside the shard lock.
func (r Record) Clone() Record {
	out := r
	if r.WindowCounts != nil {
		out.WindowCounts = make(map[string]int, len(r.WindowCounts))
		for k, v := range r.WindowCounts {
			out.WindowCounts[k] = v
		}
	}
	return out
}

// Decision answers every Submit call: may this action move the target's
// score, and why.
type Decision struct {
	EventID              string `json:"event_id,omitempty"`
	AllowScoreImpact     bool   `json:"allow_score_impact"`
	State                string `json:"circuit_state"`
	Reason               string `json:"reason"`
	CoordinationDetected bool   `json:"coordination_detected"`
	Degraded             bool   `json:"degraded,omitempty"`
}
