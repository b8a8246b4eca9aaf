package circuitlog

import "time"

const (
	KindTrip     = "circuit.trip"
	KindReset    = "circuit.reset"
	KindWarn     = "circuit.warn"
	KindDegraded = "circuit.degraded"
	KindEvicted  = "circuit.evicted"
)

// Event is one structured trip/reset record for downstream auditing.
type Event struct {
	Kind                 string         `json:"kind"`
	DecisionID           string         `json:"decision_id,omitempty"`
	TargetID             string         `json:"target_author_id"`
	State                string         `json:"state"`
	Reason               string         `json:"reason"`
	WindowCounts         map[string]int `json:"window_counts,omitempty"`
	CoordinationDetected bool           `json:"coordination_detected"`
	Estimated            bool           `json:"estimated,omitempty"`
	OpenFor              time.Duration  `json:"open_for_ns,omitempty"`
	At                   time.Time      `json:"at"`
}

// Publisher is the side the breaker sees: fire-and-forget, never blocking.
type Publisher interface {
	Publish(Event)
}
