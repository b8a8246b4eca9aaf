// Package policy holds the pure trip decision. Given a snapshot of window
// counts and coordination signals it returns an outcome and a human-auditable
// reason; it owns no state and performs no I/O.
package policy

import (
	"fmt"
	"strings"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/coordination"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/window"
)

const (
	OutcomeNone = "NO_ACTION"
	OutcomeWarn = "WARN"
	OutcomeTrip = "TRIP"
)

// DefaultWarnFraction marks a window as warning once it reaches this share
// of its trip threshold.
const DefaultWarnFraction = 0.8

type Config struct {
	MinDistinctActors int
	MinRatio          float64
	WarnFraction      float64
}

// WindowStat pairs one configured window with its current counts.
type WindowStat struct {
	Window       window.Window
	Count        int
	Coordination coordination.Score
}

// Result is the policy verdict for one evaluation.
type Result struct {
	Outcome              string
	Reason               string
	CoordinationDetected bool
	Estimated            bool
}

// Evaluate applies the threshold table. Any single window over its raw-count
// threshold trips (OR across windows: a short intense burst is as dangerous
// as a sustained moderate one). Coordination trips independently even when no
// raw threshold is breached, since many distinct actors in one window is the
// stronger signal. Ambiguity resolves toward tripping.
func Evaluate(cfg Config, stats []WindowStat) Result {
	warnFraction := cfg.WarnFraction
	if warnFraction <= 0 || warnFraction >= 1 {
		warnFraction = DefaultWarnFraction
	}

	var breached, warned []WindowStat
	coordinated := make([]WindowStat, 0, 1)
	estimated := false
	for _, st := range stats {
		if st.Coordination.Estimated {
			estimated = true
		}
		if st.Window.CountThreshold > 0 && st.Count >= st.Window.CountThreshold {
			breached = append(breached, st)
		} else if st.Window.CountThreshold > 0 && float64(st.Count) >= warnFraction*float64(st.Window.CountThreshold) {
			warned = append(warned, st)
		}
		if coordinationDetected(cfg, st.Coordination) {
			coordinated = append(coordinated, st)
		}
	}

	detected := len(coordinated) > 0
	switch {
	case len(breached) > 0:
		return Result{
			Outcome:              OutcomeTrip,
			Reason:               tripReason(breached, coordinated),
			CoordinationDetected: detected,
			Estimated:            estimated,
		}
	case detected:
		return Result{
			Outcome:              OutcomeTrip,
			Reason:               tripReason(nil, coordinated),
			CoordinationDetected: true,
			Estimated:            estimated,
		}
	case len(warned) > 0:
		st := warned[0]
		return Result{
			Outcome: OutcomeWarn,
			Reason: fmt.Sprintf("warn: %s window=%d approaching threshold=%d",
				st.Window.Name, st.Count, st.Window.CountThreshold),
			Estimated: estimated,
		}
	default:
		return Result{Outcome: OutcomeNone, Reason: "within thresholds", Estimated: estimated}
	}
}

func coordinationDetected(cfg Config, sc coordination.Score) bool {
	if cfg.MinDistinctActors <= 0 || cfg.MinRatio <= 0 {
		return false
	}
	return sc.DistinctActors >= cfg.MinDistinctActors && sc.Ratio >= cfg.MinRatio
}

// tripReason renders the auditable reason string, e.g.
// "tripped: 1m window=142 (threshold=100); coordination=true (37 distinct actors, ratio=0.97)".
func tripReason(breached, coordinated []WindowStat) string {
	var b strings.Builder
	b.WriteString("tripped:")
	for i, st := range breached {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %s window=%d (threshold=%d)", st.Window.Name, st.Count, st.Window.CountThreshold)
	}
	if len(coordinated) > 0 {
		sc := coordinated[0].Coordination
		if len(breached) > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, " coordination=true (%d distinct actors, ratio=%.2f", sc.DistinctActors, sc.Ratio)
		if sc.Estimated {
			b.WriteString(", estimated")
		}
		b.WriteString(")")
	} else {
		b.WriteString("; coordination=false")
	}
	return b.String()
}
