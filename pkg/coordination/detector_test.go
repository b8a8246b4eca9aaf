package coordination

import (
	"fmt"
	"testing"
	"time"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/window"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testWindows() []window.Window {
	return []window.Window{
		{Name: "1m", Duration: time.Minute, CountThreshold: 100},
		{Name: "1h", Duration: time.Hour, CountThreshold: 500},
	}
}

func TestDistinctActorCounting(t *testing.T) {
	d := NewDetector(testWindows(), 0)
	for i := 0; i < 10; i++ {
		d.Observe(fmt.Sprintf("actor-%d", i), base.Add(time.Duration(i)*time.Second))
	}
	// Repeats do not inflate the distinct count.
	d.Observe("actor-0", base.Add(11*time.Second))
	d.Observe("actor-0", base.Add(12*time.Second))

	sc := d.ScoreAt(0, 12, base.Add(13*time.Second))
	if sc.DistinctActors != 10 {
		t.Fatalf("expected 10 distinct actors, got %d", sc.DistinctActors)
	}
	if sc.TotalActions != 12 {
		t.Fatalf("expected total 12, got %d", sc.TotalActions)
	}
	if sc.Ratio < 0.82 || sc.Ratio > 0.84 {
		t.Fatalf("expected ratio ~0.83, got %f", sc.Ratio)
	}
	if sc.Estimated {
		t.Fatal("did not expect estimated flag")
	}
}

func TestDistinctNeverExceedsTotal(t *testing.T) {
	d := NewDetector(testWindows(), 0)
	for i := 0; i < 5; i++ {
		d.Observe(fmt.Sprintf("actor-%d", i), base)
	}
	sc := d.ScoreAt(0, 3, base.Add(time.Second))
	if sc.DistinctActors > sc.TotalActions {
		t.Fatalf("distinct %d exceeds total %d", sc.DistinctActors, sc.TotalActions)
	}
}

func TestActorSetPruning(t *testing.T) {
	d := NewDetector(testWindows(), 0)
	d.Observe("old-actor", base)
	d.Observe("new-actor", base.Add(2*time.Minute))
	// The 1m window forgets old-actor, the 1h window keeps it.
	short := d.ScoreAt(0, 1, base.Add(2*time.Minute))
	if short.DistinctActors != 1 {
		t.Fatalf("expected 1 distinct in 1m window, got %d", short.DistinctActors)
	}
	long := d.ScoreAt(1, 2, base.Add(2*time.Minute))
	if long.DistinctActors != 2 {
		t.Fatalf("expected 2 distinct in 1h window, got %d", long.DistinctActors)
	}
}

func TestCapDegradesToEstimate(t *testing.T) {
	d := NewDetector(testWindows(), 3)
	for i := 0; i < 6; i++ {
		d.Observe(fmt.Sprintf("actor-%d", i), base.Add(time.Duration(i)*time.Second))
	}
	sc := d.ScoreAt(0, 6, base.Add(10*time.Second))
	if !sc.Estimated {
		t.Fatal("expected estimated flag once cap exceeded")
	}
	if sc.DistinctActors != 3 {
		t.Fatalf("expected capped distinct count 3, got %d", sc.DistinctActors)
	}
}

func TestEstimatedClearsAfterQuietWindow(t *testing.T) {
	d := NewDetector(testWindows(), 4)
	for i := 0; i < 8; i++ {
		d.Observe(fmt.Sprintf("actor-%d", i), base.Add(time.Duration(i)*time.Second))
	}
	if sc := d.ScoreAt(0, 8, base.Add(10*time.Second)); !sc.Estimated {
		t.Fatal("expected estimated flag under cap pressure")
	}

	// The burst ages out of the 1m window; counting is exact again.
	quiet := base.Add(2 * time.Minute)
	d.Observe("late-actor", quiet)
	sc := d.ScoreAt(0, 1, quiet)
	if sc.Estimated {
		t.Fatal("estimated flag must clear once the set has headroom")
	}
	if sc.DistinctActors != 1 {
		t.Fatalf("expected 1 distinct actor after quiet window, got %d", sc.DistinctActors)
	}
}

func TestScoreAtOutOfRange(t *testing.T) {
	d := NewDetector(testWindows(), 0)
	if sc := d.ScoreAt(5, 10, base); sc.DistinctActors != 0 || sc.Window != "" {
		t.Fatalf("expected zero score for out-of-range window, got %+v", sc)
	}
}
