package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/httpx"
)

// Registry collects breaker counters for the /metrics snapshot endpoint.
type Registry struct {
	mu            sync.RWMutex
	decisions     map[string]int64 // by circuit state at decision time
	trips         map[string]int64 // by trip category
	resets        int64
	warns         int64
	degraded      int64
	rejected      int64
	rateLimited   int64
	duplicates    int64
	gauges        map[string]float64
	submitLatency LatencyStat
}

// LatencyStat is a cheap running latency summary for the submit path.
type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string             `json:"generated_at"`
	Decisions       map[string]int64   `json:"decisions_by_state"`
	Trips           map[string]int64   `json:"trips_by_category"`
	Resets          int64              `json:"resets_total"`
	Warns           int64              `json:"warns_total"`
	Degraded        int64              `json:"degraded_total"`
	Rejected        int64              `json:"rejected_events_total"`
	RateLimited     int64              `json:"rate_limited_total"`
	Duplicates      int64              `json:"duplicate_events_total"`
	Gauges          map[string]float64 `json:"gauges"`
	SubmitLatencyMS LatencyStat        `json:"submit_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		decisions: map[string]int64{},
		trips:     map[string]int64{},
		gauges:    map[string]float64{},
	}
}

// TripCategoryCoordinated distinguishes coordination trips from raw-volume
// trips in the snapshot.
const (
	TripCategoryCoordinated = "coordinated"
	TripCategoryVolume      = "volume"
)

func (r *Registry) CountDecision(state string) {
	r.mu.Lock()
	r.decisions[state]++
	r.mu.Unlock()
}

func (r *Registry) CountTrip(coordinated bool) {
	r.mu.Lock()
	if coordinated {
		r.trips[TripCategoryCoordinated]++
	} else {
		r.trips[TripCategoryVolume]++
	}
	r.mu.Unlock()
}

func (r *Registry) CountReset()     { r.add(&r.resets) }
func (r *Registry) CountWarn()      { r.add(&r.warns) }
func (r *Registry) CountDegraded()  { r.add(&r.degraded) }
func (r *Registry) CountRejected()  { r.add(&r.rejected) }
func (r *Registry) CountRateLimit() { r.add(&r.rateLimited) }
func (r *Registry) CountDuplicate() { r.add(&r.duplicates) }

func (r *Registry) add(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) ObserveSubmit(d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	r.submitLatency.Count++
	r.submitLatency.TotalMS += ms
	r.submitLatency.LastMS = ms
	if ms > r.submitLatency.MaxMS {
		r.submitLatency.MaxMS = ms
	}
	r.submitLatency.AvgMS = float64(r.submitLatency.TotalMS) / float64(r.submitLatency.Count)
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Decisions:       map[string]int64{},
		Trips:           map[string]int64{},
		Resets:          r.resets,
		Warns:           r.warns,
		Degraded:        r.degraded,
		Rejected:        r.rejected,
		RateLimited:     r.rateLimited,
		Duplicates:      r.duplicates,
		Gauges:          map[string]float64{},
		SubmitLatencyMS: r.submitLatency,
	}
	for k, v := range r.decisions {
		snap.Decisions[k] = v
	}
	for k, v := range r.trips {
		snap.Trips[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

// Handler serves the JSON snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}
