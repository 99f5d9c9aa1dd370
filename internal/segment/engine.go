// Package segment splits an ordered stream of GPS fixes into contiguous
// TRIP, STOP and SIGNAL_LOSS segments.
//
// Classification runs a hysteresis state machine over consecutive fix pairs
// (hops). A hop slower than MinMoveSpeedKmh is stationary, anything else is
// moving, and a hop longer than MaxFixGap is a signal gap. Opposite-state
// hops are held in a pending buffer and only flip the current segment once
// they persist past the debounce window, so jitter from consumer GPS
// hardware does not produce dozens of one-second stops. A final merge pass
// drops trips that are too short to be real and folds brief stops into the
// surrounding trip.
package segment

import (
	"slices"
	"time"

	"fleet-analytics/internal/geo"
	"fleet-analytics/internal/models"
)

// Kind is the classification of a segment.
type Kind string

const (
	KindTrip       Kind = "TRIP"
	KindStop       Kind = "STOP"
	KindSignalLoss Kind = "SIGNAL_LOSS"
)

// Segment is a contiguous span of the fix stream with a single
// classification. End of segment i always equals Start of segment i+1.
type Segment struct {
	Kind            Kind       `json:"kind"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	StartFix        models.Fix `json:"start_fix"`
	EndFix          models.Fix `json:"end_fix"`
	DistanceMeters  float64    `json:"distance_meters"`
	DurationSeconds float64    `json:"duration_seconds"`
	AvgSpeedKmh     float64    `json:"avg_speed_kmh"`
	MaxSpeedKmh     float64    `json:"max_speed_kmh"`
	// Latitude and Longitude are the representative point: the centroid for
	// stops and the start fix otherwise.
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	FixCount  int     `json:"fix_count"`

	// StartIndex and EndIndex locate the segment in the normalized fixes.
	StartIndex int `json:"-"`
	EndIndex   int `json:"-"`
}

// Duration returns the segment length as a time.Duration.
func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

type state int

const (
	stateUnknown state = iota
	stateMoving
	stateStopped
	stateSignalLoss
)

func (s state) kind() Kind {
	switch s {
	case stateMoving:
		return KindTrip
	case stateSignalLoss:
		return KindSignalLoss
	default:
		return KindStop
	}
}

// hop describes the pair fixes[i] -> fixes[i+1].
type hop struct {
	elapsed  float64
	distance float64
	speed    float64
}

// run is a classified span of fix indices, inclusive on both ends.
type run struct {
	state state
	from  int
	to    int
}

// Normalize returns the fixes sorted by timestamp with duplicate timestamps
// removed, keeping the first occurrence. The input is not modified.
func Normalize(fixes []models.Fix) []models.Fix {
	if len(fixes) == 0 {
		return nil
	}
	out := slices.Clone(fixes)
	slices.SortStableFunc(out, func(a, b models.Fix) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return slices.CompactFunc(out, func(a, b models.Fix) bool {
		return a.Timestamp.Equal(b.Timestamp)
	})
}

// Detect classifies fixes into segments. Fixes are normalized first; the
// returned segments index into Normalize(fixes).
func Detect(fixes []models.Fix, cfg Config) []Segment {
	fixes = Normalize(fixes)
	if len(fixes) == 0 {
		return nil
	}
	cfg = cfg.withFallbacks()

	m := newMachine(fixes, cfg)
	for i := range m.hops {
		m.step(i)
	}
	m.finish()

	runs := m.merge(m.runs)
	segments := make([]Segment, 0, len(runs))
	for _, r := range runs {
		segments = append(segments, m.build(r))
	}
	return segments
}

type machine struct {
	cfg   Config
	fixes []models.Fix
	hops  []hop
	runs  []run

	state state
	start int

	pendingFrom int
	pendingHops int
	pendingSecs float64
}

func newMachine(fixes []models.Fix, cfg Config) *machine {
	hops := make([]hop, len(fixes)-1)
	for i := range hops {
		a, b := fixes[i], fixes[i+1]
		hops[i] = hop{
			elapsed:  geo.Elapsed(a, b),
			distance: geo.Distance(a, b),
			speed:    geo.PairSpeed(a, b, cfg.MaxPlausibleSpeedKmh),
		}
	}
	return &machine{cfg: cfg, fixes: fixes, hops: hops}
}

func (m *machine) step(i int) {
	h := m.hops[i]
	if h.elapsed > m.cfg.MaxFixGap.Seconds() {
		m.closeAt(i)
		m.runs = append(m.runs, run{state: stateSignalLoss, from: i, to: i + 1})
		m.state = stateUnknown
		m.start = i + 1
		return
	}

	observed := stateStopped
	if h.speed >= m.cfg.MinMoveSpeedKmh {
		observed = stateMoving
	}

	switch {
	case m.state == stateUnknown:
		m.state = observed
	case observed == m.state:
		// The opposite run did not last; it stays part of the current segment.
		m.clearPending()
	default:
		if m.pendingHops == 0 {
			m.pendingFrom = i
		}
		m.pendingHops++
		m.pendingSecs += h.elapsed
		if m.shouldCommit() {
			m.runs = append(m.runs, run{state: m.state, from: m.start, to: m.pendingFrom})
			m.state = observed
			m.start = m.pendingFrom
			m.clearPending()
		}
	}
}

func (m *machine) shouldCommit() bool {
	byFixes := m.cfg.HysteresisFixes > 0
	byTime := m.cfg.HysteresisDuration > 0
	if !byFixes && !byTime {
		return true
	}
	if byFixes && m.pendingHops >= m.cfg.HysteresisFixes {
		return true
	}
	return byTime && m.pendingSecs >= m.cfg.HysteresisDuration.Seconds()
}

func (m *machine) clearPending() {
	m.pendingFrom, m.pendingHops, m.pendingSecs = 0, 0, 0
}

// closeAt ends the current segment at fix index end.
func (m *machine) closeAt(end int) {
	if m.state != stateUnknown && end > m.start {
		m.runs = append(m.runs, run{state: m.state, from: m.start, to: end})
	}
	m.clearPending()
}

func (m *machine) finish() {
	last := len(m.fixes) - 1
	m.closeAt(last)
	if len(m.runs) == 0 {
		// A lone fix: nothing to measure, so it is a zero-length stop.
		m.runs = append(m.runs, run{state: stateStopped, from: 0, to: last})
	}
}

// merge drops short trips into stationary time, then folds short stops that
// touch a trip into the trip.
func (m *machine) merge(runs []run) []run {
	runs = coalesce(runs)

	for i := range runs {
		if runs[i].state == stateMoving && m.distance(runs[i]) < m.cfg.MinTripDistanceMeters {
			runs[i].state = stateStopped
		}
	}
	runs = coalesce(runs)

	for i := range runs {
		if runs[i].state != stateStopped || m.duration(runs[i]) >= m.cfg.MinStopDuration.Seconds() {
			continue
		}
		prevMoving := i > 0 && runs[i-1].state == stateMoving
		nextMoving := i < len(runs)-1 && runs[i+1].state == stateMoving
		if prevMoving || nextMoving {
			runs[i].state = stateMoving
		}
	}
	return coalesce(runs)
}

func coalesce(runs []run) []run {
	out := runs[:0]
	for _, r := range runs {
		if n := len(out); n > 0 && out[n-1].state == r.state {
			out[n-1].to = r.to
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *machine) distance(r run) float64 {
	var d float64
	for i := r.from; i < r.to; i++ {
		d += m.hops[i].distance
	}
	return d
}

func (m *machine) duration(r run) float64 {
	return geo.Elapsed(m.fixes[r.from], m.fixes[r.to])
}

func (m *machine) build(r run) Segment {
	first, last := m.fixes[r.from], m.fixes[r.to]
	seg := Segment{
		Kind:            r.state.kind(),
		Start:           first.Timestamp,
		End:             last.Timestamp,
		StartFix:        first,
		EndFix:          last,
		DistanceMeters:  m.distance(r),
		DurationSeconds: m.duration(r),
		Latitude:        first.Latitude,
		Longitude:       first.Longitude,
		FixCount:        r.to - r.from + 1,
		StartIndex:      r.from,
		EndIndex:        r.to,
	}
	for i := r.from; i < r.to; i++ {
		if m.hops[i].speed > seg.MaxSpeedKmh {
			seg.MaxSpeedKmh = m.hops[i].speed
		}
	}
	if seg.DurationSeconds > 0 {
		seg.AvgSpeedKmh = seg.DistanceMeters / seg.DurationSeconds * 3.6
	}
	if seg.Kind == KindStop {
		var lat, lng float64
		for _, f := range m.fixes[r.from : r.to+1] {
			lat += f.Latitude
			lng += f.Longitude
		}
		seg.Latitude = lat / float64(seg.FixCount)
		seg.Longitude = lng / float64(seg.FixCount)
	}
	return seg
}
