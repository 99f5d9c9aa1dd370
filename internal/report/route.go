package report

import (
	"context"
	"time"

	"github.com/mmcloughlin/geohash"

	"fleet-analytics/internal/geo"
	"fleet-analytics/internal/geocode"
	"fleet-analytics/internal/models"
	"fleet-analytics/internal/segment"
)

// GeohashPrecision gives ~150m cells, enough for clients to cluster nearby
// waypoints.
const GeohashPrecision = 7

// Waypoint kinds.
const (
	WaypointTrip = "trip"
	WaypointStop = "stop"
)

// Waypoint is one renderable point of a route.
type Waypoint struct {
	Kind      string    `json:"kind"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Geohash   string    `json:"geohash"`
	SpeedKmh  *float64  `json:"speed_kmh,omitempty"`

	// Stop waypoints only.
	Departure       *time.Time `json:"departure,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Address         *string    `json:"address,omitempty"`
	DisplayLocation string     `json:"display_location,omitempty"`
}

// RouteBuilder turns segments into waypoints.
type RouteBuilder struct {
	// MaxPointsPerTrip caps the fixes kept per trip. The first and last
	// fix are always kept. 0 keeps every fix.
	MaxPointsPerTrip int
}

// Build returns an iterator over the route. fixes must be the normalized
// slice the segments index into; addresses is keyed by segment index.
func (b RouteBuilder) Build(fixes []models.Fix, segments []segment.Segment, addresses map[int]*geocode.Address) *WaypointIterator {
	return &WaypointIterator{
		fixes:     fixes,
		segments:  segments,
		addresses: addresses,
		maxPoints: b.MaxPointsPerTrip,
	}
}

// WaypointIterator yields waypoints in time order: every stop location and
// a stride-sampled subset of each trip's fixes. Signal-loss segments yield
// nothing. It is single use.
type WaypointIterator struct {
	fixes     []models.Fix
	segments  []segment.Segment
	addresses map[int]*geocode.Address
	maxPoints int

	next int // next segment to expand

	inTrip  bool
	cursor  int
	tripEnd int
	stride  int
}

// Next returns the next waypoint, or false once the route is exhausted.
func (it *WaypointIterator) Next() (Waypoint, bool) {
	for {
		if it.inTrip {
			i := it.cursor
			if i >= it.tripEnd {
				it.inTrip = false
				i = it.tripEnd
			} else {
				it.cursor = min(i+it.stride, it.tripEnd)
			}
			return it.tripPoint(i), true
		}

		if it.next >= len(it.segments) {
			return Waypoint{}, false
		}
		idx := it.next
		seg := it.segments[idx]
		it.next++

		switch seg.Kind {
		case segment.KindStop:
			return it.stopPoint(idx, seg), true
		case segment.KindTrip:
			it.inTrip = true
			it.cursor = seg.StartIndex
			it.tripEnd = seg.EndIndex
			it.stride = stride(seg.EndIndex-seg.StartIndex+1, it.maxPoints)
		}
	}
}

// stride returns the step that keeps at most maxPoints of n fixes, counting
// the always-kept last fix.
func stride(n, maxPoints int) int {
	switch {
	case maxPoints <= 0 || n <= maxPoints:
		return 1
	case maxPoints == 1:
		return max(1, n-1)
	default:
		return (n - 2 + maxPoints - 1) / (maxPoints - 1)
	}
}

func (it *WaypointIterator) tripPoint(i int) Waypoint {
	f := it.fixes[i]
	return Waypoint{
		Kind:      WaypointTrip,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Timestamp: f.Timestamp,
		Geohash:   geohash.EncodeWithPrecision(f.Latitude, f.Longitude, GeohashPrecision),
		SpeedKmh:  f.Speed,
	}
}

func (it *WaypointIterator) stopPoint(idx int, seg segment.Segment) Waypoint {
	departure := seg.End
	view := newSegmentView(seg, it.addresses[idx])
	return Waypoint{
		Kind:            WaypointStop,
		Latitude:        seg.Latitude,
		Longitude:       seg.Longitude,
		Timestamp:       seg.Start,
		Geohash:         geohash.EncodeWithPrecision(seg.Latitude, seg.Longitude, GeohashPrecision),
		Departure:       &departure,
		DurationSeconds: seg.DurationSeconds,
		Address:         view.Address,
		DisplayLocation: view.DisplayLocation,
	}
}

// Route is a collected route ready for rendering.
type Route struct {
	VehicleID       string        `json:"vehicle_id"`
	Period          Period        `json:"period"`
	Waypoints       []Waypoint    `json:"waypoints"`
	Polyline        string        `json:"polyline"`
	DistanceMeters  float64       `json:"distance_meters"`
	DurationSeconds float64       `json:"duration_seconds"`
	Stops           []SegmentView `json:"stops"`
}

// RouteRequest identifies a route.
type RouteRequest struct {
	VehicleID string
	Start     time.Time
	End       time.Time
}

// BuildRoute fetches and segments the window and collects its waypoints.
func (s *Service) BuildRoute(ctx context.Context, req RouteRequest) (*Route, error) {
	if err := validateRange(req.Start, req.End); err != nil {
		return nil, err
	}
	fixes, segments, err := s.segmentWindow(ctx, req.VehicleID, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	addresses := s.resolveStops(ctx, segments)

	route := &Route{
		VehicleID: req.VehicleID,
		Period:    Period{Start: req.Start, End: req.End},
		Waypoints: []Waypoint{},
		Stops:     []SegmentView{},
	}
	it := RouteBuilder{MaxPointsPerTrip: s.cfg.MaxRoutePointsPerTrip}.Build(fixes, segments, addresses)
	var points []geo.LatLng
	for wp, ok := it.Next(); ok; wp, ok = it.Next() {
		route.Waypoints = append(route.Waypoints, wp)
		points = append(points, geo.LatLng{Lat: wp.Latitude, Lng: wp.Longitude})
	}
	route.Polyline = geo.EncodePolyline(points)

	for i, seg := range segments {
		switch seg.Kind {
		case segment.KindTrip:
			route.DistanceMeters += seg.DistanceMeters
		case segment.KindStop:
			route.Stops = append(route.Stops, newSegmentView(seg, addresses[i]))
		}
	}
	if len(fixes) > 0 {
		route.DurationSeconds = geo.Elapsed(fixes[0], fixes[len(fixes)-1])
	}
	return route, nil
}
