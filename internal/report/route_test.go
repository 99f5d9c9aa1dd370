package report

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"fleet-analytics/internal/geocode"
	"fleet-analytics/internal/models"
	"fleet-analytics/internal/segment"
)

func collect(it *WaypointIterator) []Waypoint {
	var out []Waypoint
	for wp, ok := it.Next(); ok; wp, ok = it.Next() {
		out = append(out, wp)
	}
	return out
}

func TestStride(t *testing.T) {
	tests := []struct {
		n, max, expected int
	}{
		{n: 10, max: 0, expected: 1},
		{n: 10, max: 20, expected: 1},
		{n: 10, max: 10, expected: 1},
		{n: 10, max: 4, expected: 3},
		{n: 11, max: 4, expected: 4},
		{n: 10, max: 1, expected: 9},
	}
	for _, tt := range tests {
		if got := stride(tt.n, tt.max); got != tt.expected {
			t.Fatalf("stride(%d, %d) = %d, expected %d", tt.n, tt.max, got, tt.expected)
		}
	}
}

func TestWaypointIterator_SubsamplesTrips(t *testing.T) {
	fixes := segment.Normalize(tripStopTrip("v1"))
	segments := segment.Detect(fixes, segment.DefaultConfig())
	addr := &geocode.Address{FullAddress: "Rua Augusta"}

	it := RouteBuilder{MaxPointsPerTrip: 4}.Build(fixes, segments, map[int]*geocode.Address{1: addr})
	waypoints := collect(it)

	// Trip of 11 fixes -> 4 points, the stop, trip of 9 fixes -> 4 points.
	if len(waypoints) != 9 {
		t.Fatalf("expected 9 waypoints, got %d", len(waypoints))
	}
	if !waypoints[0].Timestamp.Equal(fixes[0].Timestamp) {
		t.Fatal("expected first fix to be kept")
	}
	if last := waypoints[len(waypoints)-1]; !last.Timestamp.Equal(fixes[len(fixes)-1].Timestamp) {
		t.Fatal("expected last fix to be kept")
	}

	stop := waypoints[4]
	if stop.Kind != WaypointStop || stop.Address == nil || *stop.Address != "Rua Augusta" {
		t.Fatalf("unexpected stop waypoint %+v", stop)
	}
	if stop.DurationSeconds != 300 || stop.Departure == nil {
		t.Fatalf("unexpected stop timing %+v", stop)
	}

	for i, wp := range waypoints {
		if len(wp.Geohash) != GeohashPrecision {
			t.Fatalf("waypoint %d has geohash %q", i, wp.Geohash)
		}
		if i > 0 && wp.Timestamp.Before(waypoints[i-1].Timestamp) {
			t.Fatalf("waypoint %d out of order", i)
		}
	}

	if _, ok := it.Next(); ok {
		t.Fatal("expected exhausted iterator to stay exhausted")
	}
}

func TestWaypointIterator_SkipsSignalLoss(t *testing.T) {
	fixes := segment.Normalize(newDrive("v1").
		move(5, time.Minute, 1000).
		move(1, 20*time.Minute, 5000).
		move(5, time.Minute, 1000).
		fixes)
	segments := segment.Detect(fixes, segment.DefaultConfig())

	waypoints := collect(RouteBuilder{}.Build(fixes, segments, nil))
	// Both trips keep every fix; the gap adds nothing.
	if len(waypoints) != 12 {
		t.Fatalf("expected 12 waypoints, got %d", len(waypoints))
	}
	for _, wp := range waypoints {
		if wp.Kind != WaypointTrip {
			t.Fatalf("unexpected waypoint kind %s", wp.Kind)
		}
	}
}

func TestWaypointIterator_EdgeCases(t *testing.T) {
	if got := collect(RouteBuilder{}.Build(nil, nil, nil)); len(got) != 0 {
		t.Fatalf("expected no waypoints, got %d", len(got))
	}

	one := []models.Fix{{ID: 1, Timestamp: day, Latitude: 1, Longitude: 2}}
	got := collect(RouteBuilder{}.Build(one, segment.Detect(one, segment.DefaultConfig()), nil))
	if len(got) != 1 || got[0].Kind != WaypointStop {
		t.Fatalf("expected a single stop waypoint, got %+v", got)
	}
	if got[0].DisplayLocation != "1.000000, 2.000000" {
		t.Fatalf("unexpected display location %q", got[0].DisplayLocation)
	}
}

func TestBuildRoute(t *testing.T) {
	src := newMemorySource()
	src.fixes["v1"] = tripStopTrip("v1")
	svc := newTestService(src, &fakeResolver{addr: &geocode.Address{FullAddress: "Rua Augusta"}})
	start, end := fullDay()

	route, err := svc.BuildRoute(context.Background(), RouteRequest{VehicleID: "v1", Start: start, End: end})
	if err != nil {
		t.Fatalf("BuildRoute error: %v", err)
	}
	// Default cap is well above the trip sizes, so every fix is kept.
	if len(route.Waypoints) != 11+1+9 {
		t.Fatalf("expected 21 waypoints, got %d", len(route.Waypoints))
	}
	if route.Polyline == "" {
		t.Fatal("expected an encoded polyline")
	}
	if len(route.Stops) != 1 || route.Stops[0].Address == nil {
		t.Fatalf("unexpected stops %+v", route.Stops)
	}
	if math.Abs(route.DistanceMeters-18000) > 2 {
		t.Fatalf("expected ~18km, got %.1f", route.DistanceMeters)
	}
	if route.DurationSeconds != 23*60 {
		t.Fatalf("expected 23 minutes, got %.0fs", route.DurationSeconds)
	}
}

func TestBuildRoute_InvalidRange(t *testing.T) {
	svc := newTestService(newMemorySource(), nil)
	_, err := svc.BuildRoute(context.Background(), RouteRequest{VehicleID: "v1", Start: day, End: day.Add(-time.Minute)})
	var rangeErr *InvalidRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected InvalidRangeError, got %v", err)
	}
}

func TestBuildRoute_Empty(t *testing.T) {
	svc := newTestService(newMemorySource(), nil)
	start, end := fullDay()
	route, err := svc.BuildRoute(context.Background(), RouteRequest{VehicleID: "v1", Start: start, End: end})
	if err != nil {
		t.Fatalf("BuildRoute error: %v", err)
	}
	if len(route.Waypoints) != 0 || route.Polyline != "" || route.DurationSeconds != 0 {
		t.Fatalf("expected empty route, got %+v", route)
	}
}
