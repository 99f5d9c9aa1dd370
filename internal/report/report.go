// Package report turns a vehicle's fix stream into trip/stop reports,
// renderable routes, fleet summaries and current-location answers.
//
// Everything here is computed on demand from the Telemetry Source and never
// persisted. Stop addresses come from an AddressResolver and always fall
// back to coordinates, so a slow or broken geocoder degrades a report but
// never fails it.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet-analytics/internal/geocode"
	"fleet-analytics/internal/segment"
)

// View selects which parts of a report are rendered.
type View string

const (
	ViewSummary  View = "summary"
	ViewDetailed View = "detailed"
	ViewTrips    View = "trips"
	ViewStops    View = "stops"
)

// ErrInvalidView is returned for an unknown report type.
var ErrInvalidView = errors.New("invalid report type")

// ParseView parses a report type. Empty means summary.
func ParseView(s string) (View, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "summary":
		return ViewSummary, nil
	case "detailed":
		return ViewDetailed, nil
	case "trips", "trips-only":
		return ViewTrips, nil
	case "stops", "stops-only":
		return ViewStops, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidView, s)
	}
}

// rendersStops reports whether the view lists stop segments, and therefore
// needs addresses.
func (v View) rendersStops() bool {
	return v == ViewDetailed || v == ViewStops
}

// includes reports whether a segment kind is part of the view.
func (v View) includes(k segment.Kind) bool {
	switch v {
	case ViewTrips:
		return k == segment.KindTrip
	case ViewStops:
		return k == segment.KindStop
	default:
		return true
	}
}

// InvalidRangeError is returned when a window ends before it starts.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: end %s is before start %s",
		e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

func validateRange(start, end time.Time) error {
	if end.Before(start) {
		return &InvalidRangeError{Start: start, End: end}
	}
	return nil
}

// ParseBound reads one end of a report window: RFC 3339, a zoneless
// "2006-01-02T15:04:05" taken as UTC, or a plain date. A plain date used as
// an end bound covers the whole day.
func ParseBound(value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC 3339, YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// Request identifies a report.
type Request struct {
	VehicleID string
	Start     time.Time
	End       time.Time
	View      View
}

// Period is the requested window.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Totals aggregates the segments included in a report.
type Totals struct {
	DistanceMeters        float64 `json:"distance_meters"`
	MovingSeconds         float64 `json:"moving_seconds"`
	StoppedSeconds        float64 `json:"stopped_seconds"`
	SignalLossSeconds     float64 `json:"signal_loss_seconds"`
	TripCount             int     `json:"trip_count"`
	StopCount             int     `json:"stop_count"`
	SignalLossCount       int     `json:"signal_loss_count"`
	AvgSpeedKmh           float64 `json:"avg_speed_kmh"`
	MaxSpeedKmh           float64 `json:"max_speed_kmh"`
	FuelConsumptionLiters float64 `json:"fuel_consumption_liters"`
}

// SegmentView is a segment as rendered in a report. Address is only ever
// set on stops and is null when no address could be resolved;
// DisplayLocation is always usable.
type SegmentView struct {
	segment.Segment
	Address         *string          `json:"address"`
	AddressDetails  *geocode.Address `json:"address_details,omitempty"`
	DisplayLocation string           `json:"display_location"`
}

// Report is an immutable vehicle report.
type Report struct {
	VehicleID   string        `json:"vehicle_id"`
	Period      Period        `json:"period"`
	View        View          `json:"view"`
	FixCount    int           `json:"fix_count"`
	Totals      Totals        `json:"totals"`
	Segments    []SegmentView `json:"segments,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Summarize aggregates segments. Distance counts trips only, so stop jitter
// and straight-line signal-loss gaps are left out. fuelKmPerLiter <= 0
// disables the fuel estimate.
func Summarize(segments []segment.Segment, fuelKmPerLiter float64) Totals {
	var t Totals
	for _, s := range segments {
		switch s.Kind {
		case segment.KindTrip:
			t.TripCount++
			t.DistanceMeters += s.DistanceMeters
			t.MovingSeconds += s.DurationSeconds
			if s.MaxSpeedKmh > t.MaxSpeedKmh {
				t.MaxSpeedKmh = s.MaxSpeedKmh
			}
		case segment.KindStop:
			t.StopCount++
			t.StoppedSeconds += s.DurationSeconds
		case segment.KindSignalLoss:
			t.SignalLossCount++
			t.SignalLossSeconds += s.DurationSeconds
		}
	}
	if t.MovingSeconds > 0 {
		t.AvgSpeedKmh = t.DistanceMeters / t.MovingSeconds * 3.6
	}
	if fuelKmPerLiter > 0 {
		t.FuelConsumptionLiters = t.DistanceMeters / 1000 / fuelKmPerLiter
	}
	return t
}
