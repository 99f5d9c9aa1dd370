package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet-analytics/internal/geo"
	"fleet-analytics/internal/geocode"
	"fleet-analytics/internal/logging"
	"fleet-analytics/internal/metrics"
	"fleet-analytics/internal/models"
	"fleet-analytics/internal/segment"
)

// TelemetrySource returns every fix for a vehicle with start <= timestamp
// <= end, ordered by timestamp. An empty result is not an error.
type TelemetrySource interface {
	FetchFixes(ctx context.Context, vehicleID string, start, end time.Time) ([]models.Fix, error)
}

// LatestFixSource is implemented by sources that can answer "where is the
// vehicle now" without a window. It returns nil when the vehicle has no
// fixes.
type LatestFixSource interface {
	GetLatestFix(ctx context.Context, vehicleID string) (*models.Fix, error)
}

// AddressResolver resolves a coordinate to an address. It never fails; a
// false result means the caller should fall back to coordinates.
type AddressResolver interface {
	Resolve(ctx context.Context, lat, lng float64) (*geocode.Address, bool)
}

// Config holds report tunables.
type Config struct {
	// FuelKmPerLiter is the assumed fleet consumption for fuel estimates.
	FuelKmPerLiter float64 `koanf:"fuel_km_per_liter"`
	// MaxRoutePointsPerTrip caps the fixes a route keeps per trip;
	// 0 keeps them all.
	MaxRoutePointsPerTrip int `koanf:"max_route_points_per_trip"`
	// FleetWorkers bounds concurrent vehicle reports in a fleet summary.
	FleetWorkers int `koanf:"fleet_workers"`
}

// DefaultConfig returns the default report configuration.
func DefaultConfig() Config {
	return Config{
		FuelKmPerLiter:        10,
		MaxRoutePointsPerTrip: 200,
		FleetWorkers:          4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.FuelKmPerLiter <= 0 {
		errs = append(errs, errors.New("report fuel_km_per_liter must be positive"))
	}
	if c.MaxRoutePointsPerTrip < 0 {
		errs = append(errs, errors.New("report max_route_points_per_trip cannot be negative"))
	}
	if c.FleetWorkers <= 0 {
		errs = append(errs, errors.New("report fleet_workers must be positive"))
	}
	return errors.Join(errs...)
}

// Service builds reports. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	source       TelemetrySource
	resolver     AddressResolver
	segmentation segment.Config
	cfg          Config
}

// NewService returns a Service. resolver may be nil, in which case every
// location falls back to coordinates.
func NewService(source TelemetrySource, resolver AddressResolver, segmentation segment.Config, cfg Config) *Service {
	if cfg.FleetWorkers <= 0 {
		cfg.FleetWorkers = 1
	}
	return &Service{
		source:       source,
		resolver:     resolver,
		segmentation: segmentation,
		cfg:          cfg,
	}
}

// BuildReport fetches the window, segments it and renders the requested
// view. Stop addresses are resolved only for views that list stops; when
// ctx expires while resolving, the remaining stops fall back to
// coordinates and the report is still returned.
func (s *Service) BuildReport(ctx context.Context, req Request) (*Report, error) {
	if err := validateRange(req.Start, req.End); err != nil {
		return nil, err
	}
	view := req.View
	if view == "" {
		view = ViewSummary
	}
	if _, err := ParseView(string(view)); err != nil {
		return nil, err
	}

	began := time.Now()
	fixes, segments, err := s.segmentWindow(ctx, req.VehicleID, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	var included []segment.Segment
	for _, seg := range segments {
		if view.includes(seg.Kind) {
			included = append(included, seg)
		}
	}

	rep := &Report{
		VehicleID:   req.VehicleID,
		Period:      Period{Start: req.Start, End: req.End},
		View:        view,
		FixCount:    len(fixes),
		Totals:      Summarize(included, s.cfg.FuelKmPerLiter),
		GeneratedAt: time.Now().UTC(),
	}
	if view != ViewSummary {
		var addresses map[int]*geocode.Address
		if view.rendersStops() {
			addresses = s.resolveStops(ctx, included)
		}
		rep.Segments = make([]SegmentView, len(included))
		for i, seg := range included {
			rep.Segments[i] = newSegmentView(seg, addresses[i])
		}
	}

	metrics.RecordReport(string(view), time.Since(began))
	logging.Ctx(ctx).Debug().
		Str("vehicle_id", req.VehicleID).
		Str("view", string(view)).
		Int("fixes", len(fixes)).
		Int("segments", len(segments)).
		Dur("elapsed", time.Since(began)).
		Msg("report built")
	return rep, nil
}

// segmentWindow fetches and segments a window. The returned fixes are
// normalized, so segment indices point into them.
func (s *Service) segmentWindow(ctx context.Context, vehicleID string, start, end time.Time) ([]models.Fix, []segment.Segment, error) {
	fixes, err := s.source.FetchFixes(ctx, vehicleID, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch fixes for vehicle %s: %w", vehicleID, err)
	}
	fixes = segment.Normalize(fixes)
	segments := segment.Detect(fixes, s.segmentation)
	for _, seg := range segments {
		metrics.ReportSegments.WithLabelValues(string(seg.Kind)).Inc()
	}
	return fixes, segments, nil
}

// resolveStops resolves stop addresses in segment order, keyed by index
// into segments. Lookups run one at a time: the provider is rate limited
// anyway, and ordering by index keeps results deterministic.
func (s *Service) resolveStops(ctx context.Context, segments []segment.Segment) map[int]*geocode.Address {
	addresses := make(map[int]*geocode.Address)
	if s.resolver == nil {
		return addresses
	}
	for i, seg := range segments {
		if seg.Kind != segment.KindStop {
			continue
		}
		if addr, ok := s.resolver.Resolve(ctx, seg.Latitude, seg.Longitude); ok {
			addresses[i] = addr
		}
	}
	return addresses
}

func newSegmentView(seg segment.Segment, addr *geocode.Address) SegmentView {
	v := SegmentView{
		Segment:         seg,
		DisplayLocation: geo.FormatCoordinates(seg.Latitude, seg.Longitude),
	}
	if seg.Kind == segment.KindStop && addr != nil && addr.FullAddress != "" {
		full := addr.FullAddress
		v.Address = &full
		v.AddressDetails = addr
		v.DisplayLocation = full
	}
	return v
}
