package report

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"fleet-analytics/internal/models"
)

// VehicleSummary is one vehicle's line in a fleet summary.
type VehicleSummary struct {
	VehicleID      string  `json:"vehicle_id"`
	Name           string  `json:"name,omitempty"`
	LicensePlate   string  `json:"license_plate,omitempty"`
	FixCount       int     `json:"fix_count"`
	DistanceMeters float64 `json:"distance_meters"`
	MovingSeconds  float64 `json:"moving_seconds"`
	TripCount      int     `json:"trip_count"`
	StopCount      int     `json:"stop_count"`
}

// FleetSummary aggregates summary reports across vehicles. Vehicles lists
// only vehicles with at least one fix in the window, in input order.
type FleetSummary struct {
	Period              Period           `json:"period"`
	TotalVehicles       int              `json:"total_vehicles"`
	ActiveVehicles      int              `json:"active_vehicles"`
	TotalDistanceMeters float64          `json:"total_distance_meters"`
	Vehicles            []VehicleSummary `json:"vehicles"`
}

// BuildFleetSummary runs a summary report for each vehicle using at most
// FleetWorkers concurrent reports. The first failure cancels the rest.
func (s *Service) BuildFleetSummary(ctx context.Context, vehicles []models.Vehicle, start, end time.Time) (*FleetSummary, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	reports := make([]*Report, len(vehicles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FleetWorkers)
	for i, v := range vehicles {
		g.Go(func() error {
			rep, err := s.BuildReport(gctx, Request{VehicleID: v.ID, Start: start, End: end, View: ViewSummary})
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &FleetSummary{
		Period:        Period{Start: start, End: end},
		TotalVehicles: len(vehicles),
		Vehicles:      []VehicleSummary{},
	}
	for i, rep := range reports {
		if rep.FixCount == 0 {
			continue
		}
		summary.ActiveVehicles++
		summary.TotalDistanceMeters += rep.Totals.DistanceMeters
		summary.Vehicles = append(summary.Vehicles, VehicleSummary{
			VehicleID:      vehicles[i].ID,
			Name:           vehicles[i].Name,
			LicensePlate:   vehicles[i].LicensePlate,
			FixCount:       rep.FixCount,
			DistanceMeters: rep.Totals.DistanceMeters,
			MovingSeconds:  rep.Totals.MovingSeconds,
			TripCount:      rep.Totals.TripCount,
			StopCount:      rep.Totals.StopCount,
		})
	}
	return summary, nil
}
