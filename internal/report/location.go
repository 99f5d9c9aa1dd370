package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet-analytics/internal/geo"
	"fleet-analytics/internal/geocode"
	"fleet-analytics/internal/models"
)

var (
	// ErrNoFixes is returned when a vehicle has never reported a position.
	ErrNoFixes = errors.New("vehicle has no fixes")

	// ErrLatestUnsupported is returned when the telemetry source cannot
	// look up the latest fix.
	ErrLatestUnsupported = errors.New("telemetry source does not support latest fix lookup")
)

// Location is a vehicle's last known position.
type Location struct {
	VehicleID       string           `json:"vehicle_id"`
	Fix             models.Fix       `json:"fix"`
	AgeSeconds      float64          `json:"age_seconds"`
	Address         *string          `json:"address"`
	AddressDetails  *geocode.Address `json:"address_details,omitempty"`
	DisplayLocation string           `json:"display_location"`
}

// CurrentLocation returns the latest fix with its address, or the
// coordinates when no address resolves.
func (s *Service) CurrentLocation(ctx context.Context, vehicleID string) (*Location, error) {
	latest, ok := s.source.(LatestFixSource)
	if !ok {
		return nil, ErrLatestUnsupported
	}
	fix, err := latest.GetLatestFix(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("latest fix for vehicle %s: %w", vehicleID, err)
	}
	if fix == nil {
		return nil, ErrNoFixes
	}

	loc := &Location{
		VehicleID:       vehicleID,
		Fix:             *fix,
		AgeSeconds:      time.Since(fix.Timestamp).Seconds(),
		DisplayLocation: geo.FormatCoordinates(fix.Latitude, fix.Longitude),
	}
	if s.resolver != nil {
		if addr, ok := s.resolver.Resolve(ctx, fix.Latitude, fix.Longitude); ok && addr.FullAddress != "" {
			full := addr.FullAddress
			loc.Address = &full
			loc.AddressDetails = addr
			loc.DisplayLocation = full
		}
	}
	return loc, nil
}
