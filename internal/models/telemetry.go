package models

import "time"

// Fix represents a single GPS position reading from a vehicle
type Fix struct {
	ID        int64     `json:"id"`
	VehicleID string    `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`    // km/h, as reported by the device
	Altitude  *float64  `json:"altitude,omitempty"` // meters
	Heading   float64   `json:"heading"`            // degrees
}

// HasSpeed reports whether the device sent a speed reading with this fix
func (f Fix) HasSpeed() bool {
	return f.Speed != nil
}

// Vehicle represents a fleet vehicle
type Vehicle struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LicensePlate string    `json:"license_plate"`
	VehicleType  string    `json:"vehicle_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// TelemetryQuery represents query parameters for fix searches
type TelemetryQuery struct {
	VehicleID string
	StartTime time.Time
	EndTime   time.Time
	MinSpeed  float64
	MaxSpeed  float64
	Limit     int
	Offset    int
	Ascending bool
}

// FixCount is the number of fixes a vehicle reported within a window
type FixCount struct {
	VehicleID string `json:"vehicle_id"`
	Count     int64  `json:"count"`
}

// Float64 returns a pointer to v, for optional fix fields
func Float64(v float64) *float64 {
	return &v
}
