package segment

import (
	"errors"
	"time"

	"fleet-analytics/internal/geo"
)

// Config holds the thresholds that drive trip/stop classification.
// None of them have an authoritative value; the defaults were picked for
// consumer vehicle trackers sampling every 5-60 seconds and should be tuned
// against real traces.
type Config struct {
	// MinMoveSpeedKmh is the hop speed at or above which motion is real.
	MinMoveSpeedKmh float64 `json:"min_move_speed_kmh" koanf:"min_move_speed_kmh"`

	// MinStopDuration is the dwell time a stationary run needs to be kept as
	// a STOP when it sits next to a trip. Shorter runs are folded into the
	// trip (traffic lights, brief pauses).
	MinStopDuration time.Duration `json:"min_stop_duration" koanf:"min_stop_duration"`

	// MaxFixGap is the largest expected interval between two fixes. Longer
	// gaps become SIGNAL_LOSS segments.
	MaxFixGap time.Duration `json:"max_fix_gap" koanf:"max_fix_gap"`

	// MinTripDistanceMeters is the distance a moving run must cover to be
	// emitted as a TRIP. Shorter runs are positional noise.
	MinTripDistanceMeters float64 `json:"min_trip_distance_meters" koanf:"min_trip_distance_meters"`

	// HysteresisFixes and HysteresisDuration form the debounce window: a
	// state change commits once the opposite-state run reaches either many
	// hops or that much time. A non-positive value disables that criterion.
	HysteresisFixes    int           `json:"hysteresis_fixes" koanf:"hysteresis_fixes"`
	HysteresisDuration time.Duration `json:"hysteresis_duration" koanf:"hysteresis_duration"`

	// MaxPlausibleSpeedKmh caps device-reported speeds.
	MaxPlausibleSpeedKmh float64 `json:"max_plausible_speed_kmh" koanf:"max_plausible_speed_kmh"`
}

// DefaultConfig returns the default segmentation thresholds.
func DefaultConfig() Config {
	return Config{
		MinMoveSpeedKmh:       5,
		MinStopDuration:       3 * time.Minute,
		MaxFixGap:             10 * time.Minute,
		MinTripDistanceMeters: 500,
		HysteresisFixes:       3,
		HysteresisDuration:    45 * time.Second,
		MaxPlausibleSpeedKmh:  geo.DefaultMaxPlausibleSpeedKmh,
	}
}

// Validate checks that the thresholds describe a usable classifier.
func (c Config) Validate() error {
	var errs []error
	if c.MinMoveSpeedKmh <= 0 {
		errs = append(errs, errors.New("min_move_speed_kmh must be positive"))
	}
	if c.MinStopDuration < 0 {
		errs = append(errs, errors.New("min_stop_duration cannot be negative"))
	}
	if c.MaxFixGap <= 0 {
		errs = append(errs, errors.New("max_fix_gap must be positive"))
	}
	if c.MinTripDistanceMeters < 0 {
		errs = append(errs, errors.New("min_trip_distance_meters cannot be negative"))
	}
	if c.HysteresisFixes < 0 {
		errs = append(errs, errors.New("hysteresis_fixes cannot be negative"))
	}
	if c.HysteresisDuration < 0 {
		errs = append(errs, errors.New("hysteresis_duration cannot be negative"))
	}
	if c.MaxPlausibleSpeedKmh <= 0 {
		errs = append(errs, errors.New("max_plausible_speed_kmh must be positive"))
	}
	return errors.Join(errs...)
}

// withFallbacks replaces values that cannot work at zero with the defaults.
func (c Config) withFallbacks() Config {
	d := DefaultConfig()
	if c.MinMoveSpeedKmh <= 0 {
		c.MinMoveSpeedKmh = d.MinMoveSpeedKmh
	}
	if c.MaxFixGap <= 0 {
		c.MaxFixGap = d.MaxFixGap
	}
	if c.MaxPlausibleSpeedKmh <= 0 {
		c.MaxPlausibleSpeedKmh = d.MaxPlausibleSpeedKmh
	}
	return c
}
