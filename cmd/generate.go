package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"fleet-analytics/internal/geo"
	"fleet-analytics/internal/models"
)

// generateCmd generates a simulated day of driving per vehicle
func generateCmd() *cobra.Command {
	var count int
	var vehicleCount int
	var seed uint64
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample vehicles and GPS fixes",
		Long: `Generate sample vehicles and a simulated day of GPS fixes for each.
Vehicles alternate between trips and stops, with occasional stretches of
signal loss and missing speed readings, so every report type has
something to show.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			rng := rand.New(rand.NewPCG(seed, seed>>1))
			ctx := cmd.Context()

			vehicleTypes := []string{"truck", "van", "sedan", "suv"}
			baseTime := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Hour)
			perVehicle := max(count/max(vehicleCount, 1), 1)

			var all []models.Fix
			start := time.Now()
			for i := 1; i <= vehicleCount; i++ {
				v := models.Vehicle{
					ID:           fmt.Sprintf("VEH-%03d", i),
					Name:         fmt.Sprintf("Vehicle %d", i),
					LicensePlate: fmt.Sprintf("FL-%04d-%03d", rng.IntN(10000), i),
					VehicleType:  vehicleTypes[rng.IntN(len(vehicleTypes))],
				}
				if err := database.InsertVehicle(ctx, &v); err != nil {
					return fmt.Errorf("create vehicle: %w", err)
				}

				sim := newSimulator(rng, v.ID, baseTime)
				fixes := sim.run(perVehicle)
				inserted, err := database.InsertFixBatch(ctx, fixes)
				if err != nil {
					return fmt.Errorf("insert fixes for %s: %w", v.ID, err)
				}
				fmt.Printf("\r%s: %d fixes", v.ID, inserted)
				all = append(all, fixes...)
			}

			elapsed := time.Since(start)
			fmt.Printf("\nGenerated %d vehicles and %d fixes in %v (seed %d)\n",
				vehicleCount, len(all), elapsed, seed)

			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				enc := json.NewEncoder(file)
				enc.SetIndent("", "  ")
				if err := enc.Encode(all); err != nil {
					return fmt.Errorf("export fixes: %w", err)
				}
				fmt.Printf("Fixes exported to %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 5000, "Approximate number of fixes to generate")
	cmd.Flags().IntVarP(&vehicleCount, "vehicles", "n", 5, "Number of vehicles to create")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed (0 picks one)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated fixes to a JSON file")
	return cmd
}

var metersPerDegree = geo.EarthRadiusMeters * math.Pi / 180

// simulator moves one vehicle around Lisbon
type simulator struct {
	rng       *rand.Rand
	vehicleID string
	lat, lng  float64
	heading   float64
	at        time.Time
	fixes     []models.Fix
}

func newSimulator(rng *rand.Rand, vehicleID string, start time.Time) *simulator {
	return &simulator{
		rng:       rng,
		vehicleID: vehicleID,
		lat:       38.7223 + (rng.Float64()-0.5)*0.1,
		lng:       -9.1393 + (rng.Float64()-0.5)*0.1,
		heading:   rng.Float64() * 360,
		at:        start.Add(time.Duration(rng.IntN(60)) * time.Minute),
	}
}

// run alternates trips and stops until n fixes exist.
func (s *simulator) run(n int) []models.Fix {
	s.emit(0)
	for len(s.fixes) < n {
		s.drive(10+s.rng.IntN(40), 30*time.Second, 30+s.rng.Float64()*60)
		if s.rng.IntN(10) == 0 {
			s.loseSignal(time.Duration(15+s.rng.IntN(30)) * time.Minute)
			continue
		}
		s.park(time.Duration(5+s.rng.IntN(40))*time.Minute, time.Minute)
	}
	return s.fixes[:n]
}

func (s *simulator) drive(n int, every time.Duration, speedKmh float64) {
	for i := 0; i < n; i++ {
		s.heading = math.Mod(s.heading+(s.rng.Float64()-0.5)*30+360, 360)
		speed := max(speedKmh+(s.rng.Float64()-0.5)*20, 5)
		meters := speed / 3.6 * every.Seconds()
		rad := s.heading * math.Pi / 180
		s.lat += meters * math.Cos(rad) / metersPerDegree
		s.lng += meters * math.Sin(rad) / (metersPerDegree * math.Cos(s.lat*math.Pi/180))
		s.at = s.at.Add(every)
		s.emit(speed)
	}
}

// park reports a stationary vehicle with a few meters of GPS jitter.
func (s *simulator) park(d, every time.Duration) {
	lat, lng := s.lat, s.lng
	for elapsed := every; elapsed <= d; elapsed += every {
		s.lat = lat + (s.rng.Float64()-0.5)*4/metersPerDegree
		s.lng = lng + (s.rng.Float64()-0.5)*4/metersPerDegree
		s.at = s.at.Add(every)
		s.emit(0)
	}
	s.lat, s.lng = lat, lng
}

// loseSignal jumps ahead in time and space without reporting.
func (s *simulator) loseSignal(d time.Duration) {
	s.drive(1, d, 40)
}

func (s *simulator) emit(speedKmh float64) {
	f := models.Fix{
		VehicleID: s.vehicleID,
		Timestamp: s.at,
		Latitude:  geo.Round(s.lat, 6),
		Longitude: geo.Round(s.lng, 6),
		Heading:   math.Round(s.heading),
		Altitude:  models.Float64(50 + s.rng.Float64()*30),
	}
	// Some devices skip the speed field now and then
	if s.rng.IntN(20) != 0 {
		f.Speed = models.Float64(math.Round(speedKmh*10) / 10)
	}
	if f.Heading >= 360 {
		f.Heading = 0
	}
	s.fixes = append(s.fixes, f)
}
