package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"fleet-analytics/internal/api"
	"fleet-analytics/internal/config"
	"fleet-analytics/internal/db"
	"fleet-analytics/internal/geo"
	"fleet-analytics/internal/geocode"
	"fleet-analytics/internal/logging"
	"fleet-analytics/internal/models"
	"fleet-analytics/internal/parser"
	"fleet-analytics/internal/report"
	"fleet-analytics/internal/segment"
)

var (
	dbPath     string
	configPath string
	cfg        *config.Config
	database   *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet-analytics",
		Short: "Fleet Analytics - trip, stop and route reports from vehicle GPS fixes",
		Long: `A CLI tool for ingesting vehicle GPS fixes and turning them into
trip/stop reports, renderable routes and fleet summaries, with SQLite
storage, reverse geocoding and REST API access.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides database.path)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(locationCmd())
	rootCmd.AddCommand(fleetCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(vehicleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration, applies flag overrides and sets up logging
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	logging.Init(cfg.Logging)
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.Database.Path, db.WithPageSize(cfg.Database.PageSize))
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// newResolver builds the geocoding pipeline. With provider "none" the
// resolver only ever answers from its (empty) cache, so every location
// falls back to coordinates.
func newResolver() (*geocode.Resolver, error) {
	provider, err := geocode.NewProvider(cfg.Geocoding, nil)
	if err != nil {
		return nil, fmt.Errorf("geocoding provider: %w", err)
	}
	cache, err := geocode.NewCache(cfg.Geocoding.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("geocoding cache: %w", err)
	}

	name := geocode.ProviderNone
	if provider != nil {
		name = provider.Name()
	}
	logging.Info().Str("provider", name).Int("cache_size", cfg.Geocoding.CacheSize).Msg("geocoding configured")
	return geocode.NewResolver(provider, cache, cfg.Geocoding.ResolverConfig(name)), nil
}

// newReportService wires storage, geocoding and segmentation together
func newReportService() (*report.Service, error) {
	resolver, err := newResolver()
	if err != nil {
		return nil, err
	}
	return report.NewService(database, resolver, cfg.Segmentation, cfg.Report), nil
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			reports, err := newReportService()
			if err != nil {
				return err
			}

			server := api.NewServer(database, reports, cfg.Server.ReportTimeout)
			httpServer := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      server.Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logging.Info().
					Str("addr", cfg.Server.Addr).
					Str("database", cfg.Database.Path).
					Msg("api server listening")
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logging.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.addr)")
	return cmd
}

// ingestCmd ingests fixes from files
func ingestCmd() *cobra.Command {
	var format string
	var validate bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest GPS fixes from CSV, JSON or log files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fileFormat := format
				if fileFormat == "" || fileFormat == "auto" {
					fileFormat = parser.DetectFormat(file)
				}
				fmt.Printf("Processing %s (%s)...\n", file, fileFormat)
				start := time.Now()

				fixes, err := parser.NewParser(fileFormat).ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				if validate {
					valid := fixes[:0]
					for i := range fixes {
						if errs := parser.ValidateFix(&fixes[i]); len(errs) == 0 {
							valid = append(valid, fixes[i])
						} else {
							logging.Warn().Str("file", file).Strs("errors", errs).Msg("rejected fix")
							totalErrors++
						}
					}
					fixes = valid
				}

				count, err := database.InsertFixBatch(ctx, fixes)
				if err != nil {
					fmt.Printf("  Database error: %v\n", err)
					totalErrors++
					continue
				}

				elapsed := time.Since(start)
				fmt.Printf("  Inserted %d fixes in %v (%.0f fixes/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalRecords += int(count)
			}

			fmt.Printf("\nTotal: %d fixes ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "auto", "File format (auto, csv, json, jsonl, log)")
	cmd.Flags().BoolVarP(&validate, "validate", "v", true, "Validate fixes before inserting")
	return cmd
}

// queryCmd queries stored fixes
func queryCmd() *cobra.Command {
	var vehicleID string
	var startTime string
	var endTime string
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored GPS fixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			q := models.TelemetryQuery{
				VehicleID: vehicleID,
				Limit:     limit,
			}

			var err error
			if startTime != "" {
				if q.StartTime, err = report.ParseBound(startTime, false); err != nil {
					return fmt.Errorf("invalid start time: %w", err)
				}
			}
			if endTime != "" {
				if q.EndTime, err = report.ParseBound(endTime, true); err != nil {
					return fmt.Errorf("invalid end time: %w", err)
				}
			}

			start := time.Now()
			results, err := database.QueryFixes(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			if outputFormat == "json" {
				return printJSON(results)
			}

			fmt.Printf("Found %d fixes (query time: %v)\n\n", len(results), elapsed)
			for _, f := range results {
				speed := "-"
				if f.HasSpeed() {
					speed = fmt.Sprintf("%.1f km/h", *f.Speed)
				}
				fmt.Printf("[%s] Vehicle: %s | Pos: %s | Speed: %s | Heading: %.0f\n",
					f.Timestamp.Format("2006-01-02 15:04:05"),
					f.VehicleID, geo.FormatCoordinates(f.Latitude, f.Longitude),
					speed, f.Heading)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&vehicleID, "vehicle", "V", "", "Filter by vehicle ID")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339, YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339, YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum fixes to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// windowFlags registers --start and --end for commands that take a period
type windowFlags struct {
	start string
	end   string
}

func (w *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&w.start, "start", "s", "", "Period start (RFC3339, YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD, default 24h ago)")
	cmd.Flags().StringVarP(&w.end, "end", "e", "", "Period end (RFC3339, YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD, default now)")
}

func (w *windowFlags) parse() (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	var err error
	if w.start != "" {
		if start, err = report.ParseBound(w.start, false); err != nil {
			return start, end, fmt.Errorf("invalid start: %w", err)
		}
	}
	if w.end != "" {
		if end, err = report.ParseBound(w.end, true); err != nil {
			return start, end, fmt.Errorf("invalid end: %w", err)
		}
	}
	return start, end, nil
}

// reportCmd builds a trip/stop report for one vehicle
func reportCmd() *cobra.Command {
	var window windowFlags
	var reportType string
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "report [vehicle_id]",
		Short: "Build a trip/stop report for a vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := window.parse()
			if err != nil {
				return err
			}
			view, err := report.ParseView(reportType)
			if err != nil {
				return err
			}

			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			svc, err := newReportService()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.ReportTimeout)
			defer cancel()

			rep, err := svc.BuildReport(ctx, report.Request{VehicleID: args[0], Start: start, End: end, View: view})
			if err != nil {
				return err
			}

			if outputFormat == "json" {
				return printJSON(rep)
			}
			printReport(rep)
			return nil
		},
	}

	window.register(cmd)
	cmd.Flags().StringVarP(&reportType, "type", "t", "summary", "Report type (summary, detailed, trips, stops)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func printReport(rep *report.Report) {
	t := rep.Totals
	fmt.Printf("Report for %s (%s)\n", rep.VehicleID, rep.View)
	fmt.Printf("  Period:           %s .. %s\n", rep.Period.Start.Format(time.RFC3339), rep.Period.End.Format(time.RFC3339))
	fmt.Println("==========================================")
	fmt.Printf("  Fixes:            %d\n", rep.FixCount)
	fmt.Printf("  Trips:            %d (%s moving)\n", t.TripCount, seconds(t.MovingSeconds))
	fmt.Printf("  Stops:            %d (%s stopped)\n", t.StopCount, seconds(t.StoppedSeconds))
	if t.SignalLossCount > 0 {
		fmt.Printf("  Signal loss:      %d (%s)\n", t.SignalLossCount, seconds(t.SignalLossSeconds))
	}
	fmt.Printf("  Distance:         %.2f km\n", t.DistanceMeters/1000)
	fmt.Printf("  Average Speed:    %.1f km/h\n", t.AvgSpeedKmh)
	fmt.Printf("  Maximum Speed:    %.1f km/h\n", t.MaxSpeedKmh)
	fmt.Printf("  Fuel (estimate):  %.1f L\n", t.FuelConsumptionLiters)

	if len(rep.Segments) == 0 {
		return
	}
	fmt.Println()
	for _, seg := range rep.Segments {
		fmt.Printf("  %-11s %s - %s  %8s", seg.Kind,
			seg.Start.Format("15:04:05"), seg.End.Format("15:04:05"), seconds(seg.DurationSeconds))
		switch seg.Kind {
		case segment.KindTrip:
			fmt.Printf("  %6.2f km  avg %.0f km/h\n", seg.DistanceMeters/1000, seg.AvgSpeedKmh)
		case segment.KindStop:
			fmt.Printf("  %s\n", seg.DisplayLocation)
		default:
			fmt.Println()
		}
	}
}

func seconds(s float64) string {
	return (time.Duration(s) * time.Second).String()
}

// routeCmd builds a renderable route for one vehicle
func routeCmd() *cobra.Command {
	var window windowFlags
	var maxPoints int

	cmd := &cobra.Command{
		Use:   "route [vehicle_id]",
		Short: "Build a route (waypoints and polyline) for a vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := window.parse()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-points") {
				cfg.Report.MaxRoutePointsPerTrip = maxPoints
			}

			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			svc, err := newReportService()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.ReportTimeout)
			defer cancel()

			route, err := svc.BuildRoute(ctx, report.RouteRequest{VehicleID: args[0], Start: start, End: end})
			if err != nil {
				return err
			}
			return printJSON(route)
		},
	}

	window.register(cmd)
	cmd.Flags().IntVarP(&maxPoints, "max-points", "m", 0, "Maximum points per trip (0 keeps all)")
	return cmd
}

// locationCmd shows where a vehicle is now
func locationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "location [vehicle_id]",
		Short: "Show a vehicle's last known location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			svc, err := newReportService()
			if err != nil {
				return err
			}

			loc, err := svc.CurrentLocation(cmd.Context(), args[0])
			if errors.Is(err, report.ErrNoFixes) {
				fmt.Printf("No fixes recorded for %s\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s at %s\n", loc.VehicleID, loc.DisplayLocation)
			fmt.Printf("  Last fix:  %s (%s ago)\n",
				loc.Fix.Timestamp.Format(time.RFC3339), seconds(loc.AgeSeconds))
			if loc.Fix.HasSpeed() {
				fmt.Printf("  Speed:     %.1f km/h\n", *loc.Fix.Speed)
			}
			return nil
		},
	}
}

// fleetCmd summarizes every registered vehicle
func fleetCmd() *cobra.Command {
	var window windowFlags
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Summarize trips and distance across the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := window.parse()
			if err != nil {
				return err
			}

			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			svc, err := newReportService()
			if err != nil {
				return err
			}
			vehicles, err := database.ListVehicles(cmd.Context())
			if err != nil {
				return err
			}

			summary, err := svc.BuildFleetSummary(cmd.Context(), vehicles, start, end)
			if err != nil {
				return err
			}

			if outputFormat == "json" {
				return printJSON(summary)
			}

			fmt.Printf("Fleet summary: %d of %d vehicles active, %.1f km total\n\n",
				summary.ActiveVehicles, summary.TotalVehicles, summary.TotalDistanceMeters/1000)
			fmt.Printf("%-10s %-20s %8s %6s %6s %10s\n", "ID", "Name", "Fixes", "Trips", "Stops", "Distance")
			fmt.Println(strings.Repeat("-", 65))
			for _, v := range summary.Vehicles {
				fmt.Printf("%-10s %-20s %8d %6d %6d %7.1f km\n",
					v.VehicleID, v.Name, v.FixCount, v.TripCount, v.StopCount, v.DistanceMeters/1000)
			}
			return nil
		},
	}

	window.register(cmd)
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			stats, err := database.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}
			counts, err := database.CountFixes(ctx, time.Time{}, time.Time{})
			if err != nil {
				return fmt.Errorf("error counting fixes: %w", err)
			}

			fmt.Println("Fleet Analytics Statistics")
			fmt.Println("==========================")
			fmt.Printf("  Total Vehicles:  %d\n", stats.TotalVehicles)
			fmt.Printf("  GPS Fixes:       %d\n", stats.TotalFixes)
			if stats.OldestFix != nil {
				fmt.Printf("  Range:           %s .. %s\n",
					stats.OldestFix.Format(time.RFC3339), stats.NewestFix.Format(time.RFC3339))
			}
			fmt.Printf("  Database:        %s\n", cfg.Database.Path)

			if len(counts) > 0 {
				fmt.Println("\n  Busiest vehicles:")
				for _, c := range counts[:min(5, len(counts))] {
					fmt.Printf("    %-12s %d fixes\n", c.VehicleID, c.Count)
				}
			}
			return nil
		},
	}
}

// vehicleCmd manages vehicles
func vehicleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vehicle",
		Short: "Vehicle management commands",
	}

	// List subcommand
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all vehicles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			vehicles, err := database.ListVehicles(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing vehicles: %w", err)
			}

			if len(vehicles) == 0 {
				fmt.Println("No vehicles found. Use 'fleet-analytics generate' to create sample data.")
				return nil
			}

			fmt.Printf("%-10s %-20s %-12s %-10s\n", "ID", "Name", "Plate", "Type")
			fmt.Println(strings.Repeat("-", 55))
			for _, v := range vehicles {
				fmt.Printf("%-10s %-20s %-12s %-10s\n", v.ID, v.Name, v.LicensePlate, v.VehicleType)
			}
			return nil
		},
	}

	// Add subcommand
	var name, plate, vehicleType string
	addCmd := &cobra.Command{
		Use:   "add [vehicle_id]",
		Short: "Register a vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			v := models.Vehicle{ID: args[0], Name: name, LicensePlate: plate, VehicleType: vehicleType}
			if v.Name == "" {
				v.Name = v.ID
			}
			if v.LicensePlate == "" {
				return errors.New("--plate is required")
			}
			if err := database.InsertVehicle(cmd.Context(), &v); err != nil {
				return err
			}
			fmt.Printf("Registered %s (%s)\n", v.ID, v.LicensePlate)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Display name")
	addCmd.Flags().StringVar(&plate, "plate", "", "License plate")
	addCmd.Flags().StringVar(&vehicleType, "type", "car", "Vehicle type")

	// Summary subcommand
	var window windowFlags
	summaryCmd := &cobra.Command{
		Use:   "summary [vehicle_id]",
		Short: "Show a vehicle's trip summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := window.parse()
			if err != nil {
				return err
			}
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			if _, err := database.GetVehicle(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			// The summary view never geocodes, so no resolver is needed
			svc := report.NewService(database, nil, cfg.Segmentation, cfg.Report)
			rep, err := svc.BuildReport(cmd.Context(), report.Request{VehicleID: args[0], Start: start, End: end})
			if err != nil {
				return err
			}
			printReport(rep)
			return nil
		},
	}
	window.register(summaryCmd)

	cmd.AddCommand(listCmd, addCmd, summaryCmd)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
