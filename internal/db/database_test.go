package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fleet-analytics/internal/models"
)

var base = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T, opts ...Option) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "fleet.db"), opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedFixes(t *testing.T, db *Database, vehicleID string, n int) []models.Fix {
	t.Helper()
	fixes := make([]models.Fix, n)
	for i := range fixes {
		fixes[i] = models.Fix{
			VehicleID: vehicleID,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Latitude:  38.7 + float64(i)*0.001,
			Longitude: -9.1,
			Heading:   90,
		}
		if i%2 == 0 {
			fixes[i].Speed = models.Float64(float64(i))
		}
	}
	count, err := db.InsertFixBatch(context.Background(), fixes)
	if err != nil {
		t.Fatalf("InsertFixBatch error: %v", err)
	}
	if count != int64(n) {
		t.Fatalf("expected %d inserted, got %d", n, count)
	}
	return fixes
}

func TestVehicles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, v := range []models.Vehicle{
		{ID: "v2", Name: "Van", LicensePlate: "BB-22-BB", VehicleType: "van"},
		{ID: "v1", Name: "Truck", LicensePlate: "AA-11-AA", VehicleType: "truck"},
	} {
		if err := db.InsertVehicle(ctx, &v); err != nil {
			t.Fatalf("InsertVehicle error: %v", err)
		}
	}

	got, err := db.GetVehicle(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVehicle error: %v", err)
	}
	if got.Name != "Truck" || got.LicensePlate != "AA-11-AA" {
		t.Fatalf("unexpected vehicle %+v", got)
	}

	if _, err := db.GetVehicle(ctx, "missing"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("expected ErrVehicleNotFound, got %v", err)
	}

	list, err := db.ListVehicles(ctx)
	if err != nil {
		t.Fatalf("ListVehicles error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "v1" || list[1].ID != "v2" {
		t.Fatalf("expected vehicles sorted by name, got %+v", list)
	}

	dup := models.Vehicle{ID: "v3", Name: "Copy", LicensePlate: "AA-11-AA", VehicleType: "car"}
	if err := db.InsertVehicle(ctx, &dup); err == nil {
		t.Fatal("expected duplicate license plate to fail")
	}
}

func TestInsertFix_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	local := time.FixedZone("WEST", 3600)
	f := models.Fix{
		VehicleID: "v1",
		Timestamp: time.Date(2024, 3, 4, 9, 30, 0, 0, local),
		Latitude:  38.7223,
		Longitude: -9.1393,
		Altitude:  models.Float64(42),
		Heading:   180,
	}
	if err := db.InsertFix(ctx, &f); err != nil {
		t.Fatalf("InsertFix error: %v", err)
	}
	if f.ID == 0 {
		t.Fatal("expected ID to be set")
	}

	got, err := db.GetLatestFix(ctx, "v1")
	if err != nil {
		t.Fatalf("GetLatestFix error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a fix")
	}
	if !got.Timestamp.Equal(f.Timestamp) || got.Timestamp.Location() != time.UTC {
		t.Fatalf("expected %s in UTC, got %s", f.Timestamp, got.Timestamp)
	}
	if got.Speed != nil {
		t.Fatalf("expected missing speed to stay missing, got %v", *got.Speed)
	}
	if got.Altitude == nil || *got.Altitude != 42 {
		t.Fatalf("unexpected altitude %v", got.Altitude)
	}
	if got.Latitude != f.Latitude || got.Longitude != f.Longitude || got.Heading != 180 {
		t.Fatalf("unexpected fix %+v", got)
	}
}

func TestGetLatestFix_None(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetLatestFix(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GetLatestFix error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestQueryFixes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedFixes(t, db, "v1", 10)
	seedFixes(t, db, "v2", 3)

	tests := []struct {
		name     string
		query    models.TelemetryQuery
		expected int
	}{
		{name: "all", query: models.TelemetryQuery{}, expected: 13},
		{name: "vehicle", query: models.TelemetryQuery{VehicleID: "v1"}, expected: 10},
		{name: "window", query: models.TelemetryQuery{VehicleID: "v1", StartTime: base.Add(2 * time.Minute), EndTime: base.Add(5 * time.Minute)}, expected: 4},
		{name: "min speed skips missing", query: models.TelemetryQuery{VehicleID: "v1", MinSpeed: 4}, expected: 3},
		{name: "limit", query: models.TelemetryQuery{VehicleID: "v1", Limit: 3}, expected: 3},
		{name: "offset", query: models.TelemetryQuery{VehicleID: "v1", Limit: 5, Offset: 8}, expected: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.QueryFixes(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryFixes error: %v", err)
			}
			if len(got) != tt.expected {
				t.Fatalf("expected %d fixes, got %d", tt.expected, len(got))
			}
		})
	}

	desc, err := db.QueryFixes(ctx, models.TelemetryQuery{VehicleID: "v1", Limit: 1})
	if err != nil {
		t.Fatalf("QueryFixes error: %v", err)
	}
	if !desc[0].Timestamp.Equal(base.Add(9 * time.Minute)) {
		t.Fatalf("expected newest first, got %s", desc[0].Timestamp)
	}
}

func TestFetchFixes_Pages(t *testing.T) {
	db := openTestDB(t, WithPageSize(4))
	ctx := context.Background()
	seedFixes(t, db, "v1", 10)
	seedFixes(t, db, "v2", 5)

	got, err := db.FetchFixes(ctx, "v1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchFixes error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 fixes across pages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("fix %d out of order", i)
		}
		if got[i].VehicleID != "v1" {
			t.Fatalf("unexpected vehicle %s", got[i].VehicleID)
		}
	}

	// Both bounds are inclusive.
	got, err = db.FetchFixes(ctx, "v1", base.Add(3*time.Minute), base.Add(7*time.Minute))
	if err != nil {
		t.Fatalf("FetchFixes error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 fixes, got %d", len(got))
	}

	got, err = db.FetchFixes(ctx, "v9", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchFixes error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no fixes, got %d", len(got))
	}
}

func TestFetchFixes_ExactPageMultiple(t *testing.T) {
	db := openTestDB(t, WithPageSize(5))
	seedFixes(t, db, "v1", 10)

	got, err := db.FetchFixes(context.Background(), "v1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchFixes error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 fixes, got %d", len(got))
	}
}

func TestFetchFixes_Canceled(t *testing.T) {
	db := openTestDB(t)
	seedFixes(t, db, "v1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := db.FetchFixes(ctx, "v1", base, base.Add(time.Hour)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCountFixesAndStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats error: %v", err)
	}
	if stats.TotalFixes != 0 || stats.OldestFix != nil {
		t.Fatalf("expected empty stats, got %+v", stats)
	}

	seedFixes(t, db, "v1", 3)
	seedFixes(t, db, "v2", 6)
	v := models.Vehicle{ID: "v1", Name: "Truck", LicensePlate: "AA-11-AA", VehicleType: "truck"}
	if err := db.InsertVehicle(ctx, &v); err != nil {
		t.Fatalf("InsertVehicle error: %v", err)
	}

	counts, err := db.CountFixes(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("CountFixes error: %v", err)
	}
	if len(counts) != 2 || counts[0].VehicleID != "v2" || counts[0].Count != 6 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	counts, err = db.CountFixes(ctx, base.Add(4*time.Minute), time.Time{})
	if err != nil {
		t.Fatalf("CountFixes error: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 2 {
		t.Fatalf("unexpected windowed counts %+v", counts)
	}

	stats, err = db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats error: %v", err)
	}
	if stats.TotalFixes != 9 || stats.TotalVehicles != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.OldestFix.Equal(base) || !stats.NewestFix.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("unexpected range %s..%s", stats.OldestFix, stats.NewestFix)
	}
}
