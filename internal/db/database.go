package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet-analytics/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultPageSize is the number of fixes FetchFixes reads per query.
const DefaultPageSize = 5000

// ErrVehicleNotFound is returned when a vehicle ID is unknown.
var ErrVehicleNotFound = errors.New("vehicle not found")

// Config holds storage settings.
type Config struct {
	Path     string `koanf:"path"`
	PageSize int    `koanf:"page_size"`
}

// Database wraps the SQLite connection
type Database struct {
	conn     *sql.DB
	pageSize int
}

// Option configures a Database.
type Option func(*Database)

// WithPageSize sets how many fixes FetchFixes reads per query.
func WithPageSize(n int) Option {
	return func(db *Database) {
		if n > 0 {
			db.pageSize = n
		}
	}
}

// New creates a new database connection
func New(dbPath string, opts ...Option) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		license_plate TEXT UNIQUE NOT NULL,
		vehicle_type TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fixes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vehicle_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		speed REAL,
		altitude REAL,
		heading REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (vehicle_id) REFERENCES vehicles(id)
	);

	-- Report windows are always per vehicle and time ordered
	CREATE INDEX IF NOT EXISTS idx_fixes_vehicle_timestamp ON fixes(vehicle_id, timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_fixes_timestamp ON fixes(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InsertVehicle adds a new vehicle
func (db *Database) InsertVehicle(ctx context.Context, v *models.Vehicle) error {
	query := `INSERT INTO vehicles (id, name, license_plate, vehicle_type) VALUES (?, ?, ?, ?)`
	if _, err := db.conn.ExecContext(ctx, query, v.ID, v.Name, v.LicensePlate, v.VehicleType); err != nil {
		return fmt.Errorf("insert vehicle %s: %w", v.ID, err)
	}
	return nil
}

// GetVehicle retrieves a vehicle by ID
func (db *Database) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	query := `SELECT id, name, license_plate, vehicle_type, created_at FROM vehicles WHERE id = ?`

	var v models.Vehicle
	err := db.conn.QueryRowContext(ctx, query, id).Scan(&v.ID, &v.Name, &v.LicensePlate, &v.VehicleType, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vehicle %s: %w", id, err)
	}
	return &v, nil
}

// ListVehicles returns all vehicles
func (db *Database) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	query := `SELECT id, name, license_plate, vehicle_type, created_at FROM vehicles ORDER BY name, id`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	vehicles := []models.Vehicle{}
	for rows.Next() {
		var v models.Vehicle
		if err := rows.Scan(&v.ID, &v.Name, &v.LicensePlate, &v.VehicleType, &v.CreatedAt); err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

const insertFix = `
	INSERT INTO fixes (vehicle_id, timestamp, latitude, longitude, speed, altitude, heading)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

// fixArgs returns insert arguments. Timestamps are stored in UTC so that
// SQLite's text comparison orders them correctly.
func fixArgs(f *models.Fix) []any {
	return []any{
		f.VehicleID, f.Timestamp.UTC(), f.Latitude, f.Longitude,
		nullFloat(f.Speed), nullFloat(f.Altitude), f.Heading,
	}
}

// InsertFix adds a single fix and sets its ID
func (db *Database) InsertFix(ctx context.Context, f *models.Fix) error {
	result, err := db.conn.ExecContext(ctx, insertFix, fixArgs(f)...)
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}

	id, _ := result.LastInsertId()
	f.ID = id
	return nil
}

// InsertFixBatch inserts fixes in a single transaction
func (db *Database) InsertFixBatch(ctx context.Context, fixes []models.Fix) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertFix)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for i := range fixes {
		if _, err := stmt.ExecContext(ctx, fixArgs(&fixes[i])...); err != nil {
			return 0, fmt.Errorf("insert fix %d: %w", i, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

const selectFixes = `
	SELECT id, vehicle_id, timestamp, latitude, longitude, speed, altitude, heading
	FROM fixes
`

// QueryFixes retrieves fixes matching q. Results are newest first unless
// q.Ascending is set; ties on timestamp are broken by id so that pages are
// stable.
func (db *Database) QueryFixes(ctx context.Context, q models.TelemetryQuery) ([]models.Fix, error) {
	var conditions []string
	var args []any

	query := selectFixes

	if q.VehicleID != "" {
		conditions = append(conditions, "vehicle_id = ?")
		args = append(args, q.VehicleID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.StartTime.UTC())
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, q.EndTime.UTC())
	}
	if q.MinSpeed > 0 {
		conditions = append(conditions, "speed >= ?")
		args = append(args, q.MinSpeed)
	}
	if q.MaxSpeed > 0 {
		conditions = append(conditions, "speed <= ?")
		args = append(args, q.MaxSpeed)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if q.Ascending {
		query += " ORDER BY timestamp ASC, id ASC"
	} else {
		query += " ORDER BY timestamp DESC, id DESC"
	}

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fixes: %w", err)
	}
	defer rows.Close()

	results := []models.Fix{}
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}

	return results, rows.Err()
}

// FetchFixes returns every fix for vehicleID with start <= timestamp <= end
// in ascending order, reading the window page by page.
func (db *Database) FetchFixes(ctx context.Context, vehicleID string, start, end time.Time) ([]models.Fix, error) {
	var all []models.Fix
	q := models.TelemetryQuery{
		VehicleID: vehicleID,
		StartTime: start,
		EndTime:   end,
		Limit:     db.pageSize,
		Ascending: true,
	}
	for {
		page, err := db.QueryFixes(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("fetch page at offset %d: %w", q.Offset, err)
		}
		all = append(all, page...)
		if len(page) < q.Limit {
			return all, nil
		}
		q.Offset += len(page)
	}
}

// GetLatestFix returns the most recent fix for a vehicle, or nil if it has
// none.
func (db *Database) GetLatestFix(ctx context.Context, vehicleID string) (*models.Fix, error) {
	query := selectFixes + `
		WHERE vehicle_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`

	f, err := scanFix(db.conn.QueryRowContext(ctx, query, vehicleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest fix for %s: %w", vehicleID, err)
	}
	return &f, nil
}

// CountFixes returns the fixes per vehicle within a window, busiest first.
// A zero start or end leaves that side open.
func (db *Database) CountFixes(ctx context.Context, start, end time.Time) ([]models.FixCount, error) {
	query := `SELECT vehicle_id, COUNT(*) FROM fixes`
	var conditions []string
	var args []any
	if !start.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, start.UTC())
	}
	if !end.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, end.UTC())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " GROUP BY vehicle_id ORDER BY COUNT(*) DESC, vehicle_id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count fixes: %w", err)
	}
	defer rows.Close()

	counts := []models.FixCount{}
	for rows.Next() {
		var c models.FixCount
		if err := rows.Scan(&c.VehicleID, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Stats summarizes the store.
type Stats struct {
	TotalFixes    int64      `json:"total_fixes"`
	TotalVehicles int64      `json:"total_vehicles"`
	OldestFix     *time.Time `json:"oldest_fix,omitempty"`
	NewestFix     *time.Time `json:"newest_fix,omitempty"`
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM fixes").Scan(&s.TotalFixes); err != nil {
		return nil, fmt.Errorf("count fixes: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM vehicles").Scan(&s.TotalVehicles); err != nil {
		return nil, fmt.Errorf("count vehicles: %w", err)
	}
	if s.TotalFixes == 0 {
		return &s, nil
	}

	var oldest, newest time.Time
	row := db.conn.QueryRowContext(ctx, "SELECT timestamp FROM fixes ORDER BY timestamp ASC LIMIT 1")
	if err := row.Scan(&oldest); err != nil {
		return nil, fmt.Errorf("oldest fix: %w", err)
	}
	row = db.conn.QueryRowContext(ctx, "SELECT timestamp FROM fixes ORDER BY timestamp DESC LIMIT 1")
	if err := row.Scan(&newest); err != nil {
		return nil, fmt.Errorf("newest fix: %w", err)
	}
	s.OldestFix, s.NewestFix = &oldest, &newest
	return &s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFix(s scanner) (models.Fix, error) {
	var f models.Fix
	var speed, altitude sql.NullFloat64
	err := s.Scan(
		&f.ID, &f.VehicleID, &f.Timestamp, &f.Latitude, &f.Longitude,
		&speed, &altitude, &f.Heading,
	)
	if err != nil {
		return f, err
	}
	f.Timestamp = f.Timestamp.UTC()
	if speed.Valid {
		f.Speed = &speed.Float64
	}
	if altitude.Valid {
		f.Altitude = &altitude.Float64
	}
	return f, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
