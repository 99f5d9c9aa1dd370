package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"fleet-analytics/internal/logging"
	"fleet-analytics/internal/models"
)

// Supported input formats.
const (
	FormatCSV       = "csv"
	FormatJSON      = "json"
	FormatJSONLines = "jsonl"
	FormatLog       = "log"
)

var errMissingField = errors.New("missing field")

// Parser handles parsing of fix files
type Parser struct {
	format string
}

// NewParser creates a new parser with the specified format
func NewParser(format string) *Parser {
	return &Parser{format: strings.ToLower(strings.TrimSpace(format))}
}

// DetectFormat guesses the format from a file extension, defaulting to CSV.
func DetectFormat(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return FormatJSON
	case ".jsonl", ".ndjson":
		return FormatJSONLines
	case ".log", ".txt":
		return FormatLog
	default:
		return FormatCSV
	}
}

// ParseFile parses a fix file
func (p *Parser) ParseFile(filename string) ([]models.Fix, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse reads fixes from r. Malformed records are logged and skipped.
func (p *Parser) Parse(r io.Reader) ([]models.Fix, error) {
	switch p.format {
	case FormatCSV:
		return p.parseCSV(r)
	case FormatJSON:
		return p.parseJSON(r)
	case FormatJSONLines, "jsonlines", "ndjson":
		return p.parseJSONLines(r)
	case FormatLog:
		return p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// parseCSV parses CSV with a header row. Columns are matched by name, so
// their order is free and unknown columns are ignored.
func (p *Parser) parseCSV(r io.Reader) ([]models.Fix, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"vehicle_id", "timestamp", "latitude", "longitude"} {
		if _, ok := indices[required]; !ok {
			return nil, fmt.Errorf("header is missing column %q", required)
		}
	}

	results := []models.Fix{}
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		fix, err := recordToFix(record, indices)
		if err != nil {
			skip(FormatCSV, lineNum, err)
			continue
		}
		results = append(results, fix)
	}

	return results, nil
}

// recordToFix converts a CSV record to a Fix
func recordToFix(record []string, indices map[string]int) (models.Fix, error) {
	var f models.Fix
	var err error

	getValue := func(key string) string {
		if idx, ok := indices[key]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	f.VehicleID = getValue("vehicle_id")
	if f.VehicleID == "" {
		return f, fmt.Errorf("%w: vehicle_id", errMissingField)
	}

	if f.Timestamp, err = parseTimestamp(getValue("timestamp")); err != nil {
		return f, err
	}
	if f.Latitude, err = parseRequired("latitude", getValue("latitude")); err != nil {
		return f, err
	}
	if f.Longitude, err = parseRequired("longitude", getValue("longitude")); err != nil {
		return f, err
	}
	if f.Speed, err = parseOptional("speed", getValue("speed")); err != nil {
		return f, err
	}
	if f.Altitude, err = parseOptional("altitude", getValue("altitude")); err != nil {
		return f, err
	}
	if h := getValue("heading"); h != "" {
		if f.Heading, err = parseFloat("heading", h); err != nil {
			return f, err
		}
	}

	return f, nil
}

// parseJSON parses a JSON array of fixes, falling back to newline-delimited
// JSON when the input is not an array.
func (p *Parser) parseJSON(r io.Reader) ([]models.Fix, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err == nil {
			results := []models.Fix{}
			for i, msg := range raw {
				fix, err := decodeFix(msg)
				if err != nil {
					skip(FormatJSON, i+1, err)
					continue
				}
				results = append(results, fix)
			}
			return results, nil
		}
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.Fix, error) {
	results := []models.Fix{}
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		// Pretty-printed arrays leave a trailing comma on each element
		line = strings.TrimSuffix(line, ",")

		fix, err := decodeFix([]byte(line))
		if err != nil {
			skip(FormatJSONLines, lineNum, err)
			continue
		}
		results = append(results, fix)
	}

	return results, scanner.Err()
}

// jsonFix accepts the timestamp in any format parseTimestamp understands.
type jsonFix struct {
	VehicleID string   `json:"vehicle_id"`
	Timestamp string   `json:"timestamp"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     *float64 `json:"speed"`
	Altitude  *float64 `json:"altitude"`
	Heading   float64  `json:"heading"`
}

func decodeFix(data []byte) (models.Fix, error) {
	var raw jsonFix
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Fix{}, err
	}
	if raw.VehicleID == "" {
		return models.Fix{}, fmt.Errorf("%w: vehicle_id", errMissingField)
	}
	if raw.Latitude == nil || raw.Longitude == nil {
		return models.Fix{}, fmt.Errorf("%w: latitude/longitude", errMissingField)
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return models.Fix{}, err
	}
	return models.Fix{
		VehicleID: raw.VehicleID,
		Timestamp: ts,
		Latitude:  *raw.Latitude,
		Longitude: *raw.Longitude,
		Speed:     raw.Speed,
		Altitude:  raw.Altitude,
		Heading:   raw.Heading,
	}, nil
}

// parseLog parses the device log format:
//
//	timestamp|vehicle_id|lat,lon|speed|altitude|heading
//
// speed, altitude and heading may be empty; trailing fields may be omitted.
func (p *Parser) parseLog(r io.Reader) ([]models.Fix, error) {
	results := []models.Fix{}
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fix, err := parseLogLine(line)
		if err != nil {
			skip(FormatLog, lineNum, err)
			continue
		}
		results = append(results, fix)
	}

	return results, scanner.Err()
}

func parseLogLine(line string) (models.Fix, error) {
	var f models.Fix
	var err error

	parts := strings.Split(line, "|")
	if len(parts) < 3 {
		return f, errors.New("insufficient fields")
	}
	field := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	if f.Timestamp, err = parseTimestamp(field(0)); err != nil {
		return f, err
	}
	if f.VehicleID = field(1); f.VehicleID == "" {
		return f, fmt.Errorf("%w: vehicle_id", errMissingField)
	}

	lat, lon, ok := strings.Cut(field(2), ",")
	if !ok {
		return f, fmt.Errorf("invalid coordinates %q", field(2))
	}
	if f.Latitude, err = parseRequired("latitude", strings.TrimSpace(lat)); err != nil {
		return f, err
	}
	if f.Longitude, err = parseRequired("longitude", strings.TrimSpace(lon)); err != nil {
		return f, err
	}

	if f.Speed, err = parseOptional("speed", field(3)); err != nil {
		return f, err
	}
	if f.Altitude, err = parseOptional("altitude", field(4)); err != nil {
		return f, err
	}
	if h := field(5); h != "" {
		if f.Heading, err = parseFloat("heading", h); err != nil {
			return f, err
		}
	}
	return f, nil
}

func parseRequired(name, s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: %s", errMissingField, name)
	}
	return parseFloat(name, s)
}

// parseOptional returns nil for an empty value so that "not reported" stays
// distinct from zero.
func parseOptional(name, s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := parseFloat(name, s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseFloat rejects NaN and infinities, which strconv accepts but which
// cannot be stored or encoded.
func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func skip(format string, line int, err error) {
	logging.Warn().
		Str("format", format).
		Int("line", line).
		Err(err).
		Msg("skipping malformed record")
}

// parseTimestamp tries multiple timestamp formats. Values without a zone
// are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp", errMissingField)
	}

	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateFix validates a fix
func ValidateFix(f *models.Fix) []string {
	var errs []string

	if f.VehicleID == "" {
		errs = append(errs, "vehicle_id is required")
	}
	if f.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	}
	// Range checks are written so that NaN fails them.
	if !(f.Latitude >= -90 && f.Latitude <= 90) {
		errs = append(errs, "latitude must be between -90 and 90")
	}
	if !(f.Longitude >= -180 && f.Longitude <= 180) {
		errs = append(errs, "longitude must be between -180 and 180")
	}
	if f.Speed != nil && !(*f.Speed >= 0 && !math.IsInf(*f.Speed, 1)) {
		errs = append(errs, "speed must be a finite, non-negative number")
	}
	if f.Altitude != nil && (math.IsNaN(*f.Altitude) || math.IsInf(*f.Altitude, 0)) {
		errs = append(errs, "altitude must be a finite number")
	}
	if !(f.Heading >= 0 && f.Heading < 360) {
		errs = append(errs, "heading must be between 0 and 360")
	}

	return errs
}
