// Package config loads fleet-analytics settings from built-in defaults, an
// optional YAML file and FLEET_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"time"

	"fleet-analytics/internal/db"
	"fleet-analytics/internal/geocode"
	"fleet-analytics/internal/logging"
	"fleet-analytics/internal/report"
	"fleet-analytics/internal/segment"
)

// Config is the complete application configuration.
type Config struct {
	Server       ServerConfig   `koanf:"server"`
	Database     db.Config      `koanf:"database"`
	Logging      logging.Config `koanf:"logging"`
	Segmentation segment.Config `koanf:"segmentation"`
	Geocoding    geocode.Config `koanf:"geocoding"`
	Report       report.Config  `koanf:"report"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ReportTimeout bounds report, route and fleet requests, geocoding
	// included. Stops still unresolved at the deadline fall back to
	// coordinates.
	ReportTimeout time.Duration `koanf:"report_timeout"`
}

// defaultConfig returns the values applied before the file and environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  60 * time.Second,
			ReportTimeout: 30 * time.Second,
		},
		Database: db.Config{
			Path:     "fleet.db",
			PageSize: db.DefaultPageSize,
		},
		Logging:      logging.DefaultConfig(),
		Segmentation: segment.DefaultConfig(),
		Geocoding:    geocode.DefaultConfig(),
		Report:       report.DefaultConfig(),
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server addr is required"))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server read_timeout and write_timeout must be positive"))
	}
	if c.Server.ReportTimeout <= 0 {
		errs = append(errs, errors.New("server report_timeout must be positive"))
	}
	if c.Server.ReportTimeout > c.Server.WriteTimeout {
		errs = append(errs, fmt.Errorf("server report_timeout (%s) must not exceed write_timeout (%s)",
			c.Server.ReportTimeout, c.Server.WriteTimeout))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Database.PageSize <= 0 {
		errs = append(errs, errors.New("database page_size must be positive"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format))
	}

	if err := c.Segmentation.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Geocoding.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Report.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
