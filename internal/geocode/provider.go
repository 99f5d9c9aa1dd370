// Package geocode turns coordinates into human-readable addresses.
//
// Providers talk to an external reverse geocoding service. The Resolver in
// front of them adds the shared LRU cache, a token-bucket rate limiter, a
// per-call timeout and a circuit breaker, and never returns an error:
// every failure degrades to "no address" so reports can fall back to
// coordinates.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider failures. ErrNotFound means the service answered and there is
// no address for the point; it is cached. The rest are transient and are
// not.
var (
	ErrNotFound           = errors.New("geocode: no address found")
	ErrQuotaExceeded      = errors.New("geocode: quota exceeded")
	ErrUnauthorized       = errors.New("geocode: request denied")
	ErrMissingCredentials = errors.New("geocode: missing api key")
	ErrUnavailable        = errors.New("geocode: service unavailable")
)

// Address is a resolved location. FullAddress is always set on success; the
// component fields are filled when the provider returns them.
type Address struct {
	FullAddress string `json:"full_address"`
	Road        string `json:"road,omitempty"`
	HouseNumber string `json:"house_number,omitempty"`
	Suburb      string `json:"suburb,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Postcode    string `json:"postcode,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// Provider reverse geocodes a single point.
type Provider interface {
	Name() string
	ReverseGeocode(ctx context.Context, lat, lng float64, language string) (Address, error)
}

// Provider selection values for Config.Provider.
const (
	ProviderAuto      = "auto"
	ProviderNominatim = "nominatim"
	ProviderGoogle    = "google"
	ProviderNone      = "none"
)

// Config configures provider selection and the resolver around it.
type Config struct {
	Provider        string          `koanf:"provider"`
	Language        string          `koanf:"language"`
	CacheSize       int             `koanf:"cache_size"`
	Timeout         time.Duration   `koanf:"timeout"`
	BreakerFailures uint32          `koanf:"breaker_failures"`
	BreakerCooldown time.Duration   `koanf:"breaker_cooldown"`
	Nominatim       NominatimConfig `koanf:"nominatim"`
	Google          GoogleConfig    `koanf:"google"`
}

// NominatimConfig configures the OpenStreetMap Nominatim provider.
type NominatimConfig struct {
	URL       string `koanf:"url"`
	UserAgent string `koanf:"user_agent"`
	// Interval is the minimum spacing between requests. The public
	// instance allows one request per second.
	Interval time.Duration `koanf:"interval"`
}

// GoogleConfig configures the Google Maps Geocoding API provider.
type GoogleConfig struct {
	URL      string        `koanf:"url"`
	APIKey   string        `koanf:"api_key"`
	Interval time.Duration `koanf:"interval"`
}

// DefaultConfig returns the default geocoding configuration.
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderAuto,
		Language:        "pt",
		CacheSize:       1000,
		Timeout:         5 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
		Nominatim: NominatimConfig{
			URL:       DefaultNominatimURL,
			UserAgent: "fleet-analytics/1.0",
			Interval:  time.Second,
		},
		Google: GoogleConfig{
			URL:      DefaultGoogleURL,
			Interval: 50 * time.Millisecond,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderAuto, ProviderNominatim, ProviderGoogle, ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("unknown geocoding provider %q", c.Provider))
	}
	if c.CacheSize <= 0 {
		errs = append(errs, errors.New("geocoding cache_size must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("geocoding timeout must be positive"))
	}
	if c.BreakerFailures == 0 {
		errs = append(errs, errors.New("geocoding breaker_failures must be positive"))
	}
	if c.Nominatim.Interval <= 0 || c.Google.Interval <= 0 {
		errs = append(errs, errors.New("geocoding provider intervals must be positive"))
	}
	if c.Provider == ProviderGoogle && c.Google.APIKey == "" {
		errs = append(errs, fmt.Errorf("google provider: %w", ErrMissingCredentials))
	}
	return errors.Join(errs...)
}

// NewProvider builds the configured provider. It returns a nil Provider for
// ProviderNone. With ProviderAuto the paid Google API is used when a key is
// configured and Nominatim otherwise.
func NewProvider(cfg Config, client *http.Client) (Provider, error) {
	name := cfg.Provider
	if name == ProviderAuto || name == "" {
		name = ProviderNominatim
		if cfg.Google.APIKey != "" {
			name = ProviderGoogle
		}
	}

	switch name {
	case ProviderNominatim:
		return &NominatimProvider{
			BaseURL:    cfg.Nominatim.URL,
			UserAgent:  cfg.Nominatim.UserAgent,
			HTTPClient: client,
		}, nil
	case ProviderGoogle:
		p, err := NewGoogleProvider(cfg.Google.URL, cfg.Google.APIKey, client)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown geocoding provider %q", cfg.Provider)
	}
}

// Interval returns the request spacing for the named provider.
func (c Config) Interval(provider string) time.Duration {
	if provider == ProviderGoogle {
		return c.Google.Interval
	}
	return c.Nominatim.Interval
}

// statusError maps a non-200 HTTP response to a provider error.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))

	var kind error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = ErrQuotaExceeded
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrUnauthorized
	case resp.StatusCode >= 500:
		kind = ErrUnavailable
	default:
		return fmt.Errorf("%s status %d: %s", provider, resp.StatusCode, msg)
	}
	return fmt.Errorf("%s status %d: %w", provider, resp.StatusCode, kind)
}

func defaultHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 15 * time.Second}
}
