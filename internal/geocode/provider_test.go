package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNominatimProvider_RequestsAndParses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("format") != "jsonv2" || q.Get("lat") != "-23.5613" || q.Get("lon") != "-46.6565" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("accept-language") != "pt" {
			t.Errorf("expected accept-language pt, got %q", q.Get("accept-language"))
		}
		if ua := r.Header.Get("User-Agent"); ua != "fleet-test/1.0" {
			t.Errorf("expected user agent, got %q", ua)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"display_name": "Avenida Paulista, 1578, Bela Vista, São Paulo, Brasil",
			"address": {
				"road": "Avenida Paulista",
				"house_number": "1578",
				"suburb": "Bela Vista",
				"town": "São Paulo",
				"state": "São Paulo",
				"postcode": "01310-200",
				"country": "Brasil",
				"country_code": "br"
			}
		}`))
	}))
	defer server.Close()

	p := &NominatimProvider{BaseURL: server.URL, UserAgent: "fleet-test/1.0", HTTPClient: server.Client()}
	addr, err := p.ReverseGeocode(context.Background(), -23.5613, -46.6565, "pt")
	if err != nil {
		t.Fatalf("ReverseGeocode error: %v", err)
	}
	if addr.FullAddress != "Avenida Paulista, 1578, Bela Vista, São Paulo, Brasil" {
		t.Fatalf("unexpected full address %q", addr.FullAddress)
	}
	if addr.City != "São Paulo" || addr.CountryCode != "BR" || addr.HouseNumber != "1578" {
		t.Fatalf("unexpected components %+v", addr)
	}
}

func TestNominatimProvider_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected error
	}{
		{name: "unable to geocode", status: http.StatusOK, body: `{"error":"Unable to geocode"}`, expected: ErrNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", expected: ErrQuotaExceeded},
		{name: "blocked", status: http.StatusForbidden, body: "", expected: ErrUnauthorized},
		{name: "down", status: http.StatusServiceUnavailable, body: "", expected: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := &NominatimProvider{BaseURL: server.URL, HTTPClient: server.Client()}
			_, err := p.ReverseGeocode(context.Background(), 1, 2, "")
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

const googleOK = `{
	"status": "OK",
	"results": [{
		"formatted_address": "Av. Paulista, 1578 - Bela Vista, São Paulo - SP, 01310-200, Brazil",
		"address_components": [
			{"long_name": "1578", "short_name": "1578", "types": ["street_number"]},
			{"long_name": "Avenida Paulista", "short_name": "Av. Paulista", "types": ["route"]},
			{"long_name": "Bela Vista", "short_name": "Bela Vista", "types": ["political", "sublocality", "sublocality_level_1"]},
			{"long_name": "São Paulo", "short_name": "São Paulo", "types": ["administrative_area_level_2", "political"]},
			{"long_name": "São Paulo", "short_name": "SP", "types": ["administrative_area_level_1", "political"]},
			{"long_name": "Brasil", "short_name": "BR", "types": ["country", "political"]},
			{"long_name": "01310-200", "short_name": "01310-200", "types": ["postal_code"]}
		]
	}]
}`

func TestGoogleProvider_AssemblesFullAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "secret" || q.Get("latlng") != "-23.5613,-46.6565" || q.Get("language") != "pt" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(googleOK))
	}))
	defer server.Close()

	p, err := NewGoogleProvider(server.URL, "secret", server.Client())
	if err != nil {
		t.Fatalf("NewGoogleProvider error: %v", err)
	}
	addr, err := p.ReverseGeocode(context.Background(), -23.5613, -46.6565, "pt")
	if err != nil {
		t.Fatalf("ReverseGeocode error: %v", err)
	}

	expected := "Avenida Paulista, 1578, Bela Vista, São Paulo - São Paulo, 01310-200, Brasil"
	if addr.FullAddress != expected {
		t.Fatalf("expected %q, got %q", expected, addr.FullAddress)
	}
	if addr.State != "SP" || addr.City != "São Paulo" || addr.CountryCode != "BR" || addr.Suburb != "Bela Vista" {
		t.Fatalf("unexpected components %+v", addr)
	}
}

func TestGoogleProvider_StatusMapping(t *testing.T) {
	tests := []struct {
		status   string
		expected error
	}{
		{"ZERO_RESULTS", ErrNotFound},
		{"OVER_QUERY_LIMIT", ErrQuotaExceeded},
		{"OVER_DAILY_LIMIT", ErrQuotaExceeded},
		{"REQUEST_DENIED", ErrUnauthorized},
		{"UNKNOWN_ERROR", ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status":"` + tt.status + `","results":[]}`))
			}))
			defer server.Close()

			p, _ := NewGoogleProvider(server.URL, "secret", server.Client())
			_, err := p.ReverseGeocode(context.Background(), 1, 2, "")
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}

	t.Run("INVALID_REQUEST", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"INVALID_REQUEST","error_message":"bad latlng"}`))
		}))
		defer server.Close()

		p, _ := NewGoogleProvider(server.URL, "secret", server.Client())
		_, err := p.ReverseGeocode(context.Background(), 1, 2, "")
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Fatalf("expected a provider error, got %v", err)
		}
	})
}

func TestNewGoogleProvider_MissingKey(t *testing.T) {
	if _, err := NewGoogleProvider("", "", nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestNewProvider_Selection(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		apiKey   string
		expected string
		wantErr  bool
	}{
		{name: "auto without key", provider: ProviderAuto, expected: ProviderNominatim},
		{name: "auto with key", provider: ProviderAuto, apiKey: "k", expected: ProviderGoogle},
		{name: "explicit nominatim", provider: ProviderNominatim, apiKey: "k", expected: ProviderNominatim},
		{name: "explicit google", provider: ProviderGoogle, apiKey: "k", expected: ProviderGoogle},
		{name: "google without key", provider: ProviderGoogle, wantErr: true},
		{name: "none", provider: ProviderNone},
		{name: "unknown", provider: "bing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Provider = tt.provider
			cfg.Google.APIKey = tt.apiKey

			p, err := NewProvider(cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewProvider error: %v", err)
			}
			if tt.expected == "" {
				if p != nil {
					t.Fatalf("expected no provider, got %s", p.Name())
				}
				return
			}
			if p == nil || p.Name() != tt.expected {
				t.Fatalf("expected %s provider, got %v", tt.expected, p)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Provider = ProviderGoogle
	if err := cfg.Validate(); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.CacheSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected cache size error")
	}
}
