package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// NominatimProvider queries an OpenStreetMap Nominatim instance. The public
// instance requires an identifying User-Agent and at most one request per
// second; the Resolver enforces the latter.
type NominatimProvider struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

type nominatimResponse struct {
	DisplayName string           `json:"display_name"`
	Address     nominatimAddress `json:"address"`
	Error       string           `json:"error"`
}

type nominatimAddress struct {
	Road        string `json:"road"`
	HouseNumber string `json:"house_number"`
	Suburb      string `json:"suburb"`
	City        string `json:"city"`
	Town        string `json:"town"`
	Village     string `json:"village"`
	State       string `json:"state"`
	Postcode    string `json:"postcode"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
}

func (p *NominatimProvider) Name() string { return ProviderNominatim }

func (p *NominatimProvider) ReverseGeocode(ctx context.Context, lat, lng float64, language string) (Address, error) {
	base := p.BaseURL
	if base == "" {
		base = DefaultNominatimURL
	}
	endpoint, err := url.Parse(strings.TrimRight(base, "/") + "/reverse")
	if err != nil {
		return Address{}, fmt.Errorf("parse nominatim url: %w", err)
	}
	params := url.Values{}
	params.Set("format", "jsonv2")
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("addressdetails", "1")
	if language != "" {
		params.Set("accept-language", language)
	}
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Address{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := defaultHTTPClient(p.HTTPClient).Do(req)
	if err != nil {
		return Address{}, fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Address{}, statusError(ProviderNominatim, resp)
	}

	var decoded nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Address{}, fmt.Errorf("decode nominatim response: %w", err)
	}
	// Nominatim answers 200 with {"error": "Unable to geocode"} over open sea.
	if decoded.Error != "" || decoded.DisplayName == "" {
		return Address{}, ErrNotFound
	}

	a := decoded.Address
	city := a.City
	if city == "" {
		city = a.Town
	}
	if city == "" {
		city = a.Village
	}
	return Address{
		FullAddress: decoded.DisplayName,
		Road:        a.Road,
		HouseNumber: a.HouseNumber,
		Suburb:      a.Suburb,
		City:        city,
		State:       a.State,
		Postcode:    a.Postcode,
		Country:     a.Country,
		CountryCode: strings.ToUpper(a.CountryCode),
	}, nil
}
