package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const DefaultGoogleURL = "https://maps.googleapis.com/maps/api/geocode/json"

// GoogleProvider queries the Google Maps Geocoding API.
type GoogleProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGoogleProvider returns ErrMissingCredentials when apiKey is empty.
func NewGoogleProvider(baseURL, apiKey string, client *http.Client) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}
	if baseURL == "" {
		baseURL = DefaultGoogleURL
	}
	return &GoogleProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: defaultHTTPClient(client),
	}, nil
}

type googleResponse struct {
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
	Results      []googleResult `json:"results"`
}

type googleResult struct {
	FormattedAddress  string            `json:"formatted_address"`
	AddressComponents []googleComponent `json:"address_components"`
}

type googleComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

func (c googleComponent) is(types ...string) bool {
	for _, t := range types {
		if slices.Contains(c.Types, t) {
			return true
		}
	}
	return false
}

func (p *GoogleProvider) Name() string { return ProviderGoogle }

func (p *GoogleProvider) ReverseGeocode(ctx context.Context, lat, lng float64, language string) (Address, error) {
	endpoint, err := url.Parse(p.baseURL)
	if err != nil {
		return Address{}, fmt.Errorf("parse google url: %w", err)
	}
	params := url.Values{}
	params.Set("latlng", strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("key", p.apiKey)
	if language != "" {
		params.Set("language", language)
	}
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Address{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Address{}, fmt.Errorf("google request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Address{}, statusError(ProviderGoogle, resp)
	}

	var decoded googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Address{}, fmt.Errorf("decode google response: %w", err)
	}

	switch decoded.Status {
	case "OK":
	case "ZERO_RESULTS":
		return Address{}, ErrNotFound
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return Address{}, fmt.Errorf("google %s: %w", decoded.ErrorMessage, ErrQuotaExceeded)
	case "REQUEST_DENIED":
		return Address{}, fmt.Errorf("google %s: %w", decoded.ErrorMessage, ErrUnauthorized)
	case "UNKNOWN_ERROR":
		return Address{}, fmt.Errorf("google %s: %w", decoded.ErrorMessage, ErrUnavailable)
	default:
		return Address{}, fmt.Errorf("google status %s: %s", decoded.Status, decoded.ErrorMessage)
	}
	if len(decoded.Results) == 0 {
		return Address{}, ErrNotFound
	}
	return googleAddress(decoded.Results[0]), nil
}

// googleAddress extracts components from the best result. FullAddress is
// assembled from long names ("Avenida Paulista, 1578, Bela Vista, São Paulo
// - São Paulo, 01310-200, Brasil") because formatted_address abbreviates
// street types and states.
func googleAddress(r googleResult) Address {
	var addr Address
	var street, number, neighbourhood, district, state string
	for _, c := range r.AddressComponents {
		switch {
		case c.is("street_number"):
			addr.HouseNumber = c.LongName
			number = c.LongName
		case c.is("route"):
			addr.Road = c.LongName
			street = c.LongName
		case c.is("sublocality", "sublocality_level_1", "neighborhood"):
			if addr.Suburb == "" {
				addr.Suburb = c.LongName
				neighbourhood = c.LongName
			}
		case c.is("locality"):
			addr.City = c.LongName
		case c.is("administrative_area_level_2"):
			district = c.LongName
		case c.is("administrative_area_level_1"):
			addr.State = c.ShortName
			state = c.LongName
		case c.is("postal_code"):
			addr.Postcode = c.LongName
		case c.is("country"):
			addr.Country = c.LongName
			addr.CountryCode = strings.ToUpper(c.ShortName)
		}
	}

	city := district
	if city == "" {
		city = addr.City
	}
	if addr.City == "" {
		addr.City = district
	}

	var parts []string
	if street != "" {
		if number != "" {
			street += ", " + number
		}
		parts = append(parts, street)
	}
	if neighbourhood != "" {
		parts = append(parts, neighbourhood)
	}
	var cityState []string
	if city != "" {
		cityState = append(cityState, city)
	}
	if state != "" {
		cityState = append(cityState, state)
	}
	if len(cityState) > 0 {
		parts = append(parts, strings.Join(cityState, " - "))
	}
	if addr.Postcode != "" {
		parts = append(parts, addr.Postcode)
	}
	if addr.Country != "" {
		parts = append(parts, addr.Country)
	}

	addr.FullAddress = strings.Join(parts, ", ")
	if addr.FullAddress == "" {
		addr.FullAddress = r.FormattedAddress
	}
	return addr
}
