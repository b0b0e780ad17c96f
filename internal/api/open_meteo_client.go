package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"weathercache/internal/errkind"
)

const defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"

// GeoResult is the best match for a place name.
type GeoResult struct {
	Name        string
	Country     string
	CountryCode string
	Lat         float64
	Lon         float64
}

// Geocoder resolves a place name to coordinates. An empty country matches any.
type Geocoder interface {
	Geocode(ctx context.Context, city, country string) (GeoResult, error)
}

// OpenMeteoGeocoder is a client for the Open-Meteo geocoding API.
type OpenMeteoGeocoder struct {
	*BaseClient
	baseURL string
}

type geocodingResponse struct {
	Results []struct {
		Name        string  `json:"name"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		Country     string  `json:"country"`
		CountryCode string  `json:"country_code"`
	} `json:"results"`
}

// NewOpenMeteoGeocoder creates a geocoder. An empty baseURL uses the public API.
func NewOpenMeteoGeocoder(baseURL string, config ClientConfig, logger *zap.Logger) *OpenMeteoGeocoder {
	if baseURL == "" {
		baseURL = defaultGeocodingURL
	}
	return &OpenMeteoGeocoder{
		BaseClient: NewBaseClient("open-meteo-geocoding", config, logger),
		baseURL:    baseURL,
	}
}

// BuildURL builds the search request for city.
func (g *OpenMeteoGeocoder) BuildURL(city, country string) string {
	q := url.Values{}
	q.Set("name", strings.TrimSpace(city))
	q.Set("count", "10")
	q.Set("language", "en")
	q.Set("format", "json")
	if code := strings.TrimSpace(country); len(code) == 2 {
		q.Set("countryCode", strings.ToUpper(code))
	}
	return g.baseURL + "?" + q.Encode()
}

// Geocode returns the first result whose country matches. country may be an
// ISO code or a country name.
func (g *OpenMeteoGeocoder) Geocode(ctx context.Context, city, country string) (GeoResult, error) {
	if strings.TrimSpace(city) == "" {
		return GeoResult{}, errkind.Newf(errkind.Validation, "", "city cannot be empty")
	}

	body, err := g.Do(ctx, http.MethodGet, g.BuildURL(city, country), nil, nil)
	if err != nil {
		return GeoResult{}, errkind.New(errkind.Fetch, city, fmt.Errorf("failed to geocode: %w", err))
	}

	var resp geocodingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return GeoResult{}, errkind.New(errkind.Fetch, city, fmt.Errorf("failed to decode response: %w", err))
	}

	country = strings.TrimSpace(country)
	for _, r := range resp.Results {
		if country != "" && !strings.EqualFold(r.CountryCode, country) && !strings.EqualFold(r.Country, country) {
			continue
		}
		return GeoResult{
			Name:        r.Name,
			Country:     r.Country,
			CountryCode: r.CountryCode,
			Lat:         r.Latitude,
			Lon:         r.Longitude,
		}, nil
	}

	if country != "" {
		return GeoResult{}, errkind.Newf(errkind.NotFound, city, "no place named %q in %s", city, country)
	}
	return GeoResult{}, errkind.Newf(errkind.NotFound, city, "no place named %q", city)
}
