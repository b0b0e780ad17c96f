package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"weathercache/internal/errkind"
)

func testClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		Multiplier:     1,
		BreakerTimeout: time.Second,
	}
}

const gothenburgResults = `{"results":[
	{"name":"Gothenburg","latitude":57.70716,"longitude":11.96679,"country":"Sweden","country_code":"SE"},
	{"name":"Gothenburg","latitude":40.93,"longitude":-100.16,"country":"United States","country_code":"US"}
]}`

func TestNewOpenMeteoGeocoder(t *testing.T) {
	g := NewOpenMeteoGeocoder("", testClientConfig(), nil)
	if g == nil {
		t.Fatal("NewOpenMeteoGeocoder() returned nil")
	}
	if g.baseURL != defaultGeocodingURL {
		t.Errorf("baseURL = %v, want %v", g.baseURL, defaultGeocodingURL)
	}
}

func TestBuildURL(t *testing.T) {
	g := NewOpenMeteoGeocoder("https://example.test/v1/search", testClientConfig(), nil)

	tests := []struct {
		name    string
		city    string
		country string
		want    string
	}{
		{
			name: "city only",
			city: "Gothenburg",
			want: "https://example.test/v1/search?count=10&format=json&language=en&name=Gothenburg",
		},
		{
			name:    "country code",
			city:    " New York ",
			country: "us",
			want:    "https://example.test/v1/search?count=10&countryCode=US&format=json&language=en&name=New+York",
		},
		{
			name:    "country name is filtered client side",
			city:    "Oslo",
			country: "Norway",
			want:    "https://example.test/v1/search?count=10&format=json&language=en&name=Oslo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.BuildURL(tt.city, tt.country); got != tt.want {
				t.Errorf("BuildURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("name") {
		case "Gothenburg":
			w.Write([]byte(gothenburgResults))
		default:
			w.Write([]byte(`{"generationtime_ms":0.5}`))
		}
	}))
	defer srv.Close()

	g := NewOpenMeteoGeocoder(srv.URL, testClientConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		city     string
		country  string
		wantCode string
		wantKind errkind.Kind
	}{
		{name: "first result", city: "Gothenburg", wantCode: "SE"},
		{name: "by code", city: "Gothenburg", country: "us", wantCode: "US"},
		{name: "by country name", city: "Gothenburg", country: "Sweden", wantCode: "SE"},
		{name: "country mismatch", city: "Gothenburg", country: "NO", wantKind: errkind.NotFound},
		{name: "no results", city: "Atlantis", wantKind: errkind.NotFound},
		{name: "empty city", city: "  ", wantKind: errkind.Validation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Geocode(ctx, tt.city, tt.country)
			if tt.wantKind != errkind.Unknown {
				if !errkind.Is(err, tt.wantKind) {
					t.Fatalf("Geocode() error = %v, want kind %v", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Geocode() error = %v", err)
			}
			if got.CountryCode != tt.wantCode {
				t.Errorf("Geocode() country = %v, want %v", got.CountryCode, tt.wantCode)
			}
		})
	}
}

func TestGeocode_ServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewOpenMeteoGeocoder(srv.URL, testClientConfig(), nil)
	_, err := g.Geocode(context.Background(), "Oslo", "")
	if !errkind.Is(err, errkind.Fetch) {
		t.Fatalf("Geocode() error = %v, want FetchError", err)
	}
	if calls != 3 {
		t.Errorf("server calls = %d, want 3 (1 + 2 retries)", calls)
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("Geocode() error = %v, want status in message", err)
	}
}
