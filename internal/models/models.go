package models

import (
	"math"
	"sort"
	"time"
)

// Canonical variable names stored in the cache.
const (
	VarTemperature      = "temperature_c"
	VarDewpoint         = "dewpoint_c"
	VarTotalPrecip      = "total_precipitation"
	VarSolarRadiation   = "surface_solar_radiation_downwards"
	VarThermalRadiation = "surface_thermal_radiation_downwards"
	VarSurfacePressure  = "surface_pressure"
	VarSnowCover        = "snow_cover"
	VarWindU            = "windspeed_u_ms"
	VarWindV            = "windspeed_v_ms"
	VarRelativeHumidity = "rh_perc"
	VarWindSpeed        = "windspeed_ms"
)

// Variables is the fixed variable set, in display order.
var Variables = []string{
	VarTemperature,
	VarDewpoint,
	VarTotalPrecip,
	VarSolarRadiation,
	VarThermalRadiation,
	VarSurfacePressure,
	VarSnowCover,
	VarWindU,
	VarWindV,
	VarRelativeHumidity,
	VarWindSpeed,
}

// RequestVariables are the ERA5-Land variable names requested from the CDS.
var RequestVariables = []string{
	"2m_dewpoint_temperature",
	"2m_temperature",
	"total_precipitation",
	"surface_solar_radiation_downwards",
	"surface_thermal_radiation_downwards",
	"surface_pressure",
	"snow_cover",
	"10m_u_component_of_wind",
	"10m_v_component_of_wind",
}

// IsVariable reports whether name belongs to the fixed variable set.
func IsVariable(name string) bool {
	for _, v := range Variables {
		if v == name {
			return true
		}
	}
	return false
}

// Missing returns the sentinel used for absent values.
func Missing() float64 {
	return math.NaN()
}

// IsMissing reports whether v is the missing-value sentinel.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Location is a named point with cached data.
type Location struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Country   *string  `json:"country,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// CountryOr returns the country or def when unset.
func (l Location) CountryOr(def string) string {
	if l.Country == nil || *l.Country == "" {
		return def
	}
	return *l.Country
}

// Observation is one (location, timestamp, variable) value
type Observation struct {
	LocationName string    `json:"location_name"`
	Timestamp    time.Time `json:"timestamp"`
	Variable     string    `json:"variable"`
	Value        float64   `json:"value"`
}

// Series is a time series aligned on a shared timestamp axis. Columns[v][i] holds
// the value of variable v at Timestamps[i].
type Series struct {
	Timestamps []time.Time
	Columns    map[string][]float64
}

// NewSeries returns an empty series.
func NewSeries() *Series {
	return &Series{Columns: make(map[string][]float64)}
}

// Len returns the number of rows.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Timestamps)
}

// Variables returns the column names present, fixed-set variables first in their
// canonical order, anything else sorted after them.
func (s *Series) Variables() []string {
	var out []string
	seen := make(map[string]bool, len(s.Columns))
	for _, v := range Variables {
		if _, ok := s.Columns[v]; ok {
			out = append(out, v)
			seen[v] = true
		}
	}
	var extra []string
	for v := range s.Columns {
		if !seen[v] {
			extra = append(extra, v)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Observations flattens the series for a location. Missing cells are kept.
func (s *Series) Observations(location string) []Observation {
	vars := s.Variables()
	obs := make([]Observation, 0, len(s.Timestamps)*len(vars))
	for i, ts := range s.Timestamps {
		for _, v := range vars {
			obs = append(obs, Observation{
				LocationName: location,
				Timestamp:    ts,
				Variable:     v,
				Value:        s.Columns[v][i],
			})
		}
	}
	return obs
}

// SeriesFromObservations aligns observations on their timestamps. Cells without
// an observation become the missing sentinel.
func SeriesFromObservations(obs []Observation) *Series {
	s := NewSeries()
	index := make(map[int64]int)
	var stamps []time.Time
	for _, o := range obs {
		key := o.Timestamp.UnixNano()
		if _, ok := index[key]; !ok {
			index[key] = len(stamps)
			stamps = append(stamps, o.Timestamp.UTC())
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	for i, ts := range stamps {
		index[ts.UnixNano()] = i
	}
	s.Timestamps = stamps

	for _, o := range obs {
		col, ok := s.Columns[o.Variable]
		if !ok {
			col = make([]float64, len(stamps))
			for i := range col {
				col[i] = Missing()
			}
			s.Columns[o.Variable] = col
		}
		col[index[o.Timestamp.UnixNano()]] = o.Value
	}
	return s
}
