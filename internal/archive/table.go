package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"weathercache/internal/models"
)

const kelvinOffset = 273.15

// Magnus coefficients for relative humidity.
const (
	magnusA = 17.27
	magnusB = 237.7
)

var timeColumns = []string{"timestamp", "valid_time", "time", "date"}

var (
	latColumns     = []string{"latitude", "lat"}
	lonColumns     = []string{"longitude", "lon"}
	countryColumns = []string{"country", "country_code"}
)

type columnSpec struct {
	variable string
	kelvin   bool
}

// shortNames maps CDS column names onto the canonical variable set.
var shortNames = map[string]columnSpec{
	"t2m":   {variable: models.VarTemperature, kelvin: true},
	"d2m":   {variable: models.VarDewpoint, kelvin: true},
	"tp":    {variable: models.VarTotalPrecip},
	"ssrd":  {variable: models.VarSolarRadiation},
	"strd":  {variable: models.VarThermalRadiation},
	"sp":    {variable: models.VarSurfacePressure},
	"snowc": {variable: models.VarSnowCover},
	"u10":   {variable: models.VarWindU},
	"v10":   {variable: models.VarWindV},
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// tableError marks content that is not the tabular data we expect.
type tableError struct {
	msg string
	err error
}

func (e *tableError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *tableError) Unwrap() error { return e.err }

// merger outer-joins tables on their timestamps.
type merger struct {
	rows    map[int64]map[string]float64
	vars    map[string]bool
	ds      Dataset
	ignored map[string]bool
}

func newMerger() *merger {
	return &merger{
		rows:    make(map[int64]map[string]float64),
		vars:    make(map[string]bool),
		ignored: make(map[string]bool),
	}
}

type layout struct {
	timeIdx    int
	latIdx     int
	lonIdx     int
	countryIdx int
	vars       map[int]columnSpec
}

func findColumn(header []string, names []string) int {
	for _, name := range names {
		for i, h := range header {
			if h == name {
				return i
			}
		}
	}
	return -1
}

func (m *merger) planColumns(header []string) (layout, error) {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		header[i] = h
	}
	l := layout{
		timeIdx:    findColumn(header, timeColumns),
		latIdx:     findColumn(header, latColumns),
		lonIdx:     findColumn(header, lonColumns),
		countryIdx: findColumn(header, countryColumns),
		vars:       make(map[int]columnSpec),
	}
	if l.timeIdx < 0 {
		return l, &tableError{msg: "CSV is missing required time column ('timestamp', 'valid_time' or 'time')"}
	}
	for i, h := range header {
		if i == l.timeIdx || i == l.latIdx || i == l.lonIdx || i == l.countryIdx || h == "" {
			continue
		}
		if col, ok := shortNames[h]; ok {
			l.vars[i] = col
			continue
		}
		if models.IsVariable(h) {
			l.vars[i] = columnSpec{variable: h}
			continue
		}
		m.ignored[h] = true
	}
	return l, nil
}

func (m *merger) addTable(name string, r io.Reader) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return &tableError{msg: "CSV has no header row"}
	}
	if err != nil {
		return wrapReadErr(err)
	}
	l, err := m.planColumns(header)
	if err != nil {
		return err
	}
	m.ds.Members = append(m.ds.Members, name)
	for _, col := range l.vars {
		m.vars[col.variable] = true
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return wrapReadErr(err)
		}
		ts, ok := parseTimestamp(rec[l.timeIdx])
		if !ok {
			m.ds.DroppedRows++
			continue
		}
		m.captureMetadata(rec, l)

		key := ts.UnixNano()
		row, ok := m.rows[key]
		if !ok {
			row = make(map[string]float64, len(l.vars))
			m.rows[key] = row
		}
		for idx, col := range l.vars {
			v := parseValue(rec[idx])
			if models.IsMissing(v) {
				if _, set := row[col.variable]; set {
					continue
				}
			} else if col.kelvin {
				v -= kelvinOffset
			}
			row[col.variable] = v
		}
	}
}

func wrapReadErr(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &tableError{msg: "malformed CSV", err: err}
	}
	return err
}

func (m *merger) captureMetadata(rec []string, l layout) {
	if l.latIdx >= 0 && m.ds.Latitude == nil {
		if v := parseValue(rec[l.latIdx]); !models.IsMissing(v) {
			m.ds.Latitude = &v
		}
	}
	if l.lonIdx >= 0 && m.ds.Longitude == nil {
		if v := parseValue(rec[l.lonIdx]); !models.IsMissing(v) {
			m.ds.Longitude = &v
		}
	}
	if l.countryIdx >= 0 && m.ds.Country == nil {
		if c := strings.TrimSpace(rec[l.countryIdx]); c != "" {
			m.ds.Country = &c
		}
	}
}

func (m *merger) dataset() *Dataset {
	keys := make([]int64, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	s := models.NewSeries()
	s.Timestamps = make([]time.Time, len(keys))
	for i, k := range keys {
		s.Timestamps[i] = time.Unix(0, k).UTC()
	}
	for v := range m.vars {
		col := make([]float64, len(keys))
		for i, k := range keys {
			val, ok := m.rows[k][v]
			if !ok {
				val = models.Missing()
			}
			col[i] = val
		}
		s.Columns[v] = col
	}
	addDerived(s)

	for name := range m.ignored {
		m.ds.Ignored = append(m.ds.Ignored, name)
	}
	sort.Strings(m.ds.Ignored)

	ds := m.ds
	ds.Series = s
	return &ds
}

// addDerived computes relative humidity and wind speed when their inputs exist.
func addDerived(s *models.Series) {
	t, hasT := s.Columns[models.VarTemperature]
	td, hasTd := s.Columns[models.VarDewpoint]
	if _, exists := s.Columns[models.VarRelativeHumidity]; !exists && hasT && hasTd {
		rh := make([]float64, len(t))
		for i := range t {
			rh[i] = RelativeHumidity(t[i], td[i])
		}
		s.Columns[models.VarRelativeHumidity] = rh
	}

	u, hasU := s.Columns[models.VarWindU]
	v, hasV := s.Columns[models.VarWindV]
	if _, exists := s.Columns[models.VarWindSpeed]; !exists && hasU && hasV {
		ws := make([]float64, len(u))
		for i := range u {
			ws[i] = math.Hypot(u[i], v[i])
		}
		s.Columns[models.VarWindSpeed] = ws
	}
}

// RelativeHumidity returns relative humidity in percent from air temperature and
// dew point, both in Celsius, using the Magnus equation.
func RelativeHumidity(tempC, dewpointC float64) float64 {
	if models.IsMissing(tempC) || models.IsMissing(dewpointC) {
		return models.Missing()
	}
	rh := 100 * math.Exp(magnusA*dewpointC/(magnusB+dewpointC)-magnusA*tempC/(magnusB+tempC))
	return math.Max(0, math.Min(100, rh))
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, tl := range timeLayouts {
		if ts, err := time.ParseInLocation(tl, raw, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseValue(raw string) float64 {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "nan", "na", "null", "none", "-":
		return models.Missing()
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return models.Missing()
	}
	return v
}
