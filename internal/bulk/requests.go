package bulk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Request is one row of a bulk download list.
type Request struct {
	// Line is the 1-based line of the row in the input, header included.
	Line    int
	Name    string
	Country string
	Lat     float64
	Lon     float64

	// LatText and LonText keep the coordinates as written.
	LatText string
	LonText string

	// Err is set when the row itself is unusable. Such requests fail on their own
	// without affecting the rest of the batch.
	Err error
}

var requiredColumns = []string{"name", "lat", "lon"}

// ReadRequests parses a CSV with name, lat and lon columns and an optional
// country column. Header names are matched case-insensitively after trimming.
func ReadRequests(r io.Reader) ([]Request, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("CSV is missing a header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("CSV missing required columns: %s", strings.Join(missing, ", "))
	}
	countryIdx, hasCountry := cols["country"]

	var reqs []Request
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return reqs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if blank(rec) {
			continue
		}

		req := Request{
			Line:    line,
			Name:    field(rec, cols["name"]),
			LatText: field(rec, cols["lat"]),
			LonText: field(rec, cols["lon"]),
		}
		if hasCountry {
			req.Country = field(rec, countryIdx)
		}
		req.Err = req.parse()
		reqs = append(reqs, req)
	}
}

func (r *Request) parse() error {
	if r.Name == "" {
		return errors.New("name is empty")
	}
	lat, err := strconv.ParseFloat(r.LatText, 64)
	if err != nil {
		return fmt.Errorf("invalid latitude %q", r.LatText)
	}
	lon, err := strconv.ParseFloat(r.LonText, 64)
	if err != nil {
		return fmt.Errorf("invalid longitude %q", r.LonText)
	}
	r.Lat, r.Lon = lat, lon
	return nil
}

func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Command is the single-location CLI invocation equivalent to r.
func (r Request) Command() string {
	args := []string{"weather", "download", "--name", quote(r.Name)}
	if r.Country != "" {
		args = append(args, "--country", quote(r.Country))
	}
	args = append(args, "--lat", quote(coordText(r.LatText, r.Lat)), "--lon", quote(coordText(r.LonText, r.Lon)))
	return strings.Join(args, " ")
}

func coordText(text string, v float64) string {
	if text != "" {
		return text
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return strconv.Quote(s)
	}
	return s
}
