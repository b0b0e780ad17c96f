// Package archive turns one raw downloaded dataset (a zip of CSV files or a single
// CSV file) into a normalized time series.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"weathercache/internal/errkind"
	"weathercache/internal/models"
)

// Status is the outcome of validating one raw dataset file.
type Status int

const (
	// Valid means the file parsed and holds at least one variable value.
	Valid Status = iota
	// Invalid means the file is empty, malformed or holds no usable values.
	Invalid
	// Unreadable means the file could not be read at all.
	Unreadable
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Unreadable:
		return "unreadable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Dataset is a parsed raw file.
type Dataset struct {
	Series    *models.Series
	Latitude  *float64
	Longitude *float64
	Country   *string

	// Members are the CSV files read, in merge order.
	Members []string
	// Ignored lists columns that are neither metadata nor known variables.
	Ignored []string
	// DroppedRows counts rows whose timestamp could not be parsed.
	DroppedRows int
}

// Result is what Parse reports for a file. Err is set unless Status is Valid and
// is classified as errkind.Validation or errkind.IO.
type Result struct {
	Path    string
	Status  Status
	Dataset *Dataset
	Err     error
}

// Reason is a human readable explanation for a non-valid result.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	var e *errkind.Error
	if errors.As(r.Err, &e) {
		return e.Err.Error()
	}
	return r.Err.Error()
}

func invalid(path string, format string, args ...any) Result {
	return Result{
		Path:   path,
		Status: Invalid,
		Err:    errkind.Newf(errkind.Validation, filepath.Base(path), format, args...),
	}
}

func unreadable(path string, err error) Result {
	return Result{
		Path:   path,
		Status: Unreadable,
		Err:    errkind.New(errkind.IO, filepath.Base(path), err),
	}
}

// Parse reads and validates the raw dataset at path. It never writes anything.
func Parse(path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		return unreadable(path, err)
	}
	if !info.Mode().IsRegular() {
		return unreadable(path, fmt.Errorf("not a regular file"))
	}
	if info.Size() == 0 {
		return invalid(path, "file is empty (0 bytes)")
	}

	m := newMerger()
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		if res, ok := parseFlat(path, m); !ok {
			return res
		}
	} else {
		if res, ok := parseArchive(path, m); !ok {
			return res
		}
	}

	ds := m.dataset()
	if ds.Series.Len() == 0 {
		return invalid(path, "dataset contains no rows")
	}
	if !hasValues(ds.Series) {
		return invalid(path, "all variable columns are empty")
	}
	return Result{Path: path, Status: Valid, Dataset: ds}
}

func parseFlat(path string, m *merger) (Result, bool) {
	f, err := os.Open(path)
	if err != nil {
		return unreadable(path, err), false
	}
	defer f.Close()

	if err := m.addTable(filepath.Base(path), f); err != nil {
		return classify(path, err), false
	}
	return Result{}, true
}

func parseArchive(path string, m *merger) (Result, bool) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return classify(path, err), false
	}
	defer zr.Close()

	var members []*zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") && !f.FileInfo().IsDir() {
			members = append(members, f)
		}
	}
	if len(members) == 0 {
		return invalid(path, "archive contains no CSV files"), false
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	for _, f := range members {
		if err := addMember(m, f); err != nil {
			return classify(path, fmt.Errorf("%s: %w", f.Name, err)), false
		}
	}
	return Result{}, true
}

func addMember(m *merger, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return m.addTable(f.Name, rc)
}

// classify maps a read failure to Invalid for content problems and Unreadable
// for everything else.
func classify(path string, err error) Result {
	var tableErr *tableError
	switch {
	case errors.As(err, &tableErr),
		errors.Is(err, zip.ErrFormat),
		errors.Is(err, zip.ErrAlgorithm),
		errors.Is(err, zip.ErrChecksum),
		errors.Is(err, io.ErrUnexpectedEOF):
		return invalid(path, "%v", err)
	default:
		return unreadable(path, err)
	}
}

func hasValues(s *models.Series) bool {
	for _, col := range s.Columns {
		for _, v := range col {
			if !models.IsMissing(v) {
				return true
			}
		}
	}
	return false
}
