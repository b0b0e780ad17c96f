package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// CacheFileName is the embedded cache file kept next to the raw datasets.
	CacheFileName = "cache.sqlite"
	// ExportDirName holds CSV exports so they are never mistaken for raw datasets.
	ExportDirName = "exports"

	invalidSuffix = ".invalid"
)

// DataFile is one raw dataset file in the data directory.
type DataFile struct {
	Path string
	Name string // base name, e.g. gothenburg_57.7000_11.9700.zip
	Stem string // base name without extension
	Size int64
}

// Slugify converts a location name into a filesystem friendly stem. Runs of
// anything but letters and digits become a single "-", so the result never
// holds a path separator, a dot or the "_" that splits dataset file names.
func Slugify(name string) string {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	slug := strings.Join(words, "-")
	if slug == "" {
		return "dataset"
	}
	return slug
}

// DatasetFileName is the deterministic file name of a location's raw dataset.
func DatasetFileName(name string, lat, lon float64) string {
	return fmt.Sprintf("%s_%.4f_%.4f.zip", Slugify(name), lat, lon)
}

// DatasetPath joins the data directory and DatasetFileName.
func DatasetPath(dataDir, name string, lat, lon float64) string {
	return filepath.Join(dataDir, DatasetFileName(name, lat, lon))
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Discover lists the raw dataset files under dataDir: archives first, then legacy
// flat CSV files, each group sorted by name.
func Discover(dataDir string) ([]DataFile, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory %s: %w", dataDir, err)
	}

	var zips, csvs []DataFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".zip" && ext != ".csv" {
			continue
		}
		f := DataFile{
			Path: filepath.Join(dataDir, e.Name()),
			Name: e.Name(),
			Stem: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
		}
		if info, err := e.Info(); err == nil {
			f.Size = info.Size()
		}
		if ext == ".zip" {
			zips = append(zips, f)
		} else {
			csvs = append(csvs, f)
		}
	}
	sort.Slice(zips, func(i, j int) bool { return zips[i].Name < zips[j].Name })
	sort.Slice(csvs, func(i, j int) bool { return csvs[i].Name < csvs[j].Name })
	return append(zips, csvs...), nil
}

// MatchFiles returns the raw dataset files belonging to a slug: the legacy
// `<slug>.zip|csv` names and every `<slug>_*.zip|csv`.
func MatchFiles(dataDir, slug string) ([]string, error) {
	patterns := []string{
		slug + ".zip",
		slug + ".csv",
		slug + "_*.zip",
		slug + "_*.csv",
	}
	var out []string
	seen := make(map[string]bool)
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(dataDir, globEscape(p)))
		if err != nil {
			return nil, fmt.Errorf("failed to match %s: %w", p, err)
		}
		for _, m := range matches {
			if strings.Contains(p, "*") && !hasCoordinateTail(m, slug) {
				continue
			}
			if !seen[m] && Exists(m) {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// hasCoordinateTail reports whether path is `<slug>_[<country>_]<lat>_<lon>.ext`
// with a country code of two or three letters, so that "st" does not claim the
// files of "st_louis".
func hasCoordinateTail(path, slug string) bool {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	segs := strings.Split(strings.TrimPrefix(stem, slug+"_"), "_")
	if len(segs) != 2 && len(segs) != 3 {
		return false
	}
	if len(segs) == 3 && !isCountryCode(segs[0]) {
		return false
	}
	for _, seg := range segs[len(segs)-2:] {
		if _, err := strconv.ParseFloat(seg, 64); err != nil {
			return false
		}
	}
	return true
}

func isCountryCode(s string) bool {
	if len(s) < 2 || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// globEscape escapes glob metacharacters in the slug part but keeps the `*` the
// pattern itself uses.
func globEscape(pattern string) string {
	var b strings.Builder
	for i, r := range pattern {
		switch r {
		case '[', ']', '?', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		case '*':
			if strings.HasPrefix(pattern[i:], "*.") {
				b.WriteRune(r)
			} else {
				b.WriteString(`\*`)
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Quarantine renames a rejected download so it is neither rediscovered nor
// treated as an existing dataset.
func Quarantine(path string) (string, error) {
	target := path + invalidSuffix
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", path, err)
	}
	return target, nil
}

// StemInfo is what a dataset file name says about its location.
type StemInfo struct {
	Slug      string
	Latitude  *float64
	Longitude *float64
}

// ParseStem splits `<slug>[_<country>]_<lat>_<lon>` into its parts. Coordinates
// are only reported when both trailing segments are numbers.
func ParseStem(stem string) StemInfo {
	parts := strings.Split(stem, "_")
	if len(parts) >= 3 {
		lat, errLat := strconv.ParseFloat(parts[len(parts)-2], 64)
		lon, errLon := strconv.ParseFloat(parts[len(parts)-1], 64)
		if errLat == nil && errLon == nil {
			return StemInfo{Slug: parts[0], Latitude: &lat, Longitude: &lon}
		}
	}
	return StemInfo{Slug: parts[0]}
}

// FriendlyName turns a dataset stem into a display name: "new-york_40.7_-74.0"
// becomes "New York".
func FriendlyName(stem string) string {
	slug := ParseStem(stem).Slug
	words := strings.Fields(strings.ReplaceAll(slug, "-", " "))
	if len(words) == 0 {
		return stem
	}
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
