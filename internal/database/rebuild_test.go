package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"weathercache/internal/errkind"
	"weathercache/internal/storage"
)

func TestRebuildAll(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	gbg := writeDataset(t, dir, "gothenburg_57.7000_11.9700.zip", 57.7, 11.97, 4)
	writeDataset(t, dir, "new-york_40.7128_-74.0060.zip", 40.7128, -74.006, 3)
	if err := os.WriteFile(filepath.Join(dir, "broken_1.0000_1.0000.zip"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	// A location with metadata but no dataset file survives the rebuild.
	if _, err := db.UpsertLocation(ctx, "Kiruna", LocationMeta{Country: strPtr("SE")}); err != nil {
		t.Fatal(err)
	}

	summary, err := db.RebuildAll(ctx, "")
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if summary.Rebuilt != 2 || summary.SkippedInvalid != 1 || summary.SkippedUnreadable != 0 {
		t.Errorf("summary = %+v, want 2 rebuilt, 1 invalid", summary)
	}
	if len(summary.Skipped) != 1 || summary.Skipped[0].File != "broken_1.0000_1.0000.zip" ||
		summary.Skipped[0].Class != "ValidationError" || summary.Skipped[0].Reason == "" {
		t.Errorf("Skipped = %+v", summary.Skipped)
	}
	if diff := cmp.Diff([]string{"Kiruna"}, summary.Empty); diff != "" {
		t.Errorf("Empty mismatch (-want +got):\n%s", diff)
	}

	loaded, err := db.LoadSeries(ctx, "Gothenburg")
	if err != nil {
		t.Fatalf("LoadSeries() error = %v", err)
	}
	if diff := cmp.Diff(parseDataset(t, gbg).Series, loaded, equateSeries); diff != "" {
		t.Errorf("rebuilt series differs from its source file (-want +got):\n%s", diff)
	}

	ny, err := db.GetLocation(ctx, "New York")
	if err != nil {
		t.Fatalf("GetLocation(New York) error = %v", err)
	}
	if ny.Latitude == nil || *ny.Latitude != 40.7128 {
		t.Errorf("New York latitude = %v, want 40.7128", ny.Latitude)
	}
	kiruna, err := db.GetLocation(ctx, "Kiruna")
	if err != nil || kiruna.CountryOr("") != "SE" {
		t.Errorf("Kiruna = %+v, %v; want kept with its metadata", kiruna, err)
	}
}

func TestRebuildAll_Idempotent(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()
	writeDataset(t, dir, "oslo_59.9100_10.7500.zip", 59.91, 10.75, 3)

	first, err := db.RebuildAll(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := db.LoadSeries(ctx, "Oslo")
	second, err := db.RebuildAll(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	after, _ := db.LoadSeries(ctx, "Oslo")

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("summaries differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(before, after, equateSeries); diff != "" {
		t.Errorf("series differ (-first +second):\n%s", diff)
	}
}

func TestRebuildAll_KeepsIngestedNames(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	path := writeDataset(t, dir, "sao-paulo_-23.5500_-46.6300.zip", -23.55, -46.63, 2)
	_, err := db.Ingest(ctx, IngestInput{
		Name:   "São Paulo",
		Series: parseDataset(t, path).Series,
		Source: Source{FileName: filepath.Base(path)},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.RebuildAll(ctx, ""); err != nil {
		t.Fatal(err)
	}
	locs, _ := db.ListLocations(ctx, nil)
	if len(locs) != 1 || locs[0].Name != "São Paulo" {
		t.Errorf("ListLocations() = %+v, want only São Paulo", locs)
	}
	if n, _ := db.CountObservations(ctx, "São Paulo"); n == 0 {
		t.Error("rebuild should replay the recorded source into the same location")
	}
}

func TestRebuildAll_Superseded(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	writeDataset(t, dir, "oslo_59.9100_10.7500.zip", 59.91, 10.75, 3)
	legacy := filepath.Join(dir, "oslo.csv")
	if err := os.WriteFile(legacy, []byte("timestamp,temperature_c\n2021-01-01,1.5\n"), 0644); err != nil {
		t.Fatal(err)
	}

	summary, err := db.RebuildAll(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Rebuilt != 1 || len(summary.Superseded) != 1 || summary.Superseded[0] != "oslo.csv" {
		t.Errorf("summary = %+v, want the archive rebuilt and oslo.csv superseded", summary)
	}
	if summary.Discovered() != 2 {
		t.Errorf("Discovered() = %d, want 2", summary.Discovered())
	}
	s, _ := db.LoadSeries(ctx, "Oslo")
	if s.Len() != 3 {
		t.Errorf("Oslo rows = %d, want 3 from the archive", s.Len())
	}
}

func TestDeleteLocation(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	gbg := writeDataset(t, dir, "gothenburg_57.7000_11.9700.zip", 57.7, 11.97, 3)
	legacy := writeDataset(t, dir, "gothenburg.zip", 57.7, 11.97, 2)
	oslo := writeDataset(t, dir, "oslo_59.9100_10.7500.zip", 59.91, 10.75, 3)
	if _, err := db.RebuildAll(ctx, ""); err != nil {
		t.Fatal(err)
	}
	_, _ = db.UpsertLocation(ctx, "Gothenburg", LocationMeta{Country: strPtr("SE")})

	res, err := db.DeleteLocation(ctx, "Gothenburg")
	if err != nil {
		t.Fatalf("DeleteLocation() error = %v", err)
	}
	if res.Name != "Gothenburg" || res.Observations == 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Country == nil || *res.Country != "SE" {
		t.Errorf("result country = %v, want SE", res.Country)
	}
	wantFiles := []string{"gothenburg.zip", "gothenburg_57.7000_11.9700.zip"}
	if diff := cmp.Diff(wantFiles, res.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}

	for _, p := range []string{gbg, legacy} {
		if storage.Exists(p) {
			t.Errorf("%s should be deleted", p)
		}
	}
	if !storage.Exists(oslo) {
		t.Error("other locations' files must stay")
	}
	if _, err := db.GetLocation(ctx, "Gothenburg"); !errkind.Is(err, errkind.NotFound) {
		t.Errorf("GetLocation() after delete error = %v, want NotFound", err)
	}
	if n, _ := db.CountObservations(ctx, "Oslo"); n == 0 {
		t.Error("Oslo observations must survive")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".zip" && e.Name() != storage.CacheFileName &&
			e.Name() != storage.CacheFileName+"-wal" && e.Name() != storage.CacheFileName+"-shm" {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}

	// A later rebuild does not resurrect it.
	summary, err := db.RebuildAll(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Rebuilt != 1 {
		t.Errorf("rebuild after delete = %+v, want only Oslo", summary)
	}

	if _, err := db.DeleteLocation(ctx, "Gothenburg"); !errkind.Is(err, errkind.NotFound) {
		t.Errorf("second DeleteLocation() error = %v, want NotFound", err)
	}
}

func TestDeleteLocation_ByFileName(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	writeDataset(t, dir, "new-york_40.7128_-74.0060.zip", 40.7128, -74.006, 2)
	if _, err := db.RebuildAll(ctx, ""); err != nil {
		t.Fatal(err)
	}

	res, err := db.DeleteLocation(ctx, "new-york_40.7128_-74.0060")
	if err != nil {
		t.Fatalf("DeleteLocation() error = %v", err)
	}
	if res.Name != "New York" || len(res.Files) != 1 {
		t.Errorf("result = %+v", res)
	}
	locs, _ := db.ListLocations(ctx, nil)
	if len(locs) != 0 {
		t.Errorf("ListLocations() = %+v, want empty", locs)
	}
}

func TestDeleteLocation_OrphanFiles(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	orphan := writeDataset(t, dir, "bergen_60.3900_5.3200.zip", 60.39, 5.32, 2)

	res, err := db.DeleteLocation(context.Background(), "bergen")
	if err != nil {
		t.Fatalf("DeleteLocation() error = %v", err)
	}
	if res.Name != "" || len(res.Files) != 1 {
		t.Errorf("result = %+v, want only the orphaned file", res)
	}
	if storage.Exists(orphan) {
		t.Error("orphaned file should be deleted")
	}
}

func TestDeleteLocation_NotFound(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	tests := []string{"Atlantis", "atlantis_1.0_2.0.zip"}
	for _, target := range tests {
		if _, err := db.DeleteLocation(context.Background(), target); !errkind.Is(err, errkind.NotFound) {
			t.Errorf("DeleteLocation(%q) error = %v, want NotFound", target, err)
		}
	}
	if _, err := db.DeleteLocation(context.Background(), " "); !errkind.Is(err, errkind.Validation) {
		t.Errorf("DeleteLocation(blank) error = %v, want ValidationError", err)
	}
}
