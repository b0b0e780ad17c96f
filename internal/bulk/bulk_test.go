package bulk

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"weathercache/internal/api"
	"weathercache/internal/database"
	"weathercache/internal/events"
	"weathercache/internal/storage"
)

const datasetCSV = "valid_time,latitude,longitude,t2m,d2m,tp\n" +
	"2020-01-01 00:00:00,57.7,11.97,273.15,270.15,0.0\n" +
	"2020-01-01 01:00:00,57.7,11.97,274.15,271.15,0.1\n"

type behavior int

const (
	succeed behavior = iota
	fail
	hang
	garbage
)

// fakeFetcher writes a small valid archive unless told otherwise.
type fakeFetcher struct {
	mu       sync.Mutex
	behavior map[string]behavior
	calls    []string
	inFlight int32
	peak     int32
	delay    time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, req api.FetchRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Name)
	b := f.behavior[req.Name]
	f.mu.Unlock()

	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	switch b {
	case fail:
		return "", errors.New("quota exceeded")
	case hang:
		select {}
	case garbage:
		return req.Target, os.WriteFile(req.Target, []byte("not a zip"), 0644)
	}
	return req.Target, writeArchive(req.Target)
}

func (f *fakeFetcher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func writeArchive(path string) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	zw := zip.NewWriter(fh)
	w, err := zw.Create("data.csv")
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(datasetCSV)); err != nil {
		return err
	}
	return zw.Close()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func openStore(t *testing.T, dir string) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), database.Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustRead(t *testing.T, csv string) []Request {
	t.Helper()
	reqs, err := ReadRequests(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ReadRequests() error = %v", err)
	}
	return reqs
}

func statuses(r *Report) []Status {
	out := make([]Status, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Status
	}
	return out
}

func TestRun_GothenburgOslo(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	fetcher := &fakeFetcher{behavior: map[string]behavior{"Oslo": fail}}
	pub := &recordingPublisher{}

	o := &Orchestrator{Fetcher: fetcher, Store: db, DataDir: dir, Workers: 2, FetchTimeout: time.Minute, Publisher: pub}
	reqs := mustRead(t, "name,country,lat,lon\nGothenburg,SE,57.7,11.97\nOslo,NO,59.91,10.75\n")
	report := o.Run(context.Background(), reqs, false)

	if diff := cmp.Diff([]Status{StatusSucceeded, StatusFailed}, statuses(report)); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	oslo := report.Items[1]
	if oslo.ErrorClass != "FetchError" || oslo.Request.Name != "Oslo" {
		t.Errorf("Oslo item = %+v, want FetchError", oslo)
	}
	if !strings.Contains(oslo.Reason, "quota exceeded") {
		t.Errorf("Oslo reason = %q", oslo.Reason)
	}
	if report.Items[0].Observations == 0 {
		t.Error("Gothenburg should report ingested observations")
	}
	if report.AllFailed() {
		t.Error("AllFailed() = true, want false")
	}

	locs, err := db.ListLocations(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListLocations() error = %v", err)
	}
	if len(locs) != 1 {
		t.Fatalf("ListLocations() = %d locations, want 1", len(locs))
	}
	g := locs[0]
	if g.Name != "Gothenburg" || g.Country == nil || *g.Country != "SE" ||
		g.Latitude == nil || *g.Latitude != 57.7 || g.Longitude == nil || *g.Longitude != 11.97 {
		t.Errorf("Gothenburg = %+v, want full metadata", g)
	}

	if len(pub.events) != 2 {
		t.Errorf("published %d events, want 2", len(pub.events))
	}
	for _, e := range pub.events {
		if e.Batch != report.Batch || e.Type != events.TypeBulkItem {
			t.Errorf("event %+v not tagged with batch %s", e, report.Batch)
		}
	}
}

func TestRun_BatchIndependence(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	fetcher := &fakeFetcher{}

	reqs := mustRead(t, "name,lat,lon\nA,10,10\nB,11,11\nBroken,95,10\nC,12,12\nD,13,13\n")
	o := &Orchestrator{Fetcher: fetcher, Store: db, DataDir: dir, Workers: 3}
	report := o.Run(context.Background(), reqs, false)

	failures := report.Failures()
	if len(failures) != 1 || failures[0].Index != 2 || failures[0].Request.Name != "Broken" {
		t.Fatalf("Failures() = %+v, want only request 2", failures)
	}
	if failures[0].ErrorClass != "ValidationError" {
		t.Errorf("ErrorClass = %v, want ValidationError", failures[0].ErrorClass)
	}
	if report.Count(StatusSucceeded) != 4 {
		t.Errorf("succeeded = %d, want 4", report.Count(StatusSucceeded))
	}
	for _, name := range fetcher.called() {
		if name == "Broken" {
			t.Error("invalid coordinates must not be fetched")
		}
	}
	locs, _ := db.ListLocations(context.Background(), nil)
	if len(locs) != 4 {
		t.Errorf("ListLocations() = %d, want 4", len(locs))
	}
}

func TestRun_SkipExisting(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	existing := storage.DatasetPath(dir, "Gothenburg", 57.7, 11.97)
	if err := writeArchive(existing); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{}

	o := &Orchestrator{Fetcher: fetcher, Store: db, DataDir: dir}
	report := o.Run(context.Background(), mustRead(t, "name,lat,lon\nGothenburg,57.7,11.97\n"), false)

	if got := report.Items[0]; got.Status != StatusSkippedExisting || got.File != existing {
		t.Errorf("item = %+v, want skipped-existing at %s", got, existing)
	}
	if calls := fetcher.called(); len(calls) != 0 {
		t.Errorf("fetch calls = %v, want none", calls)
	}
}

func TestRun_DuplicateRowsFetchOnce(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	fetcher := &fakeFetcher{delay: 20 * time.Millisecond}

	reqs := mustRead(t, "name,country,lat,lon\nGothenburg,SE,57.7,11.97\nGothenburg,SE,57.7,11.97\nOslo,NO,59.91,10.75\n")
	o := &Orchestrator{Fetcher: fetcher, Store: db, DataDir: dir, Workers: 2}
	report := o.Run(context.Background(), reqs, false)

	want := []Status{StatusSucceeded, StatusSkippedExisting, StatusSucceeded}
	if diff := cmp.Diff(want, statuses(report)); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Gothenburg", "Oslo"}, sorted(fetcher.called())); diff != "" {
		t.Errorf("fetch calls mismatch (-want +got):\n%s", diff)
	}
	dup := report.Items[1]
	if dup.File != storage.DatasetPath(dir, "Gothenburg", 57.7, 11.97) {
		t.Errorf("duplicate File = %v, want the first row's dataset path", dup.File)
	}
	if !strings.Contains(dup.Reason, "duplicate of row 1") {
		t.Errorf("duplicate Reason = %q, want it to name row 1", dup.Reason)
	}
}

func TestRun_NameCannotLeaveDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	db := openStore(t, dir)

	o := &Orchestrator{Fetcher: &fakeFetcher{}, Store: db, DataDir: dir}
	report := o.Run(context.Background(), mustRead(t, "name,lat,lon\n../escape,57.7,11.97\n"), false)

	it := report.Items[0]
	if it.Status != StatusSucceeded {
		t.Fatalf("item = %+v, want succeeded", it)
	}
	if filepath.Dir(it.File) != dir {
		t.Errorf("File = %v, want it directly under %v", it.File, dir)
	}
	files, err := storage.Discover(dir)
	if err != nil || len(files) != 1 {
		t.Errorf("Discover() = %v, %v, want the downloaded dataset", files, err)
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fakeFetcher{}

	o := &Orchestrator{Fetcher: fetcher, DataDir: dir}
	reqs := mustRead(t, "Name , Country, LAT ,lon\nNew York,US,40.7128,-74.0060\n")
	report := o.Run(context.Background(), reqs, true)

	want := `weather download --name "New York" --country US --lat 40.7128 --lon -74.0060`
	if got := report.Items[0]; got.Status != StatusPlanned || got.Command != want {
		t.Errorf("item = %+v, want planned %q", got, want)
	}
	if len(fetcher.called()) != 0 {
		t.Error("dry run must not fetch")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("dry run wrote %d files", len(entries))
	}
	if report.AllFailed() {
		t.Error("AllFailed() must be false for a dry run")
	}
}

func TestRun_FetchTimeout(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	fetcher := &fakeFetcher{behavior: map[string]behavior{"Stuck": hang}}

	o := &Orchestrator{Fetcher: fetcher, Store: db, DataDir: dir, Workers: 2, FetchTimeout: 50 * time.Millisecond}
	report := o.Run(context.Background(), mustRead(t, "name,lat,lon\nStuck,1,1\nFine,2,2\n"), false)

	if diff := cmp.Diff([]Status{StatusFailed, StatusSucceeded}, statuses(report)); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(report.Items[0].Reason, "timed out") {
		t.Errorf("reason = %q, want timeout", report.Items[0].Reason)
	}
}

func TestRun_InvalidDownloadIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	fetcher := &fakeFetcher{behavior: map[string]behavior{"Bad": garbage}}

	o := &Orchestrator{Fetcher: fetcher, Store: db, DataDir: dir}
	reqs := mustRead(t, "name,lat,lon\nBad,1,1\n")
	report := o.Run(context.Background(), reqs, false)

	it := report.Items[0]
	if it.Status != StatusFailed || it.ErrorClass != "ValidationError" {
		t.Fatalf("item = %+v, want ValidationError", it)
	}
	target := storage.DatasetPath(dir, "Bad", 1, 1)
	if storage.Exists(target) {
		t.Error("invalid download must not stay at the dataset path")
	}
	if !storage.Exists(target + ".invalid") {
		t.Error("invalid download should be quarantined")
	}

	o.Run(context.Background(), reqs, false)
	if calls := fetcher.called(); len(calls) != 2 {
		t.Errorf("fetch calls = %d, want a retry on the second run", len(calls))
	}
}

func TestRun_RespectsWorkerLimit(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	fetcher := &fakeFetcher{delay: 20 * time.Millisecond}

	reqs := mustRead(t, "name,lat,lon\na,1,1\nb,2,2\nc,3,3\nd,4,4\ne,5,5\nf,6,6\n")
	o := &Orchestrator{Fetcher: fetcher, Store: db, DataDir: dir, Workers: 2}
	report := o.Run(context.Background(), reqs, false)

	if report.Count(StatusSucceeded) != 6 {
		t.Fatalf("succeeded = %d, want 6", report.Count(StatusSucceeded))
	}
	if fetcher.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", fetcher.peak)
	}
	for i, it := range report.Items {
		if it.Index != i || it.Request.Name != reqs[i].Name {
			t.Errorf("item %d = %s, report must keep input order", i, it.Request.Name)
		}
	}
}

func TestRun_AllFailed(t *testing.T) {
	o := &Orchestrator{Fetcher: &fakeFetcher{}, DataDir: t.TempDir()}
	report := o.Run(context.Background(), mustRead(t, "name,lat,lon\nX,100,0\nY,abc,0\n"), false)
	if !report.AllFailed() {
		t.Errorf("AllFailed() = false, items %+v", report.Items)
	}
}

func TestReadRequests(t *testing.T) {
	reqs := mustRead(t, "\ufeffName,LAT,Lon,Country\n Gothenburg ,57.7,11.97,SE\n\nOslo,north,10.75,NO\n,,,\n")
	if len(reqs) != 2 {
		t.Fatalf("ReadRequests() = %d rows, want 2", len(reqs))
	}
	if r := reqs[0]; r.Name != "Gothenburg" || r.Country != "SE" || r.Lat != 57.7 || r.Lon != 11.97 || r.Err != nil || r.Line != 2 {
		t.Errorf("row 0 = %+v", r)
	}
	if reqs[1].Err == nil || !strings.Contains(reqs[1].Err.Error(), "latitude") {
		t.Errorf("row 1 error = %v, want invalid latitude", reqs[1].Err)
	}
}

func TestReadRequests_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantMsg string
	}{
		{name: "empty", input: "", wantMsg: "header"},
		{name: "missing columns", input: "name,country\nA,SE\n", wantMsg: "lat, lon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRequests(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("ReadRequests() error = %v, want %q", err, tt.wantMsg)
			}
		})
	}
}

func TestRequest_Command(t *testing.T) {
	r := Request{Name: "Gothenburg", LatText: "57.7", LonText: "11.97"}
	if got, want := r.Command(), "weather download --name Gothenburg --lat 57.7 --lon 11.97"; got != want {
		t.Errorf("Command() = %v, want %v", got, want)
	}
}
