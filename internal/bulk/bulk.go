// Package bulk downloads and ingests many locations concurrently, collecting a
// per-request report instead of stopping at the first failure.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"weathercache/internal/api"
	"weathercache/internal/archive"
	"weathercache/internal/database"
	"weathercache/internal/errkind"
	"weathercache/internal/events"
	"weathercache/internal/metrics"
	"weathercache/internal/storage"
)

// DefaultWorkers is the pool size used when Workers is not positive.
const DefaultWorkers = 5

// Store is the part of the cache the orchestrator writes to.
type Store interface {
	Ingest(ctx context.Context, in database.IngestInput) (*database.IngestResult, error)
}

// Orchestrator runs batches. Fetcher and Store are required in live runs.
type Orchestrator struct {
	Fetcher      api.Fetcher
	Store        Store
	DataDir      string
	Workers      int
	FetchTimeout time.Duration
	Publisher    events.Publisher
	Logger       *zap.Logger
}

// Run processes reqs with at most Workers tasks in flight. Per-request failures
// land in the report; Run itself never fails.
func (o *Orchestrator) Run(ctx context.Context, reqs []Request, dryRun bool) *Report {
	start := time.Now()
	o.defaults()
	report := &Report{
		Batch:  uuid.NewString(),
		DryRun: dryRun,
		Items:  make([]Item, len(reqs)),
	}
	log := o.Logger.With(zap.String("batch", report.Batch))

	if dryRun {
		for i, req := range reqs {
			report.Items[i] = Item{Index: i, Request: req, Status: StatusPlanned, Command: req.Command()}
			metrics.RecordBulkItem(metrics.OutcomePlanned, "")
		}
		report.Duration = time.Since(start)
		return report
	}

	log.Info("Starting bulk download",
		zap.Int("requests", len(reqs)),
		zap.Int("workers", o.Workers))

	var mu sync.Mutex
	finish := func(it Item) {
		mu.Lock()
		report.Items[it.Index] = it
		mu.Unlock()
		o.record(ctx, log, report.Batch, it)
	}

	// dispatched maps a dataset path to the input row fetching it.
	dispatched := make(map[string]int)
	g := new(errgroup.Group)
	g.SetLimit(o.Workers)
	for i, req := range reqs {
		it := Item{Index: i, Request: req}
		if done := o.precheck(&it, dispatched); done {
			finish(it)
			continue
		}
		if ctx.Err() != nil {
			finish(failed(it, errkind.Fetch, fmt.Sprintf("not started: %v", ctx.Err())))
			continue
		}

		g.Go(func() error {
			metrics.BulkWorkersBusy.Inc()
			defer metrics.BulkWorkersBusy.Dec()
			finish(o.process(ctx, it))
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	log.Info("Bulk download finished",
		zap.Int("succeeded", report.Count(StatusSucceeded)),
		zap.Int("skipped", report.Count(StatusSkippedExisting)),
		zap.Int("failed", report.Count(StatusFailed)),
		zap.Duration("duration", report.Duration))
	return report
}

func (o *Orchestrator) defaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
}

// precheck settles requests that need no fetch: unusable rows, out of range
// coordinates, datasets already on disk and rows whose dataset an earlier row
// of the batch already fetches. It reports whether it is done.
func (o *Orchestrator) precheck(it *Item, dispatched map[string]int) bool {
	req := it.Request
	if req.Err != nil {
		*it = failed(*it, errkind.Validation, req.Err.Error())
		return true
	}
	if err := archive.ValidateCoordinates(req.Lat, req.Lon); err != nil {
		*it = failed(*it, errkind.Validation, err.Error())
		return true
	}
	path := storage.DatasetPath(o.DataDir, req.Name, req.Lat, req.Lon)
	if storage.Exists(path) {
		it.Status = StatusSkippedExisting
		it.File = path
		it.Reason = "already present at " + path
		return true
	}
	if first, ok := dispatched[path]; ok {
		it.Status = StatusSkippedExisting
		it.File = path
		it.Reason = fmt.Sprintf("duplicate of row %d (%s)", first+1, filepath.Base(path))
		return true
	}
	dispatched[path] = it.Index
	return false
}

func (o *Orchestrator) process(ctx context.Context, it Item) Item {
	req := it.Request
	target := storage.DatasetPath(o.DataDir, req.Name, req.Lat, req.Lon)

	file, err := o.fetch(ctx, api.FetchRequest{Name: req.Name, Lat: req.Lat, Lon: req.Lon, Target: target})
	if err != nil {
		return failed(it, errkind.Fetch, reason(err))
	}
	it.File = file

	res := archive.Parse(file)
	if res.Status != archive.Valid {
		if res.Status == archive.Invalid {
			if moved, qerr := storage.Quarantine(file); qerr == nil {
				it.File = moved
			} else {
				o.Logger.Warn("Failed to quarantine invalid download", zap.String("file", file), zap.Error(qerr))
			}
		}
		return failed(it, errkind.KindOf(res.Err), res.Reason())
	}

	meta := database.LocationMeta{Latitude: &req.Lat, Longitude: &req.Lon}
	if req.Country != "" {
		country := req.Country
		meta.Country = &country
	}
	result, err := o.Store.Ingest(ctx, database.IngestInput{
		Name:   req.Name,
		Meta:   meta.Or(database.MetaFromDataset(res.Dataset)),
		Series: res.Dataset.Series,
		Source: database.Source{FileName: filepath.Base(file), Size: fileSize(file)},
	})
	if err != nil {
		kind := errkind.KindOf(err)
		if kind == errkind.Unknown {
			kind = errkind.IO
		}
		return failed(it, kind, reason(err))
	}

	it.Status = StatusSucceeded
	it.Observations = result.Observations
	return it
}

// fetch bounds the call by FetchTimeout even when the fetcher ignores its
// context. An abandoned call keeps running in the background.
func (o *Orchestrator) fetch(ctx context.Context, req api.FetchRequest) (string, error) {
	if o.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.FetchTimeout)
		defer cancel()
	}

	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		path, err := o.Fetcher.Fetch(ctx, req)
		done <- result{path, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.path == "" {
			r.path = req.Target
		}
		return r.path, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("fetch timed out after %s", o.FetchTimeout)
		}
		return "", ctx.Err()
	}
}

func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, batch string, it Item) {
	metrics.RecordBulkItem(it.Status.outcome(), it.ErrorClass)

	fields := []zap.Field{
		zap.Int("index", it.Index),
		zap.String("location", it.Request.Name),
		zap.String("status", string(it.Status)),
	}
	if it.Status == StatusFailed {
		log.Warn("Bulk request failed", append(fields, zap.String("error_class", it.ErrorClass), zap.String("reason", it.Reason))...)
	} else {
		log.Info("Bulk request finished", append(fields, zap.Int("observations", it.Observations))...)
	}

	file := ""
	if it.File != "" {
		file = filepath.Base(it.File)
	}
	err := o.Publisher.Publish(ctx, events.Event{
		Type:         events.TypeBulkItem,
		Batch:        batch,
		Location:     it.Request.Name,
		Status:       string(it.Status),
		ErrorClass:   it.ErrorClass,
		Reason:       it.Reason,
		File:         file,
		Observations: it.Observations,
	})
	if err != nil {
		log.Warn("Failed to publish bulk event", zap.Error(err))
	}
}

func failed(it Item, kind errkind.Kind, why string) Item {
	it.Status = StatusFailed
	it.ErrorClass = kind.String()
	it.Reason = why
	return it
}

// reason strips the classification prefix, which is reported separately.
func reason(err error) string {
	var e *errkind.Error
	if errors.As(err, &e) {
		return e.Err.Error()
	}
	return err.Error()
}

func fileSize(path string) int64 {
	if fi, err := os.Stat(path); err == nil {
		return fi.Size()
	}
	return 0
}
