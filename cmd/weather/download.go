package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/subcommands"
	"go.uber.org/zap"

	"weathercache/internal/api"
	"weathercache/internal/bulk"
	"weathercache/internal/errkind"
)

var cmdDownload = &subcommands.Command{
	UsageLine: "download (--name NAME --lat LAT --lon LON | --city CITY | --bulk --csv PATH) [options]",
	ShortDesc: "download ERA5-Land time series and cache them",
	LongDesc: `Downloads the hourly ERA5-Land time series for a point and ingests it into
the cache. Datasets already on disk are skipped.

Examples:
  weather download --name Gothenburg --lat 57.7 --lon 11.97 --country SE
  weather download --city Oslo --country NO
  weather download --bulk --csv cities.csv --max-workers 5 --dry-run`,
	CommandRun: func() subcommands.CommandRun {
		c := &downloadRun{}
		c.common.register(&c.Flags)
		c.Flags.StringVar(&c.name, "name", "", "Location name.")
		c.Flags.StringVar(&c.country, "country", "", "Country code or name.")
		c.Flags.StringVar(&c.lat, "lat", "", "Latitude in degrees.")
		c.Flags.StringVar(&c.lon, "lon", "", "Longitude in degrees.")
		c.Flags.StringVar(&c.city, "city", "", "Resolve the coordinates of this city by name.")
		c.Flags.BoolVar(&c.bulk, "bulk", false, "Download every row of --csv.")
		c.Flags.StringVar(&c.csvPath, "csv", "", "CSV with name, lat, lon and optionally country columns.")
		c.Flags.IntVar(&c.maxWorkers, "max-workers", 0, "Concurrent downloads. Defaults to download.max_workers.")
		c.Flags.BoolVar(&c.dryRun, "dry-run", false, "Print the planned downloads without fetching.")
		c.Flags.DurationVar(&c.timeout, "timeout", 0, "Per download timeout. Defaults to download.fetch_timeout.")
		return c
	},
}

type downloadRun struct {
	subcommands.CommandRunBase
	common commonFlags

	name    string
	country string
	lat     string
	lon     string
	city    string

	bulk       bool
	csvPath    string
	maxWorkers int
	dryRun     bool
	timeout    time.Duration
}

// Replaced in tests.
var (
	newFetcher  = func(e *runEnv) api.Fetcher { return cdsClient(e) }
	newGeocoder = func(e *runEnv) api.Geocoder {
		return api.NewOpenMeteoGeocoder(e.cfg.Geocoding.URL, api.DefaultClientConfig(), e.log)
	}
)

func (c *downloadRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if c.bulk && c.csvPath == "" {
		return usageError(a, "--bulk requires --csv PATH")
	}
	if !c.bulk && c.city == "" && (c.name == "" || c.lat == "" || c.lon == "") {
		return usageError(a, "download needs --name, --lat and --lon, or --city, or --bulk --csv PATH")
	}

	e, err := c.common.setup()
	if err != nil {
		return fail(a, err)
	}
	defer c.common.finish(e)

	ctx, cancel := signalContext()
	defer cancel()

	if c.bulk {
		return c.runBulk(ctx, a, e)
	}

	req, err := c.singleRequest(ctx, a, e)
	if err != nil {
		return fail(a, err)
	}
	return c.runSingle(ctx, a, e, req)
}

func (c *downloadRun) singleRequest(ctx context.Context, a subcommands.Application, e *runEnv) (bulk.Request, error) {
	if c.city != "" && (c.lat == "" || c.lon == "") {
		res, err := newGeocoder(e).Geocode(ctx, c.city, c.country)
		if err != nil {
			return bulk.Request{}, err
		}
		name := c.name
		if name == "" {
			name = res.Name
		}
		country := c.country
		if res.CountryCode != "" {
			country = res.CountryCode
		}
		fmt.Fprintf(a.GetOut(), "Resolved %s to %s, %s (%.4f, %.4f)\n", c.city, res.Name, res.Country, res.Lat, res.Lon)
		return bulk.Request{Line: 1, Name: name, Country: country, Lat: res.Lat, Lon: res.Lon}, nil
	}

	name := c.name
	if name == "" {
		name = c.city
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(c.lat), 64)
	if err != nil {
		return bulk.Request{}, errkind.Newf(errkind.Validation, name, "--lat must be a number, got %q", c.lat)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(c.lon), 64)
	if err != nil {
		return bulk.Request{}, errkind.Newf(errkind.Validation, name, "--lon must be a number, got %q", c.lon)
	}
	return bulk.Request{Line: 1, Name: name, Country: c.country, Lat: lat, Lon: lon}, nil
}

// orchestrator wires the fetcher, cache and event stream for live runs. The
// returned func releases them.
func (c *downloadRun) orchestrator(ctx context.Context, e *runEnv, live bool) (*bulk.Orchestrator, func(), error) {
	o := &bulk.Orchestrator{
		DataDir:      e.cfg.DataDir(),
		Workers:      e.cfg.Download.MaxWorkers,
		FetchTimeout: e.cfg.Download.FetchTimeout,
		Logger:       e.log,
	}
	if c.maxWorkers > 0 {
		o.Workers = c.maxWorkers
	}
	if c.timeout > 0 {
		o.FetchTimeout = c.timeout
	}
	if !live {
		return o, func() {}, nil
	}

	db, err := e.openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	o.Store = db
	o.Publisher = e.openPublisher(ctx)
	o.Fetcher = newFetcher(e)
	closer := func() {
		_ = o.Publisher.Close()
		_ = db.Close()
	}
	return o, closer, nil
}

func cdsClient(e *runEnv) *api.CDSClient {
	creds, err := e.cfg.ResolveCredentials()
	if err != nil {
		// Every fetch then fails with a pointer to 'weather configure'.
		e.log.Warn("CDS credentials unavailable", zap.Error(err))
	}
	return api.NewCDSClient(api.CDSConfig{
		URL:          creds.URL,
		Key:          creds.Key,
		Dataset:      e.cfg.Download.Dataset,
		DateRange:    e.cfg.Download.DateRange,
		PollInterval: e.cfg.Download.PollInterval,
		Client:       api.DefaultClientConfig(),
	}, e.log)
}

func (c *downloadRun) runSingle(ctx context.Context, a subcommands.Application, e *runEnv, req bulk.Request) int {
	o, closer, err := c.orchestrator(ctx, e, !c.dryRun)
	if err != nil {
		return fail(a, err)
	}
	defer closer()

	out := a.GetOut()
	if !c.dryRun {
		fmt.Fprintf(out, "Requesting ERA5-Land time-series for lat=%v, lon=%v ...\n", req.Lat, req.Lon)
	}
	report := o.Run(ctx, []bulk.Request{req}, c.dryRun)
	it := report.Items[0]
	switch it.Status {
	case bulk.StatusPlanned:
		fmt.Fprintf(out, "DRY RUN: %s\n", it.Command)
	case bulk.StatusSkippedExisting:
		fmt.Fprintf(out, "Skipping %s: already present at %s\n", req.Name, it.File)
	case bulk.StatusSucceeded:
		fmt.Fprintf(out, "Saved dataset to %s (%d observations)\n", it.File, it.Observations)
		fmt.Fprintln(out, "Download complete.")
	default:
		fmt.Fprintf(a.GetErr(), "Error: %s: %s: %s\n", it.ErrorClass, req.Name, it.Reason)
		return 1
	}
	return 0
}

func (c *downloadRun) runBulk(ctx context.Context, a subcommands.Application, e *runEnv) int {
	f, err := os.Open(c.csvPath)
	if err != nil {
		return fail(a, errkind.New(errkind.IO, c.csvPath, err))
	}
	reqs, err := bulk.ReadRequests(f)
	f.Close()
	if err != nil {
		return fail(a, err)
	}

	out := a.GetOut()
	if len(reqs) == 0 {
		fmt.Fprintln(out, "No rows found in CSV; nothing to do.")
		return 0
	}

	o, closer, err := c.orchestrator(ctx, e, !c.dryRun)
	if err != nil {
		return fail(a, err)
	}
	defer closer()

	if !c.dryRun {
		fmt.Fprintf(out, "Starting downloads for %d cities with up to %d workers...\n", len(reqs), o.Workers)
	}
	report := o.Run(ctx, reqs, c.dryRun)
	writeReport(out, report)
	if report.AllFailed() {
		return 1
	}
	return 0
}

func writeReport(out io.Writer, r *bulk.Report) {
	if r.DryRun {
		for _, it := range r.Items {
			fmt.Fprintf(out, "DRY RUN: %s\n", it.Command)
		}
		return
	}

	for _, it := range r.Items {
		if it.Status == bulk.StatusSkippedExisting {
			fmt.Fprintf(out, "Skipping %s: %s\n", it.Request.Name, it.Reason)
		}
	}
	failures := r.Failures()
	if len(failures) == 0 {
		fmt.Fprintln(out, "All downloads finished successfully.")
	} else {
		fmt.Fprintf(out, "Completed with %d failure(s):\n", len(failures))
		for _, it := range failures {
			fmt.Fprintf(out, "- %s\n", it.Request.Command())
			fmt.Fprintf(out, "  %s: %s\n", it.ErrorClass, it.Reason)
		}
	}
	fmt.Fprintf(out, "Succeeded: %d, Skipped (existing): %d, Failed: %d (batch %s, %s)\n",
		r.Count(bulk.StatusSucceeded), r.Count(bulk.StatusSkippedExisting), len(failures),
		r.Batch, r.Duration.Round(time.Millisecond))
}
