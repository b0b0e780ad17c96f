package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"weathercache/internal/errkind"
	"weathercache/internal/metrics"
	"weathercache/internal/models"
)

// FetchRequest asks for the raw dataset of one point to be written to Target.
type FetchRequest struct {
	Name   string
	Lat    float64
	Lon    float64
	Target string
}

// Fetcher downloads raw datasets. Fetch returns the path actually written.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (string, error)
}

// CDSConfig describes the retrieve endpoint and what to request from it.
type CDSConfig struct {
	URL          string
	Key          string
	Dataset      string
	DateRange    string
	PollInterval time.Duration
	Client       ClientConfig
}

// CDSClient submits point time-series jobs to the CDS retrieve API, waits for
// them to finish and downloads the resulting archive.
type CDSClient struct {
	*BaseClient
	cfg CDSConfig
}

func NewCDSClient(cfg CDSConfig, logger *zap.Logger) *CDSClient {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &CDSClient{
		BaseClient: NewBaseClient("cds", cfg.Client, logger),
		cfg:        cfg,
	}
}

// Job states reported by the retrieve API.
const (
	jobAccepted   = "accepted"
	jobRunning    = "running"
	jobSuccessful = "successful"
	jobFailed     = "failed"
	jobRejected   = "rejected"
	jobDismissed  = "dismissed"
)

type jobStatus struct {
	JobID   string `json:"jobID"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type jobResults struct {
	Asset struct {
		Value struct {
			Href string `json:"href"`
			Size int64  `json:"file:size"`
		} `json:"value"`
	} `json:"asset"`
}

type executeRequest struct {
	Inputs executeInputs `json:"inputs"`
}

type executeInputs struct {
	Variable   []string      `json:"variable"`
	Location   pointLocation `json:"location"`
	Date       []string      `json:"date"`
	DataFormat string        `json:"data_format"`
}

type pointLocation struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// TargetPath forces the .zip extension: the CDS delivers CSV inside a ZIP archive.
func TargetPath(target string) string {
	if strings.EqualFold(filepath.Ext(target), ".zip") {
		return target
	}
	return strings.TrimSuffix(target, filepath.Ext(target)) + ".zip"
}

// Fetch runs one retrieve job end to end. Every failure is a FetchError.
func (c *CDSClient) Fetch(ctx context.Context, req FetchRequest) (string, error) {
	start := time.Now()
	path, err := c.fetch(ctx, req)
	metrics.RecordFetch(time.Since(start), err)
	if err != nil {
		return "", errkind.New(errkind.Fetch, req.Name, err)
	}
	return path, nil
}

func (c *CDSClient) fetch(ctx context.Context, req FetchRequest) (string, error) {
	if c.cfg.Key == "" {
		return "", errors.New("no CDS API key configured; run 'weather configure --token ...'")
	}
	target := TargetPath(req.Target)
	c.logger.Info("Requesting ERA5-Land time-series",
		zap.String("location", req.Name),
		zap.Float64("lat", req.Lat),
		zap.Float64("lon", req.Lon),
		zap.String("target", target))

	job, err := c.submit(ctx, req)
	if err != nil {
		return "", err
	}
	if err := c.wait(ctx, job); err != nil {
		return "", err
	}
	href, err := c.resultLocation(ctx, job)
	if err != nil {
		return "", err
	}
	if err := c.download(ctx, href, target); err != nil {
		return "", err
	}

	c.logger.Info("Saved dataset", zap.String("location", req.Name), zap.String("path", target))
	return target, nil
}

func (c *CDSClient) header() http.Header {
	h := http.Header{}
	h.Set("PRIVATE-TOKEN", c.cfg.Key)
	h.Set("Accept", "application/json")
	return h
}

func (c *CDSClient) submit(ctx context.Context, req FetchRequest) (string, error) {
	body, err := json.Marshal(executeRequest{Inputs: executeInputs{
		Variable:   models.RequestVariables,
		Location:   pointLocation{Longitude: req.Lon, Latitude: req.Lat},
		Date:       []string{c.cfg.DateRange},
		DataFormat: "csv",
	}})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	h := c.header()
	h.Set("Content-Type", "application/json")
	endpoint := fmt.Sprintf("%s/retrieve/v1/processes/%s/execution", c.cfg.URL, url.PathEscape(c.cfg.Dataset))
	resp, err := c.Do(ctx, http.MethodPost, endpoint, h, body)
	if err != nil {
		return "", fmt.Errorf("failed to submit request: %w", err)
	}

	var status jobStatus
	if err := json.Unmarshal(resp, &status); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if status.JobID == "" {
		return "", errors.New("retrieve API returned no job id")
	}
	return status.JobID, nil
}

func (c *CDSClient) wait(ctx context.Context, job string) error {
	endpoint := fmt.Sprintf("%s/retrieve/v1/jobs/%s", c.cfg.URL, url.PathEscape(job))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.Do(ctx, http.MethodGet, endpoint, c.header(), nil)
		if err != nil {
			return fmt.Errorf("failed to poll job %s: %w", job, err)
		}
		var status jobStatus
		if err := json.Unmarshal(resp, &status); err != nil {
			return fmt.Errorf("failed to decode job status: %w", err)
		}

		switch status.Status {
		case jobSuccessful:
			return nil
		case jobFailed, jobRejected, jobDismissed:
			if status.Message != "" {
				return fmt.Errorf("job %s %s: %s", job, status.Status, status.Message)
			}
			return fmt.Errorf("job %s %s", job, status.Status)
		case jobAccepted, jobRunning:
			c.logger.Debug("Job pending", zap.String("job", job), zap.String("status", status.Status))
		default:
			return fmt.Errorf("job %s: unexpected status %q", job, status.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *CDSClient) resultLocation(ctx context.Context, job string) (string, error) {
	endpoint := fmt.Sprintf("%s/retrieve/v1/jobs/%s/results", c.cfg.URL, url.PathEscape(job))
	resp, err := c.Do(ctx, http.MethodGet, endpoint, c.header(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to get results of job %s: %w", job, err)
	}
	var results jobResults
	if err := json.Unmarshal(resp, &results); err != nil {
		return "", fmt.Errorf("failed to decode job results: %w", err)
	}
	href := results.Asset.Value.Href
	if href == "" {
		return "", fmt.Errorf("job %s has no downloadable asset", job)
	}

	// Relative links are resolved against the API root.
	base, err := url.Parse(c.cfg.URL + "/")
	if err != nil {
		return href, nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid asset link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// download writes the asset next to target and renames it into place, so a
// partial transfer never looks like an existing dataset.
func (c *CDSClient) download(ctx context.Context, href, target string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	err = c.Stream(ctx, http.MethodGet, href, c.header(), nil, func(r io.Reader) error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := tmp.Truncate(0); err != nil {
			return err
		}
		_, err := io.Copy(tmp, r)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to download dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move dataset into place: %w", err)
	}
	return nil
}
