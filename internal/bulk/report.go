package bulk

import (
	"time"

	"weathercache/internal/metrics"
)

// Status is the outcome of one bulk request.
type Status string

const (
	StatusPlanned         Status = "planned"
	StatusSucceeded       Status = "succeeded"
	StatusSkippedExisting Status = "skipped-existing"
	StatusFailed          Status = "failed"
)

// outcome is the metrics label for s.
func (s Status) outcome() string {
	switch s {
	case StatusPlanned:
		return metrics.OutcomePlanned
	case StatusSucceeded:
		return metrics.OutcomeSucceeded
	case StatusSkippedExisting:
		return metrics.OutcomeSkippedExisting
	default:
		return metrics.OutcomeFailed
	}
}

// Item is the result for the request at Index in the input.
type Item struct {
	Index        int
	Request      Request
	Status       Status
	ErrorClass   string
	Reason       string
	File         string
	Observations int
	// Command is the equivalent single download, set in dry runs.
	Command string
}

// Report is the outcome of a batch, in input order.
type Report struct {
	Batch    string
	DryRun   bool
	Items    []Item
	Duration time.Duration
}

// Count returns the number of items with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, it := range r.Items {
		if it.Status == s {
			n++
		}
	}
	return n
}

// Failures returns the failed items in input order.
func (r *Report) Failures() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Status == StatusFailed {
			out = append(out, it)
		}
	}
	return out
}

// AllFailed reports whether a non-empty live batch produced nothing but failures.
func (r *Report) AllFailed() bool {
	return !r.DryRun && len(r.Items) > 0 && r.Count(StatusFailed) == len(r.Items)
}
