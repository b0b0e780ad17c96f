package summary

import (
	"math"
	"sort"
	"time"

	"weathercache/internal/models"
)

// DefaultThreshold flags values more than three standard deviations from the
// mean of their variable.
const DefaultThreshold = 3.0

// minSamples is the least number of values a variable needs to be scored.
const minSamples = 3

// Anomaly is one value far from the mean of its variable.
type Anomaly struct {
	Variable  string    `json:"variable"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	ZScore    float64   `json:"z_score"`
	Severity  string    `json:"severity"`
}

// Detector finds z-score outliers in a series.
type Detector struct {
	threshold float64
}

// NewDetector returns a detector flagging |z| > threshold. A non-positive
// threshold means DefaultThreshold.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Threshold returns the z-score a value has to exceed to be flagged.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Detect scores every value of every variable against that variable's own mean
// and standard deviation. Results are ordered by |z|, largest first.
func (d *Detector) Detect(s *models.Series) []Anomaly {
	var anomalies []Anomaly
	for _, name := range s.Variables() {
		col := s.Columns[name]
		values := make([]float64, 0, len(col))
		for _, x := range col {
			if !models.IsMissing(x) {
				values = append(values, x)
			}
		}
		// Not enough data for statistical analysis
		if len(values) < minSamples {
			continue
		}
		mean := calculateMean(values)
		stdDev := calculateStdDev(values, mean)
		if stdDev == 0 {
			continue
		}

		for i, x := range col {
			if models.IsMissing(x) {
				continue
			}
			z := CalculateZScore(x, mean, stdDev)
			if !d.IsOutlier(z) {
				continue
			}
			anomalies = append(anomalies, Anomaly{
				Variable:  name,
				Timestamp: s.Timestamps[i],
				Value:     x,
				ZScore:    z,
				Severity:  d.severity(z),
			})
		}
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		return math.Abs(anomalies[i].ZScore) > math.Abs(anomalies[j].ZScore)
	})
	return anomalies
}

// CalculateZScore calculates the Z-score for a value given mean and standard deviation
func CalculateZScore(value, mean, stdDev float64) float64 {
	if stdDev == 0 {
		return 0
	}
	return (value - mean) / stdDev
}

// IsOutlier checks if a Z-score is beyond the threshold
func (d *Detector) IsOutlier(zScore float64) bool {
	return math.Abs(zScore) > d.threshold
}

// severity grades a z-score relative to the threshold.
func (d *Detector) severity(zScore float64) string {
	ratio := math.Abs(zScore) / d.threshold
	if ratio > 2.0 {
		return "high"
	} else if ratio > 1.5 {
		return "medium"
	}
	return "low"
}
