// Package summary computes descriptive statistics and z-score outliers over a
// cached series.
package summary

import (
	"math"
	"sort"
	"time"

	"weathercache/internal/models"
)

// Variable describes the non-missing values of one column.
type Variable struct {
	Name    string    `json:"variable"`
	Count   int       `json:"count"`
	Missing int       `json:"missing"`
	Mean    float64   `json:"mean"`
	Median  float64   `json:"median"`
	StdDev  float64   `json:"std_dev"`
	Min     float64   `json:"min"`
	MinAt   time.Time `json:"min_at"`
	Max     float64   `json:"max"`
	MaxAt   time.Time `json:"max_at"`
}

// Summary covers a whole series. Columns without any value are left out.
type Summary struct {
	Rows      int        `json:"rows"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Variables []Variable `json:"variables"`
}

// Describe summarizes every variable of s in canonical order.
func Describe(s *models.Series) Summary {
	out := Summary{Rows: s.Len(), Variables: []Variable{}}
	if out.Rows == 0 {
		return out
	}
	out.Start = s.Timestamps[0]
	out.End = s.Timestamps[len(s.Timestamps)-1]

	for _, name := range s.Variables() {
		if v, ok := describe(name, s.Timestamps, s.Columns[name]); ok {
			out.Variables = append(out.Variables, v)
		}
	}
	return out
}

func describe(name string, ts []time.Time, col []float64) (Variable, bool) {
	v := Variable{Name: name, Min: math.Inf(1), Max: math.Inf(-1)}
	values := make([]float64, 0, len(col))
	for i, x := range col {
		if models.IsMissing(x) {
			v.Missing++
			continue
		}
		values = append(values, x)
		if x < v.Min {
			v.Min, v.MinAt = x, ts[i]
		}
		if x > v.Max {
			v.Max, v.MaxAt = x, ts[i]
		}
	}
	if len(values) == 0 {
		return v, false
	}
	v.Count = len(values)
	v.Mean = calculateMean(values)
	v.StdDev = calculateStdDev(values, v.Mean)
	v.Median = median(values)
	return v, true
}

// calculateMean calculates the mean of values
func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculateStdDev calculates the sample standard deviation of values
func calculateStdDev(values []float64, mean float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
