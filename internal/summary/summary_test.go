package summary

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"weathercache/internal/models"
)

var t0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(n int) []time.Time {
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = t0.Add(time.Duration(i) * time.Hour)
	}
	return ts
}

func TestDescribe(t *testing.T) {
	s := models.NewSeries()
	s.Timestamps = hourly(3)
	s.Columns[models.VarTemperature] = []float64{1, models.Missing(), 3}
	s.Columns[models.VarTotalPrecip] = []float64{models.Missing(), models.Missing(), models.Missing()}

	got := Describe(s)
	want := Summary{
		Rows:  3,
		Start: t0,
		End:   t0.Add(2 * time.Hour),
		Variables: []Variable{{
			Name:    models.VarTemperature,
			Count:   2,
			Missing: 1,
			Mean:    2,
			Median:  2,
			StdDev:  math.Sqrt(2),
			Min:     1,
			MinAt:   t0,
			Max:     3,
			MaxAt:   t0.Add(2 * time.Hour),
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Describe() mismatch (-want +got):\n%s", diff)
	}
}

func TestDescribe_Empty(t *testing.T) {
	got := Describe(models.NewSeries())
	if got.Rows != 0 || len(got.Variables) != 0 {
		t.Errorf("Describe(empty) = %+v", got)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{name: "odd", values: []float64{3, 1, 2}, want: 2},
		{name: "even", values: []float64{4, 1, 3, 2}, want: 2.5},
		{name: "single", values: []float64{7}, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := median(tt.values); got != tt.want {
				t.Errorf("median(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestCalculateStdDev(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{name: "constant", values: []float64{5, 5, 5}, want: 0},
		{name: "single value", values: []float64{5}, want: 0},
		{name: "sample deviation", values: []float64{2, 4, 4, 4, 5, 5, 7, 9}, want: 2.138},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateStdDev(tt.values, calculateMean(tt.values))
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("calculateStdDev(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}
