package telemetry

import (
	"github.com/montanaflynn/stats"
)

// Summary describes a distribution of values.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
}

// Summarize computes a Summary; the zero Summary is returned for no values.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	data := stats.Float64Data(values)
	s := Summary{Count: len(values)}
	// Errors are only returned for empty input.
	s.Min, _ = data.Min()
	s.Max, _ = data.Max()
	s.Mean, _ = data.Mean()
	s.StdDev, _ = data.StandardDeviation()
	s.P50, _ = data.Median()
	s.P90, _ = data.Percentile(90)
	return s
}
