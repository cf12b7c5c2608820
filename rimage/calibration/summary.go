package calibration

import (
	"fmt"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// ErrorSummary describes the spread of the per view reprojection errors.
type ErrorSummary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
	// WorstView is the index of the view with the largest error.
	WorstView int `json:"worst_view"`
}

// SummarizeErrors computes summary statistics of per view errors.
func SummarizeErrors(perView []float64) (ErrorSummary, error) {
	if len(perView) == 0 {
		return ErrorSummary{}, newInsufficientDataError("no per view errors to summarize")
	}
	data := stats.LoadRawData(perView)
	var (
		s   ErrorSummary
		err error
	)
	if s.Mean, err = data.Mean(); err != nil {
		return ErrorSummary{}, errors.Wrap(err, "mean")
	}
	if s.Median, err = data.Median(); err != nil {
		return ErrorSummary{}, errors.Wrap(err, "median")
	}
	if s.Max, err = data.Max(); err != nil {
		return ErrorSummary{}, errors.Wrap(err, "max")
	}
	if s.StdDev, err = data.StandardDeviation(); err != nil {
		return ErrorSummary{}, errors.Wrap(err, "standard deviation")
	}
	for i, e := range perView {
		if e == s.Max {
			s.WorstView = i
			break
		}
	}
	return s, nil
}

func (s ErrorSummary) String() string {
	return fmt.Sprintf("mean %.4f, median %.4f, max %.4f (view %d), std dev %.4f",
		s.Mean, s.Median, s.Max, s.WorstView, s.StdDev)
}
