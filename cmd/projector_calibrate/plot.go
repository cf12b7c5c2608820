package main

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/tinker/projcal/rimage/calibration"
)

// writeErrorPlot charts the reprojection error of every view against the aggregate error. The image
// format follows the extension of path.
func writeErrorPlot(path string, res *calibration.Result) error {
	if len(res.PerViewErrors) == 0 {
		return errors.New("no per view errors to plot")
	}
	p := plot.New()
	p.Title.Text = "Reprojection error per view"
	p.X.Label.Text = "view"
	p.Y.Label.Text = "rms error (px)"

	bars, err := plotter.NewBarChart(plotter.Values(res.PerViewErrors), vg.Points(12))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.Legend.Add("view", bars)

	rms := res.RMSError
	aggregate := plotter.NewFunction(func(float64) float64 { return rms })
	p.Add(aggregate)
	p.Legend.Add("aggregate", aggregate)

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
