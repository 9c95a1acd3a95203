package report

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// MaxPlotPoints bounds the points drawn per curve; longer histories are
// averaged into buckets.
const MaxPlotPoints = 2000

// ErrEmptyHistory is returned when there is nothing to plot.
var ErrEmptyHistory = errors.New("report: empty loss history")

// History is the full per-step loss record of a run.
type History struct {
	Steps []float64
	Total []float64
	NCC   []float64
	Grad  []float64
}

// Add appends one step.
func (h *History) Add(step int64, total, ncc, grad float64) {
	h.Steps = append(h.Steps, float64(step))
	h.Total = append(h.Total, total)
	h.NCC = append(h.NCC, ncc)
	h.Grad = append(h.Grad, grad)
}

// Len returns the number of recorded steps.
func (h *History) Len() int { return len(h.Steps) }

var (
	totalColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	nccColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	gradColor  = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// SaveLossPlot writes the loss curves of h to path. The image format
// follows the file extension.
func SaveLossPlot(path, title string, h *History) error {
	if h.Len() == 0 {
		return ErrEmptyHistory
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())

	curves := []struct {
		label string
		ys    []float64
		color color.Color
	}{
		{"total", h.Total, totalColor},
		{"ncc", h.NCC, nccColor},
		{"grad", h.Grad, gradColor},
	}
	for _, c := range curves {
		line, err := plotter.NewLine(downsample(h.Steps, c.ys, MaxPlotPoints))
		if err != nil {
			return fmt.Errorf("%s curve: %w", c.label, err)
		}
		line.Color = c.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(c.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save loss plot: %w", err)
	}
	return nil
}

// downsample averages xs and ys into at most n buckets.
func downsample(xs, ys []float64, n int) plotter.XYs {
	if len(xs) <= n {
		pts := make(plotter.XYs, len(xs))
		for i := range xs {
			pts[i] = plotter.XY{X: xs[i], Y: ys[i]}
		}
		return pts
	}
	pts := make(plotter.XYs, n)
	for b := range n {
		lo := b * len(xs) / n
		hi := (b + 1) * len(xs) / n
		pts[b] = plotter.XY{X: stat.Mean(xs[lo:hi], nil), Y: stat.Mean(ys[lo:hi], nil)}
	}
	return pts
}
