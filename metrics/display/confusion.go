// Package display renders evaluation results as images with gonum/plot.
package display

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/brewer"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// DefaultSize is the side length of a saved confusion matrix image.
const DefaultSize = 5 * vg.Inch

// ConfusionMatrixDisplay draws a confusion matrix as an annotated heat map,
// true labels down the rows and predictions across the columns.
type ConfusionMatrixDisplay struct {
	Matrix *mat.Dense
	Labels []string

	Title  string
	XLabel string
	YLabel string
}

// NewConfusionMatrixDisplay checks that labels match the matrix size.
// With nil labels the class indices are used.
func NewConfusionMatrixDisplay(cm *mat.Dense, labels []string) (*ConfusionMatrixDisplay, error) {
	if cm == nil {
		return nil, errors.NewValueError("ConfusionMatrixDisplay", "matrix is nil")
	}
	r, c := cm.Dims()
	if r != c {
		return nil, errors.NewDimensionError("ConfusionMatrixDisplay", r, c, 1)
	}
	if labels == nil {
		labels = make([]string, r)
		for i := range labels {
			labels[i] = fmt.Sprint(i)
		}
	}
	if len(labels) != r {
		return nil, errors.NewDimensionError("ConfusionMatrixDisplay", r, len(labels), 0)
	}
	return &ConfusionMatrixDisplay{
		Matrix: cm,
		Labels: labels,
		Title:  "Confusion Matrix",
		XLabel: "Prediction",
		YLabel: "Actual",
	}, nil
}

// grid adapts the matrix to plotter.GridXYZ. Grid row 0 is drawn at the
// bottom, so rows are flipped to put the first class at the top.
type grid struct {
	m *mat.Dense
	n int
}

func (g grid) Dims() (c, r int)   { return g.n, g.n }
func (g grid) Z(c, r int) float64 { return g.m.At(g.n-1-r, c) }
func (g grid) X(c int) float64    { return float64(c) }
func (g grid) Y(r int) float64    { return float64(r) }

// Plot builds the plot without rendering it.
func (d *ConfusionMatrixDisplay) Plot() (*plot.Plot, error) {
	n := len(d.Labels)
	pal, err := brewer.GetPalette(brewer.TypeSequential, "Blues", 9)
	if err != nil {
		return nil, errors.Wrap(err, "confusion matrix palette")
	}

	g := grid{m: d.Matrix, n: n}
	heat := plotter.NewHeatMap(g, pal)
	if heat.Max <= heat.Min {
		heat.Max = heat.Min + 1
	}
	heat.Rasterized = true

	p := plot.New()
	p.Title.Text = d.Title
	p.X.Label.Text = d.XLabel
	p.Y.Label.Text = d.YLabel
	p.Add(heat)

	cells := plotter.XYLabels{
		XYs:    make(plotter.XYs, 0, n*n),
		Labels: make([]string, 0, n*n),
	}
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			cells.XYs = append(cells.XYs, plotter.XY{X: float64(c), Y: float64(r)})
			cells.Labels = append(cells.Labels, formatCount(g.Z(c, r)))
		}
	}
	annotations, err := plotter.NewLabels(cells)
	if err != nil {
		return nil, errors.Wrap(err, "confusion matrix labels")
	}
	mid := heat.Min + (heat.Max-heat.Min)/2
	for i := range annotations.TextStyle {
		annotations.TextStyle[i].XAlign = draw.XCenter
		annotations.TextStyle[i].YAlign = draw.YCenter
		if g.Z(int(cells.XYs[i].X), int(cells.XYs[i].Y)) > mid {
			annotations.TextStyle[i].Color = color.White
		}
	}
	p.Add(annotations)

	xTicks := make(plot.ConstantTicks, n)
	yTicks := make(plot.ConstantTicks, n)
	for i, label := range d.Labels {
		xTicks[i] = plot.Tick{Value: float64(i), Label: label}
		yTicks[i] = plot.Tick{Value: float64(n - 1 - i), Label: label}
	}
	p.X.Tick.Marker = xTicks
	p.Y.Tick.Marker = yTicks
	p.X.Min, p.X.Max = -0.5, float64(n)-0.5
	p.Y.Min, p.Y.Max = -0.5, float64(n)-0.5
	return p, nil
}

// SavePNG writes a size x size PNG to path.
func (d *ConfusionMatrixDisplay) SavePNG(path string, size vg.Length) error {
	p, err := d.Plot()
	if err != nil {
		return err
	}
	if err := p.Save(size, size, path); err != nil {
		return errors.Wrapf(err, "save confusion matrix to %s", path)
	}
	return nil
}

// WritePNG renders the plot as PNG into w.
func (d *ConfusionMatrixDisplay) WritePNG(w io.Writer, size vg.Length) error {
	p, err := d.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return errors.Wrap(err, "render confusion matrix")
	}
	_, err = wt.WriteTo(w)
	return err
}

func formatCount(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
