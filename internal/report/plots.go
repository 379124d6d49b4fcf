// Package report renders quality artefacts: PNG plots of a product's
// registration and reflectance, and an HTML summary of a run.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/senbox-org/sen2like/internal/geometry"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("report: no data to plot")

var pointColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}

func save(p *plot.Plot, w, h vg.Length, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create plot dir: %w", err)
	}
	if err := p.Save(w, h, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// TiePointScatter plots the displacement measured at every tie point, in
// projected units.
func TiePointScatter(points []geometry.TiePoint, title, path string) error {
	if len(points) == 0 {
		return ErrNoData
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "dx (m)"
	p.Y.Label.Text = "dy (m)"

	xys := make(plotter.XYs, len(points))
	for i, tp := range points {
		xys[i] = plotter.XY{X: tp.DX, Y: tp.DY}
	}
	s, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	s.GlyphStyle.Color = pointColor
	s.GlyphStyle.Radius = vg.Points(2)
	p.Add(plotter.NewGrid(), s)
	return save(p, 6*vg.Inch, 6*vg.Inch, path)
}

// BandHistogram plots the distribution of the valid pixels of b.
func BandHistogram(b *raster.Band, bins int, title, path string) error {
	values := b.ValidValues()
	if len(values) == 0 {
		return ErrNoData
	}
	if bins <= 0 {
		bins = 50
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = string(b.ID)
	p.Y.Label.Text = "pixels"

	h, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return err
	}
	h.FillColor = pointColor
	p.Add(h)
	return save(p, 8*vg.Inch, 4*vg.Inch, path)
}

// ProductPlots writes the registration scatter and a histogram of band
// into dir. Plots without data are left out. It returns the written files.
func ProductPlots(pc *product.Context, band raster.BandID, dir string) ([]string, error) {
	var written []string
	if disp, ok := product.ParamsAs[geometry.Displacement](pc, product.StageRegistration); ok && len(disp.TiePoints) > 0 {
		path := filepath.Join(dir, "tie_points.png")
		title := fmt.Sprintf("%s: %d tie points, shift %.2f/%.2f m", pc.Name, len(disp.TiePoints), disp.DX, disp.DY)
		if err := TiePointScatter(disp.TiePoints, title, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	if b, ok := pc.Band(band); ok {
		path := filepath.Join(dir, fmt.Sprintf("histogram_%s.png", band))
		err := BandHistogram(b, 0, fmt.Sprintf("%s %s", pc.Name, band), path)
		switch {
		case errors.Is(err, ErrNoData):
			tracef("%s: %s has no valid pixels", pc, band)
		case err != nil:
			return written, err
		default:
			written = append(written, path)
		}
	}
	return written, nil
}
