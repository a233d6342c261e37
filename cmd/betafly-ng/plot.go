package main

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"betafly-ng/internal/flightlog"
)

func plotLog(csvPath, pngPath string) error {
	rows, err := readFlightLog(csvPath)
	if err != nil {
		return err
	}
	p, err := trackPlot(rows)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, pngPath); err != nil {
		return fmt.Errorf("save %s: %w", pngPath, err)
	}
	fmt.Printf("wrote %s (%d points)\n", pngPath, len(rows))
	return nil
}

// trackPlot draws the estimated XY track with its start, end and the origin.
func trackPlot(rows []flightlog.Row) (*plot.Plot, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("flight log has no rows")
	}

	p := plot.New()
	p.Title.Text = "Position Track"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(rows))
	for i, r := range rows {
		pts[i] = plotter.XY{X: r.PosX, Y: r.PosY}
	}
	track, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	track.Color = color.RGBA{B: 200, A: 255}
	track.Width = vg.Points(1)
	p.Add(track)
	p.Legend.Add("track", track)

	marks := []struct {
		name string
		at   plotter.XY
		c    color.Color
	}{
		{"origin", plotter.XY{}, color.Black},
		{"start", pts[0], color.RGBA{G: 160, A: 255}},
		{"end", pts[len(pts)-1], color.RGBA{R: 200, A: 255}},
	}
	for _, m := range marks {
		s, err := plotter.NewScatter(plotter.XYs{m.at})
		if err != nil {
			return nil, err
		}
		s.GlyphStyle.Color = m.c
		s.GlyphStyle.Radius = vg.Points(4)
		p.Add(s)
		p.Legend.Add(m.name, s)
	}
	return p, nil
}
