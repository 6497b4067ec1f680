package chart

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	_ "gonum.org/v1/plot/vg/vgimg"
	_ "gonum.org/v1/plot/vg/vgpdf"
	_ "gonum.org/v1/plot/vg/vgsvg"

	"github.com/meshrelay/internal/profile"
)

const (
	defaultWidth       = 12
	defaultHeight      = 4
	defaultPanelHeight = 5
)

// Defaults for Auto, matching the profiler's millisecond export.
const (
	DefaultThreshold = 0.001
	DefaultIdleBelow = 15
	DefaultAfter     = 15000
	DefaultPad       = 500
)

var colors = map[string]color.Color{
	"black":  color.Black,
	"red":    color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	"blue":   color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	"green":  color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	"orange": color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	"gray":   color.Gray{Y: 0x80},
}

// ParseColor accepts a colour name or #rrggbb. Empty means red.
func ParseColor(s string) (color.Color, error) {
	if s == "" {
		return colors["red"], nil
	}
	if c, ok := colors[strings.ToLower(s)]; ok {
		return c, nil
	}
	if len(s) == 7 && s[0] == '#' {
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err == nil {
			return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
		}
	}
	return nil, fmt.Errorf("unknown color %q", s)
}

func inches(v *float64, def float64) vg.Length {
	if v == nil || *v <= 0 {
		return vg.Length(def) * vg.Inch
	}
	return vg.Length(*v) * vg.Inch
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// Trace loads the panel's input and applies its window.
func (p *Panel) Trace() (profile.Trace, error) {
	f, err := os.Open(p.Input)
	if err != nil {
		return profile.Trace{}, err
	}
	defer f.Close()

	var tr profile.Trace
	if p.Layout != "" {
		l, err := profile.LayoutByName(p.Layout)
		if err != nil {
			return profile.Trace{}, err
		}
		tr, err = profile.LoadLayout(f, l)
		if err != nil {
			return profile.Trace{}, err
		}
	} else if tr, err = profile.Load(f); err != nil {
		return profile.Trace{}, err
	}

	switch {
	case p.Auto != nil:
		start, end, err := tr.DetectActive(
			orDefault(p.Auto.Threshold, DefaultThreshold),
			orDefault(p.Auto.IdleBelow, DefaultIdleBelow),
			orDefault(p.Auto.After, DefaultAfter),
			orDefault(p.Auto.Pad, DefaultPad))
		if err != nil {
			return profile.Trace{}, err
		}
		return tr.Window(start, end)
	case p.Start != nil || p.End != nil:
		return tr.Window(orDefault(p.Start, math.Inf(-1)), orDefault(p.End, math.Inf(1)))
	}
	return tr, nil
}

// StatsText is the text of a stats box.
func StatsText(st profile.Stats) string {
	return fmt.Sprintf("Charge: %.2fC (%.3fmAh)\nTime: %.2fs\nMax Current: %.0fmA\nAvg Current: %.2fmA",
		st.Charge, st.MAh, st.Duration, st.MaxMA, st.MeanMA)
}

func (p *Panel) plot() (*plot.Plot, error) {
	tr, err := p.Trace()
	if err != nil {
		return nil, err
	}
	pl := plot.New()
	pl.Title.Text = p.Title
	pl.X.Label.Text = "Timestamp(s)"
	if p.XLabel != "" {
		pl.X.Label.Text = p.XLabel
	}
	pl.Y.Label.Text = "Current(mA)"
	if p.YLabel != "" {
		pl.Y.Label.Text = p.YLabel
	}
	pl.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(tr.Samples))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, s := range tr.Samples {
		xys[i].X, xys[i].Y = s.T, s.MA
		lo, hi = math.Min(lo, s.MA), math.Max(hi, s.MA)
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, err
	}
	line.LineStyle.Color = colors["blue"]
	pl.Add(line)

	if p.YMin != nil {
		pl.Y.Min, lo = *p.YMin, *p.YMin
	}
	if p.YMax != nil {
		pl.Y.Max, hi = *p.YMax, *p.YMax
	}
	for _, m := range p.Markers {
		clr, err := ParseColor(m.Color)
		if err != nil {
			return nil, err
		}
		ml, err := plotter.NewLine(plotter.XYs{{X: m.X, Y: lo}, {X: m.X, Y: hi}})
		if err != nil {
			return nil, err
		}
		ml.LineStyle.Color = clr
		pl.Add(ml)
	}

	style := pl.X.Tick.Label
	for _, a := range p.Annotations {
		pl.Add(newCallout(a, style))
	}
	if p.Stats != nil {
		st, err := tr.Stats()
		if err != nil {
			return nil, err
		}
		pl.Add(newCallout(Annotation{Text: StatsText(st), X: p.Stats.X, Y: p.Stats.Y, Boxed: true}, style))
	}
	return pl, nil
}

func (c *Chart) render() error {
	pl, err := c.Panel.plot()
	if err != nil {
		return err
	}
	return pl.Save(inches(c.Width, defaultWidth), inches(c.Height, defaultHeight), c.Out)
}

func (x *XY) render() error {
	f, err := os.Open(x.Input)
	if err != nil {
		return err
	}
	pts, err := profile.LoadXY(f, x.X, x.Y)
	f.Close()
	if err != nil {
		return err
	}

	pl := plot.New()
	pl.Title.Text = x.Title
	pl.X.Label.Text = x.X
	if x.XLabel != "" {
		pl.X.Label.Text = x.XLabel
	}
	pl.Y.Label.Text = x.Y
	if x.YLabel != "" {
		pl.Y.Label.Text = x.YLabel
	}
	if x.YMin != nil {
		pl.Y.Min = *x.YMin
	}
	if x.YMax != nil {
		pl.Y.Max = *x.YMax
	}
	pl.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(pts))
	for i, p := range pts {
		xys[i].X, xys[i].Y = p.X, p.Y
	}
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return err
	}
	line.LineStyle.Color = colors["blue"]
	pl.Add(line)
	if x.Points == nil || *x.Points {
		points.Shape = draw.CircleGlyph{}
		points.Color = colors["blue"]
		pl.Add(points)
	}
	return pl.Save(inches(x.Width, defaultWidth), inches(x.Height, defaultHeight), x.Out)
}

func (c *Compare) render() error {
	plots := make([][]*plot.Plot, len(c.Panels))
	for i, p := range c.Panels {
		pl, err := p.plot()
		if err != nil {
			return fmt.Errorf("panel %d (%s): %w", i, filepath.Base(p.Input), err)
		}
		if pl.Title.Text == "" {
			pl.Title.Text = strings.TrimSuffix(filepath.Base(p.Input), filepath.Ext(p.Input))
		}
		plots[i] = []*plot.Plot{pl}
	}

	w := inches(c.Width, defaultWidth)
	h := inches(c.PanelHeight, defaultPanelHeight) * vg.Length(len(plots))
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(c.Out)), ".")
	canvas, err := draw.NewFormattedCanvas(w, h, format)
	if err != nil {
		return err
	}
	tiles := draw.Tiles{
		Rows:      len(plots),
		Cols:      1,
		PadTop:    vg.Points(4),
		PadBottom: vg.Points(4),
		PadY:      vg.Points(12),
		PadLeft:   vg.Points(4),
		PadRight:  vg.Points(8),
	}
	cells := plot.Align(plots, tiles, draw.New(canvas))
	for i := range plots {
		plots[i][0].Draw(cells[i][0])
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	if _, err := canvas.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
