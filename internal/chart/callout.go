package chart

import (
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// callout draws an annotation in data coordinates: text anchored at its
// bottom left corner, an optional white box behind it and an optional
// arrow from the text to a point of interest.
type callout struct {
	Annotation
	style text.Style
}

func newCallout(a Annotation, style text.Style) *callout {
	style.XAlign = text.XLeft
	style.YAlign = text.YBottom
	return &callout{Annotation: a, style: style}
}

// Plot implements plot.Plotter.
func (c *callout) Plot(dc draw.Canvas, plt *plot.Plot) {
	trX, trY := plt.Transforms(&dc)
	at := vg.Point{X: trX(c.X), Y: trY(c.Y)}

	if c.ArrowX != nil && c.ArrowY != nil {
		target := vg.Point{X: trX(*c.ArrowX), Y: trY(*c.ArrowY)}
		sty := draw.LineStyle{Color: colors["blue"], Width: vg.Points(1)}
		dc.StrokeLines(sty, []vg.Point{at, target})
		dc.DrawGlyph(draw.GlyphStyle{Color: sty.Color, Radius: vg.Points(2), Shape: draw.CircleGlyph{}}, target)
	}

	if c.Boxed {
		pad := vg.Points(3)
		r := c.style.Rectangle(c.Text)
		min := vg.Point{X: at.X + r.Min.X - pad, Y: at.Y + r.Min.Y - pad}
		max := vg.Point{X: at.X + r.Max.X + pad, Y: at.Y + r.Max.Y + pad}
		box := []vg.Point{min, {X: max.X, Y: min.Y}, max, {X: min.X, Y: max.Y}, min}
		dc.FillPolygon(color.White, box)
		dc.StrokeLines(draw.LineStyle{Color: color.Black, Width: vg.Points(0.5)}, box)
	}
	dc.FillText(c.style, at, c.Text)
}
