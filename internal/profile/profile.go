// Package profile loads current traces recorded by a power profiler and
// computes the charge they represent.
package profile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrEmptyWindow   = errors.New("profile: no samples in window")
	ErrUnknownLayout = errors.New("profile: unrecognised CSV header")
)

// Layout describes one CSV flavour: which columns hold time and current and
// how to convert them to seconds and milliamps.
type Layout struct {
	Name          string
	TimeColumn    string
	CurrentColumn string
	ToSeconds     float64
	ToMilliamps   float64
}

var (
	// MilliMicro is the profiler export: milliseconds and microamps.
	MilliMicro = Layout{Name: "ms-uA", TimeColumn: "Timestamp(ms)", CurrentColumn: "Current(uA)", ToSeconds: 1e-3, ToMilliamps: 1e-3}
	// SecondAmp is the bench logger export: seconds and amps, although the
	// current column keeps the profiler's label.
	SecondAmp = Layout{Name: "s-A", TimeColumn: "Timestamp", CurrentColumn: "Current(uA)", ToSeconds: 1, ToMilliamps: 1e3}

	Layouts = []Layout{MilliMicro, SecondAmp}
)

// LayoutByName finds a layout by its Name.
func LayoutByName(name string) (Layout, error) {
	for _, l := range Layouts {
		if l.Name == name {
			return l, nil
		}
	}
	return Layout{}, fmt.Errorf("%w: no layout named %q", ErrUnknownLayout, name)
}

// DetectLayout picks the layout whose columns appear in header.
func DetectLayout(header []string) (Layout, error) {
	cols := columnIndex(header)
	for _, l := range Layouts {
		_, t := cols[l.TimeColumn]
		_, c := cols[l.CurrentColumn]
		if t && c {
			return l, nil
		}
	}
	return Layout{}, fmt.Errorf("%w: %v", ErrUnknownLayout, header)
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		idx[h] = i
	}
	return idx
}

// Sample is one reading. Source is the timestamp as recorded; T is seconds
// relative to the start of the trace or window.
type Sample struct {
	Source float64
	T      float64
	MA     float64
}

type Trace struct {
	Layout  Layout
	Samples []Sample
}

// Load reads a trace, detecting the layout from the header.
func Load(r io.Reader) (Trace, error) {
	return load(r, nil)
}

// LoadLayout reads a trace in a known layout.
func LoadLayout(r io.Reader, l Layout) (Trace, error) {
	return load(r, &l)
}

func load(r io.Reader, layout *Layout) (Trace, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return Trace{}, fmt.Errorf("profile: read header: %w", err)
	}
	var l Layout
	if layout != nil {
		l = *layout
	} else if l, err = DetectLayout(header); err != nil {
		return Trace{}, err
	}
	cols := columnIndex(header)
	ti, ok1 := cols[l.TimeColumn]
	ci, ok2 := cols[l.CurrentColumn]
	if !ok1 || !ok2 {
		return Trace{}, fmt.Errorf("%w: %s needs %q and %q", ErrUnknownLayout, l.Name, l.TimeColumn, l.CurrentColumn)
	}

	tr := Trace{Layout: l}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Trace{}, fmt.Errorf("profile: %w", err)
		}
		line, _ := cr.FieldPos(0)
		ts, err := field(rec, ti)
		if err != nil {
			return Trace{}, fmt.Errorf("profile: line %d: %w", line, err)
		}
		cur, err := field(rec, ci)
		if err != nil {
			return Trace{}, fmt.Errorf("profile: line %d: %w", line, err)
		}
		tr.Samples = append(tr.Samples, Sample{Source: ts, T: ts * l.ToSeconds, MA: cur * l.ToMilliamps})
	}
	return tr, nil
}

func field(rec []string, i int) (float64, error) {
	if i >= len(rec) {
		return 0, fmt.Errorf("missing column %d", i+1)
	}
	return strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
}

// Window keeps the samples with start < Source < end, both in the source
// time unit, and rebases T so that start is zero.
func (tr Trace) Window(start, end float64) (Trace, error) {
	out := Trace{Layout: tr.Layout}
	for _, s := range tr.Samples {
		if s.Source > start && s.Source < end {
			s.T = (s.Source - start) * tr.Layout.ToSeconds
			out.Samples = append(out.Samples, s)
		}
	}
	if len(out.Samples) == 0 {
		return out, fmt.Errorf("%w: (%g, %g)", ErrEmptyWindow, start, end)
	}
	return out, nil
}

// integral is the trapezoidal integral of current over time in mA*s.
func (tr Trace) integral() float64 {
	var sum float64
	for i := 1; i < len(tr.Samples); i++ {
		a, b := tr.Samples[i-1], tr.Samples[i]
		sum += (b.T - a.T) * (a.MA + b.MA) / 2
	}
	return sum
}

// Charge is the charge drawn over the trace in coulombs.
func (tr Trace) Charge() float64 {
	return tr.integral() / 1000
}

// MAh converts coulombs to milliamp hours.
func MAh(coulombs float64) float64 {
	return coulombs / 3.6
}

type Stats struct {
	Samples  int
	Duration float64 // s
	MaxMA    float64
	MeanMA   float64 // time weighted
	Charge   float64 // C
	MAh      float64
}

func (tr Trace) Stats() (Stats, error) {
	n := len(tr.Samples)
	if n == 0 {
		return Stats{}, ErrEmptyWindow
	}
	st := Stats{
		Samples:  n,
		Duration: tr.Samples[n-1].T - tr.Samples[0].T,
		MaxMA:    tr.Samples[0].MA,
		Charge:   tr.Charge(),
	}
	for _, s := range tr.Samples {
		if s.MA > st.MaxMA {
			st.MaxMA = s.MA
		}
	}
	st.MAh = MAh(st.Charge)
	if st.Duration > 0 {
		st.MeanMA = tr.integral() / st.Duration
	} else {
		st.MeanMA = tr.Samples[0].MA
	}
	return st, nil
}

// DetectActive finds the active part of a trace: it opens at the first
// sample drawing more than threshold mA and closes at the first sample
// after the source time `after` drawing less than idleBelow mA. Both ends
// are widened by pad. Times are in the source unit. If the trace never
// goes idle the window runs to the last sample.
func (tr Trace) DetectActive(threshold, idleBelow, after, pad float64) (start, end float64, err error) {
	first := -1
	for i, s := range tr.Samples {
		if s.MA > threshold {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, 0, fmt.Errorf("%w: current never exceeds %g mA", ErrEmptyWindow, threshold)
	}
	start = tr.Samples[first].Source - pad
	end = tr.Samples[len(tr.Samples)-1].Source + pad
	for _, s := range tr.Samples[first:] {
		if s.Source > after && s.MA < idleBelow {
			end = s.Source + pad
			break
		}
	}
	return start, end, nil
}

// Point is one row of an XY table.
type Point struct{ X, Y float64 }

// LoadXY reads two numeric columns by header name.
func LoadXY(r io.Reader, xcol, ycol string) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("profile: read header: %w", err)
	}
	cols := columnIndex(header)
	xi, ok := cols[xcol]
	if !ok {
		return nil, fmt.Errorf("profile: no column %q", xcol)
	}
	yi, ok := cols[ycol]
	if !ok {
		return nil, fmt.Errorf("profile: no column %q", ycol)
	}
	var pts []Point
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return pts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("profile: %w", err)
		}
		line, _ := cr.FieldPos(0)
		x, err := field(rec, xi)
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: %w", line, err)
		}
		y, err := field(rec, yi)
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: %w", line, err)
		}
		pts = append(pts, Point{X: x, Y: y})
	}
}
