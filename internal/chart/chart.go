// Package chart renders power profiles described in HCL figure files.
//
// A figure file holds any number of these blocks:
//
//	chart "wifi" {
//	  input  = "${input_dir}/ESP_32_Profiling.csv"
//	  start  = 174000
//	  end    = 209000
//	  output = "wifi.png"
//	  marker { x = 14.43 }
//	  annotation {
//	    text = "~12.2mA"
//	    x    = 0.75
//	    y    = 15
//	  }
//	}
//
//	xy "counts" {
//	  input  = "message_counts.csv"
//	  x      = "Num Messages"
//	  y      = "Charge (C)"
//	  output = "counts.png"
//	}
//
//	compare "modes" {
//	  output = "modes.png"
//	  panel { input = "b.csv" auto {} }
//	  panel { input = "g.csv" auto {} }
//	}
package chart

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Annotation is a text label at (X, Y), optionally with an arrow pointing
// at (ArrowX, ArrowY).
type Annotation struct {
	Text   string   `hcl:"text"`
	X      float64  `hcl:"x"`
	Y      float64  `hcl:"y"`
	ArrowX *float64 `hcl:"arrow_x,optional"`
	ArrowY *float64 `hcl:"arrow_y,optional"`
	Boxed  bool     `hcl:"boxed,optional"`
}

// Marker is a vertical line at X.
type Marker struct {
	X     float64 `hcl:"x"`
	Color string  `hcl:"color,optional"`
}

// StatsBox places the computed charge, duration, peak and mean current.
type StatsBox struct {
	X float64 `hcl:"x"`
	Y float64 `hcl:"y"`
}

// Auto detects the active window instead of fixed start and end.
type Auto struct {
	Threshold *float64 `hcl:"threshold,optional"`
	IdleBelow *float64 `hcl:"idle_below,optional"`
	After     *float64 `hcl:"after,optional"`
	Pad       *float64 `hcl:"pad,optional"`
}

// Panel is one current trace plot.
type Panel struct {
	Input  string   `hcl:"input"`
	Layout string   `hcl:"layout,optional"`
	Start  *float64 `hcl:"start,optional"`
	End    *float64 `hcl:"end,optional"`
	Auto   *Auto    `hcl:"auto,block"`

	Title  string   `hcl:"title,optional"`
	XLabel string   `hcl:"x_label,optional"`
	YLabel string   `hcl:"y_label,optional"`
	YMin   *float64 `hcl:"y_min,optional"`
	YMax   *float64 `hcl:"y_max,optional"`

	Annotations []Annotation `hcl:"annotation,block"`
	Markers     []Marker     `hcl:"marker,block"`
	Stats       *StatsBox    `hcl:"stats,block"`
}

// Chart is a single panel written to its own image.
type Chart struct {
	Name   string   `hcl:"name,label"`
	Out    string   `hcl:"output"`
	Width  *float64 `hcl:"width,optional"`
	Height *float64 `hcl:"height,optional"`
	Remain hcl.Body `hcl:",remain"`

	Panel Panel
}

// XY plots two columns of an arbitrary CSV against each other.
type XY struct {
	Name   string   `hcl:"name,label"`
	Input  string   `hcl:"input"`
	X      string   `hcl:"x"`
	Y      string   `hcl:"y"`
	Out    string   `hcl:"output"`
	Title  string   `hcl:"title,optional"`
	XLabel string   `hcl:"x_label,optional"`
	YLabel string   `hcl:"y_label,optional"`
	YMin   *float64 `hcl:"y_min,optional"`
	YMax   *float64 `hcl:"y_max,optional"`
	Points *bool    `hcl:"points,optional"`
	Width  *float64 `hcl:"width,optional"`
	Height *float64 `hcl:"height,optional"`
}

// Compare stacks several panels in one image.
type Compare struct {
	Name        string   `hcl:"name,label"`
	Out         string   `hcl:"output"`
	Width       *float64 `hcl:"width,optional"`
	PanelHeight *float64 `hcl:"panel_height,optional"`
	Panels      []*Panel `hcl:"panel,block"`
}

// Figure is anything a figure file can ask to render.
type Figure interface {
	Label() string
	Path() string
	render() error
}

func (c *Chart) Label() string   { return "chart." + c.Name }
func (c *Chart) Path() string    { return c.Out }
func (x *XY) Label() string      { return "xy." + x.Name }
func (x *XY) Path() string       { return x.Out }
func (c *Compare) Label() string { return "compare." + c.Name }
func (c *Compare) Path() string  { return c.Out }

// File is a decoded figure file.
type File struct {
	Charts   []*Chart   `hcl:"chart,block"`
	XYs      []*XY      `hcl:"xy,block"`
	Compares []*Compare `hcl:"compare,block"`
}

// Figures lists every figure in file order by kind.
func (f *File) Figures() []Figure {
	var out []Figure
	for _, c := range f.Charts {
		out = append(out, c)
	}
	for _, x := range f.XYs {
		out = append(out, x)
	}
	for _, c := range f.Compares {
		out = append(out, c)
	}
	return out
}

// EvalContext exposes input_dir and the environment (env.NAME) to
// expressions.
func EvalContext(inputDir string, env map[string]string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"input_dir": cty.StringVal(inputDir),
			"env":       cty.ObjectVal(vars),
		},
	}
}

// Environ turns os.Environ into a map.
func Environ() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// LoadFile reads a figure file. Relative paths inside it are resolved
// against the file's directory, which is also the default input_dir.
func LoadFile(path, inputDir string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chart: %w", err)
	}
	base := filepath.Dir(path)
	if inputDir == "" {
		inputDir = base
	}
	return Parse(src, path, base, EvalContext(inputDir, Environ()))
}

// Parse decodes src and resolves relative paths against base.
func Parse(src []byte, filename, base string, ctx *hcl.EvalContext) (*File, error) {
	parser := hclparse.NewParser()
	hf, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("chart: parse %s: %w", filename, diags)
	}
	var f File
	if diags := gohcl.DecodeBody(hf.Body, ctx, &f); diags.HasErrors() {
		return nil, fmt.Errorf("chart: decode %s: %w", filename, diags)
	}
	for _, c := range f.Charts {
		if diags := gohcl.DecodeBody(c.Remain, ctx, &c.Panel); diags.HasErrors() {
			return nil, fmt.Errorf("chart: decode %s: %w", c.Label(), diags)
		}
		c.Out = resolve(base, c.Out)
		c.Panel.Input = resolve(base, c.Panel.Input)
	}
	for _, x := range f.XYs {
		x.Out = resolve(base, x.Out)
		x.Input = resolve(base, x.Input)
	}
	for _, c := range f.Compares {
		if len(c.Panels) == 0 {
			return nil, fmt.Errorf("chart: %s has no panels", c.Label())
		}
		c.Out = resolve(base, c.Out)
		for _, p := range c.Panels {
			p.Input = resolve(base, p.Input)
		}
	}
	return &f, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Render draws fig to its output file.
func Render(fig Figure) error {
	if err := os.MkdirAll(filepath.Dir(fig.Path()), 0o755); err != nil {
		return fmt.Errorf("chart: %s: %w", fig.Label(), err)
	}
	if err := fig.render(); err != nil {
		return fmt.Errorf("chart: %s: %w", fig.Label(), err)
	}
	return nil
}
