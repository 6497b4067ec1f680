package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/meshrelay/internal/chart"
	"github.com/meshrelay/internal/config"
	"github.com/meshrelay/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `usage: profiler <command> [flags]

commands:
  render <figures.hcl>   draw every figure in the file
  charge -input f.csv    charge drawn in a window
  stats  -input f.csv    duration, peak and mean current, charge
  version
`

func main() {
	logger, _, err := logging.New(os.Stderr, os.Getenv(config.EnvPrefix+"LOG_LEVEL"), "text", "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger = logging.Component(logger, "profiler")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "render":
		err = render(args, logger)
	case "charge", "stats":
		err = summarize(cmd, args, os.Stdout)
	case "version":
		fmt.Println(version)
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		logger.Error(cmd+" failed", "err", err)
		os.Exit(1)
	}
}

func render(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	inputDir := fs.String("input-dir", "", "value of input_dir in the figure file (defaults to its directory)")
	only := fs.String("only", "", "render just this figure, e.g. chart.wifi")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("render needs exactly one figure file")
	}
	f, err := chart.LoadFile(fs.Arg(0), *inputDir)
	if err != nil {
		return err
	}
	var errs []error
	n := 0
	for _, fig := range f.Figures() {
		if *only != "" && fig.Label() != *only {
			continue
		}
		if err := chart.Render(fig); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
		logger.Info("figure written", "figure", fig.Label(), "path", fig.Path())
	}
	if n == 0 && len(errs) == 0 {
		return fmt.Errorf("no figure matched %q", *only)
	}
	return errors.Join(errs...)
}

func summarize(cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	input := fs.String("input", "", "profiler CSV export")
	layout := fs.String("layout", "", "CSV layout (ms-uA or s-A); detected from the header when empty")
	start := fs.Float64("start", math.Inf(-1), "window start in the file's time unit")
	end := fs.Float64("end", math.Inf(1), "window end in the file's time unit")
	auto := fs.Bool("auto", false, "detect the active window instead of -start/-end")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("-input is required")
	}

	p := &chart.Panel{Input: *input, Layout: *layout}
	switch {
	case *auto:
		p.Auto = &chart.Auto{}
	case !math.IsInf(*start, -1) || !math.IsInf(*end, 1):
		p.Start, p.End = start, end
	}
	tr, err := p.Trace()
	if err != nil {
		return err
	}
	st, err := tr.Stats()
	if err != nil {
		return err
	}
	if cmd == "charge" {
		fmt.Fprintf(out, "%.6f C (%.4f mAh)\n", st.Charge, st.MAh)
		return nil
	}
	fmt.Fprintf(out, "samples: %d\nlayout: %s\n%s\n", st.Samples, tr.Layout.Name, chart.StatsText(st))
	return nil
}
