package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshrelay/internal/config"
	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/rtdb"
)

func main() {
	fs := flag.NewFlagSet("rtdb-import", flag.ExitOnError)
	file := fs.String("file", "-", "JSON file to import (- for stdin)")
	base := fs.String("base", "/", "database path to import under")
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, closer, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *file, *base, logger); err != nil {
		logger.Error("import failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, file, base string, logger *slog.Logger) error {
	if cfg.Database.URL == "" {
		return errors.New("database url is required (-db-url or " + config.EnvPrefix + "DATABASE_URL)")
	}
	var in io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	items, err := rtdb.DecodeImport(in)
	if err != nil {
		return err
	}
	db, err := rtdb.NewFirebase(ctx, cfg.Database.URL, cfg.Database.Credentials, logger)
	if err != nil {
		return err
	}
	st, err := rtdb.Import(ctx, db, base, items, logger)
	if err != nil {
		return err
	}
	logger.Info("import done", "written", st.Written, "skipped", st.Skipped)
	return nil
}
