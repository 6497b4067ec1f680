package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/meshrelay/internal/config"
	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/manager"
)

func defaultStatePath() string {
	if p := os.Getenv(config.EnvPrefix + "MANAGER_STATE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "manager.yaml"
	}
	return filepath.Join(home, ".meshrelay", "manager.yaml")
}

func main() {
	state := flag.String("state", defaultStatePath(), "file holding the setup and the downlink queue (env "+config.EnvPrefix+"MANAGER_STATE)")
	level := flag.String("log-level", os.Getenv(config.EnvPrefix+"LOG_LEVEL"), "log level: debug | info | warn | error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [command [args]]\n\nWithout a command an interactive prompt is started.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, _, err := logging.New(os.Stderr, *level, "text", "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := manager.New(*state, os.Stdout, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		err = m.Exec(ctx, flag.Args())
	} else {
		err = m.Run(ctx, os.Stdin)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
