package manager

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const Prompt = "manager> "

// Exec runs one command line, already split into words.
func (m *Manager) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	name, rest := args[0], args[1:]
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(m.out)

	switch name {
	case "setup":
		var s State
		fs.StringVar(&s.Region, "cloud_region", "", "cloud region")
		fs.StringVar(&s.Project, "project_id", "", "cloud project id")
		fs.StringVar(&s.Registry, "registry_id", "", "device registry id")
		fs.StringVar(&s.Algorithm, "ssl_algo", "ES256", "JWT algorithm, ES256 or RS256")
		fs.StringVar(&s.PrivateKey, "ssl_file_path", "", "device private key (PEM)")
		fs.StringVar(&s.Credentials, "google_app_cred", "", "service account credentials file")
		fs.StringVar(&s.RootCA, "root_ca", "", "bridge root CA file")
		fs.StringVar(&s.Broker, "bridge", "", "bridge URL")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return m.Setup(s)

	case "downlink":
		device := fs.String("device_id", "", "target device")
		typ := fs.String("type", "", "config or command")
		file := fs.String("file", "", "JSON file holding the message")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *file == "" {
			return errors.New("downlink: -file is required")
		}
		b, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("downlink: %w", err)
		}
		if err := m.Downlink(*device, *typ, b); err != nil {
			return err
		}
		fmt.Fprintf(m.out, "Queued %s for %s\n", *typ, *device)
		return nil

	case "set-trigger", "listen":
		sub := fs.String("sub_id", "", "subscription id")
		timeout := fs.Duration("timeout", 0, "stop listening after this long (0 waits until interrupted)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *sub == "" {
			return fmt.Errorf("%s: -sub_id is required", name)
		}
		if name == "listen" {
			return m.Listen(ctx, *sub, *timeout)
		}
		return m.SetTrigger(ctx, *sub, *timeout)

	case "flush":
		n, err := m.Flush(ctx)
		fmt.Fprintf(m.out, "Sent %d queued message(s)\n", n)
		return err

	case "show":
		return m.Show(m.out)

	case "help":
		fmt.Fprintln(m.out, "commands: setup, downlink, set-trigger, listen, flush, show, exit")
		return nil

	default:
		return fmt.Errorf("unknown command %q (try help)", name)
	}
}

// Run reads commands from in until exit, quit, EOF or ctx is done.
func (m *Manager) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(m.out, Prompt)
		if !sc.Scan() {
			fmt.Fprintln(m.out)
			return sc.Err()
		}
		words := strings.Fields(sc.Text())
		if len(words) == 0 {
			continue
		}
		if words[0] == "exit" || words[0] == "quit" {
			return nil
		}
		start := time.Now()
		if err := m.Exec(ctx, words); err != nil && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(m.out, "error: %v\n", err)
		}
		m.logger.Debug("command done", "cmd", words[0], "took", time.Since(start))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
