package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshrelay/internal/breaker"
	"github.com/meshrelay/internal/bus"
	"github.com/meshrelay/internal/config"
	"github.com/meshrelay/internal/feed"
	"github.com/meshrelay/internal/indexer"
	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/mqttclient"
	"github.com/meshrelay/internal/query"
	"github.com/meshrelay/internal/relay"
	"github.com/meshrelay/internal/rtdb"
	"github.com/meshrelay/internal/satellite"
	"github.com/meshrelay/internal/search"
	"github.com/meshrelay/internal/storage"
)

var modes = map[string][]string{
	"relay":     {"relay"},
	"index":     {"index"},
	"feed":      {"feed"},
	"satellite": {"satellite"},
	"all":       {"relay", "index", "feed", "satellite"},
}

func main() {
	fs := flag.NewFlagSet("meshrelay-server", flag.ExitOnError)
	mode := fs.String("mode", "relay", "mode: relay | index | feed | satellite | all (comma separated)")
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
	slog.SetDefault(logger)

	enabled, err := parseModes(*mode)
	if err != nil {
		logger.Error("bad mode", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, enabled, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func parseModes(s string) (map[string]bool, error) {
	enabled := map[string]bool{}
	for _, m := range strings.Split(s, ",") {
		parts, ok := modes[strings.TrimSpace(m)]
		if !ok {
			return nil, fmt.Errorf("unknown mode %q (must be: relay, index, feed, satellite or all)", m)
		}
		for _, p := range parts {
			enabled[p] = true
		}
	}
	return enabled, nil
}

func run(ctx context.Context, cfg *config.Config, enabled map[string]bool, logger *slog.Logger) error {
	logger.Info("starting", "modes", keys(enabled), "broker", cfg.MQTT.Broker, "addr", cfg.HTTP.Addr)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := storage.NewUnifiedStorage(cfg.Storage.DataDir, cfg.Storage.MaxSamples, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("final snapshot failed", "err", err)
		}
	}()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { store.Run(ctx, cfg.Storage.FlushInterval) })

	var db rtdb.Database
	if enabled["relay"] || enabled["index"] || enabled["satellite"] {
		if db, err = openDatabase(ctx, cfg.Database, logger); err != nil {
			return err
		}
	}
	dbGuard, err := breaker.FromEnv("rtdb", logger, nil)
	if err != nil {
		return err
	}

	var mqttc *mqttclient.Client
	if enabled["relay"] || enabled["feed"] {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("meshrelay-server-%d", time.Now().UnixNano())
		}
		mqttc, err = mqttclient.New(mqttclient.Options{
			BrokerURL: cfg.MQTT.Broker,
			ClientID:  clientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("mqtt client: %w", err)
		}
		defer mqttc.Close()
	}

	router := mux.NewRouter()
	query.New(store, logger).Register(router)

	if enabled["relay"] {
		pub, err := bus.NewPublisher(ctx, cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		if pub != nil {
			defer pub.Close()
		}
		svc := relay.New(mqttc, relay.Options{DB: db, Guard: dbGuard, Store: store, Bus: pub}, logger)
		if err := svc.Start(ctx, cfg.MQTT.Topic, byte(cfg.MQTT.QoS)); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		defer svc.Stop()
	}

	if enabled["feed"] {
		hub := feed.NewHub(logger)
		spawn(func() { hub.Run(ctx) })
		if err := hub.Subscribe(mqttc, cfg.MQTT.Topic); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		hub.Register(router)
	}

	if enabled["satellite"] {
		satellite.New(db, dbGuard, logger).Register(router)
	}

	errc := make(chan error, 2)
	if enabled["index"] {
		ix, err := newIndexer(ctx, cfg, db, logger)
		if err != nil {
			return err
		}
		spawn(func() {
			if err := ix.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("indexer: %w", err)
			}
		})
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           query.Handler(router, os.Stdout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	spawn(func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	})

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		err = nil
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "err", serr)
	}
	if err != nil {
		return err
	}
	wg.Wait()
	return nil
}

// openDatabase falls back to an in-memory tree when no URL is configured,
// which is enough for local runs against the query API and feed.
func openDatabase(ctx context.Context, cfg config.Database, logger *slog.Logger) (rtdb.Database, error) {
	if cfg.URL == "" {
		logger.Warn("no database url configured, using in-memory database")
		return rtdb.NewMemory(), nil
	}
	db, err := rtdb.NewFirebase(ctx, cfg.URL, cfg.Credentials, logger)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func newIndexer(ctx context.Context, cfg *config.Config, db rtdb.Database, logger *slog.Logger) (*indexer.Indexer, error) {
	client, err := search.NewClient(cfg.Search.Addresses, cfg.Search.Username, cfg.Search.Password, nil)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		return nil, err
	}
	created, err := client.EnsureIndex(ctx, cfg.Search.Index)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("search index created", "index", cfg.Search.Index)
	}
	guard, err := breaker.FromEnv("search", logger, client.Ping)
	if err != nil {
		return nil, err
	}
	return indexer.New(db, client, cfg.Search.Index, cfg.Database.Root, guard, logger), nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for _, k := range []string{"relay", "index", "feed", "satellite"} {
		if m[k] {
			out = append(out, k)
		}
	}
	return out
}
