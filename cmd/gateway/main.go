package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meshrelay/internal/config"
	"github.com/meshrelay/internal/frame"
	"github.com/meshrelay/internal/gateway"
	"github.com/meshrelay/internal/iotcore"
	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/mqttclient"
)

type options struct {
	port       string
	baud       int
	sim        bool
	lines      bool
	strict     bool
	bridge     bool
	sources    string
	defaultSrc string
	interval   time.Duration
	count      int
}

func main() {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	var o options
	fs.StringVar(&o.port, "port", "/dev/ttyUSB0", "serial port of the mesh coordinator")
	fs.IntVar(&o.baud, "baud", 9600, "serial baud rate")
	fs.BoolVar(&o.sim, "sim", false, "simulate sensors instead of reading serial")
	fs.BoolVar(&o.lines, "lines", false, "read \"src,value\" text lines instead of binary frames")
	fs.BoolVar(&o.strict, "strict-frames", false, "reject frames with an odd measurement block instead of dropping the trailing byte")
	fs.BoolVar(&o.bridge, "bridge", false, "send alive heartbeats to the cloud bridge as the configured device")
	fs.StringVar(&o.sources, "sources", "70A0,70A1,70A2", "comma separated sources for -sim")
	fs.StringVar(&o.defaultSrc, "default-src", "sensor_1", "source for -lines input without one")
	fs.DurationVar(&o.interval, "interval", time.Second, "publish interval for -sim and -bridge")
	fs.IntVar(&o.count, "count", 0, "heartbeats to send in -bridge mode (0 = forever)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.bridge {
		err = runBridge(ctx, cfg, o, logger)
	} else {
		err = run(ctx, cfg, o, logger)
	}
	if err != nil {
		logger.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, o options, logger *slog.Logger) error {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("meshrelay-gateway-%d", time.Now().UnixNano())
	}
	mqttc, err := mqttclient.New(mqttclient.Options{
		BrokerURL: cfg.MQTT.Broker,
		ClientID:  clientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer mqttc.Close()

	gw := gateway.New(mqttc, cfg.MQTT.Prefix, byte(cfg.MQTT.QoS), logger)
	if o.sim {
		var sources []string
		for _, s := range strings.Split(o.sources, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sources = append(sources, s)
			}
		}
		logger.Info("simulating sensors", "sources", sources, "interval", o.interval)
		return gateway.NewSimulator(gw, sources, o.interval, time.Now().UnixNano()).Run(ctx)
	}

	port, err := openSerial(o.port, o.baud)
	if err != nil {
		return err
	}
	// Closing the port is what unblocks a pending read on shutdown.
	go func() {
		<-ctx.Done()
		port.Close()
	}()
	defer port.Close()

	logger.Info("reading serial", "port", o.port, "baud", o.baud, "lines", o.lines)
	if o.lines {
		return gw.RunLines(ctx, port, o.defaultSrc)
	}
	fr := frame.NewReader(port)
	fr.Strict = o.strict
	return gw.Run(ctx, fr)
}

// runBridge connects as the configured device and publishes heartbeats to
// its alive events topic.
func runBridge(ctx context.Context, cfg *config.Config, o options, logger *slog.Logger) error {
	b := iotcore.FromConfig(cfg.Bridge)
	if b.Device.ID == "" || b.PrivateKey == "" {
		return errors.New("bridge mode needs bridge.device and bridge.private_key")
	}
	opts, err := b.Options(time.Now(), logger)
	if err != nil {
		return err
	}
	client, err := mqttclient.New(opts)
	if err != nil {
		return fmt.Errorf("bridge connect: %w", err)
	}
	defer client.Close()

	hb := &gateway.Heartbeat{
		Pub:      client,
		Topic:    iotcore.EventsTopic(b.Device.ID, "alive"),
		DeviceID: b.Device.ID,
		Interval: o.interval,
		Count:    o.count,
		Logger:   logger,
	}
	return hb.Run(ctx)
}
