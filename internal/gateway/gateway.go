// Package gateway publishes readings from a mesh gateway's serial port (or a
// simulator) to MQTT, one topic per source node.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/meshrelay/internal/frame"
	"github.com/meshrelay/internal/metrics"
	"github.com/meshrelay/internal/models"
	"github.com/meshrelay/internal/mqttclient"
)

const component = "gateway"

type Gateway struct {
	pub    mqttclient.Publisher
	prefix string
	qos    byte
	logger *slog.Logger
	now    func() time.Time
}

func New(pub mqttclient.Publisher, prefix string, qos byte, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		logger: logger.With("component", component),
		now:    time.Now,
	}
}

// Topic is where readings from src are published.
func (g *Gateway) Topic(src string) string {
	if g.prefix == "" {
		return src
	}
	return g.prefix + "/" + src
}

func (g *Gateway) PublishReading(r models.Reading) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading %s: %w", r.Path(), err)
	}
	topic := g.Topic(r.Src)
	if err := g.pub.Publish(topic, b, g.qos, false); err != nil {
		return err
	}
	g.logger.Debug("published", "topic", topic, "payload", string(b))
	return nil
}

// PublishFrame publishes every reading carried by f and returns how many
// were sent.
func (g *Gateway) PublishFrame(f frame.Frame) (int, error) {
	sent := 0
	for _, r := range f.Readings(g.now()) {
		if err := g.PublishReading(r); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func isDecodeError(err error) bool {
	return errors.Is(err, frame.ErrBadLength) ||
		errors.Is(err, frame.ErrBadType) ||
		errors.Is(err, frame.ErrShortFrame)
}

// Run reads frames until the stream ends or ctx is cancelled. Malformed
// frames are logged and skipped; the reader drops a byte and resynchronises.
// Closing the underlying port is the way to unblock a pending read.
func (g *Gateway) Run(ctx context.Context, frames *frame.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		f, err := frames.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			g.logger.Info("frame stream closed")
			return nil
		case isDecodeError(err):
			metrics.DecodeFailures.WithLabelValues(component).Inc()
			g.logger.Debug("skipping malformed frame", "err", err)
			continue
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		metrics.MessagesReceived.WithLabelValues(component).Inc()
		n, err := g.PublishFrame(f)
		if err != nil {
			g.logger.Error("publish failed", "src", f.Src.String(), "err", err)
			continue
		}
		g.logger.Info("frame forwarded", "src", f.Src.String(), "type", f.Type, "seq", f.Seq, "readings", n)
	}
}

// ParseLine turns a text line from a simple serial sketch into a reading.
// Accepted forms are "src,value" and "<label> value"; the latter is
// attributed to defaultSrc. The value is stored as temperature.
func ParseLine(line, defaultSrc string, now time.Time) (models.Reading, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.Reading{}, errors.New("empty line")
	}
	src, raw := defaultSrc, ""
	if strings.Contains(line, ",") {
		parts := strings.SplitN(line, ",", 2)
		src = strings.TrimSpace(parts[0])
		raw = strings.TrimSpace(parts[1])
	} else {
		fields := strings.Fields(line)
		raw = fields[len(fields)-1]
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return models.Reading{}, fmt.Errorf("parse value %q: %w", raw, err)
	}
	if src == "" {
		return models.Reading{}, models.ErrMissingSource
	}
	return models.Reading{
		Src:    src,
		Time:   now.Unix(),
		Fields: map[string]any{models.SensorName(models.SensorTemperature): v},
	}, nil
}

// RunLines is the text mode counterpart of Run.
func (g *Gateway) RunLines(ctx context.Context, r io.Reader, defaultSrc string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		reading, err := ParseLine(scanner.Text(), defaultSrc, g.now())
		if err != nil {
			metrics.DecodeFailures.WithLabelValues(component).Inc()
			g.logger.Debug("skipping line", "line", scanner.Text(), "err", err)
			continue
		}
		metrics.MessagesReceived.WithLabelValues(component).Inc()
		if err := g.PublishReading(reading); err != nil {
			g.logger.Error("publish failed", "src", reading.Src, "err", err)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serial read: %w", err)
	}
	return nil
}
