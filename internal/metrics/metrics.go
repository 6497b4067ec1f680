// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshrelay/internal/models"
)

var (
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_messages_received_total",
		Help: "Inbound messages by component.",
	}, []string{"component"})

	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_decode_failures_total",
		Help: "Messages or frames that could not be decoded.",
	}, []string{"component"})

	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_sink_writes_total",
		Help: "Records written per sink.",
	}, []string{"sink"})

	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrelay_sink_failures_total",
		Help: "Failed writes per sink.",
	}, []string{"sink"})

	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshrelay_feed_clients",
		Help: "Connected websocket feed clients.",
	})

	ReadingValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshrelay_reading_value",
		Help: "Last numeric value seen per source and field.",
	}, []string{"src", "field"})
)

// OtherLabel replaces label values that do not name a node address or a
// known sensor field.
const OtherLabel = "other"

// ObserveReading sets ReadingValue for one field. Sources and fields come
// off the radio, so anything outside the 16-bit address space or the known
// sensors collapses into OtherLabel.
func ObserveReading(src, field string, v float64) {
	ReadingValue.WithLabelValues(srcLabel(src), fieldLabel(field)).Set(v)
}

func srcLabel(src string) string {
	if len(src) != 4 {
		return OtherLabel
	}
	if _, err := strconv.ParseUint(src, 16, 16); err != nil {
		return OtherLabel
	}
	return src
}

func fieldLabel(field string) string {
	if models.KnownField(field) {
		return field
	}
	return OtherLabel
}

// Written records the outcome of one sink write.
func Written(sink string, err error) {
	if err != nil {
		SinkFailures.WithLabelValues(sink).Inc()
		return
	}
	SinkWrites.WithLabelValues(sink).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
