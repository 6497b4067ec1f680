// Package satellite receives modem webhooks and stores the decoded message
// text in the realtime database.
package satellite

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/meshrelay/internal/breaker"
	"github.com/meshrelay/internal/metrics"
	"github.com/meshrelay/internal/rtdb"
)

const component = "satellite"

// DefaultData is stored when a delivery carries no data field. It decodes to
// "Error failed to get data".
const DefaultData = "4572726f72206661696c656420746f206765742064617461"

// Root is the database node deliveries are stored under.
const Root = "satellite"

var (
	ErrMissingTransmitTime = errors.New("satellite: missing transmit_time")
	ErrBadKey              = errors.New("satellite: transmit_time is not a valid key")
)

// Delivery is the webhook body. Modems post it either as JSON or as a
// form.
type Delivery struct {
	IMEI         FlexString `json:"imei"`
	MOMSN        FlexString `json:"momsn"`
	TransmitTime string `json:"transmit_time"`
	Data         string `json:"data"`
}

// FlexString holds a JSON string or number as text. Modem firmware sends
// counters such as momsn either way.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("satellite: want string or number, got %s", b)
	}
	*f = FlexString(n)
	return nil
}

// Decode returns the ASCII text carried by the hex data field.
func (d Delivery) Decode() (string, error) {
	raw := d.Data
	if raw == "" {
		raw = DefaultData
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("satellite: decode data: %w", err)
	}
	return string(b), nil
}

// Path is where the delivery is stored.
func (d Delivery) Path() (string, error) {
	if d.TransmitTime == "" {
		return "", ErrMissingTransmitTime
	}
	if strings.ContainsAny(d.TransmitTime, "./#$[]") {
		return "", ErrBadKey
	}
	return Root + "/" + d.TransmitTime, nil
}

type Handler struct {
	db     rtdb.Database
	guard  *breaker.Guard
	logger *slog.Logger
}

func New(db rtdb.Database, guard *breaker.Guard, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: db, guard: guard, logger: logger.With("component", component)}
}

// Register mounts POST /satellite on r.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/satellite", h).Methods(http.MethodPost)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.MessagesReceived.WithLabelValues(component).Inc()
	d, err := parseDelivery(w, r)
	if err != nil {
		h.reject(w, err)
		return
	}
	text, err := d.Decode()
	if err != nil {
		h.reject(w, err)
		return
	}
	p, err := d.Path()
	if err != nil {
		h.reject(w, err)
		return
	}
	h.logger.Info("message received", "imei", string(d.IMEI), "momsn", string(d.MOMSN), "path", p, "text", text)

	err = h.guard.Do(r.Context(), func(ctx context.Context) error {
		return h.db.Set(ctx, p, map[string]string{"normalData": text})
	})
	metrics.Written("rtdb", err)
	if err != nil {
		h.logger.Error("store failed", "path", p, "err", err)
		http.Error(w, "storage error", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Hi"))
}

func (h *Handler) reject(w http.ResponseWriter, err error) {
	metrics.DecodeFailures.WithLabelValues(component).Inc()
	h.logger.Warn("rejected delivery", "err", err)
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func parseDelivery(w http.ResponseWriter, r *http.Request) (Delivery, error) {
	var d Delivery
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return d, fmt.Errorf("satellite: parse form: %w", err)
		}
		d.IMEI = FlexString(r.FormValue("imei"))
		d.MOMSN = FlexString(r.FormValue("momsn"))
		d.TransmitTime = r.FormValue("transmit_time")
		d.Data = r.FormValue("data")
	default:
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&d); err != nil {
			return d, fmt.Errorf("satellite: decode body: %w", err)
		}
	}
	return d, nil
}
