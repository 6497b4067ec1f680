// Package query serves the HTTP API over the recent-readings store.
package query

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/meshrelay/internal/metrics"
	"github.com/meshrelay/internal/storage"
)

type QueryRequest struct {
	Src       string `json:"src"`
	Field     string `json:"field"`
	Operation string `json:"operation"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
}

type QueryResult struct {
	Src       string  `json:"src"`
	Field     string  `json:"field"`
	Operation string  `json:"operation"`
	Result    float64 `json:"result"`
	Count     int     `json:"count"`
	Duration  int64   `json:"duration_ns"`
}

type DeleteRequest struct {
	Src   string `json:"src"`
	Field string `json:"field"`
}

type Service struct {
	store   storage.Storage
	logger  *slog.Logger
	started time.Time
}

func New(s storage.Storage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger.With("component", "query"), started: time.Now()}
}

// Register mounts the query routes and /metrics on r.
func (s *Service) Register(r *mux.Router) {
	r.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/query-samples", s.handleQuerySamples).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/query-aggregated", s.handleQueryAggregated).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/delete", s.handleDelete).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Handler wraps the router with access logging and panic recovery.
func Handler(r *mux.Router, accessLog io.Writer) http.Handler {
	recovered := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(r)
	return handlers.LoggingHandler(accessLog, recovered)
}

// cors sets the headers browsers need for the dashboard and answers
// preflight requests. It reports whether the caller should continue.
func cors(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Evaluate applies op to stats. An empty window yields 0 for any known
// operation.
func Evaluate(op string, stats storage.QueryStats) (float64, error) {
	switch op {
	case "avg", "sum", "max", "min":
	default:
		return 0, fmt.Errorf("unsupported operation %q", op)
	}
	if stats.Count == 0 {
		return 0, nil
	}
	switch op {
	case "avg":
		return stats.Sum / float64(stats.Count), nil
	case "sum":
		return stats.Sum, nil
	case "max":
		return stats.Max, nil
	default:
		return stats.Min, nil
	}
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !cors(w, r) {
		return
	}
	start := time.Now()
	var qr QueryRequest
	if !decode(w, r, &qr) {
		return
	}
	if qr.Src == "" || qr.Field == "" || qr.Operation == "" {
		http.Error(w, "missing fields", http.StatusBadRequest)
		return
	}

	stats, err := s.store.QueryAggregated(qr.Src, qr.Field, qr.StartTime, qr.EndTime)
	if err != nil {
		s.logger.Error("aggregate failed", "src", qr.Src, "field", qr.Field, "err", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	res, err := Evaluate(qr.Operation, stats)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out := QueryResult{
		Src:       qr.Src,
		Field:     qr.Field,
		Operation: qr.Operation,
		Result:    res,
		Count:     stats.Count,
		Duration:  time.Since(start).Nanoseconds(),
	}
	s.logger.Debug("query", "src", out.Src, "field", out.Field, "op", out.Operation, "result", out.Result, "count", out.Count)
	writeJSON(w, out)
}

func (s *Service) handleQuerySamples(w http.ResponseWriter, r *http.Request) {
	if !cors(w, r) {
		return
	}
	var qr QueryRequest
	if !decode(w, r, &qr) {
		return
	}
	if qr.Src == "" || qr.Field == "" {
		http.Error(w, "missing fields", http.StatusBadRequest)
		return
	}
	samples, err := s.store.QuerySamples(qr.Src, qr.Field, qr.StartTime, qr.EndTime)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Samples []storage.Sample `json:"samples"`
	}{Samples: samples})
}

func (s *Service) handleQueryAggregated(w http.ResponseWriter, r *http.Request) {
	if !cors(w, r) {
		return
	}
	var qr QueryRequest
	if !decode(w, r, &qr) {
		return
	}
	if qr.Src == "" || qr.Field == "" {
		http.Error(w, "missing fields", http.StatusBadRequest)
		return
	}
	stats, err := s.store.QueryAggregated(qr.Src, qr.Field, qr.StartTime, qr.EndTime)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// handleDelete drops one series, or every series of src when field is
// empty.
func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !cors(w, r) {
		return
	}
	var dr DeleteRequest
	if !decode(w, r, &dr) {
		return
	}
	if dr.Src == "" {
		http.Error(w, "missing src", http.StatusBadRequest)
		return
	}
	n, err := s.store.Delete(dr.Src, dr.Field)
	if err != nil {
		s.logger.Error("delete failed", "src", dr.Src, "field", dr.Field, "err", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("deleted", "src", dr.Src, "field", dr.Field, "samples", n)
	writeJSON(w, map[string]any{
		"message": fmt.Sprintf("deleted %d samples for src=%s field=%s", n, dr.Src, dr.Field),
		"deleted": n,
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, map[string]any{
		"status":     "ok",
		"series":     len(s.store.Series()),
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"timestamp":  time.Now().Unix(),
	})
}
