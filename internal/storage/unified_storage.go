package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshrelay/internal/models"
)

// Storage is the recent-readings store behind the query API.
type Storage interface {
	Persist(r models.Reading) error
	Query(src, field string, start, end int64) ([]float64, error)
	QuerySamples(src, field string, start, end int64) ([]Sample, error)
	QueryAggregated(src, field string, start, end int64) (QueryStats, error)
	Delete(src, field string) (int, error)
	Series() []string
}

type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type QueryStats struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Add folds v into the stats.
func (s *QueryStats) Add(v float64) {
	if s.Count == 0 || v < s.Min {
		s.Min = v
	}
	if s.Count == 0 || v > s.Max {
		s.Max = v
	}
	s.Sum += v
	s.Count++
}

func SeriesKey(src, field string) string {
	return src + "|" + field
}

// SplitSeriesKey is the inverse of SeriesKey.
func SplitSeriesKey(key string) (src, field string, ok bool) {
	return strings.Cut(key, "|")
}

// UnifiedStorage keeps a bounded in-memory window per series and snapshots
// changed series to Gorilla compressed files.
type UnifiedStorage struct {
	mu         sync.RWMutex
	data       map[string][]Sample
	dirty      map[string]bool
	engine     *StorageEngine
	maxSamples int
	logger     *slog.Logger
}

// NewUnifiedStorage opens the store in dir, reloading any snapshots found.
func NewUnifiedStorage(dir string, maxSamples int, logger *slog.Logger) (*UnifiedStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSamples < 1 {
		maxSamples = 1
	}
	m := &UnifiedStorage{
		data:       make(map[string][]Sample),
		dirty:      make(map[string]bool),
		engine:     NewStorageEngine(dir),
		maxSamples: maxSamples,
		logger:     logger.With("component", "storage"),
	}
	series, err := m.engine.List()
	if err != nil {
		return nil, err
	}
	for _, key := range series {
		samples, err := m.engine.Read(key)
		if err != nil {
			m.logger.Warn("skipping unreadable snapshot", "series", key, "err", err)
			continue
		}
		m.data[key] = m.trim(samples)
	}
	if len(series) > 0 {
		m.logger.Info("snapshots loaded", "series", len(m.data))
	}
	return m, nil
}

// Persist records every numeric field of r as its own series.
func (m *UnifiedStorage) Persist(r models.Reading) error {
	if r.Src == "" {
		return models.ErrMissingSource
	}
	fields := r.NumericFields()
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fields {
		v, _ := r.Number(f)
		key := SeriesKey(r.Src, f)
		m.data[key] = m.trim(insertSorted(m.data[key], Sample{Timestamp: r.Time, Value: v}))
		m.dirty[key] = true
	}
	return nil
}

// insertSorted keeps samples ordered by timestamp; readings usually arrive
// in order so the common case is an append.
func insertSorted(arr []Sample, s Sample) []Sample {
	if n := len(arr); n == 0 || arr[n-1].Timestamp <= s.Timestamp {
		return append(arr, s)
	}
	i := sort.Search(len(arr), func(i int) bool { return arr[i].Timestamp > s.Timestamp })
	arr = append(arr, Sample{})
	copy(arr[i+1:], arr[i:])
	arr[i] = s
	return arr
}

func (m *UnifiedStorage) trim(arr []Sample) []Sample {
	if over := len(arr) - m.maxSamples; over > 0 {
		return append(arr[:0:0], arr[over:]...)
	}
	return arr
}

// inRange applies the query window: 0/0 selects everything and an end of 0
// leaves the window open.
func inRange(ts, start, end int64) bool {
	if start == 0 && end == 0 {
		return true
	}
	return ts >= start && (end == 0 || ts <= end)
}

func (m *UnifiedStorage) QuerySamples(src, field string, start, end int64) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := m.data[SeriesKey(src, field)]
	res := make([]Sample, 0, len(arr))
	for _, s := range arr {
		if inRange(s.Timestamp, start, end) {
			res = append(res, s)
		}
	}
	return res, nil
}

func (m *UnifiedStorage) Query(src, field string, start, end int64) ([]float64, error) {
	samples, err := m.QuerySamples(src, field, start, end)
	if err != nil || len(samples) == 0 {
		return nil, err
	}
	res := make([]float64, len(samples))
	for i, s := range samples {
		res[i] = s.Value
	}
	return res, nil
}

func (m *UnifiedStorage) QueryAggregated(src, field string, start, end int64) (QueryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st QueryStats
	for _, s := range m.data[SeriesKey(src, field)] {
		if inRange(s.Timestamp, start, end) {
			st.Add(s.Value)
		}
	}
	return st, nil
}

// Delete drops the series src|field, or every series of src when field is
// empty, and returns how many samples were removed.
func (m *UnifiedStorage) Delete(src, field string) (int, error) {
	m.mu.Lock()
	var keys []string
	for key := range m.data {
		s, f, _ := SplitSeriesKey(key)
		if s == src && (field == "" || f == field) {
			keys = append(keys, key)
		}
	}
	removed := 0
	for _, key := range keys {
		removed += len(m.data[key])
		delete(m.data, key)
		delete(m.dirty, key)
	}
	m.mu.Unlock()

	var errs []error
	for _, key := range keys {
		errs = append(errs, m.engine.Remove(key))
	}
	return removed, errors.Join(errs...)
}

func (m *UnifiedStorage) Series() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for key := range m.data {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Flush snapshots every series changed since the last flush.
func (m *UnifiedStorage) Flush() error {
	m.mu.Lock()
	batch := make(map[string][]Sample, len(m.dirty))
	for key := range m.dirty {
		batch[key] = append([]Sample(nil), m.data[key]...)
	}
	m.dirty = make(map[string]bool)
	m.mu.Unlock()

	var errs []error
	for key, samples := range batch {
		if len(samples) == 0 {
			continue
		}
		if err := m.engine.Write(key, samples); err != nil {
			errs = append(errs, err)
			m.mu.Lock()
			m.dirty[key] = true
			m.mu.Unlock()
		}
	}
	if len(batch) > 0 {
		m.logger.Debug("snapshot written", "series", len(batch))
	}
	return errors.Join(errs...)
}

// Run flushes every interval until ctx is done.
func (m *UnifiedStorage) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				m.logger.Error("snapshot failed", "err", err)
			}
		}
	}
}

func (m *UnifiedStorage) Close() error {
	return m.Flush()
}
