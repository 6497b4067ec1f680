package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/models"
)

func reading(src string, ts int64, fields map[string]any) models.Reading {
	return models.Reading{Src: src, Time: ts, Fields: fields}
}

func newStore(t *testing.T, dir string, max int) *UnifiedStorage {
	t.Helper()
	s, err := NewUnifiedStorage(dir, max, logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestPersistAndQuery(t *testing.T) {
	s := newStore(t, t.TempDir(), 100)
	for i, v := range []int64{20, 22, 19, 25} {
		r := reading("70A0", 1000+int64(i)*60, map[string]any{"temperature": v, "note": "x"})
		if err := s.Persist(r); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	all, _ := s.Query("70A0", "temperature", 0, 0)
	if len(all) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(all))
	}
	window, _ := s.Query("70A0", "temperature", 1060, 1120)
	if len(window) != 2 || window[0] != 22 || window[1] != 19 {
		t.Fatalf("unexpected window: %v", window)
	}
	open, _ := s.Query("70A0", "temperature", 1100, 0)
	if len(open) != 2 {
		t.Fatalf("expected open-ended window of 2, got %v", open)
	}
	if none, _ := s.Query("70A0", "note", 0, 0); none != nil {
		t.Fatalf("non numeric field must not be stored, got %v", none)
	}

	st, _ := s.QueryAggregated("70A0", "temperature", 0, 0)
	if st.Count != 4 || st.Sum != 86 || st.Min != 19 || st.Max != 25 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPersistOutOfOrderAndTrim(t *testing.T) {
	s := newStore(t, t.TempDir(), 3)
	for _, ts := range []int64{10, 30, 20, 40} {
		_ = s.Persist(reading("A", ts, map[string]any{"rainfall": ts}))
	}
	got, _ := s.QuerySamples("A", "rainfall", 0, 0)
	want := []int64{20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %v", len(want), got)
	}
	for i := range want {
		if got[i].Timestamp != want[i] {
			t.Fatalf("sample %d: want ts %d, got %d", i, want[i], got[i].Timestamp)
		}
	}
}

func TestPersistRejectsMissingSource(t *testing.T) {
	s := newStore(t, t.TempDir(), 10)
	if err := s.Persist(reading("", 1, map[string]any{"temperature": 1})); err == nil {
		t.Fatalf("expected error for missing src")
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, 10)
	_ = s.Persist(reading("A", 1, map[string]any{"temperature": 1, "humidity": 2}))
	_ = s.Persist(reading("B", 1, map[string]any{"temperature": 3}))
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	n, err := s.Delete("A", "")
	if err != nil || n != 2 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	if keys := s.Series(); len(keys) != 1 || keys[0] != "B|temperature" {
		t.Fatalf("unexpected series after delete: %v", keys)
	}
	if _, err := os.Stat(filepath.Join(dir, "A%7Ctemperature"+fileExt)); !os.IsNotExist(err) {
		t.Fatalf("snapshot file should be gone, stat err=%v", err)
	}
}

func TestSnapshotReload(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, 10)
	_ = s.Persist(reading("70A0", 1660000000, map[string]any{"temperature": 21.5}))
	_ = s.Persist(reading("70A0", 1660000060, map[string]any{"temperature": 22.25}))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newStore(t, dir, 10)
	got, _ := reopened.QuerySamples("70A0", "temperature", 0, 0)
	if len(got) != 2 || got[0].Value != 21.5 || got[1].Timestamp != 1660000060 {
		t.Fatalf("unexpected reloaded samples: %+v", got)
	}
}

func TestEngineRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	e := NewStorageEngine(dir)
	if err := e.Write("x|y", []Sample{{1, 1}, {2, 2}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := e.path("x|y")
	data, _ := os.ReadFile(path)
	data[0] ^= 0xff
	_ = os.WriteFile(path, data, 0o644)

	if _, err := e.Read("x|y"); err == nil {
		t.Fatalf("expected corrupt file error")
	}

	if err := os.WriteFile(path, []byte("tiny"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Read("x|y"); err == nil {
		t.Fatalf("expected short file error")
	}
}

func TestEngineRejectsImpossibleHeader(t *testing.T) {
	dir := t.TempDir()
	e := NewStorageEngine(dir)
	if err := e.Write("70A0|temperature", []Sample{{1, 20}, {2, 21}, {3, 22}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := e.path("70A0|temperature")
	good, _ := os.ReadFile(path)

	for name, count := range map[string]uint64{"negative": 1 << 63, "huge": 1 << 40} {
		data := append([]byte(nil), good...)
		binary.LittleEndian.PutUint64(data[8:16], count)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Read("70A0|temperature"); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s count: expected ErrCorrupt, got %v", name, err)
		}
	}

	data := append([]byte(nil), good...)
	at := bytes.Index(data, []byte("timestamp"))
	if at < 0 {
		t.Fatal("timestamp column missing from footer")
	}
	binary.LittleEndian.PutUint64(data[at+len("timestamp")+8:], math.MaxInt64)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Read("70A0|temperature"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("oversized column: expected ErrCorrupt, got %v", err)
	}
}

func TestReloadSkipsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, 10)
	_ = s.Persist(reading("70A0", 1660000000, map[string]any{"temperature": 21.5, "humidity": 40.0}))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e := NewStorageEngine(dir)
	path := e.path("70A0|humidity")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	binary.LittleEndian.PutUint64(data[8:16], 1<<63)
	_ = os.WriteFile(path, data, 0o644)

	reopened := newStore(t, dir, 10)
	if got, _ := reopened.QuerySamples("70A0", "humidity", 0, 0); len(got) != 0 {
		t.Fatalf("corrupt series should be skipped, got %+v", got)
	}
	if got, _ := reopened.QuerySamples("70A0", "temperature", 0, 0); len(got) != 1 {
		t.Fatalf("intact series should reload, got %+v", got)
	}
}

func TestEngineList(t *testing.T) {
	e := NewStorageEngine(filepath.Join(t.TempDir(), "missing"))
	keys, err := e.List()
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected empty listing, got %v %v", keys, err)
	}
	if err := e.Write("70A0|humidity", []Sample{{1, 40}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys, _ = e.List()
	if len(keys) != 1 || keys[0] != "70A0|humidity" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
