package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshrelay/internal/compression"
)

const (
	MagicNumber   = 0x594c524d // "MRLY"
	FormatVersion = 1
	HeaderSize    = 24
	fileExt       = ".series"

	encodingGorilla = 1
)

var ErrCorrupt = errors.New("storage: corrupt series file")

// StorageEngine keeps one Gorilla compressed file per series: a header, a
// timestamp column, a value column and a footer locating both columns.
type StorageEngine struct {
	dir string
}

func NewStorageEngine(dir string) *StorageEngine {
	return &StorageEngine{dir: dir}
}

func (se *StorageEngine) path(series string) string {
	return filepath.Join(se.dir, url.PathEscape(series)+fileExt)
}

// Write replaces the snapshot of series with samples.
func (se *StorageEngine) Write(series string, samples []Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("no samples to write for %s", series)
	}
	if err := os.MkdirAll(se.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(se.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encodeSeries(samples)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", series, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), se.path(series))
}

func encodeSeries(samples []Sample) []byte {
	timestamps := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		timestamps[i] = s.Timestamp
		values[i] = s.Value
	}

	buf := make([]byte, HeaderSize, HeaderSize+16*len(samples))
	binary.LittleEndian.PutUint32(buf[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(samples)))
	binary.LittleEndian.PutUint32(buf[16:20], 2)

	tsOffset := len(buf)
	buf = appendColumn(buf, compression.CompressInt64(timestamps))
	valOffset := len(buf)
	buf = appendColumn(buf, compression.CompressFloat64(values))

	footerStart := len(buf)
	buf = appendColumnMeta(buf, "timestamp", tsOffset, valOffset-tsOffset)
	buf = appendColumnMeta(buf, "value", valOffset, footerStart-valOffset)
	return binary.LittleEndian.AppendUint32(buf, uint32(len(buf)-footerStart))
}

func appendColumn(buf, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, encodingGorilla)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

func appendColumnMeta(buf []byte, name string, offset, size int) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(offset))
	return binary.LittleEndian.AppendUint64(buf, uint64(size))
}

func (se *StorageEngine) Read(series string) ([]Sample, error) {
	data, err := os.ReadFile(se.path(series))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	samples, err := decodeSeries(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", series, err)
	}
	return samples, nil
}

type columnMeta struct {
	name         string
	offset, size int
}

func decodeSeries(data []byte) ([]Sample, error) {
	if len(data) < HeaderSize+4 {
		return nil, fmt.Errorf("%w: file too small", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != MagicNumber {
		return nil, fmt.Errorf("%w: invalid magic number", ErrCorrupt)
	}
	count := int(binary.LittleEndian.Uint64(data[8:16]))

	footerSize := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	footerStart := len(data) - 4 - footerSize
	if footerStart < HeaderSize {
		return nil, fmt.Errorf("%w: bad footer size", ErrCorrupt)
	}
	footer := data[footerStart : len(data)-4]

	cols := map[string]columnMeta{}
	for len(footer) > 0 {
		if len(footer) < 4 {
			return nil, fmt.Errorf("%w: truncated footer", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(footer))
		if len(footer) < 4+n+16 {
			return nil, fmt.Errorf("%w: truncated footer", ErrCorrupt)
		}
		m := columnMeta{
			name:   string(footer[4 : 4+n]),
			offset: int(binary.LittleEndian.Uint64(footer[4+n:])),
			size:   int(binary.LittleEndian.Uint64(footer[12+n:])),
		}
		cols[m.name] = m
		footer = footer[4+n+16:]
	}

	ts, err := column(data, cols["timestamp"], footerStart)
	if err != nil {
		return nil, err
	}
	vals, err := column(data, cols["value"], footerStart)
	if err != nil {
		return nil, err
	}
	// Every value after the first costs at least one bit.
	if count < 0 || count > 1+8*len(ts) || count > 1+8*len(vals) {
		return nil, fmt.Errorf("%w: sample count %d does not fit its columns", ErrCorrupt, count)
	}
	timestamps, err := compression.DecompressInt64(ts, count)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp column: %v", ErrCorrupt, err)
	}
	values, err := compression.DecompressFloat64(vals, count)
	if err != nil {
		return nil, fmt.Errorf("%w: value column: %v", ErrCorrupt, err)
	}

	samples := make([]Sample, count)
	for i := range samples {
		samples[i] = Sample{Timestamp: timestamps[i], Value: values[i]}
	}
	return samples, nil
}

// column returns the compressed payload of a column block.
func column(data []byte, m columnMeta, limit int) ([]byte, error) {
	if m.name == "" || m.offset < HeaderSize || m.offset > limit || m.size < 8 || m.size > limit-m.offset {
		return nil, fmt.Errorf("%w: bad column %q", ErrCorrupt, m.name)
	}
	block := data[m.offset : m.offset+m.size]
	if binary.LittleEndian.Uint32(block[0:4]) != encodingGorilla {
		return nil, fmt.Errorf("%w: unknown encoding for %q", ErrCorrupt, m.name)
	}
	n := int(binary.LittleEndian.Uint32(block[4:8]))
	if 8+n > len(block) {
		return nil, fmt.Errorf("%w: column %q overruns block", ErrCorrupt, m.name)
	}
	return block[8 : 8+n], nil
}

func (se *StorageEngine) Remove(series string) error {
	err := os.Remove(se.path(series))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the series that have a snapshot on disk.
func (se *StorageEngine) List() ([]string, error) {
	entries, err := os.ReadDir(se.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if !ok || e.IsDir() {
			continue
		}
		series, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		out = append(out, series)
	}
	return out, nil
}
