package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrMissingSource = errors.New("reading: missing src")
	ErrMissingTime   = errors.New("reading: missing or invalid time")
)

// Reading is one telemetry record from a mesh node. On the wire it is a
// flat JSON object: {"src": "70A0", "time": 1660000000, "temperature": 26}.
type Reading struct {
	Src    string
	Time   int64
	Fields map[string]any
}

// ParseReading decodes a flat reading object. Every key other than src and
// time is kept as a field.
func ParseReading(b []byte) (Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	src, _ := raw["src"].(string)
	if src == "" {
		return Reading{}, ErrMissingSource
	}
	ts, ok := parseEpoch(raw["time"])
	if !ok {
		return Reading{}, ErrMissingTime
	}
	delete(raw, "src")
	delete(raw, "time")
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			raw[k] = normalizeNumber(n)
		}
	}
	return Reading{Src: src, Time: ts, Fields: raw}, nil
}

func parseEpoch(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// Path is the realtime database location of the reading, "<src>/<time>".
func (r Reading) Path() string {
	return r.Src + "/" + strconv.FormatInt(r.Time, 10)
}

// Payload is what gets stored at Path: everything except src and time.
func (r Reading) Payload() map[string]any {
	out := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out[k] = v
	}
	return out
}

// Number returns a numeric field as float64.
func (r Reading) Number(name string) (float64, bool) {
	return ToFloat(r.Fields[name])
}

// NumericFields lists the names of numeric fields in sorted order.
func (r Reading) NumericFields() []string {
	names := make([]string, 0, len(r.Fields))
	for k, v := range r.Fields {
		if _, ok := ToFloat(v); ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func (r Reading) MarshalJSON() ([]byte, error) {
	out := r.Payload()
	out["src"] = r.Src
	out["time"] = r.Time
	return json.Marshal(out)
}

func (r *Reading) UnmarshalJSON(b []byte) error {
	parsed, err := ParseReading(b)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint8:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
