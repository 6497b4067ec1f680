// Package rtdb reads, writes and listens to a realtime JSON tree database.
package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Event types delivered by Stream.
const (
	EventPut   = "put"
	EventPatch = "patch"
)

var ErrStreamCancelled = errors.New("rtdb: stream cancelled by server")

// Event is a change at Path, relative to the streamed location. The first
// event of every stream is a put at "/" holding the full snapshot.
type Event struct {
	Type string          `json:"-"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// IsDelete reports whether the event removes the data at Path.
func (e Event) IsDelete() bool {
	d := strings.TrimSpace(string(e.Data))
	return d == "" || d == "null"
}

// Segments splits the event path into its non-empty parts.
func (e Event) Segments() []string {
	return splitPath(e.Path)
}

type Database interface {
	Set(ctx context.Context, path string, value any) error
	Get(ctx context.Context, path string, dst any) error
	// Stream calls fn for every change below path until ctx is done or fn
	// returns an error.
	Stream(ctx context.Context, path string, fn func(Event) error) error
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// cleanPath renders p as "a/b/c" with no leading or trailing slash.
func cleanPath(p string) string {
	return strings.Join(splitPath(p), "/")
}
