// Package indexer mirrors the realtime database tree <src>/<time> into the
// search index.
package indexer

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"

	"github.com/meshrelay/internal/breaker"
	"github.com/meshrelay/internal/metrics"
	"github.com/meshrelay/internal/rtdb"
	"github.com/meshrelay/internal/search"
)

const component = "indexer"

// Store is the search side of the indexer.
type Store interface {
	Store(ctx context.Context, index, id string, doc any) error
}

type Indexer struct {
	db     rtdb.Database
	store  Store
	index  string
	root   string
	guard  *breaker.Guard
	logger *slog.Logger
}

func New(db rtdb.Database, store Store, index, root string, guard *breaker.Guard, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		db:     db,
		store:  store,
		index:  index,
		root:   strings.Trim(root, "/"),
		guard:  guard,
		logger: logger.With("component", component, "index", index),
	}
}

// Run streams changes from the database until ctx is done.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("indexer listening", "path", "/"+ix.root)
	return ix.db.Stream(ctx, ix.root, func(ev rtdb.Event) error {
		ix.Handle(ctx, ev)
		return nil
	})
}

// Handle indexes whatever ev carries. A put at "/" is a full snapshot
// ({src: {time: fields}}), "/src" carries a map of entries and "/src/time"
// a single entry. Deeper paths re-read the whole entry.
func (ix *Indexer) Handle(ctx context.Context, ev rtdb.Event) int {
	metrics.MessagesReceived.WithLabelValues(component).Inc()
	if ev.Type == rtdb.EventPatch {
		return ix.handlePatch(ctx, ev)
	}
	if ev.IsDelete() {
		ix.logger.Debug("skipping delete", "path", ev.Path)
		return 0
	}
	segs := ev.Segments()
	switch len(segs) {
	case 0:
		var tree map[string]json.RawMessage
		if err := json.Unmarshal(ev.Data, &tree); err != nil {
			return ix.badEvent(ev, err)
		}
		n := 0
		for src, raw := range tree {
			var entries map[string]json.RawMessage
			if err := json.Unmarshal(raw, &entries); err != nil {
				ix.logger.Warn("source node is not an object", "src", src, "err", err)
				continue
			}
			ix.logger.Info("snapshot", "src", src, "entries", len(entries))
			n += ix.indexEntries(ctx, src, entries)
		}
		return n
	case 1:
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(ev.Data, &entries); err != nil {
			return ix.badEvent(ev, err)
		}
		return ix.indexEntries(ctx, segs[0], entries)
	case 2:
		return ix.indexRaw(ctx, segs[0], segs[1], ev.Data)
	default:
		var fields map[string]any
		if err := ix.db.Get(ctx, path.Join(segs[0], segs[1]), &fields); err != nil {
			ix.logger.Error("re-read entry failed", "src", segs[0], "time", segs[1], "err", err)
			return 0
		}
		if fields == nil {
			return 0
		}
		return ix.indexFields(ctx, segs[0], segs[1], fields)
	}
}

// handlePatch splits a patch into one put per updated child.
func (ix *Indexer) handlePatch(ctx context.Context, ev rtdb.Event) int {
	var children map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &children); err != nil {
		return ix.badEvent(ev, err)
	}
	n := 0
	for child, data := range children {
		n += ix.Handle(ctx, rtdb.Event{Type: rtdb.EventPut, Path: path.Join("/", ev.Path, child), Data: data})
	}
	return n
}

func (ix *Indexer) badEvent(ev rtdb.Event, err error) int {
	metrics.DecodeFailures.WithLabelValues(component).Inc()
	ix.logger.Warn("unexpected event shape", "path", ev.Path, "err", err)
	return 0
}

func (ix *Indexer) indexEntries(ctx context.Context, src string, entries map[string]json.RawMessage) int {
	n := 0
	for ts, raw := range entries {
		n += ix.indexRaw(ctx, src, ts, raw)
	}
	return n
}

func (ix *Indexer) indexRaw(ctx context.Context, src, ts string, raw json.RawMessage) int {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		ix.logger.Warn("entry is not an object", "src", src, "time", ts, "err", err)
		metrics.DecodeFailures.WithLabelValues(component).Inc()
		return 0
	}
	if fields == nil {
		return 0
	}
	return ix.indexFields(ctx, src, ts, fields)
}

func (ix *Indexer) indexFields(ctx context.Context, src, ts string, fields map[string]any) int {
	doc := search.NewDocument(src, ts, fields)
	id := search.DocumentID(src, ts)
	err := ix.guard.Do(ctx, func(ctx context.Context) error {
		return ix.store.Store(ctx, ix.index, id, doc)
	})
	metrics.Written("search", err)
	if err != nil {
		ix.logger.Error("store failed", "src", src, "time", ts, "err", err)
		return 0
	}
	ix.logger.Debug("indexed", "src", src, "time", ts, "id", id)
	return 1
}
