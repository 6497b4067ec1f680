package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process Database used for dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	root    map[string]any
	streams map[*memStream]struct{}
}

type memStream struct {
	path   []string
	events chan Event
	done   <-chan struct{}
}

func NewMemory() *Memory {
	return &Memory{root: map[string]any{}, streams: map[*memStream]struct{}{}}
}

// normalize round-trips v through JSON so the tree only holds
// map[string]any, []any, string, float64, bool and nil.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("rtdb: encode %s: %w", path, err)
	}
	segs := splitPath(path)

	m.mu.Lock()
	if len(segs) == 0 {
		root, _ := v.(map[string]any)
		if root == nil {
			root = map[string]any{}
		}
		m.root = root
	} else {
		setNode(m.root, segs, v)
	}
	var targets []*memStream
	var events []Event
	for s := range m.streams {
		if ev, ok := m.eventFor(s.path, segs, v); ok {
			targets = append(targets, s)
			events = append(events, ev)
		}
	}
	m.mu.Unlock()

	for i, s := range targets {
		select {
		case s.events <- events[i]:
		case <-s.done:
		}
	}
	return nil
}

func setNode(node map[string]any, segs []string, v any) {
	for _, s := range segs[:len(segs)-1] {
		next, ok := node[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[s] = next
		}
		node = next
	}
	last := segs[len(segs)-1]
	if v == nil {
		delete(node, last)
		return
	}
	node[last] = v
}

func getNode(node any, segs []string) any {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// eventFor builds the event a stream at streamPath sees for a write at
// setPath; callers hold mu.
func (m *Memory) eventFor(streamPath, setPath []string, v any) (Event, bool) {
	switch {
	case hasPrefix(setPath, streamPath):
		data, _ := json.Marshal(v)
		return Event{Type: EventPut, Path: "/" + strings.Join(setPath[len(streamPath):], "/"), Data: data}, true
	case hasPrefix(streamPath, setPath):
		data, _ := json.Marshal(getNode(m.root, streamPath))
		return Event{Type: EventPut, Path: "/", Data: data}, true
	}
	return Event{}, false
}

func hasPrefix(p, prefix []string) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (m *Memory) Get(ctx context.Context, path string, dst any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	b, err := json.Marshal(getNode(m.root, splitPath(path)))
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func (m *Memory) Stream(ctx context.Context, path string, fn func(Event) error) error {
	s := &memStream{path: splitPath(path), events: make(chan Event, 256), done: ctx.Done()}

	m.mu.Lock()
	snapshot, err := json.Marshal(getNode(m.root, s.path))
	m.streams[s] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.streams, s)
		m.mu.Unlock()
	}()
	if err != nil {
		return err
	}

	if err := fn(Event{Type: EventPut, Path: "/", Data: snapshot}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}
