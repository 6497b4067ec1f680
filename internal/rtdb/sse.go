package rtdb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const maxEventSize = 64 << 20

// readEvents parses a text/event-stream body and calls fn once per event.
// Only the "event" and "data" fields are used by the database stream.
func readEvents(r io.Reader, fn func(name string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var (
		name string
		data bytes.Buffer
	)
	dispatch := func() error {
		defer func() {
			name = ""
			data.Reset()
		}()
		if name == "" && data.Len() == 0 {
			return nil
		}
		if name == "" {
			name = "message"
		}
		return fn(name, bytes.Clone(data.Bytes()))
	}

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(value)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return dispatch()
}

func decodeEvent(name string, data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", name, err)
	}
	ev.Type = name
	if ev.Path == "" {
		ev.Path = "/"
	}
	return ev, nil
}
