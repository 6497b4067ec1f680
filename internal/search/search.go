// Package search indexes readings into Elasticsearch.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"

	"github.com/meshrelay/internal/models"
)

// IndexSettings creates a single shard index with the reading mapping.
const IndexSettings = `{
  "settings": {"number_of_shards": 1, "number_of_replicas": 0},
  "mappings": {
    "properties": {
      "src_addr": {"type": "keyword"},
      "datetime": {"type": "date", "format": "strict_date_optional_time||epoch_second"},
      "temperature": {"type": "integer"},
      "humidity": {"type": "integer"},
      "rainfall": {"type": "integer"}
    }
  }
}`

var ErrNotReachable = errors.New("search: cluster not reachable")

// Document is the indexed form of one reading.
type Document struct {
	SrcAddr  string         `json:"src_addr"`
	Datetime string         `json:"datetime"`
	Fields   map[string]any `json:"-"`
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+2)
	for k, v := range d.Fields {
		out[k] = v
	}
	out["src_addr"] = d.SrcAddr
	out["datetime"] = d.Datetime
	return json.Marshal(out)
}

// NewDocument builds the document for the entry stored at <src>/<time>.
// The legacy "data" field is indexed as temperature, and numeric sensor
// values are truncated to integers to match the mapping.
func NewDocument(src, time string, fields map[string]any) Document {
	doc := Document{SrcAddr: src, Datetime: time, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		if k == models.LegacyDataField {
			k = models.SensorName(models.SensorTemperature)
			if _, dup := fields[k]; dup {
				continue
			}
		}
		if f, ok := models.ToFloat(v); ok && isSensorField(k) {
			doc.Fields[k] = int64(f)
			continue
		}
		doc.Fields[k] = v
	}
	return doc
}

func isSensorField(name string) bool {
	switch name {
	case models.SensorName(models.SensorTemperature),
		models.SensorName(models.SensorHumidity),
		models.SensorName(models.SensorRainfall):
		return true
	}
	return false
}

// DocumentFromReading is NewDocument for a decoded reading.
func DocumentFromReading(r models.Reading) Document {
	return NewDocument(r.Src, strconv.FormatInt(r.Time, 10), r.Fields)
}

// DocumentID is the name based UUID (v5, X.500 namespace) of "src|time", so
// re-indexing the same entry overwrites rather than duplicates.
func DocumentID(src, time string) string {
	return uuid.NewSHA1(uuid.NameSpaceX500, []byte(src+"|"+time)).String()
}

type Client struct {
	es *elasticsearch.Client
}

func NewClient(addresses []string, username, password string, transport http.RoundTripper) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("search: new client: %w", err)
	}
	return &Client{es: es}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReachable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrNotReachable, res.Status())
	}
	return nil
}

// EnsureIndex creates index with IndexSettings when it does not exist and
// reports whether it did.
func (c *Client) EnsureIndex(ctx context.Context, index string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("search: check index %s: %w", index, err)
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusNotFound:
	default:
		return false, fmt.Errorf("search: check index %s: %s", index, res.Status())
	}

	res, err = c.es.Indices.Create(index,
		c.es.Indices.Create.WithBody(strings.NewReader(IndexSettings)),
		c.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("search: create index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if bytes.Contains(body, []byte("resource_already_exists_exception")) {
			return false, nil
		}
		return false, fmt.Errorf("search: create index %s: %s %s", index, res.Status(), body)
	}
	return true, nil
}

// Store indexes doc under id, replacing any previous version.
func (c *Client) Store(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("search: encode %s: %w", id, err)
	}
	res, err := c.es.Index(index, bytes.NewReader(body),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search: index %s: %w", id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: index %s: %s %s", id, res.Status(), msg)
	}
	return nil
}
