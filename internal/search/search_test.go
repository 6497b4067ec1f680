package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentID(t *testing.T) {
	a := DocumentID("70A0", "1660000000")
	assert.Equal(t, a, DocumentID("70A0", "1660000000"))
	assert.NotEqual(t, a, DocumentID("70A0", "1660000060"))
	assert.Equal(t, byte('5'), a[14])
}

func TestNewDocumentLegacyData(t *testing.T) {
	doc := NewDocument("70A0", "1660000000", map[string]any{"data": 21.7, "seq": int64(3)})
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"src_addr":"70A0","datetime":"1660000000","temperature":21,"seq":3}`, string(b))
}

func TestNewDocumentPrefersTemperature(t *testing.T) {
	doc := NewDocument("A", "1", map[string]any{"data": 1, "temperature": 2, "humidity": 55.9})
	assert.Equal(t, int64(2), doc.Fields["temperature"])
	assert.Equal(t, int64(55), doc.Fields["humidity"])
	assert.NotContains(t, doc.Fields, "data")
}

type fakeES struct {
	mu       sync.Mutex
	indices  map[string]bool
	docs     map[string]json.RawMessage
	settings string
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.URL.Path == "/":
		io.WriteString(w, `{"version":{"number":"8.15.0"}}`)
	case r.Method == http.MethodHead:
		if f.indices[r.URL.Path[1:]] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPut && len(r.URL.Path) > 1 && !containsDoc(r.URL.Path):
		f.indices[r.URL.Path[1:]] = true
		f.settings = string(body)
		io.WriteString(w, `{"acknowledged":true}`)
	case containsDoc(r.URL.Path):
		f.docs[r.URL.Path] = body
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"result":"created"}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func containsDoc(p string) bool {
	for i := 0; i+5 <= len(p); i++ {
		if p[i:i+5] == "/_doc" {
			return true
		}
	}
	return false
}

func newFakeClient(t *testing.T) (*Client, *fakeES) {
	t.Helper()
	f := &fakeES{indices: map[string]bool{}, docs: map[string]json.RawMessage{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient([]string{srv.URL}, "", "", nil)
	require.NoError(t, err)
	return c, f
}

func TestEnsureIndexAndStore(t *testing.T) {
	ctx := context.Background()
	c, f := newFakeClient(t)

	require.NoError(t, c.Ping(ctx))

	created, err := c.EnsureIndex(ctx, "nodes")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, f.settings, `"src_addr": {"type": "keyword"}`)

	created, err = c.EnsureIndex(ctx, "nodes")
	require.NoError(t, err)
	assert.False(t, created)

	id := DocumentID("70A0", "1660000000")
	doc := NewDocument("70A0", "1660000000", map[string]any{"temperature": 26})
	require.NoError(t, c.Store(ctx, "nodes", id, doc))

	stored, ok := f.docs["/nodes/_doc/"+id]
	require.True(t, ok, "document not stored under its id: %v", f.docs)
	assert.JSONEq(t, `{"src_addr":"70A0","datetime":"1660000000","temperature":26}`, string(stored))
}
