package satellite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/internal/logging"
	"github.com/meshrelay/internal/rtdb"
)

func serve(t *testing.T, db rtdb.Database) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	New(db, nil, logging.Discard()).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func stored(t *testing.T, db rtdb.Database, key string) map[string]string {
	t.Helper()
	var got map[string]string
	require.NoError(t, db.Get(context.Background(), Root+"/"+key, &got))
	return got
}

func TestJSONDelivery(t *testing.T) {
	db := rtdb.NewMemory()
	srv := serve(t, db)

	res, err := http.Post(srv.URL+"/satellite", "application/json",
		strings.NewReader(`{"imei":"300434","transmit_time":"22-08-08 23:06:40","data":"68656c6c6f"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Hi", string(body))
	assert.Equal(t, map[string]string{"normalData": "hello"}, stored(t, db, "22-08-08 23:06:40"))
}

func TestJSONDeliveryNumericCounters(t *testing.T) {
	db := rtdb.NewMemory()
	srv := serve(t, db)

	res, err := http.Post(srv.URL+"/satellite", "application/json",
		strings.NewReader(`{"imei":300434065264590,"momsn":12,"transmit_time":"1660000001","data":"6869"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, map[string]string{"normalData": "hi"}, stored(t, db, "1660000001"))
}

func TestFlexString(t *testing.T) {
	var d Delivery
	require.NoError(t, json.Unmarshal([]byte(`{"imei":"300434","momsn":7}`), &d))
	assert.Equal(t, FlexString("300434"), d.IMEI)
	assert.Equal(t, FlexString("7"), d.MOMSN)

	require.NoError(t, json.Unmarshal([]byte(`{"momsn":null}`), &d))
	assert.Equal(t, FlexString(""), d.MOMSN)

	assert.Error(t, json.Unmarshal([]byte(`{"momsn":true}`), &d))
}

func TestFormDeliveryDefaultsData(t *testing.T) {
	db := rtdb.NewMemory()
	srv := serve(t, db)

	res, err := http.PostForm(srv.URL+"/satellite", url.Values{"transmit_time": {"1660000000"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Error failed to get data", stored(t, db, "1660000000")["normalData"])
}

func TestRejectedDeliveries(t *testing.T) {
	srv := serve(t, rtdb.NewMemory())
	for name, body := range map[string]string{
		"bad hex":      `{"transmit_time":"1","data":"zz"}`,
		"missing time": `{"data":"6869"}`,
		"bad key":      `{"transmit_time":"a/b","data":"6869"}`,
		"not json":     `{`,
	} {
		res, err := http.Post(srv.URL+"/satellite", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, name)
	}
}

type downDB struct{ rtdb.Database }

func (downDB) Set(context.Context, string, any) error { return errors.New("unavailable") }

func TestStoreFailure(t *testing.T) {
	srv := serve(t, downDB{})
	res, err := http.Post(srv.URL+"/satellite", "application/json", strings.NewReader(`{"transmit_time":"1"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}
