package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritten(t *testing.T) {
	okBefore := testutil.ToFloat64(SinkWrites.WithLabelValues("unit"))
	failBefore := testutil.ToFloat64(SinkFailures.WithLabelValues("unit"))

	Written("unit", nil)
	Written("unit", errors.New("boom"))
	Written("unit", nil)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(SinkWrites.WithLabelValues("unit")))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(SinkFailures.WithLabelValues("unit")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ReadingValue.WithLabelValues("70A0", "temperature").Set(21)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `meshrelay_reading_value{field="temperature",src="70A0"} 21`)
}

func TestObserveReadingBoundsLabels(t *testing.T) {
	ObserveReading("70A1", "humidity", 55)
	ObserveReading("70A1", "sensor_200", 7)
	ObserveReading("not-a-node", "temperature", 19)

	assert.Equal(t, 55.0, testutil.ToFloat64(ReadingValue.WithLabelValues("70A1", "humidity")))
	assert.Equal(t, 7.0, testutil.ToFloat64(ReadingValue.WithLabelValues("70A1", OtherLabel)))
	assert.Equal(t, 19.0, testutil.ToFloat64(ReadingValue.WithLabelValues(OtherLabel, "temperature")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "sensor_200")
	assert.NotContains(t, string(body), "not-a-node")
}
