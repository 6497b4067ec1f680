package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReading(t *testing.T) {
	r, err := ParseReading([]byte(`{"src":"70A0","time":1660000000,"data":26,"seq":1.5}`))
	require.NoError(t, err)
	assert.Equal(t, "70A0", r.Src)
	assert.Equal(t, int64(1660000000), r.Time)
	assert.Equal(t, "70A0/1660000000", r.Path())
	assert.Equal(t, map[string]any{"data": int64(26), "seq": 1.5}, r.Payload())

	v, ok := r.Number("data")
	require.True(t, ok)
	assert.Equal(t, 26.0, v)
	assert.Equal(t, []string{"data", "seq"}, r.NumericFields())
}

func TestParseReadingStringTime(t *testing.T) {
	r, err := ParseReading([]byte(`{"src":"70A1","time":"1660000060","humidity":79}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1660000060), r.Time)
}

func TestParseReadingErrors(t *testing.T) {
	_, err := ParseReading([]byte(`{"time":1}`))
	assert.ErrorIs(t, err, ErrMissingSource)

	_, err = ParseReading([]byte(`{"src":"70A0"}`))
	assert.ErrorIs(t, err, ErrMissingTime)

	_, err = ParseReading([]byte(`{"src":"70A0","time":"soon"}`))
	assert.ErrorIs(t, err, ErrMissingTime)

	_, err = ParseReading([]byte(`not json`))
	assert.Error(t, err)
}

func TestReadingJSON(t *testing.T) {
	in := Reading{Src: "70A2", Time: 1660000000, Fields: map[string]any{"temperature": int64(27)}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"src":"70A2","time":1660000000,"temperature":27}`, string(b))

	var out Reading
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestPayloadIsCopy(t *testing.T) {
	r := Reading{Src: "a", Time: 1, Fields: map[string]any{"x": 1}}
	p := r.Payload()
	p["y"] = 2
	assert.NotContains(t, r.Fields, "y")
}

func TestSensorName(t *testing.T) {
	assert.Equal(t, "temperature", SensorName(SensorTemperature))
	assert.Equal(t, "humidity", SensorName(SensorHumidity))
	assert.Equal(t, "rainfall", SensorName(SensorRainfall))
	assert.Equal(t, "sensor_9", SensorName(9))
}
