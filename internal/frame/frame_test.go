package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/internal/models"
)

var now = time.Unix(1660000000, 0)

func TestDecodeNonAggregated(t *testing.T) {
	// humidity 78, temperature 27 from node 70A2
	raw := []byte{0x70, 0xA2, TypeNodeReply, 0x03, 0x00 | 4, models.SensorHumidity, 0x4E, models.SensorTemperature, 0x1B}
	f, n, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "70A2", f.Src.String())
	assert.Equal(t, TypeNodeReply, f.Type)
	assert.False(t, f.Aggregated)
	require.Len(t, f.Measurements, 2)

	readings := f.Readings(now)
	require.Len(t, readings, 1)
	assert.Equal(t, "70A2", readings[0].Src)
	assert.Equal(t, int64(1660000000), readings[0].Time)
	assert.Equal(t, map[string]any{"humidity": int64(78), "temperature": int64(27)}, readings[0].Fields)
}

func TestDecodeAggregated(t *testing.T) {
	raw := []byte{0x70, 0xA7, TypeNodeReply, 0x04, 0x80 | 9,
		0x70, 0xB4, 0x00 | 6,
		models.SensorRainfall, 0x30, models.SensorHumidity, 0x10, models.SensorTemperature, 0x0F,
	}
	f, _, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, f.Aggregated)
	require.Len(t, f.Children, 1)

	readings := f.Readings(now)
	require.Len(t, readings, 1)
	assert.Equal(t, "70B4", readings[0].Src)
	assert.Equal(t, int64(48), readings[0].Fields["rainfall"])
	assert.Equal(t, int64(15), readings[0].Fields["temperature"])
}

func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode([]byte{0x70, 0xA0})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, _, err = Decode([]byte{0x70, 0xA0, 7, 1, 4, 1, 2})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, _, err = Decode([]byte{0x70, 0xA0, 7, 1, 0x7f})
	assert.ErrorIs(t, err, ErrBadLength)

	_, _, err = Decode([]byte{0x70, 0xA0, 0x42, 1, 0})
	assert.ErrorIs(t, err, ErrBadType)
}

func TestDecodeOddBlockDropsTrailingByte(t *testing.T) {
	raw := []byte{0x70, 0xA0, TypeNodeReply, 1, 3, models.SensorTemperature, 26, 9}
	f, n, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, []Measurement{{models.SensorTemperature, 26}}, f.Measurements)

	readings := f.Readings(now)
	require.Len(t, readings, 1)
	assert.Equal(t, map[string]any{"temperature": int64(26)}, readings[0].Fields)

	nested := []byte{0x70, 0xA7, TypeNodeReply, 2, 0x80 | 6, 0x70, 0xB4, 3, models.SensorHumidity, 40, 7}
	f, _, err = Decode(nested)
	require.NoError(t, err)
	require.Len(t, f.Children, 1)
	assert.Equal(t, []Measurement{{models.SensorHumidity, 40}}, f.Children[0].Measurements)
}

func TestDecodeStrictRejectsOddBlock(t *testing.T) {
	_, n, err := DecodeStrict([]byte{0x70, 0xA0, TypeNodeReply, 1, 3, models.SensorTemperature, 26, 9})
	assert.ErrorIs(t, err, ErrBadLength)
	assert.Zero(t, n)

	_, _, err = DecodeStrict([]byte{0x70, 0xA0, TypeNodeReply, 1, 2, models.SensorTemperature, 26})
	assert.NoError(t, err)
}

func TestReaderOddBlock(t *testing.T) {
	odd := []byte{0x70, 0xA0, TypeNodeReply, 1, 3, models.SensorTemperature, 26, 9}

	f, err := NewReader(bytes.NewReader(odd)).Next()
	require.NoError(t, err)
	assert.Len(t, f.Measurements, 1)

	r := NewReader(bytes.NewReader(odd))
	r.Strict = true
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestEncodeRoundTrip(t *testing.T) {
	in := Frame{Type: TypeNodeReply, Seq: 9, Packet: Packet{
		Src:        Address{0x70, 0xA5},
		Aggregated: true,
		Children: []Packet{
			{Src: Address{0x70, 0xB2}, Measurements: []Measurement{{models.SensorHumidity, 0x3B}}},
			{Src: Address{0x70, 0xB3}, Measurements: []Measurement{{models.SensorTemperature, 0x1B}}},
		},
	}}
	raw, err := Encode(in)
	require.NoError(t, err)
	out, n, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, in, out)
	assert.Len(t, out.Readings(now), 2)
}

func TestReaderResync(t *testing.T) {
	good := []byte{0x70, 0xA0, TypeNodeReply, 0x01, 0x02, models.SensorTemperature, 0x1A}
	stream := append([]byte{0x70, 0xA0, 7, 1, 0x7f}, good...)
	stream = append(stream, good...)
	r := NewReader(bytes.NewReader(stream))

	var frames []Frame
	var bad int
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			bad++
			continue
		}
		frames = append(frames, f)
	}
	assert.GreaterOrEqual(t, bad, 1)
	require.Len(t, frames, 2)
	assert.Equal(t, "70A0", frames[1].Src.String())
}
