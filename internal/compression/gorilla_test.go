package compression

import (
	"errors"
	"math"
	"testing"
)

func TestInt64RoundTrip(t *testing.T) {
	cases := map[string][]int64{
		"single":    {1660000000},
		"pair":      {1660000000, 1660000060},
		"regular":   {1660000000, 1660000060, 1660000120, 1660000180, 1660000240},
		"jitter":    {1660000000, 1660000061, 1660000119, 1660000300, 1660000301, 1660004000},
		"huge jump": {0, 1, 2, 1 << 40, 3, -5},
	}
	for name, in := range cases {
		out, err := DecompressInt64(CompressInt64(in), len(in))
		if err != nil {
			t.Fatalf("%s: decompress failed: %v", name, err)
		}
		if len(out) != len(in) {
			t.Fatalf("%s: expected %d values, got %d", name, len(in), len(out))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Errorf("%s: value %d: expected %d, got %d", name, i, in[i], out[i])
			}
		}
	}
}

func TestFloat64RoundTrip(t *testing.T) {
	in := []float64{26, 26, 27, 26.5, -3.25, 0, math.MaxFloat64, 1e-300, 79, 78, 78}
	out, err := DecompressFloat64(CompressFloat64(in), len(in))
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}

func TestFloat64FullWidthXor(t *testing.T) {
	// sign flip plus mantissa change touches both the top and bottom bit
	in := []float64{math.Float64frombits(1), math.Float64frombits(1 << 63)}
	out, err := DecompressFloat64(CompressFloat64(in), len(in))
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if math.Float64bits(out[1]) != 1<<63 {
		t.Errorf("expected %x, got %x", uint64(1<<63), math.Float64bits(out[1]))
	}
}

func TestTruncatedBlock(t *testing.T) {
	data := CompressInt64([]int64{1, 2, 3, 4})
	if _, err := DecompressInt64(data[:4], 4); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
	if _, err := DecompressFloat64(nil, 1); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated for empty float block, got %v", err)
	}
}

func TestEmpty(t *testing.T) {
	if got := CompressInt64(nil); len(got) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(got))
	}
	out, err := DecompressFloat64(nil, 0)
	if err != nil || len(out) != 0 {
		t.Errorf("expected empty result, got %v, %v", out, err)
	}
}
