// Package compression packs reading series with the Gorilla scheme:
// delta-of-delta for epoch timestamps and XOR for float values.
package compression

import (
	"errors"
	"math"
	"math/bits"
)

// ErrTruncated is returned when a compressed block ends before the
// announced number of values has been decoded.
var ErrTruncated = errors.New("compression: truncated block")

type BitWriter struct {
	data    []byte
	current byte
	bitPos  uint8
}

func NewBitWriter() *BitWriter {
	return &BitWriter{data: make([]byte, 0, 64)}
}

// WriteBits appends the low numBits of value, most significant first.
func (bw *BitWriter) WriteBits(value uint64, numBits uint8) {
	for numBits > 0 {
		free := 8 - bw.bitPos
		if numBits >= free {
			bw.current |= byte(value>>(numBits-free)) & byte((1<<free)-1)
			bw.data = append(bw.data, bw.current)
			bw.current = 0
			bw.bitPos = 0
			numBits -= free
			continue
		}
		shift := free - numBits
		bw.current |= byte(value<<shift) & byte((1<<free)-1)
		bw.bitPos += numBits
		numBits = 0
	}
}

func (bw *BitWriter) Flush() []byte {
	if bw.bitPos > 0 {
		bw.data = append(bw.data, bw.current)
		bw.current = 0
		bw.bitPos = 0
	}
	return bw.data
}

type BitReader struct {
	data   []byte
	pos    int
	bitPos uint8
}

func NewBitReader(data []byte) *BitReader {
	return &BitReader{data: data}
}

func (br *BitReader) ReadBits(numBits uint8) (uint64, error) {
	var out uint64
	for numBits > 0 {
		if br.pos >= len(br.data) {
			return 0, ErrTruncated
		}
		left := 8 - br.bitPos
		take := numBits
		if take > left {
			take = left
		}
		shift := left - take
		chunk := (br.data[br.pos] >> shift) & byte((1<<take)-1)
		out = out<<take | uint64(chunk)
		br.bitPos += take
		numBits -= take
		if br.bitPos == 8 {
			br.pos++
			br.bitPos = 0
		}
	}
	return out, nil
}

// CompressFloat64 XOR-encodes values against their predecessor. The
// meaningful-bit width is stored minus one so that a full 64 bit window
// fits the 6 bit field.
func CompressFloat64(values []float64) []byte {
	if len(values) == 0 {
		return []byte{}
	}
	bw := NewBitWriter()
	prev := math.Float64bits(values[0])
	bw.WriteBits(prev, 64)

	prevLeading, prevTrailing := uint8(0xff), uint8(0)
	for _, v := range values[1:] {
		cur := math.Float64bits(v)
		xor := cur ^ prev
		prev = cur
		if xor == 0 {
			bw.WriteBits(0, 1)
			continue
		}
		bw.WriteBits(1, 1)
		leading := uint8(bits.LeadingZeros64(xor))
		trailing := uint8(bits.TrailingZeros64(xor))
		if leading > 31 {
			leading = 31
		}
		if prevLeading != 0xff && leading >= prevLeading && trailing >= prevTrailing {
			bw.WriteBits(0, 1)
			bw.WriteBits(xor>>prevTrailing, 64-prevLeading-prevTrailing)
			continue
		}
		width := 64 - leading - trailing
		bw.WriteBits(1, 1)
		bw.WriteBits(uint64(leading), 5)
		bw.WriteBits(uint64(width-1), 6)
		bw.WriteBits(xor>>trailing, width)
		prevLeading, prevTrailing = leading, trailing
	}
	return bw.Flush()
}

func DecompressFloat64(data []byte, count int) ([]float64, error) {
	if count == 0 {
		return []float64{}, nil
	}
	br := NewBitReader(data)
	out := make([]float64, 0, count)

	prev, err := br.ReadBits(64)
	if err != nil {
		return nil, err
	}
	out = append(out, math.Float64frombits(prev))

	var leading, trailing uint8
	for len(out) < count {
		ctl, err := br.ReadBits(1)
		if err != nil {
			return nil, err
		}
		if ctl == 0 {
			out = append(out, math.Float64frombits(prev))
			continue
		}
		fresh, err := br.ReadBits(1)
		if err != nil {
			return nil, err
		}
		if fresh == 1 {
			l, err := br.ReadBits(5)
			if err != nil {
				return nil, err
			}
			w, err := br.ReadBits(6)
			if err != nil {
				return nil, err
			}
			leading = uint8(l)
			trailing = 64 - leading - uint8(w+1)
		}
		sig, err := br.ReadBits(64 - leading - trailing)
		if err != nil {
			return nil, err
		}
		prev ^= sig << trailing
		out = append(out, math.Float64frombits(prev))
	}
	return out, nil
}

func signExtend(value int64, width uint8) int64 {
	shift := 64 - width
	return (value << shift) >> shift
}

// dod buckets: control prefix, prefix width, payload width.
var dodBuckets = []struct {
	prefix      uint64
	prefixWidth uint8
	width       uint8
	min, max    int64
}{
	{0b10, 2, 7, -64, 63},
	{0b110, 3, 9, -256, 255},
	{0b1110, 4, 12, -2048, 2047},
}

func CompressInt64(values []int64) []byte {
	if len(values) == 0 {
		return []byte{}
	}
	bw := NewBitWriter()
	bw.WriteBits(uint64(values[0]), 64)
	if len(values) == 1 {
		return bw.Flush()
	}
	prevDelta := values[1] - values[0]
	bw.WriteBits(uint64(prevDelta), 64)

	for i := 2; i < len(values); i++ {
		delta := values[i] - values[i-1]
		dod := delta - prevDelta
		prevDelta = delta
		if dod == 0 {
			bw.WriteBits(0, 1)
			continue
		}
		written := false
		for _, b := range dodBuckets {
			if dod >= b.min && dod <= b.max {
				bw.WriteBits(b.prefix, b.prefixWidth)
				bw.WriteBits(uint64(dod)&(1<<b.width-1), b.width)
				written = true
				break
			}
		}
		if !written {
			bw.WriteBits(0b1111, 4)
			bw.WriteBits(uint64(dod), 64)
		}
	}
	return bw.Flush()
}

func DecompressInt64(data []byte, count int) ([]int64, error) {
	if count == 0 {
		return []int64{}, nil
	}
	br := NewBitReader(data)
	out := make([]int64, 0, count)

	first, err := br.ReadBits(64)
	if err != nil {
		return nil, err
	}
	out = append(out, int64(first))
	if count == 1 {
		return out, nil
	}
	d, err := br.ReadBits(64)
	if err != nil {
		return nil, err
	}
	delta := int64(d)
	out = append(out, out[0]+delta)

	for len(out) < count {
		dod, err := readDod(br)
		if err != nil {
			return nil, err
		}
		delta += dod
		out = append(out, out[len(out)-1]+delta)
	}
	return out, nil
}

func readDod(br *BitReader) (int64, error) {
	// prefixes: 0, 10, 110, 1110, 1111
	ones := 0
	for ones < 4 {
		bit, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		if bit == 0 {
			break
		}
		ones++
	}
	if ones == 0 {
		return 0, nil
	}
	if ones == 4 {
		v, err := br.ReadBits(64)
		if err != nil {
			return 0, err
		}
		return int64(v), nil
	}
	width := dodBuckets[ones-1].width
	v, err := br.ReadBits(width)
	if err != nil {
		return 0, err
	}
	return signExtend(int64(v), width), nil
}
