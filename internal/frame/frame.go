// Package frame decodes the binary packets a mesh gateway writes to its
// serial port.
//
//	|  src  |  type  |  seq  | agg bit + length |  data   |
//	|  2B   |   1B   |  1B   |        1B        |  0-64B  |
//
// When the aggregation bit is clear, data is a list of (sensor, value) byte
// pairs. When it is set, data holds mini-packets from other nodes, each laid
// out as src(2) aggLen(1) data(len).
package frame

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meshrelay/internal/models"
)

const (
	HeaderSize    = 5
	MaxDataLength = 64

	aggregatedBit = 0x80
	lengthMask    = 0x7f
)

// Message types.
const (
	TypeJoin       byte = 1
	TypeJoinAck    byte = 2
	TypeJoinCfm    byte = 3
	TypeCheckAlive byte = 4
	TypeReplyAlive byte = 5
	TypeGatewayReq byte = 6
	TypeNodeReply  byte = 7
)

var (
	ErrShortFrame = errors.New("frame: short frame")
	ErrBadLength  = errors.New("frame: bad data length")
	ErrBadType    = errors.New("frame: unknown message type")
)

type Address [2]byte

func (a Address) String() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

// Measurement is one (sensor, value) pair.
type Measurement struct {
	Sensor byte
	Value  byte
}

// Packet is a node's contribution: either measurements or, when
// aggregated, nested packets forwarded on behalf of children.
type Packet struct {
	Src          Address
	Aggregated   bool
	Measurements []Measurement
	Children     []Packet
}

type Frame struct {
	Type byte
	Seq  byte
	Packet
}

// Decode parses one frame from the start of b and returns it with the
// number of bytes consumed. A measurement block of odd length loses its
// trailing byte.
func Decode(b []byte) (Frame, int, error) {
	return decode(b, false)
}

// DecodeStrict is Decode but rejects odd measurement blocks with
// ErrBadLength.
func DecodeStrict(b []byte) (Frame, int, error) {
	return decode(b, true)
}

func decode(b []byte, strict bool) (Frame, int, error) {
	if len(b) < HeaderSize {
		return Frame{}, 0, ErrShortFrame
	}
	var f Frame
	copy(f.Src[:], b[0:2])
	f.Type = b[2]
	if f.Type < TypeJoin || f.Type > TypeNodeReply {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrBadType, f.Type)
	}
	f.Seq = b[3]
	f.Aggregated = b[4]&aggregatedBit != 0
	n := int(b[4] & lengthMask)
	if n > MaxDataLength {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	if len(b) < HeaderSize+n {
		return Frame{}, 0, ErrShortFrame
	}
	if err := f.decodeData(b[HeaderSize:HeaderSize+n], strict); err != nil {
		return Frame{}, 0, err
	}
	return f, HeaderSize + n, nil
}

func (p *Packet) decodeData(data []byte, strict bool) error {
	if !p.Aggregated {
		if strict && len(data)%2 != 0 {
			return fmt.Errorf("%w: odd measurement block of %d bytes", ErrBadLength, len(data))
		}
		for i := 0; i+1 < len(data); i += 2 {
			p.Measurements = append(p.Measurements, Measurement{Sensor: data[i], Value: data[i+1]})
		}
		return nil
	}
	for len(data) > 0 {
		if len(data) < 3 {
			return fmt.Errorf("%w: mini-packet header", ErrShortFrame)
		}
		var child Packet
		copy(child.Src[:], data[0:2])
		child.Aggregated = data[2]&aggregatedBit != 0
		n := int(data[2] & lengthMask)
		if len(data) < 3+n {
			return fmt.Errorf("%w: mini-packet from %s wants %d bytes", ErrShortFrame, child.Src, n)
		}
		if err := child.decodeData(data[3:3+n], strict); err != nil {
			return err
		}
		p.Children = append(p.Children, child)
		data = data[3+n:]
	}
	return nil
}

// Encode is the inverse of Decode.
func Encode(f Frame) ([]byte, error) {
	data, err := f.encodeData()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+len(data))
	out = append(out, f.Src[0], f.Src[1], f.Type, f.Seq, lengthByte(f.Aggregated, len(data)))
	return append(out, data...), nil
}

func (p Packet) encodeData() ([]byte, error) {
	var data []byte
	if !p.Aggregated {
		for _, m := range p.Measurements {
			data = append(data, m.Sensor, m.Value)
		}
	} else {
		for _, c := range p.Children {
			cd, err := c.encodeData()
			if err != nil {
				return nil, err
			}
			data = append(data, c.Src[0], c.Src[1], lengthByte(c.Aggregated, len(cd)))
			data = append(data, cd...)
		}
	}
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(data))
	}
	return data, nil
}

func lengthByte(aggregated bool, n int) byte {
	b := byte(n) & lengthMask
	if aggregated {
		b |= aggregatedBit
	}
	return b
}

// Readings flattens the frame into one reading per originating node.
// Packets without measurements produce nothing. The frame's sequence number
// is link metadata and is not carried into the readings.
func (f Frame) Readings(now time.Time) []models.Reading {
	var out []models.Reading
	var walk func(p Packet)
	walk = func(p Packet) {
		if !p.Aggregated {
			if len(p.Measurements) == 0 {
				return
			}
			fields := make(map[string]any, len(p.Measurements))
			for _, m := range p.Measurements {
				fields[models.SensorName(m.Sensor)] = int64(m.Value)
			}
			out = append(out, models.Reading{Src: p.Src.String(), Time: now.Unix(), Fields: fields})
			return
		}
		for _, c := range p.Children {
			walk(c)
		}
	}
	walk(f.Packet)
	return out
}
