package frame

import (
	"bufio"
	"errors"
	"io"
)

// Reader pulls consecutive frames off a byte stream such as a serial port.
// With Strict set, frames with an odd measurement block are rejected
// instead of losing their trailing byte.
type Reader struct {
	Strict bool

	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4*(HeaderSize+MaxDataLength))}
}

// Next blocks until a full frame is available. On a malformed frame it
// drops the first byte so the caller can resynchronise by calling Next again.
func (fr *Reader) Next() (Frame, error) {
	head, err := fr.r.Peek(HeaderSize)
	if err != nil {
		return Frame{}, err
	}
	if head[2] < TypeJoin || head[2] > TypeNodeReply {
		fr.r.Discard(1)
		return Frame{}, ErrBadType
	}
	if int(head[4]&lengthMask) > MaxDataLength {
		fr.r.Discard(1)
		return Frame{}, ErrBadLength
	}
	n := HeaderSize + int(head[4]&lengthMask)
	buf, err := fr.r.Peek(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	f, used, err := decode(buf, fr.Strict)
	if err != nil {
		fr.r.Discard(1)
		return Frame{}, err
	}
	fr.r.Discard(used)
	return f, nil
}
