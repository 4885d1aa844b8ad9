package messaging

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 1 << 20

const headerSize = 4

// ErrFrameTooLarge is returned for frames above MaxFrameSize. The stream
// cannot be resynchronized after it.
var ErrFrameTooLarge = errors.New("frame too large")

// Encoder writes length-prefixed messages: a 4-byte big-endian body length
// followed by the JSON record.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame with a single Write call.
func (e *Encoder) Encode(m Message) error {
	body, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	_, err = e.w.Write(frame)
	return err
}

// Decoder reads frames written by Encoder.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next message. It returns io.EOF when the stream ends on
// a frame boundary and io.ErrUnexpectedEOF when it ends inside a frame.
// A frame whose body is not a valid message yields an error wrapping
// ErrMalformed or ErrUnknownKind; the stream remains positioned at the
// next frame.
func (d *Decoder) Decode() (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(body)
}

// Recoverable reports whether err leaves the stream usable.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownKind)
}
