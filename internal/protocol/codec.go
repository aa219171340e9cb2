package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/roach88/substrate/internal/fault"
)

// maxMessageSize bounds a single framed message.
const maxMessageSize = 16 * 1024 * 1024

var (
	errMessageTooLarge  = fault.New(fault.KindDecode, "codec: message too large")
	errMessageMalformed = fault.New(fault.KindDecode, "codec: message malformed")
)

// Codec frames messages on a byte stream as a 4-byte big-endian length
// followed by the CBOR body.
//
// Read and Write may be called from different goroutines; concurrent
// calls to the same method are serialized.
type Codec struct {
	rmu sync.Mutex
	r   *bufio.Reader

	wmu sync.Mutex
	w   io.Writer
}

// NewCodec creates a codec over rw.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: bufio.NewReader(rw), w: rw}
}

// Read reads and decodes the next message. It returns io.EOF when the
// stream ends cleanly between messages.
func (c *Codec) Read() (Message, error) {
	body, err := c.ReadFrame()
	if err != nil {
		return Message{}, err
	}
	return Unmarshal(body)
}

// ReadFrame reads the next frame body without decoding it. A body that
// later fails to decode leaves the stream in sync.
func (c *Codec) ReadFrame() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errMessageMalformed
		}
		return nil, fault.IO("read message header", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxMessageSize {
		return nil, errMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errMessageMalformed
		}
		return nil, fault.IO("read message body", err)
	}
	return body, nil
}

// Write encodes and writes one message.
func (c *Codec) Write(m Message) error {
	body, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > maxMessageSize {
		return errMessageTooLarge
	}

	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.Write(frame); err != nil {
		return fault.IO("write message", err)
	}
	return nil
}
