package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize caps a single framed control message (1 MiB). Larger
// payloads must be chunked by the batch transfer layer.
const MaxMessageSize = 1 * 1024 * 1024

// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize
var ErrMessageTooLarge = errors.New("message too large")

// Framer handles length-prefixed envelope framing over a stream
type Framer struct {
	reader io.Reader
	writer io.Writer
}

// NewFramer creates a new framer
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: r,
		writer: w,
	}
}

// ReadEnvelope reads a length-prefixed envelope
func (f *Framer) ReadEnvelope() (*Envelope, error) {
	env, _, err := f.ReadEnvelopeWithSize()
	return env, err
}

// ReadEnvelopeWithSize reads a length-prefixed envelope and returns its size
func (f *Framer) ReadEnvelopeWithSize() (*Envelope, int, error) {
	// 4-byte big-endian length prefix
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(f.reader, lengthBuf); err != nil {
		return nil, 0, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, int(length), ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, int(length), fmt.Errorf("read body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, int(length), fmt.Errorf("decode envelope: %w", err)
	}

	return &env, int(length), nil
}

// WriteEnvelope writes a length-prefixed envelope
func (f *Framer) WriteEnvelope(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(body)))

	if _, err := f.writer.Write(lengthBuf); err != nil {
		return fmt.Errorf("write length: %w", err)
	}

	if _, err := f.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// Send creates a signed envelope and writes it
func (f *Framer) Send(msgType MessageType, src Source, payload interface{}, key []byte) error {
	env, err := NewEnvelope(msgType, src, payload)
	if err != nil {
		return fmt.Errorf("create envelope: %w", err)
	}
	env.Sign(key)
	return f.WriteEnvelope(env)
}
