// Package protocol defines the chatboxd wire format: length-prefixed JSON
// envelopes over a reliable, ordered duplex byte stream.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxEnvelopeSize is the maximum encoded envelope size (256 KiB). Chatbox
// snapshots carry message history, so the cap is generous.
const MaxEnvelopeSize = 256 * 1024

var ErrEnvelopeTooLarge = errors.New("protocol: envelope too large")

// WriteEnvelope writes a length-prefixed JSON envelope to a writer.
// Format: [4-byte big-endian length][JSON payload]
func WriteEnvelope(w io.Writer, env *Envelope) error {
	data, err := env.marshal()
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxEnvelopeSize {
		return fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(data))
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data))) //nolint:gosec // length bounds-checked above
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadEnvelope reads a length-prefixed JSON envelope from a reader.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	env := &Envelope{}
	if err := env.unmarshal(data); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return env, nil
}
