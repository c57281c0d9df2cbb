// Package frame implements the length-prefixed unit carried on the wire:
// a big-endian u32 payload length followed by the payload bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const HeaderLen = 4

// DefaultMaxFrameBytes caps a single frame at 64 MiB.
const DefaultMaxFrameBytes uint32 = 64 * 1024 * 1024

var (
	ErrShortHeader   = errors.New("frame: short length header")
	ErrShortPayload  = errors.New("frame: short payload")
	ErrFrameTooLarge = errors.New("frame: payload too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: DefaultMaxFrameBytes,
	}
}

// WithDefaults fills zero limits from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	if l.MaxFrameBytes == 0 {
		l.MaxFrameBytes = DefaultLimits().MaxFrameBytes
	}
	return l
}

// ReadFrame reads one frame and returns its payload. A stream that ends
// cleanly on a frame boundary yields io.EOF.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	limits = limits.WithDefaults()

	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrShortHeader, err)
		}
		return nil, err
	}

	n := DecodeHeader(header[:])
	if n > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limits.MaxFrameBytes)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: %w", ErrShortPayload, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes header and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	limits = limits.WithDefaults()
	if uint64(len(payload)) > uint64(limits.MaxFrameBytes) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), limits.MaxFrameBytes)
	}
	buf := make([]byte, HeaderLen+len(payload))
	copy(buf, EncodeHeader(uint32(len(payload))))
	copy(buf[HeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(n uint32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

func DecodeHeader(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:HeaderLen])
}
