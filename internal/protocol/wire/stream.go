package wire

import (
	"github.com/danmuck/linkctl/internal/protocol/codec"
)

// ValueWriter appends one encoded value to an outbound frame.
type ValueWriter interface {
	Writes(v any) error
}

// ValueReader decodes the next value from an inbound frame.
type ValueReader interface {
	Reads(v any) error
}

// WriteOperation appends op to w. The caller flushes.
func WriteOperation(w ValueWriter, op Operation) error {
	data, err := EncodeOperation(op)
	if err != nil {
		return err
	}
	return w.Writes(codec.RawMessage(data))
}

// WriteResponse appends resp to w. The caller flushes.
func WriteResponse(w ValueWriter, resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return w.Writes(codec.RawMessage(data))
}

// ReadOperation reads the next operation from r.
func ReadOperation(r ValueReader) (Operation, error) {
	var raw codec.RawMessage
	if err := r.Reads(&raw); err != nil {
		return nil, err
	}
	return DecodeOperation(raw)
}

// ReadResponse reads the next response from r.
func ReadResponse(r ValueReader) (Response, error) {
	var raw codec.RawMessage
	if err := r.Reads(&raw); err != nil {
		return nil, err
	}
	return DecodeResponse(raw)
}
