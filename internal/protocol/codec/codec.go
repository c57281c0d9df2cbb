// Package codec is the value encoding shared by both peers: CBOR with
// Core Deterministic Encoding (RFC 8949 §4.2). Text strings are
// length-prefixed UTF-8 and byte strings are length-prefixed raw bytes,
// so a sequence of values can be packed back to back and decoded one at
// a time from the front of a buffer.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// nil slices encode as empty arrays/byte strings, never as null, so an
	// empty argv and a missing argv are the same value on the wire.
	encOptions.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is one encoded value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes exactly one value; trailing bytes are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalFirst decodes the first value in data and returns the rest.
func UnmarshalFirst(data []byte, v any) ([]byte, error) {
	return decMode.UnmarshalFirst(data, v)
}

// Diagnose renders data in CBOR diagnostic notation for debug logs.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
