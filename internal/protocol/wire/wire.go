// Package wire defines the closed Operation and Response vocabulary and its
// encoding. Every value is a CBOR array whose first element is the variant
// tag, followed by the variant's fields in declared order.
package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/codec"
)

// Kind is the discriminant tag shared by an operation and the response
// category that answers it.
type Kind uint8

const (
	KindUnknown         Kind = 0
	KindUpload          Kind = 1
	KindDownload        Kind = 2
	KindCommand         Kind = 3
	KindThreadedCommand Kind = 4
	KindPing            Kind = 5
	// KindFailure answers any operation the agent could not recognize.
	KindFailure Kind = 0x7f
)

func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	case KindCommand:
		return "command"
	case KindThreadedCommand:
		return "threaded_command"
	case KindPing:
		return "ping"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Operation is one request sent by the controller.
type Operation interface {
	Kind() Kind
	fields() []any
}

// Upload writes Data at Path on the agent.
type Upload struct {
	Path string
	Data []byte
}

// Download reads the file at Path on the agent.
type Download struct {
	Path string
}

// Command runs Argv on the agent and waits for it to exit.
type Command struct {
	Argv []string
}

// ThreadedCommand starts Argv on a background worker; the reply only
// reports whether it was started.
type ThreadedCommand struct {
	Argv []string
}

// Ping has no side effect.
type Ping struct{}

// Unrecognized is an operation whose tag this build does not know. It is
// only produced by decoding and lets the agent answer with a Failure
// instead of dropping the request.
type Unrecognized struct {
	Tag uint64
}

func (Upload) Kind() Kind          { return KindUpload }
func (Download) Kind() Kind        { return KindDownload }
func (Command) Kind() Kind         { return KindCommand }
func (ThreadedCommand) Kind() Kind { return KindThreadedCommand }
func (Ping) Kind() Kind            { return KindPing }
func (Unrecognized) Kind() Kind    { return KindUnknown }

func (o Upload) fields() []any          { return []any{o.Path, o.Data} }
func (o Download) fields() []any        { return []any{o.Path} }
func (o Command) fields() []any         { return []any{o.Argv} }
func (o ThreadedCommand) fields() []any { return []any{o.Argv} }
func (Ping) fields() []any              { return nil }
func (Unrecognized) fields() []any      { return nil }

// Response is one reply sent by the agent.
type Response interface {
	Kind() Kind
	// Err returns the operation-level fault carried by the response, if any.
	Err() *Fault
	fields() []any
}

type UploadResult struct {
	Fault *Fault
}

type DownloadResult struct {
	Data  []byte
	Fault *Fault
}

// CommandOutput is what a finished process produced.
type CommandOutput struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

type CommandResult struct {
	Output CommandOutput
	Fault  *Fault
}

type ThreadedCommandResult struct {
	Fault *Fault
}

type Pong struct{}

type Failure struct {
	Fault *Fault
}

func (UploadResult) Kind() Kind          { return KindUpload }
func (DownloadResult) Kind() Kind        { return KindDownload }
func (CommandResult) Kind() Kind         { return KindCommand }
func (ThreadedCommandResult) Kind() Kind { return KindThreadedCommand }
func (Pong) Kind() Kind                  { return KindPing }
func (Failure) Kind() Kind               { return KindFailure }

func (r UploadResult) Err() *Fault          { return r.Fault }
func (r DownloadResult) Err() *Fault        { return r.Fault }
func (r CommandResult) Err() *Fault         { return r.Fault }
func (r ThreadedCommandResult) Err() *Fault { return r.Fault }
func (Pong) Err() *Fault                    { return nil }
func (r Failure) Err() *Fault               { return r.Fault }

func (r UploadResult) fields() []any { return []any{r.Fault.value()} }
func (r DownloadResult) fields() []any {
	return []any{r.Data, r.Fault.value()}
}
func (r CommandResult) fields() []any {
	return []any{r.Output.ExitCode, r.Output.Stdout, r.Output.Stderr, r.Fault.value()}
}
func (r ThreadedCommandResult) fields() []any { return []any{r.Fault.value()} }
func (Pong) fields() []any                    { return nil }
func (r Failure) fields() []any               { return []any{r.Fault.value()} }

// Matches reports whether resp is an acceptable answer to an operation of
// kind op. A Failure answers anything.
func Matches(op Kind, resp Response) bool {
	if resp == nil {
		return false
	}
	return resp.Kind() == op || resp.Kind() == KindFailure
}

// FailureFor builds the reply to an operation the agent cannot serve.
func FailureFor(op Operation) Failure {
	if u, ok := op.(Unrecognized); ok {
		return Failure{Fault: NewFault(StatusUnsupported, "unrecognized operation tag %d", u.Tag)}
	}
	return Failure{Fault: NewFault(StatusUnsupported, "operation %s not supported", op.Kind())}
}

func tagged(kind Kind, fields []any) []any {
	return append([]any{uint8(kind)}, fields...)
}

// EncodeOperation returns the encoded form of op.
func EncodeOperation(op Operation) ([]byte, error) {
	if _, ok := op.(Unrecognized); ok {
		return nil, fmt.Errorf("wire: cannot encode unrecognized operation")
	}
	if err := checkText(op); err != nil {
		return nil, err
	}
	return codec.Marshal(tagged(op.Kind(), op.fields()))
}

// ErrInvalidText reports an operation string that is not valid UTF-8.
// CBOR text strings must be UTF-8 and the agent would reject the frame.
var ErrInvalidText = errors.New("wire: text field is not valid UTF-8")

func checkText(op Operation) error {
	var path string
	var argv []string
	switch op := op.(type) {
	case Upload:
		path = op.Path
	case Download:
		path = op.Path
	case Command:
		argv = op.Argv
	case ThreadedCommand:
		argv = op.Argv
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("%w: %s path %q", ErrInvalidText, op.Kind(), path)
	}
	for i, arg := range argv {
		if !utf8.ValidString(arg) {
			return fmt.Errorf("%w: %s argv[%d] %q", ErrInvalidText, op.Kind(), i, arg)
		}
	}
	return nil
}

// EncodeResponse returns the encoded form of resp.
func EncodeResponse(resp Response) ([]byte, error) {
	return codec.Marshal(tagged(resp.Kind(), resp.fields()))
}

// DecodeOperation decodes exactly one operation. An unknown tag is not an
// error; it yields Unrecognized.
func DecodeOperation(data []byte) (Operation, error) {
	parts, tag, err := split(data)
	if err != nil {
		return nil, err
	}
	if tag > uint64(KindFailure) {
		return Unrecognized{Tag: tag}, nil
	}
	switch Kind(tag) {
	case KindUpload:
		var op Upload
		err = expect(parts, &op.Path, &op.Data)
		op.Data = orNil(op.Data)
		return op, err
	case KindDownload:
		var op Download
		return op, expect(parts, &op.Path)
	case KindCommand:
		var op Command
		err = expect(parts, &op.Argv)
		op.Argv = orNil(op.Argv)
		return op, err
	case KindThreadedCommand:
		var op ThreadedCommand
		err = expect(parts, &op.Argv)
		op.Argv = orNil(op.Argv)
		return op, err
	case KindPing:
		return Ping{}, expect(parts)
	}
	return Unrecognized{Tag: tag}, nil
}

// DecodeResponse decodes exactly one response. Unknown tags are a
// protocol fault: the controller cannot tell what was answered.
func DecodeResponse(data []byte) (Response, error) {
	parts, tag, err := split(data)
	if err != nil {
		return nil, err
	}
	if tag > uint64(KindFailure) {
		return nil, fmt.Errorf("%w: unknown response tag %d", protocol.ErrProtocol, tag)
	}
	var fault codec.RawMessage
	switch Kind(tag) {
	case KindUpload:
		if err := expect(parts, &fault); err != nil {
			return nil, err
		}
		f, err := decodeFault(fault)
		return UploadResult{Fault: f}, err
	case KindDownload:
		var r DownloadResult
		if err := expect(parts, &r.Data, &fault); err != nil {
			return nil, err
		}
		r.Data = orNil(r.Data)
		r.Fault, err = decodeFault(fault)
		return r, err
	case KindCommand:
		var r CommandResult
		if err := expect(parts, &r.Output.ExitCode, &r.Output.Stdout, &r.Output.Stderr, &fault); err != nil {
			return nil, err
		}
		r.Output.Stdout = orNil(r.Output.Stdout)
		r.Output.Stderr = orNil(r.Output.Stderr)
		r.Fault, err = decodeFault(fault)
		return r, err
	case KindThreadedCommand:
		if err := expect(parts, &fault); err != nil {
			return nil, err
		}
		f, err := decodeFault(fault)
		return ThreadedCommandResult{Fault: f}, err
	case KindPing:
		return Pong{}, expect(parts)
	case KindFailure:
		if err := expect(parts, &fault); err != nil {
			return nil, err
		}
		f, err := decodeFault(fault)
		if err == nil && f == nil {
			err = fmt.Errorf("%w: failure response without fault", protocol.ErrProtocol)
		}
		return Failure{Fault: f}, err
	default:
		return nil, fmt.Errorf("%w: unknown response tag %d", protocol.ErrProtocol, tag)
	}
}

func split(data []byte) ([]codec.RawMessage, uint64, error) {
	var parts []codec.RawMessage
	if err := codec.Unmarshal(data, &parts); err != nil {
		return nil, 0, fmt.Errorf("%w: value is not a tagged array: %w", protocol.ErrProtocol, err)
	}
	if len(parts) == 0 {
		return nil, 0, fmt.Errorf("%w: empty tagged array", protocol.ErrProtocol)
	}
	var tag uint64
	if err := codec.Unmarshal(parts[0], &tag); err != nil {
		return nil, 0, fmt.Errorf("%w: bad tag: %w", protocol.ErrProtocol, err)
	}
	return parts[1:], tag, nil
}

func expect(parts []codec.RawMessage, targets ...any) error {
	if len(parts) != len(targets) {
		return fmt.Errorf("%w: expected %d fields, got %d", protocol.ErrProtocol, len(targets), len(parts))
	}
	for i, target := range targets {
		if err := codec.Unmarshal(parts[i], target); err != nil {
			return fmt.Errorf("%w: field %d: %w", protocol.ErrProtocol, i+1, err)
		}
	}
	return nil
}

func decodeFault(raw codec.RawMessage) (*Fault, error) {
	var parts []codec.RawMessage
	if err := codec.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: fault: %w", protocol.ErrProtocol, err)
	}
	if parts == nil {
		return nil, nil
	}
	var (
		f   Fault
		msg *string
	)
	if err := expect(parts, &f.Code, &msg); err != nil {
		return nil, err
	}
	if msg != nil {
		f.Message = *msg
	}
	return &f, nil
}

// orNil keeps decoded values comparable with their originals: empty and
// nil containers share one encoding.
func orNil[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}
