package wire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// Status codes carried by a Fault. Collaborator errors that wrap a
// syscall.Errno carry the errno value itself.
const (
	StatusFailed      int32 = 1
	StatusNotFound    int32 = int32(syscall.ENOENT)
	StatusPermission  int32 = int32(syscall.EACCES)
	StatusBusy        int32 = int32(syscall.EBUSY)
	StatusUnsupported int32 = 95
	StatusTimedOut    int32 = 110
)

// Fault is an operation-level failure reported inside a Response. It never
// invalidates the channel that carried it.
type Fault struct {
	Code    int32
	Message string
}

func NewFault(code int32, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: validText(fmt.Sprintf(format, args...))}
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("fault status=%d", f.Code)
	}
	return fmt.Sprintf("fault status=%d: %s", f.Code, f.Message)
}

// FaultFromError converts a collaborator error into the Fault reported to
// the controller. A nil error yields nil.
func FaultFromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	code := StatusFailed
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno) && errno != 0:
		code = int32(errno)
	case errors.Is(err, fs.ErrNotExist):
		code = StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		code = StatusPermission
	case errors.Is(err, errors.ErrUnsupported):
		code = StatusUnsupported
	case errors.Is(err, context.DeadlineExceeded):
		code = StatusTimedOut
	}
	return &Fault{Code: code, Message: validText(err.Error())}
}

func (f *Fault) value() any {
	if f == nil {
		return nil
	}
	var msg any
	if f.Message != "" {
		msg = validText(f.Message)
	}
	return []any{f.Code, msg}
}

// validText replaces invalid UTF-8 (for example a raw file name echoed in
// an OS error) so the message always encodes as a CBOR text string.
func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
