package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/channel"
	"github.com/danmuck/linkctl/internal/protocol/codec"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	bytes.Buffer
}

func (*loopback) Close() error { return nil }

func channelPair(t *testing.T) (*channel.Channel, *channel.Channel) {
	t.Helper()
	stream := &loopback{}
	secret := crypt.MustSharedSecret("K1")
	return channel.New(stream, secret, channel.RoleController), channel.New(stream, secret, channel.RoleAgent)
}

func TestOperationsRoundTripThroughChannel(t *testing.T) {
	ops := []Operation{
		Upload{Path: "/tmp/a.txt", Data: []byte("hello")},
		Download{Path: "/etc/hostname"},
		Command{Argv: []string{"echo", "hi"}},
		ThreadedCommand{Argv: []string{"sleep", "1"}},
		Ping{},
	}
	controller, agent := channelPair(t)
	for _, op := range ops {
		require.NoError(t, WriteOperation(controller, op))
		require.NoError(t, controller.Flush())

		got, err := ReadOperation(agent)
		require.NoError(t, err)
		require.Equal(t, op, got)
		require.Zero(t, agent.Release())
	}
}

func TestEmptyPayloadsRoundTrip(t *testing.T) {
	data, err := EncodeOperation(Upload{Path: "empty"})
	require.NoError(t, err)
	op, err := DecodeOperation(data)
	require.NoError(t, err)
	up, ok := op.(Upload)
	require.True(t, ok)
	require.Equal(t, "empty", up.Path)
	require.Empty(t, up.Data)

	data, err = EncodeOperation(Command{})
	require.NoError(t, err)
	op, err = DecodeOperation(data)
	require.NoError(t, err)
	require.Equal(t, KindCommand, op.Kind())
	require.Empty(t, op.(Command).Argv)

	data, err = EncodeResponse(DownloadResult{})
	require.NoError(t, err)
	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	require.Empty(t, resp.(DownloadResult).Data)
	require.Nil(t, resp.Err())
}

func TestResponsesRoundTripThroughChannel(t *testing.T) {
	responses := []Response{
		UploadResult{},
		UploadResult{Fault: &Fault{Code: StatusPermission, Message: "read-only"}},
		DownloadResult{Data: []byte{0, 1, 2}},
		DownloadResult{Fault: &Fault{Code: StatusNotFound}},
		CommandResult{Output: CommandOutput{ExitCode: 3, Stdout: []byte("out"), Stderr: []byte("err")}},
		CommandResult{Output: CommandOutput{ExitCode: -1, Stdout: []byte("x"), Stderr: []byte("y")}, Fault: &Fault{Code: StatusTimedOut, Message: "killed"}},
		ThreadedCommandResult{},
		ThreadedCommandResult{Fault: &Fault{Code: StatusBusy, Message: "workers full"}},
		Pong{},
		Failure{Fault: &Fault{Code: StatusUnsupported, Message: "nope"}},
	}
	controller, agent := channelPair(t)
	for _, resp := range responses {
		require.NoError(t, WriteResponse(agent, resp))
		require.NoError(t, agent.Flush())

		got, err := ReadResponse(controller)
		require.NoError(t, err)
		require.Equal(t, resp, got)
	}
}

func TestFaultWithoutMessageEncodesNull(t *testing.T) {
	data, err := EncodeResponse(UploadResult{Fault: &Fault{Code: 2}})
	require.NoError(t, err)
	diag, err := codec.Diagnose(data)
	require.NoError(t, err)
	require.Equal(t, "[1, [2, null]]", diag)

	data, err = EncodeResponse(UploadResult{})
	require.NoError(t, err)
	diag, err = codec.Diagnose(data)
	require.NoError(t, err)
	require.Equal(t, "[1, null]", diag)
}

func TestUnknownOperationTagDecodesAsUnrecognized(t *testing.T) {
	data, err := codec.Marshal([]any{uint64(42), "whatever"})
	require.NoError(t, err)
	op, err := DecodeOperation(data)
	require.NoError(t, err)
	require.Equal(t, Unrecognized{Tag: 42}, op)

	failure := FailureFor(op)
	require.True(t, Matches(op.Kind(), failure))
	require.Equal(t, StatusUnsupported, failure.Fault.Code)

	_, err = EncodeOperation(op)
	require.Error(t, err)
}

func TestUnknownResponseTagIsProtocolFault(t *testing.T) {
	data, err := codec.Marshal([]any{uint64(9)})
	require.NoError(t, err)
	_, err = DecodeResponse(data)
	require.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestMalformedValuesAreProtocolFaults(t *testing.T) {
	cases := map[string]any{
		"not an array":     "ping",
		"empty array":      []any{},
		"string tag":       []any{"upload"},
		"missing field":    []any{uint8(KindUpload), "path"},
		"extra field":      []any{uint8(KindPing), true},
		"wrong field type": []any{uint8(KindDownload), 17},
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := codec.Marshal(value)
			require.NoError(t, err)
			_, err = DecodeOperation(data)
			require.ErrorIs(t, err, protocol.ErrProtocol)
		})
	}

	data, err := codec.Marshal([]any{uint8(KindFailure), nil})
	require.NoError(t, err)
	_, err = DecodeResponse(data)
	require.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestMatchesPairsCategories(t *testing.T) {
	require.True(t, Matches(KindPing, Pong{}))
	require.True(t, Matches(KindUpload, UploadResult{}))
	require.True(t, Matches(KindDownload, Failure{Fault: &Fault{Code: 1}}))
	require.False(t, Matches(KindPing, UploadResult{}))
	require.False(t, Matches(KindCommand, ThreadedCommandResult{}))
	require.False(t, Matches(KindPing, nil))
}

func TestFaultFromError(t *testing.T) {
	require.Nil(t, FaultFromError(nil))

	_, err := os.ReadFile("/definitely/not/here")
	require.Equal(t, StatusNotFound, FaultFromError(err).Code)

	require.Equal(t, StatusPermission, FaultFromError(fmt.Errorf("wrap: %w", fs.ErrPermission)).Code)
	require.Equal(t, int32(syscall.ENOSPC), FaultFromError(&fs.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}).Code)
	require.Equal(t, StatusUnsupported, FaultFromError(errors.ErrUnsupported).Code)
	require.Equal(t, StatusFailed, FaultFromError(errors.New("boom")).Code)

	orig := NewFault(StatusBusy, "pool %s", "full")
	require.Same(t, orig, FaultFromError(fmt.Errorf("submit: %w", orig)))
	require.Equal(t, "fault status=16: pool full", orig.Error())
}

func TestInvalidUTF8OperationIsRefusedLocally(t *testing.T) {
	bad := []Operation{
		Upload{Path: "bad\xffname", Data: []byte("x")},
		Download{Path: "\xc3("},
		Command{Argv: []string{"echo", "ok", "\xff"}},
		ThreadedCommand{Argv: []string{"\xfe"}},
	}
	controller, agent := channelPair(t)
	for _, op := range bad {
		err := WriteOperation(controller, op)
		require.ErrorIs(t, err, ErrInvalidText, "%s", op.Kind())
		require.False(t, protocol.IsChannelFatal(err))
		require.Zero(t, controller.Pending())
	}
	require.NoError(t, controller.Err())

	require.NoError(t, WriteOperation(controller, Ping{}))
	require.NoError(t, controller.Flush())
	got, err := ReadOperation(agent)
	require.NoError(t, err)
	require.Equal(t, Ping{}, got)
}

func TestFaultMessageWithInvalidUTF8StillDecodes(t *testing.T) {
	fault := FaultFromError(&fs.PathError{Op: "open", Path: "bad\xffname", Err: fs.ErrNotExist})
	require.Equal(t, StatusNotFound, fault.Code)

	controller, agent := channelPair(t)
	responses := []Response{
		DownloadResult{Fault: fault},
		UploadResult{Fault: &Fault{Code: StatusFailed, Message: "raw \xff bytes"}},
	}
	for _, resp := range responses {
		require.NoError(t, WriteResponse(agent, resp))
		require.NoError(t, agent.Flush())

		got, err := ReadResponse(controller)
		require.NoError(t, err)
		require.NotNil(t, got.Err())
		require.Contains(t, got.Err().Message, "�")
	}
	require.NoError(t, controller.Err())
}
