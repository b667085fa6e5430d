// Package uds is the control channel between the CLI and a running daemon:
// length-prefixed JSON frames over a Unix domain socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/msageha/specsync/internal/model"
)

const ProtocolVersion = 1

// SocketName is the socket filename inside the project's state directory.
const SocketName = "daemon.sock"

// MaxFrameSize bounds a single frame's payload.
const MaxFrameSize = 10 << 20

// Commands served by the daemon.
const (
	CmdPing     = "ping"
	CmdStatus   = "status"
	CmdValidate = "validate"
	CmdReplay   = "replay"
	CmdShutdown = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Decode unmarshals the request parameters into v. Missing params leave v
// untouched.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return model.WrapError(model.ErrKindInvalid, r.Command, "", err)
	}
	return nil
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail carries a failure across the socket. Code is a model error
// kind or one of the protocol codes below.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "protocol_mismatch"
	ErrCodeUnknownCommand   = "unknown_command"
)

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(string(model.ErrKindIO), "marshal response: "+err.Error())
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Error: &ErrorDetail{Code: code, Message: message},
	}
}

// FromError reports err with its model kind as the code.
func FromError(err error) *Response {
	return ErrorResponse(string(model.KindOf(err)), err.Error())
}

// Err turns a failed response back into a *model.Error so callers can
// match it with errors.Is. Protocol codes map to invalid.
func (r *Response) Err(command string) error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return model.NewError(model.ErrKindIO, command, "", "daemon reported failure without detail")
	}
	kind := model.ErrorKind(r.Error.Code)
	switch kind {
	case model.ErrKindIO, model.ErrKindParse, model.ErrKindConsistencyConflict,
		model.ErrKindDependencyViolation, model.ErrKindCapacityExceeded,
		model.ErrKindAssignmentConflict, model.ErrKindNotFound,
		model.ErrKindInvalid, model.ErrKindCancelled:
	default:
		kind = model.ErrKindInvalid
	}
	return &model.Error{Kind: kind, Op: command, Err: errors.New(r.Error.Message)}
}

// WriteFrame writes v as [4-byte big-endian length][JSON payload].
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
