package pwcore

import (
	"errors"
	"fmt"
)

// Error is a structured pwcore error carrying the failing operation, the
// object it happened on (node/port/link id, whichever applies), an
// ErrorCode drawn from the error kinds table, and an optional wrapped
// cause.
type Error struct {
	Op     string    // operation that failed (e.g. "PortSetFormat", "LinkActivate")
	NodeID uint32    // node id (0 if not applicable)
	PortID int32     // port id (-1 if not applicable)
	LinkID uint32    // link id (0 if not applicable)
	Code   ErrorCode // high-level error category
	Msg    string    // human-readable message
	Inner  error     // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.NodeID != 0 {
		parts = append(parts, fmt.Sprintf("node=%d", e.NodeID))
	}
	if e.PortID >= 0 {
		parts = append(parts, fmt.Sprintf("port=%d", e.PortID))
	}
	if e.LinkID != 0 {
		parts = append(parts, fmt.Sprintf("link=%d", e.LinkID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("pwcore: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("pwcore: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, including against the legacy sentinel
// constants below.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(sentinelError); ok {
		return e.Code == ErrorCode(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the high-level error category, per the error kinds table.
type ErrorCode string

const (
	// CodeInvalidArguments is a user error; reported, no state change.
	CodeInvalidArguments ErrorCode = "invalid arguments"
	// CodeInvalidPort is a user error on the hot path; the port's
	// input/output slot is set to the error and processing continues.
	CodeInvalidPort ErrorCode = "invalid port"
	// CodeInvalidBufferID is a user error on the hot path.
	CodeInvalidBufferID ErrorCode = "invalid buffer id"
	// CodeNoFormat is a precondition-not-met error; command rejected
	// without state change.
	CodeNoFormat ErrorCode = "no format"
	// CodeNoBuffers is a precondition-not-met error.
	CodeNoBuffers ErrorCode = "no buffers"
	// CodeNoCommonFormat is link-level; the link transitions to ERROR.
	CodeNoCommonFormat ErrorCode = "no common format"
	// CodeIncompatibleBuffers is link-level.
	CodeIncompatibleBuffers ErrorCode = "incompatible buffers"
	// CodeQueueFull is invoke-queue flow control; caller retries or drops.
	CodeQueueFull ErrorCode = "queue full"
	// CodePayloadTooLarge is invoke-queue flow control.
	CodePayloadTooLarge ErrorCode = "payload too large"
	// CodeCancelled is delivered via WorkQueue when an owning object is
	// destroyed.
	CodeCancelled ErrorCode = "cancelled"
	// CodeIO wraps an OS errno; non-fatal for the Loop unless the
	// readiness primitive itself fails.
	CodeIO ErrorCode = "I/O error"
	// CodeNotImplemented means the driver does not support the operation.
	CodeNotImplemented ErrorCode = "not implemented"
)

// sentinelError backs the legacy Err* constants so callers can compare
// with errors.Is(err, pwcore.ErrQueueFull) without reaching into Code.
type sentinelError ErrorCode

func (e sentinelError) Error() string { return string(e) }

// Legacy sentinel constants, kept alongside ErrorCode for errors.Is
// ergonomics: errors.Is(err, pwcore.ErrNoCommonFormat).
const (
	ErrInvalidArguments = sentinelError(CodeInvalidArguments)
	ErrInvalidPort      = sentinelError(CodeInvalidPort)
	ErrInvalidBufferID  = sentinelError(CodeInvalidBufferID)
	ErrNoFormat         = sentinelError(CodeNoFormat)
	ErrNoBuffers        = sentinelError(CodeNoBuffers)
	ErrNoCommonFormat   = sentinelError(CodeNoCommonFormat)
	ErrIncompatibleBufs = sentinelError(CodeIncompatibleBuffers)
	ErrQueueFull        = sentinelError(CodeQueueFull)
	ErrPayloadTooLarge  = sentinelError(CodePayloadTooLarge)
	ErrCancelled        = sentinelError(CodeCancelled)
	ErrIO               = sentinelError(CodeIO)
	ErrNotImplemented   = sentinelError(CodeNotImplemented)
)

// NewError creates a structured error with no object identifiers set.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, PortID: -1, Code: code, Msg: msg}
}

// NewNodeError creates a node-scoped structured error.
func NewNodeError(op string, nodeID uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, NodeID: nodeID, PortID: -1, Code: code, Msg: msg}
}

// NewPortError creates a port-scoped structured error.
func NewPortError(op string, nodeID uint32, portID int32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, NodeID: nodeID, PortID: portID, Code: code, Msg: msg}
}

// NewLinkError creates a link-scoped structured error.
func NewLinkError(op string, linkID uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, PortID: -1, LinkID: linkID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with pwcore operation context. If
// inner is already a structured *Error, only Op is replaced; its
// identifiers, code, message and Inner are copied unchanged.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if pe, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			NodeID: pe.NodeID,
			PortID: pe.PortID,
			LinkID: pe.LinkID,
			Code:   pe.Code,
			Msg:    pe.Msg,
			Inner:  pe.Inner,
		}
	}

	return &Error{
		Op:     op,
		PortID: -1,
		Code:   CodeIO,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// IsCode reports whether err (or a wrapped error in its chain) is a
// structured *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
