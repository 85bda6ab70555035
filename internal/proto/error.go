// Package proto defines the wire-shape contracts the session runtime
// produces and consumes: operations, events, errors, and the styled-line
// encoding. It carries no transport of its own — HTTP, WebSocket, and the
// local Unix-socket channel all exchange these same Go values.
package proto

import "fmt"

// Code is the closed machine-readable error vocabulary. New kinds require a
// versioned addition here, not ad-hoc strings at call sites.
type Code string

const (
	// Not-found
	CodeSessionNotFound Code = "session_not_found"
	CodeOverlayNotFound Code = "overlay_not_found"
	CodePanelNotFound   Code = "panel_not_found"
	CodeServerNotFound  Code = "server_not_found"

	// Validation
	CodeInvalidRequest   Code = "invalid_request"
	CodeInvalidTag       Code = "invalid_tag"
	CodeInvalidOverlay   Code = "invalid_overlay"
	CodeInvalidInputMode Code = "invalid_input_mode"
	CodeInvalidFormat    Code = "invalid_format"
	CodeNotFocusable     Code = "not_focusable"

	// Conflict
	CodeSessionNameConflict    Code = "session_name_conflict"
	CodeInputCaptureFailed     Code = "input_capture_failed"
	CodeServerAlreadyRegistered Code = "server_already_registered"
	CodeAlreadyInAltScreen     Code = "already_in_alt_screen"
	CodeNotInAltScreen         Code = "not_in_alt_screen"

	// Resource
	CodeChannelFull       Code = "channel_full"
	CodeParserUnavailable Code = "parser_unavailable"

	// Timeout
	CodeIdleTimeout Code = "idle_timeout"

	// Failure
	CodeInputSendFailed     Code = "input_send_failed"
	CodeSessionCreateFailed Code = "session_create_failed"
	CodeInternalError       Code = "internal_error"
)

// Error is the single error type every operation in the core returns.
// It carries a stable Code for machine dispatch and a human Message, and
// wraps an optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with no wrapped cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an underlying cause, formatting message the
// way the rest of the codebase wraps errors (fmt.Errorf-style context).
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, and
// CodeInternalError otherwise.
func CodeOf(err error) Code {
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Code
	}
	return CodeInternalError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
