// Package rpcerr defines the structured error carried through a call and
// written into the error slot of a reply.
package rpcerr

import (
	"errors"
	"fmt"
)

// Error codes understood by callers.
const (
	CodeError              = "error"
	CodeMalformedCall      = "malformed_call"
	CodeUnknownAPI         = "unknown_api"
	CodeUnknownMethod      = "unknown_method"
	CodePermission         = "permission_error"
	CodeNoSupport          = "no_support"
	CodeInvalidArguments   = "invalid_arguments"
	CodeMethodError        = "method_error"
	CodeRecordExists       = "record_exists"
	CodeRecordDoesNotExist = "record_does_not_exist"
	CodeMaintenance        = "down_for_maintenance"
	CodeTimeout            = "timeout"

	// Client side codes.
	CodeMalformedReply = "malformed_reply"
	CodeServerError    = "server_error"
)

// OpaqueMessage is the message sent for errors that are not whitelisted.
const OpaqueMessage = "error."

// Error is a coded error. Code and Message may be sent to a remote caller;
// Stack only when the serving registry runs in development mode.
type Error struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
	Stack   string `json:"stack,omitempty" cbor:"stack,omitempty"`

	// Thrown marks errors recovered from a panicking handler.
	Thrown bool  `json:"-" cbor:"-"`
	Cause  error `json:"-" cbor:"-"`
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error carrying cause. The message defaults to the
// cause's text.
func Wrap(code string, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return "rpcerr: <nil>"
	}
	s := e.Code
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code == e.Code
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// Code returns the code of the first *Error in err's chain, or "" when err
// is not structured.
func Code(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// FromValue converts a decoded reply error slot back into an *Error.
// It accepts maps with code/message/stack keys and plain strings.
func FromValue(v any) (*Error, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case *Error:
		return t, t != nil
	case Error:
		return &t, true
	case string:
		return &Error{Code: CodeError, Message: t}, true
	case map[string]any:
		e := &Error{}
		e.Code, _ = t["code"].(string)
		e.Message, _ = t["message"].(string)
		e.Stack, _ = t["stack"].(string)
		if e.Code == "" {
			e.Code = CodeError
		}
		return e, true
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = val
		}
		return FromValue(m)
	}
	return &Error{Code: CodeError, Message: fmt.Sprint(v)}, true
}
