// Package status carries the outcome of a call: a code, a human-readable message and optional
// detail bytes. A non-OK Status travels in the Response envelope and surfaces to callers as *Error.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is the outcome code of a call. Values follow the gRPC numbering.
type Code uint32

const (
	OK                 Code = 0
	Canceled           Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = [...]string{
	OK:                 "OK",
	Canceled:           "Canceled",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	DeadlineExceeded:   "DeadlineExceeded",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	PermissionDenied:   "PermissionDenied",
	ResourceExhausted:  "ResourceExhausted",
	FailedPrecondition: "FailedPrecondition",
	Aborted:            "Aborted",
	OutOfRange:         "OutOfRange",
	Unimplemented:      "Unimplemented",
	Internal:           "Internal",
	Unavailable:        "Unavailable",
	DataLoss:           "DataLoss",
	Unauthenticated:    "Unauthenticated",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Status is the wire form of a call outcome.
type Status struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	Details []byte `json:"details,omitempty"`
}

// New returns a Status with the given code and message.
func New(code Code, msg string) *Status {
	return &Status{Code: code, Message: msg}
}

// Newf is New with a format string.
func Newf(code Code, format string, a ...any) *Status {
	return New(code, fmt.Sprintf(format, a...))
}

// GetCode is nil-safe: a missing status means OK.
func (s *Status) GetCode() Code {
	if s == nil {
		return OK
	}
	return s.Code
}

// Err returns nil for an OK status and an *Error otherwise.
func (s *Status) Err() error {
	if s.GetCode() == OK {
		return nil
	}
	return &Error{s: s}
}

func (s *Status) String() string {
	if s == nil {
		return OK.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Error is the error form of a non-OK Status.
type Error struct {
	s *Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("muxrpc: code = %s desc = %s", e.s.Code, e.s.Message)
}

// Status returns the underlying status.
func (e *Error) Status() *Status { return e.s }

// Is lets errors.Is match the context errors a local deadline or cancellation stands for.
func (e *Error) Is(target error) bool {
	switch e.s.Code {
	case DeadlineExceeded:
		return target == context.DeadlineExceeded
	case Canceled:
		return target == context.Canceled
	}
	if t, ok := target.(*Error); ok {
		return t.s.Code == e.s.Code && t.s.Message == e.s.Message
	}
	return false
}

// Errorf builds an *Error directly.
func Errorf(code Code, format string, a ...any) error {
	return Newf(code, format, a...).Err()
}

// FromError returns the Status carried by err, if any.
func FromError(err error) (*Status, bool) {
	if err == nil {
		return nil, true
	}
	var se *Error
	if errors.As(err, &se) {
		return se.s, true
	}
	return New(Unknown, err.Error()), false
}

// CodeOf returns the code of err: OK for nil, the status code for *Error, DeadlineExceeded and
// Canceled for the context errors, the code of any wrapped error with a Code method, Unknown
// otherwise.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if s, ok := FromError(err); ok {
		return s.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return Canceled
	}
	var coder interface{ Code() Code }
	if errors.As(err, &coder) {
		return coder.Code()
	}
	return Unknown
}

// FromContextError converts a context error into a status error.
func FromContextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Errorf(DeadlineExceeded, "%v", err)
	case errors.Is(err, context.Canceled):
		return Errorf(Canceled, "%v", err)
	}
	return Errorf(Unknown, "%v", err)
}
