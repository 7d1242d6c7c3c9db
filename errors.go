// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"errors"
	"fmt"
	"go/token"
	"reflect"
	"strings"
)

var (
	// ErrNotConnected is reported when a call cannot be sent because the
	// connection is down and an immediate reconnect failed.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected is reported by a synchronous call whose connection was
	// lost before the reply arrived.
	ErrDisconnected = errors.New("connection lost before reply")

	// ErrDeadline is reported by a synchronous call whose deadline elapsed
	// before the reply arrived.
	ErrDeadline = errors.New("deadline exceeded waiting for reply")
)

// AuthorizationError is reported for a request naming a method that exists
// but is not marked callable.
type AuthorizationError struct {
	Method string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("method %q not callable from RPC", e.Method)
}

// Kind implements the error kind naming used in structured error strings.
func (*AuthorizationError) Kind() string { return "AuthorizationError" }

// MethodNotFoundError is reported for a request naming an unknown method.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("service has no method %q", e.Method)
}

// Kind implements the error kind naming used in structured error strings.
func (*MethodNotFoundError) Kind() string { return "MethodNotFoundError" }

// panicError is a recovered handler panic.
type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("handler panicked (recovered): %v", p.value) }
func (panicError) Kind() string    { return "Panic" }

// ErrorKind reports the kind name of err for a structured error string.
//
// If err (or an error it wraps) has a Kind() string method, its result is
// used. Otherwise, the name of the exported concrete type of err is used if
// there is one, and "Error" if not.
func ErrorKind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); token.IsExported(name) {
		return name
	}
	return "Error"
}

// FormatError renders err as a structured "Kind: message" string, as carried
// in the error field of a response. A *SyncError that wraps a remote error
// is rendered as the remote error text.
func FormatError(err error) string {
	var re *RemoteError
	if se, ok := err.(*SyncError); ok && errors.As(se.Err, &re) && re.Kind != "" {
		return re.Error()
	}
	return ErrorKind(err) + ": " + err.Error()
}

// RemoteError is an error reported by the remote service in response to a
// call. Its Error method returns the structured string as it was received.
type RemoteError struct {
	Kind    string // e.g., "AuthorizationError"; empty if the text had no kind
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// ParseRemoteError parses a structured error string.
func ParseRemoteError(s string) *RemoteError {
	kind, msg, ok := strings.Cut(s, ": ")
	if !ok || kind == "" || strings.ContainsAny(kind, " \t\n") {
		return &RemoteError{Message: s}
	}
	return &RemoteError{Kind: kind, Message: msg}
}

// SyncError is the concrete type of errors reported by a synchronous call.
// The underlying error is either a *RemoteError carrying the text reported
// by the remote service, or one of ErrNotConnected, ErrDisconnected, and
// ErrDeadline.
type SyncError struct {
	Method string
	Err    error
}

func (e *SyncError) Error() string { return fmt.Sprintf("call %s: %v", e.Method, e.Err) }

// Unwrap reports the underlying error of e.
func (e *SyncError) Unwrap() error { return e.Err }

// Kind reports the kind of the remote error wrapped by e, if it has one, or
// "SyncError" otherwise.
func (e *SyncError) Kind() string {
	var re *RemoteError
	if errors.As(e.Err, &re) && re.Kind != "" {
		return re.Kind
	}
	return "SyncError"
}
