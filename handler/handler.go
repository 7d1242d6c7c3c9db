// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the svcrpc.Handler type for functions
// with other signatures.
//
// Parameters are decoded from the JSON payload of the request. A null
// payload leaves the parameter at its zero value. Results are returned to the
// caller as JSON, unless the method is registered with svcrpc.BinaryResponse,
// in which case the result must be a []byte or a string.
package handler

import (
	"context"
	"fmt"

	"github.com/creachadair/svcrpc"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *svcrpc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*svcrpc.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a svcrpc.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) svcrpc.Handler {
	return func(ctx context.Context, req *svcrpc.Request) (any, error) {
		var p P
		if err := unmarshal(req, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, reqContextKey{}, req), p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a svcrpc.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) svcrpc.Handler {
	return func(ctx context.Context, req *svcrpc.Request) (any, error) {
		var p P
		if err := unmarshal(req, &p); err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, reqContextKey{}, req), p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a svcrpc.Handler. The result is null.
func ParamError[P any](f func(context.Context, P) error) svcrpc.Handler {
	return func(ctx context.Context, req *svcrpc.Request) (any, error) {
		var p P
		if err := unmarshal(req, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, reqContextKey{}, req), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a svcrpc.Handler. The payload of the
// request is ignored.
func ResultError[R any](f func(context.Context) (R, error)) svcrpc.Handler {
	return func(ctx context.Context, req *svcrpc.Request) (any, error) {
		r, err := f(context.WithValue(ctx, reqContextKey{}, req))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a svcrpc.Handler.
func ResultOnly[R any](f func(context.Context) R) svcrpc.Handler {
	return func(ctx context.Context, req *svcrpc.Request) (any, error) {
		return f(context.WithValue(ctx, reqContextKey{}, req)), nil
	}
}

// ParamsError is the concrete type of errors reported when the payload of a
// request does not decode into the parameter type of a handler.
type ParamsError struct {
	Method string
	Err    error
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("invalid parameters for %q: %v", e.Method, e.Err)
}

func (e *ParamsError) Unwrap() error { return e.Err }

func unmarshal(req *svcrpc.Request, v any) error {
	if err := req.Unmarshal(v); err != nil {
		return &ParamsError{Method: req.Method, Err: err}
	}
	return nil
}
