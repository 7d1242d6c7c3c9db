// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"encoding/json"
	"time"
)

// A CallOption modifies a call issued on a Conn.
type CallOption func(*callOptions)

type callOptions struct {
	sync     *bool
	bound    any
	extra    any
	binary   []byte
	deadline time.Duration
}

func newCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Sync selects whether Execute waits for the reply (true) or delivers it to
// a callback (false), overriding the default of the connection.
func Sync(ok bool) CallOption { return func(o *callOptions) { o.sync = &ok } }

// Bind attaches v to the call. It is reported to the callback as Reply.Bound.
func Bind(v any) CallOption { return func(o *callOptions) { o.bound = v } }

// Extra attaches v to the call. It is reported to the callback as Reply.Extra.
func Extra(v any) CallOption { return func(o *callOptions) { o.extra = v } }

// Attach sends data as the binary attachment of the request. It takes
// precedence over a "binary_data" field of the payload.
func Attach(data []byte) CallOption { return func(o *callOptions) { o.binary = data } }

// Deadline limits how long a synchronous call waits for its reply.
// By default a synchronous call waits until the reply arrives or the
// connection is lost.
func Deadline(d time.Duration) CallOption { return func(o *callOptions) { o.deadline = d } }

// Call issues a call of method with the given payload and runs the service
// loop until its reply arrives. It returns the reply payload, or a *SyncError
// describing why the call failed.
//
// Call may be used from within a handler or callback running on the service
// loop; other work continues to be processed while Call waits.
func (c *Conn) Call(method string, data any, opts ...CallOption) (json.RawMessage, error) {
	o := newCallOptions(opts)
	var (
		done  bool
		reply *Reply
	)
	pc, ok := c.issue(method, data, func(r *Reply) { done, reply = true, r }, o)
	if !ok {
		return nil, &SyncError{Method: method, Err: ErrNotConnected}
	}

	var expire time.Time
	if o.deadline > 0 {
		expire = c.svc.now().Add(o.deadline)
	}
	for !done {
		if !c.connected || c.gen != pc.gen {
			c.svc.pending.release(pc.ID)
			return nil, &SyncError{Method: method, Err: ErrDisconnected}
		}
		if !expire.IsZero() && !c.svc.now().Before(expire) {
			c.svc.pending.release(pc.ID)
			return nil, &SyncError{Method: method, Err: ErrDeadline}
		}
		c.svc.Step()
	}
	if reply.Err != nil {
		return nil, &SyncError{Method: method, Err: reply.Err}
	}
	return reply.Data, nil
}

// Execute issues a call of method in the default mode of the connection,
// unless a Sync option overrides it. A synchronous call behaves as Call, and
// cb is invoked with its reply before Execute returns. An asynchronous call
// behaves as Send: Execute returns a nil payload, and an error only if the
// request could not be sent.
func (c *Conn) Execute(method string, data any, cb Callback, opts ...CallOption) (json.RawMessage, error) {
	o := newCallOptions(opts)
	sync := c.sync
	if o.sync != nil {
		sync = *o.sync
	}
	if !sync {
		if _, ok := c.issue(method, data, cb, o); !ok {
			return nil, ErrNotConnected
		}
		return nil, nil
	}
	out, err := c.Call(method, data, opts...)
	if cb != nil {
		rep := &Reply{Data: out, Bound: o.bound, Extra: o.extra}
		if err != nil {
			rep.Err = err
		}
		cb(rep)
	}
	return out, err
}

// CallAs issues a synchronous call on c and decodes its reply into a T.
func CallAs[T any](c *Conn, method string, data any, opts ...CallOption) (T, error) {
	var out T
	raw, err := c.Call(method, data, opts...)
	if err != nil {
		return out, err
	}
	rep := Reply{Data: raw}
	if err := rep.Unmarshal(&out); err != nil {
		return out, err
	}
	return out, nil
}
