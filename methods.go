// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// A Handler processes a request from a remote service. A handler can obtain
// the local service and the connection the request arrived on from its
// context argument using the ContextService and ContextConn helpers.
//
// The result of a handler is encoded as JSON, unless the method is flagged
// BinaryResponse, in which case it must be a []byte or a string and is sent
// as the binary segment of the response. An error reported by a handler is
// returned to the caller as a structured "Kind: message" string (see
// FormatError).
type Handler func(context.Context, *Request) (any, error)

// A Request is an inbound call delivered to a Handler.
type Request struct {
	Method string
	ID     string
	Data   json.RawMessage // includes any binary attachment (see Envelope)
	Binary []byte          // the raw binary attachment, if any
}

// Unmarshal decodes the request payload into v. A null payload leaves v
// unmodified.
func (r *Request) Unmarshal(v any) error {
	if isNull(r.Data) {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Flags describe how a method may be invoked.
type Flags uint8

const (
	Callable       Flags = 1 << iota // remote services may invoke the method
	BinaryResponse                   // the result is sent as a binary segment
	Threaded                         // the handler runs on a worker goroutine
)

func (f Flags) String() string {
	var names []string
	for _, x := range []struct {
		flag Flags
		name string
	}{{Callable, "callable"}, {BinaryResponse, "binary_response"}, {Threaded, "threaded"}} {
		if f&x.flag != 0 {
			names = append(names, x.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// A Method is an entry in the method table of a service.
type Method struct {
	Name    string
	Flags   Flags
	Handler Handler
}

// Register registers a handler for the specified method name with the given
// flags. A method not flagged Callable exists but is rejected with an
// authorization error when a remote service invokes it. Passing a nil handler
// removes any method with the given name. Register returns s to permit
// chaining. It is safe to call Register while the service is running.
// Register panics if name is empty.
func (s *Service) Register(name string, flags Flags, h Handler) *Service {
	if name == "" {
		panic("svcrpc: empty method name")
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if h == nil {
		delete(s.methods, name)
	} else {
		s.methods[name] = Method{Name: name, Flags: flags, Handler: h}
	}
	return s
}

// Handle registers h as a Callable method. It is shorthand for
// s.Register(name, Callable, h).
func (s *Service) Handle(name string, h Handler) *Service { return s.Register(name, Callable, h) }

// MethodInfo reports the method table entry for name.
func (s *Service) MethodInfo(name string) (Method, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	m, ok := s.methods[name]
	if !ok {
		return Method{}, &MethodNotFoundError{Method: name}
	}
	return m, nil
}

// Methods returns the method table of s, ordered by name.
func (s *Service) Methods() []Method {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]Method, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Method) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// lookupMethod returns the method to handle a remote call to name, or an error
// if no such method may be called remotely.
func (s *Service) lookupMethod(name string) (Method, error) {
	m, err := s.MethodInfo(name)
	if err != nil {
		return m, err
	} else if m.Flags&Callable == 0 {
		return m, &AuthorizationError{Method: name}
	}
	return m, nil
}

// Exec executes the (local) handler on s for the named method, regardless of
// whether it is Callable, and returns its encoded result. No frames are sent.
// A Threaded handler runs on the calling goroutine.
func (s *Service) Exec(ctx context.Context, method string, data any) (json.RawMessage, error) {
	m, err := s.MethodInfo(method)
	if err != nil {
		return nil, err
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	req := &Request{Method: method, Data: raw}
	result, err := invoke(context.WithValue(ctx, serviceContextKey{}, s), m, req)
	if err != nil {
		return nil, err
	}
	rsp := makeResponse("", m, result, nil)
	if rsp.Error != "" {
		return nil, ParseRemoteError(rsp.Error)
	} else if rsp.Binary != nil {
		return json.Marshal(rsp.Binary)
	}
	return rsp.Data, nil
}

// invoke calls the handler for m, converting a panic into an error.
func invoke(ctx context.Context, m Method, req *Request) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = panicError{value: x}
		}
	}()
	return m.Handler(ctx, req)
}

// errNotBinary is reported when a BinaryResponse handler returns a value that
// is not a []byte or string.
var errNotBinary = errors.New("binary response is not a byte string")

// makeResponse builds the response to call id given the result of its handler.
func makeResponse(id string, m Method, result any, err error) *Envelope {
	rsp := &Envelope{ID: id}
	if err != nil {
		rsp.Error = FormatError(err)
		return rsp
	}
	if m.Flags&BinaryResponse != 0 {
		switch v := result.(type) {
		case []byte:
			rsp.Binary = v
		case string:
			rsp.Binary = []byte(v)
		case nil:
			// send no attachment
		default:
			rsp.Error = FormatError(fmt.Errorf("method %q: %w (%T)", m.Name, errNotBinary, result))
		}
		return rsp
	}
	data, err := json.Marshal(result)
	if err != nil {
		rsp.Error = FormatError(fmt.Errorf("method %q: encoding result: %w", m.Name, err))
		return rsp
	}
	rsp.Data = data
	return rsp
}

// marshalData encodes a call payload as JSON. A nil value encodes as null.
func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// echo is the built-in "echo" method. It accepts either a JSON string or an
// object with a "string" field, and returns the string.
func echo(_ context.Context, req *Request) (any, error) {
	var arg any
	if err := req.Unmarshal(&arg); err != nil {
		return nil, err
	}
	switch v := arg.(type) {
	case string:
		return v, nil
	case map[string]any:
		if s, ok := v["string"].(string); ok {
			return s, nil
		}
	}
	return nil, errors.New("echo: argument must be a string")
}

type serviceContextKey struct{}
type connContextKey struct{}

// ContextService returns the Service associated with the given context, or
// nil if none is defined. The context passed to a Handler has this value.
func ContextService(ctx context.Context) *Service {
	if v := ctx.Value(serviceContextKey{}); v != nil {
		return v.(*Service)
	}
	return nil
}

// ContextConn returns the connection on which the request being handled
// arrived, or nil if none is defined. Handlers flagged Threaded must not use
// the connection, since it belongs to the service loop.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}
