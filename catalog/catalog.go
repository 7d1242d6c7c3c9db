// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog reports the method table of a service to remote callers.
// Method flags are not exchanged on the wire with calls, but a catalog can be
// served by a method handler and fetched by another service.
//
// # Usage
//
// On the service that exposes its methods, install the "method_info" method:
//
//	catalog.Install(svc)
//
// A remote service can then fetch the whole table:
//
//	entries, err := catalog.Fetch(conn)
//
// or ask about a single method:
//
//	e, err := catalog.Lookup(conn, "evaluate")
//	if err == nil && e.Threaded {
//	   // ...
//	}
package catalog

import (
	"context"
	"encoding/json"

	"github.com/creachadair/svcrpc"
)

// MethodName is the name of the method registered by Install.
const MethodName = "method_info"

// An Entry describes one method of a service.
type Entry struct {
	Name           string `json:"name"`
	Callable       bool   `json:"callable"`
	BinaryResponse bool   `json:"binary_response"`
	Threaded       bool   `json:"threaded"`
}

func entryOf(m svcrpc.Method) Entry {
	return Entry{
		Name:           m.Name,
		Callable:       m.Flags&svcrpc.Callable != 0,
		BinaryResponse: m.Flags&svcrpc.BinaryResponse != 0,
		Threaded:       m.Flags&svcrpc.Threaded != 0,
	}
}

// Of returns the entries for all the methods of svc, ordered by name.
func Of(svc *svcrpc.Service) []Entry {
	ms := svc.Methods()
	out := make([]Entry, len(ms))
	for i, m := range ms {
		out[i] = entryOf(m)
	}
	return out
}

// Info returns the entry for the named method of svc.
func Info(svc *svcrpc.Service, name string) (Entry, error) {
	m, err := svc.MethodInfo(name)
	if err != nil {
		return Entry{}, err
	}
	return entryOf(m), nil
}

// Query is the payload of a call to the "method_info" method. If MethodName
// is empty, the call reports all the methods of the service.
type Query struct {
	MethodName string `json:"method_name,omitempty"`
}

// Handler is a svcrpc.Handler that serves the method table of the service
// it is registered on. It reports a single Entry if the request names a
// method, otherwise a list of all entries.
func Handler(ctx context.Context, req *svcrpc.Request) (any, error) {
	svc := svcrpc.ContextService(ctx)
	var q Query
	if err := req.Unmarshal(&q); err != nil {
		return nil, err
	}
	if q.MethodName == "" {
		return Of(svc), nil
	}
	return Info(svc, q.MethodName)
}

// Install registers Handler as the "method_info" method of svc.
func Install(svc *svcrpc.Service) { svc.Handle(MethodName, Handler) }

// Fetch calls the "method_info" method on conn and returns all the methods
// of the remote service.
func Fetch(conn *svcrpc.Conn) ([]Entry, error) {
	return svcrpc.CallAs[[]Entry](conn, MethodName, nil)
}

// Lookup calls the "method_info" method on conn and returns the entry for the
// named method of the remote service.
func Lookup(conn *svcrpc.Conn, name string) (Entry, error) {
	return svcrpc.CallAs[Entry](conn, MethodName, Query{MethodName: name})
}

// Decode decodes a reply payload of "method_info" that lists all methods.
func Decode(data json.RawMessage) ([]Entry, error) {
	var out []Entry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
