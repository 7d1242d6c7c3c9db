// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package svcrpc implements the remote procedure call layer that connects the
// services of a contest-management system.
//
// Services exchange frames over TCP. Each frame carries a JSON envelope,
// optionally followed by a raw binary attachment, and ends with a CRLF
// terminator:
//
//	<uint32 big-endian length of JSON><JSON><escaped binary>\r\n
//
// A request envelope has the form {"method": ..., "data": ..., "id": ...}
// and a response envelope {"id": ..., "data": ..., "error": ...}.
//
// # Services
//
// The core type defined by this package is the [Service]. A service is named
// by a [ServiceCoord], a service name plus a shard index, and finds the
// network addresses of itself and other services in an [AddressTable]:
//
//	addrs := svcrpc.AddressMap{
//	   {Name: "Worker", Shard: 0}:       {Host: "localhost", Port: 26000},
//	   {Name: "EvaluationService", Shard: 0}: {Host: "localhost", Port: 25000},
//	}
//	svc, err := svcrpc.NewService(svcrpc.ServiceCoord{Name: "Worker"}, addrs, nil)
//
// If the table has an address for the service itself, the service listens
// there for inbound connections. Otherwise it only connects out.
//
// All network I/O and dispatch for a service happen on one goroutine, the
// service loop, which is driven by [Service.Run] (or one [Service.Step] at a
// time). Run stops when [Service.Exit] is called or its context ends:
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	if err := svc.Run(ctx); err != nil {
//	   log.Fatalf("Service failed: %v", err)
//	}
//
// # Methods
//
// To define a method that remote services may call, register a handler:
//
//	svc.Handle("ping", func(ctx context.Context, req *svcrpc.Request) (any, error) {
//	   return "pong", nil
//	})
//
// Use [Service.Register] to set flags: a method registered without
// [Callable] is rejected with an authorization error, a [BinaryResponse]
// method returns raw bytes as the attachment of the reply, and a [Threaded]
// method runs on a worker goroutine so that it does not stall the loop.
// Every service has a built-in "echo" method.
//
// # Calls
//
// Use [Service.ConnectTo] to obtain a [Conn] to another service. If the
// connection fails, the service loop retries it periodically.
//
//	conn, err := svc.ConnectTo(svcrpc.ServiceCoord{Name: "EvaluationService"}, nil)
//
// Calls are asynchronous by default: [Conn.Send] issues the request, and the
// callback is invoked on the service loop when the reply arrives. The
// synchronous [Conn.Call] runs the service loop until the reply arrives:
//
//	rsp, err := conn.Call("echo", "hello")
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors returned by Call have concrete type [*SyncError].
//
// # Metrics
//
// Each service maintains a collection of metrics. Use [Service.Metrics] to
// obtain an [expvar.Map] containing:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of frames received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_threaded_active: gauge of threaded calls currently running
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls that could not be sent
//   - calls_pending: gauge of outbound calls currently pending
//   - reconnects: counter of successful outbound connects
package svcrpc
