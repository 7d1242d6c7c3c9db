// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/svcrpc"
	"github.com/creachadair/svcrpc/channel"
	"github.com/creachadair/svcrpc/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// testSink is a LogSink that writes to the test log.
type testSink struct{ t *testing.T }

func (s testSink) Log(r svcrpc.Record) { s.t.Logf("[%v] %v: %s", r.Severity, r.Coord, r.Message) }

func newService(t *testing.T, name string, addrs svcrpc.AddressTable, opts *svcrpc.Options) *svcrpc.Service {
	t.Helper()
	if opts == nil {
		opts = new(svcrpc.Options)
	}
	if opts.Log == nil {
		opts.Log = testSink{t}
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = 5 * time.Millisecond
	}
	if addrs == nil {
		addrs = svcrpc.AddressMap{}
	}
	svc, err := svcrpc.NewService(svcrpc.ServiceCoord{Name: name}, addrs, opts)
	if err != nil {
		t.Fatalf("NewService %q: %v", name, err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func newLocal(t *testing.T) *peers.Local {
	t.Helper()
	loc, err := peers.NewLocal(&svcrpc.Options{Log: testSink{t}, StepTimeout: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return loc
}

// stepUntil runs steps of svc until cond reports true, and fails if that
// takes too long.
func stepUntil(t *testing.T, svc *svcrpc.Service, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		svc.Step()
	}
}

func mustRemoteError(t *testing.T, err error, kind string) *svcrpc.RemoteError {
	t.Helper()
	var serr *svcrpc.SyncError
	if !errors.As(err, &serr) {
		t.Fatalf("Got error %v (%T), want *SyncError", err, err)
	}
	var rerr *svcrpc.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("Got error %v, want a remote error", err)
	}
	if rerr.Kind != kind {
		t.Errorf("Remote error kind: got %q, want %q (%v)", rerr.Kind, kind, rerr)
	}
	return rerr
}

func TestEcho(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t)
	defer loc.Stop()

	t.Run("Sync", func(t *testing.T) {
		for _, arg := range []any{"hello", map[string]string{"string": "hello"}} {
			got, err := loc.Conn.Call("echo", arg)
			if err != nil {
				t.Fatalf("Call echo %v: %v", arg, err)
			}
			if string(got) != `"hello"` {
				t.Errorf("Call echo %v: got %s, want %q", arg, got, "hello")
			}
		}
	})

	t.Run("Async", func(t *testing.T) {
		var rep *svcrpc.Reply
		if !loc.Conn.Send("echo", "hello", func(r *svcrpc.Reply) { rep = r }, svcrpc.Bind("ctx"), svcrpc.Extra(42)) {
			t.Fatal("Send failed")
		}
		stepUntil(t, loc.B, func() bool { return rep != nil })
		if rep.Err != nil {
			t.Errorf("Reply error: %v", rep.Err)
		}
		var s string
		if err := rep.Unmarshal(&s); err != nil || s != "hello" {
			t.Errorf("Reply: got (%q, %v), want hello", s, err)
		}
		if rep.Bound != "ctx" || rep.Extra != 42 {
			t.Errorf("Reply: got bound %v, extra %v", rep.Bound, rep.Extra)
		}
	})

	t.Run("BadArgument", func(t *testing.T) {
		_, err := loc.Conn.Call("echo", 17)
		mustRemoteError(t, err, "Error")
	})

	if v := loc.B.Metrics().Get("calls_out").String(); v == "0" {
		t.Errorf("calls_out: got %s, want nonzero", v)
	}
	if v := loc.A.Metrics().Get("calls_in").String(); v == "0" {
		t.Errorf("calls_in: got %s, want nonzero", v)
	}
}

func TestDispatchErrors(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t)
	defer loc.Stop()

	loc.A.
		Register("internal", 0, func(context.Context, *svcrpc.Request) (any, error) {
			t.Error("Non-callable method was invoked")
			return nil, nil
		}).
		Handle("explode", func(context.Context, *svcrpc.Request) (any, error) {
			panic("kaboom")
		}).
		Handle("fail", func(context.Context, *svcrpc.Request) (any, error) {
			return nil, &svcrpc.MethodNotFoundError{Method: "inner"}
		})

	_, err := loc.Conn.Call("internal", nil)
	mustRemoteError(t, err, "AuthorizationError")

	_, err = loc.Conn.Call("nonesuch", nil)
	mustRemoteError(t, err, "MethodNotFoundError")

	_, err = loc.Conn.Call("explode", nil)
	if rerr := mustRemoteError(t, err, "Panic"); !strings.Contains(rerr.Message, "kaboom") {
		t.Errorf("Panic message: got %q, want kaboom", rerr.Message)
	}

	_, err = loc.Conn.Call("fail", nil)
	if rerr := mustRemoteError(t, err, "MethodNotFoundError"); rerr.Message != `service has no method "inner"` {
		t.Errorf("Error message: got %q", rerr.Message)
	}

	// The connection survives all of that.
	if got, err := svcrpc.CallAs[string](loc.Conn, "echo", "still here"); err != nil || got != "still here" {
		t.Errorf("Call echo: got (%q, %v)", got, err)
	}
}

func TestBinary(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t)
	defer loc.Stop()

	content := []byte("\x00line one\r\nline two\\\r\n\xff")
	type fileArg struct {
		Name string `json:"name"`
		Data []byte `json:"binary_data"`
	}
	loc.A.
		Register("get_file", svcrpc.Callable|svcrpc.BinaryResponse, func(context.Context, *svcrpc.Request) (any, error) {
			return content, nil
		}).
		Handle("put_file", func(_ context.Context, req *svcrpc.Request) (any, error) {
			var arg fileArg
			if err := req.Unmarshal(&arg); err != nil {
				return nil, err
			}
			if !cmp.Equal(arg.Data, req.Binary) {
				t.Errorf("Payload data %q != attachment %q", arg.Data, req.Binary)
			}
			return map[string]any{"name": arg.Name, "size": len(req.Binary)}, nil
		})

	t.Run("Response", func(t *testing.T) {
		var rep *svcrpc.Reply
		loc.Conn.Send("get_file", nil, func(r *svcrpc.Reply) { rep = r })
		stepUntil(t, loc.B, func() bool { return rep != nil })
		if diff := cmp.Diff(content, rep.Binary); diff != "" {
			t.Errorf("Binary (-want, +got):\n%s", diff)
		}
		var data []byte
		if err := rep.Unmarshal(&data); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(content, data); diff != "" {
			t.Errorf("Data (-want, +got):\n%s", diff)
		}
	})

	type result struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	}
	t.Run("RequestField", func(t *testing.T) {
		got, err := svcrpc.CallAs[result](loc.Conn, "put_file", fileArg{Name: "a.txt", Data: content})
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if diff := cmp.Diff(result{"a.txt", len(content)}, got); diff != "" {
			t.Errorf("Result (-want, +got):\n%s", diff)
		}
	})

	t.Run("RequestAttach", func(t *testing.T) {
		got, err := svcrpc.CallAs[result](loc.Conn, "put_file", map[string]string{"name": "b.txt"}, svcrpc.Attach(content[:5]))
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if diff := cmp.Diff(result{"b.txt", 5}, got); diff != "" {
			t.Errorf("Result (-want, +got):\n%s", diff)
		}
	})

	t.Run("AttachNonObject", func(t *testing.T) {
		// An attachment cannot travel with a payload that is not an object.
		if loc.Conn.Send("put_file", "c.txt", nil, svcrpc.Attach(content)) {
			t.Error("Send with attachment on a string payload: got true, want false")
		}
		if !loc.Conn.Connected() {
			t.Error("Connection dropped after an unsendable request")
		}
	})
}

// A pipePair is a server service and a client service whose connections run
// over in-memory channels. Neither service runs on its own; the test drives
// both with Step.
type pipePair struct {
	srv, cli *svcrpc.Service
	rec      *channel.Recorder // server end of the latest connection
	srvConn  *svcrpc.Conn      // server side of the latest connection
	dials    int
	refuse   bool // if true, dials fail
}

var serverCoord = svcrpc.ServiceCoord{Name: "Server"}

func newPipePair(t *testing.T, opts *svcrpc.Options) *pipePair {
	t.Helper()
	p := &pipePair{srv: newService(t, "Server", nil, nil)}

	var copts svcrpc.Options
	if opts != nil {
		copts = *opts
	}
	copts.Dial = func(svcrpc.Address) (svcrpc.Channel, error) {
		p.dials++
		if p.refuse {
			return nil, errors.New("connection refused")
		}
		a, b := channel.Direct(16)
		p.rec = channel.Record(b)
		p.srvConn = p.srv.Attach(p.rec, svcrpc.Address{Host: "pipe"})
		return a, nil
	}
	p.cli = newService(t, "Client", svcrpc.AddressMap{serverCoord: {Host: "pipe", Port: 1}}, &copts)
	return p
}

func TestThreaded(t *testing.T) {
	p := newPipePair(t, nil)

	var inStep atomic.Bool
	step := func() { inStep.Store(true); p.srv.Step(); inStep.Store(false) }

	gates := map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})}
	started := make(chan string, 2)
	p.srv.Register("slow", svcrpc.Callable|svcrpc.Threaded, func(ctx context.Context, req *svcrpc.Request) (any, error) {
		var name string
		if err := req.Unmarshal(&name); err != nil {
			return nil, err
		}
		started <- name
		select {
		case <-gates[name]:
			return name + " done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	conn, err := p.cli.ConnectTo(serverCoord, nil)
	if err != nil || !conn.Connected() {
		t.Fatalf("ConnectTo: %v", err)
	}
	p.rec.OnSend = func([]byte) {
		if !inStep.Load() {
			t.Error("Reply sent outside of a server step")
		}
	}

	var order []string
	for _, name := range []string{"a", "b"} {
		if !conn.Send("slow", name, func(r *svcrpc.Reply) {
			var s string
			if err := r.Unmarshal(&s); err != nil || r.Err != nil {
				t.Errorf("Reply: %v, %v", err, r.Err)
			}
			order = append(order, s)
		}) {
			t.Fatalf("Send %q failed", name)
		}
	}

	// Both handlers start, and stepping does not wait for them.
	var n int
	deadline := time.Now().Add(5 * time.Second)
	for n < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for handlers to start")
		}
		step()
		select {
		case <-started:
			n++
		default:
		}
	}

	// Finish b first. Its reply is held until the server runs a step.
	close(gates["b"])
	time.Sleep(50 * time.Millisecond)
	if got := p.rec.Len(); got != 0 {
		t.Errorf("Got %d replies sent before the server step, want 0", got)
	}
	for p.rec.Len() == 0 {
		step()
	}
	close(gates["a"])
	for p.rec.Len() < 2 {
		step()
	}

	stepUntil(t, p.cli, func() bool { return len(order) == 2 })
	if diff := cmp.Diff([]string{"b done", "a done"}, order); diff != "" {
		t.Errorf("Reply order (-want, +got):\n%s", diff)
	}
}

func TestThreadedDisconnect(t *testing.T) {
	p := newPipePair(t, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p.srv.Register("slow", svcrpc.Callable|svcrpc.Threaded, func(context.Context, *svcrpc.Request) (any, error) {
		started <- struct{}{}
		<-release
		return "late", nil
	})
	conn, err := p.cli.ConnectTo(serverCoord, nil)
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	conn.Send("slow", nil, nil)
	stepUntil(t, p.srv, func() bool { return len(started) == 1 })

	// Drop the connection while the handler runs; its reply is discarded.
	conn.Close()
	stepUntil(t, p.srv, func() bool { return !p.srvConn.Connected() })
	close(release)
	stepUntil(t, p.srv, func() bool { return p.srv.Metrics().Get("calls_threaded_active").String() == "0" })
	if got := p.rec.Len(); got != 0 {
		t.Errorf("Got %d replies sent on a closed connection, want 0", got)
	}
}

func TestReconnect(t *testing.T) {
	now := time.Unix(1000, 0)
	p := newPipePair(t, &svcrpc.Options{
		Now:               func() time.Time { return now },
		StepTimeout:       5 * time.Millisecond,
		ReconnectInterval: 10 * time.Second,
	})
	var connects int
	conn, err := p.cli.ConnectTo(serverCoord, &svcrpc.ConnectOptions{
		OnConnect: func(*svcrpc.Conn) { connects++ },
	})
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	check := func(wantDials, wantConnects int, wantConnected bool) {
		t.Helper()
		if p.dials != wantDials || connects != wantConnects || conn.Connected() != wantConnected {
			t.Errorf("Got dials=%d connects=%d connected=%v, want %d, %d, %v",
				p.dials, connects, conn.Connected(), wantDials, wantConnects, wantConnected)
		}
	}
	check(1, 1, true)

	// The first sweep happens at once, but has nothing to do.
	p.cli.Step()
	check(1, 1, true)

	// Simulate a socket failure.
	p.rec.Close()
	stepUntil(t, p.cli, func() bool { return !conn.Connected() })
	check(1, 1, false)

	// Sweeps are periodic, and each one makes a single attempt.
	p.refuse = true
	p.cli.Step()
	check(1, 1, false)

	now = now.Add(10 * time.Second)
	p.cli.Step()
	check(2, 1, false)

	now = now.Add(10 * time.Second)
	p.cli.Step()
	check(3, 1, false)

	// The hook fires once per successful reconnect.
	p.refuse = false
	now = now.Add(10 * time.Second)
	p.cli.Step()
	check(4, 2, true)

	now = now.Add(10 * time.Second)
	p.cli.Step()
	check(4, 2, true)

	if got := p.cli.Metrics().Get("reconnects").String(); got != "2" {
		t.Errorf("reconnects: got %s, want 2", got)
	}
}

func TestSyncCall(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t)
	defer loc.Stop()

	release := make(chan struct{})
	loc.A.
		Handle("fail", func(context.Context, *svcrpc.Request) (any, error) {
			return nil, errors.New("the judges are unhappy")
		}).
		Register("hang", svcrpc.Callable|svcrpc.Threaded, func(ctx context.Context, _ *svcrpc.Request) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		}).
		Handle("hangup", func(ctx context.Context, _ *svcrpc.Request) (any, error) {
			svcrpc.ContextConn(ctx).Close()
			return nil, nil
		})

	t.Run("OK", func(t *testing.T) {
		got, err := loc.Conn.Call("echo", "fine")
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if string(got) != `"fine"` {
			t.Errorf("Call: got %s, want %q", got, "fine")
		}
	})

	t.Run("RemoteError", func(t *testing.T) {
		_, err := loc.Conn.Call("fail", nil)
		rerr := mustRemoteError(t, err, "Error")
		if rerr.Message != "the judges are unhappy" {
			t.Errorf("Message: got %q", rerr.Message)
		}
		var serr *svcrpc.SyncError
		if errors.As(err, &serr) && serr.Method != "fail" {
			t.Errorf("SyncError method: got %q, want fail", serr.Method)
		}
	})

	t.Run("Deadline", func(t *testing.T) {
		start := time.Now()
		_, err := loc.Conn.Call("hang", nil, svcrpc.Deadline(50*time.Millisecond))
		if !errors.Is(err, svcrpc.ErrDeadline) {
			t.Errorf("Call: got %v, want %v", err, svcrpc.ErrDeadline)
		}
		if d := time.Since(start); d < 50*time.Millisecond {
			t.Errorf("Call returned after %v, before its deadline", d)
		}
		close(release)
	})

	t.Run("Disconnected", func(t *testing.T) {
		_, err := loc.Conn.Call("hangup", nil)
		if !errors.Is(err, svcrpc.ErrDisconnected) {
			t.Errorf("Call: got %v, want %v", err, svcrpc.ErrDisconnected)
		}

		// The next call reconnects on demand.
		if got, err := svcrpc.CallAs[string](loc.Conn, "echo", "back"); err != nil || got != "back" {
			t.Errorf("Call after reconnect: got (%q, %v)", got, err)
		}
	})
}

func TestNotConnected(t *testing.T) {
	defer leaktest.Check(t)()
	p := newPipePair(t, nil)
	p.refuse = true

	conn, err := p.cli.ConnectTo(serverCoord, nil)
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	if conn.Connected() {
		t.Fatal("Connection succeeded unexpectedly")
	}
	if conn.Send("echo", "x", nil) {
		t.Error("Send on a refused connection reported success")
	}
	if _, err := conn.Call("echo", "x"); !errors.Is(err, svcrpc.ErrNotConnected) {
		t.Errorf("Call: got %v, want %v", err, svcrpc.ErrNotConnected)
	}
	if _, err := conn.Execute("echo", "x", nil); !errors.Is(err, svcrpc.ErrNotConnected) {
		t.Errorf("Execute: got %v, want %v", err, svcrpc.ErrNotConnected)
	}
	if _, err := p.cli.ConnectTo(svcrpc.ServiceCoord{Name: "Nowhere"}, nil); !errors.Is(err, svcrpc.ErrAddressNotFound) {
		t.Errorf("ConnectTo unknown: got %v, want %v", err, svcrpc.ErrAddressNotFound)
	}
}

func TestExecute(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t)
	defer loc.Stop()

	var hooked int
	conn, err := loc.B.ConnectTo(peers.ServerCoord, &svcrpc.ConnectOptions{
		Sync:      true,
		OnConnect: func(*svcrpc.Conn) { hooked++ },
	})
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	if hooked != 1 {
		t.Errorf("OnConnect called %d times, want 1", hooked)
	}
	if c, ok := loc.B.Remote(peers.ServerCoord); !ok || c != conn {
		t.Errorf("Remote: got %v, want %v", c, conn)
	}

	var reps []*svcrpc.Reply
	cb := func(r *svcrpc.Reply) { reps = append(reps, r) }

	// The connection default is synchronous.
	got, err := conn.Execute("echo", "one", cb, svcrpc.Extra(1))
	if err != nil || string(got) != `"one"` {
		t.Errorf("Execute sync: got (%s, %v)", got, err)
	}
	if len(reps) != 1 || reps[0].Extra != 1 || string(reps[0].Data) != `"one"` {
		t.Errorf("Sync callback: got %+v", reps)
	}

	// A per-call option overrides the default.
	got, err = conn.Execute("echo", "two", cb, svcrpc.Sync(false), svcrpc.Extra(2))
	if err != nil || got != nil {
		t.Errorf("Execute async: got (%s, %v), want (nil, nil)", got, err)
	}
	stepUntil(t, loc.B, func() bool { return len(reps) == 2 })
	if reps[1].Extra != 2 || string(reps[1].Data) != `"two"` {
		t.Errorf("Async callback: got %+v", reps[1])
	}

	// A synchronous error is reported to the callback too.
	_, err = conn.Execute("nonesuch", nil, cb)
	mustRemoteError(t, err, "MethodNotFoundError")
	if len(reps) != 3 || reps[2].Err == nil {
		t.Errorf("Sync error callback: got %+v", reps)
	}

	loc.B.Disconnect(peers.ServerCoord)
	if _, ok := loc.B.Remote(peers.ServerCoord); ok {
		t.Error("Remote still present after Disconnect")
	}
}

func TestExec(t *testing.T) {
	svc := newService(t, "Local", nil, nil)
	svc.Register("double", 0, func(ctx context.Context, req *svcrpc.Request) (any, error) {
		if svcrpc.ContextService(ctx) != svc {
			t.Error("Handler context has the wrong service")
		}
		var n int
		if err := req.Unmarshal(&n); err != nil {
			return nil, err
		}
		return 2 * n, nil
	})

	// Exec ignores the callable flag.
	got, err := svc.Exec(context.Background(), "double", 21)
	if err != nil || string(got) != "42" {
		t.Errorf("Exec: got (%s, %v), want 42", got, err)
	}
	if _, err := svc.Exec(context.Background(), "nonesuch", nil); err == nil {
		t.Error("Exec of unknown method succeeded")
	}

	m, err := svc.MethodInfo("double")
	if err != nil || m.Flags != 0 {
		t.Errorf("MethodInfo: got (%+v, %v)", m, err)
	}
	svc.Register("double", 0, nil)
	if _, err := svc.MethodInfo("double"); err == nil {
		t.Error("Method still present after removal")
	}
	var names []string
	for _, m := range svc.Methods() {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"echo"}, names); diff != "" {
		t.Errorf("Methods (-want, +got):\n%s", diff)
	}
	mtest.MustPanic(t, func() { svc.Handle("", noop) })
}

func TestRemoteSink(t *testing.T) {
	defer leaktest.Check(t)()
	loc := newLocal(t)
	defer loc.Stop()

	var μ sync.Mutex
	var msgs []svcrpc.LogMessage
	loc.A.Handle("Log", func(_ context.Context, req *svcrpc.Request) (any, error) {
		var m svcrpc.LogMessage
		if err := req.Unmarshal(&m); err != nil {
			return nil, err
		}
		μ.Lock()
		defer μ.Unlock()
		msgs = append(msgs, m)
		return nil, nil
	})

	loc.B.SetLogSink(svcrpc.TeeSink{testSink{t}, svcrpc.NewRemoteSink(loc.Conn)})
	loc.B.SetOperation("scoring")
	loc.B.Logf(svcrpc.SevDebug, "not forwarded")
	loc.B.Logf(svcrpc.SevWarning, "forwarded %d", 1)

	// Calls on one connection are handled in order, so once this returns the
	// log call has been handled.
	if _, err := loc.Conn.Call("echo", "flush"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	μ.Lock()
	defer μ.Unlock()
	if len(msgs) != 1 {
		t.Fatalf("Got %d log messages, want 1: %+v", len(msgs), msgs)
	}
	got := msgs[0]
	got.Timestamp = 0
	if diff := cmp.Diff(svcrpc.LogMessage{
		Message:   "forwarded 1",
		Coord:     peers.ClientCoord.String(),
		Operation: "scoring",
		Severity:  "WARNING",
	}, got); diff != "" {
		t.Errorf("Log message (-want, +got):\n%s", diff)
	}
}

func TestTimers(t *testing.T) {
	now := time.Unix(5000, 0)
	svc := newService(t, "Timers", nil, &svcrpc.Options{Now: func() time.Time { return now }})

	var repeat, once int
	svc.AddTimeout(func() bool { repeat++; return true }, time.Second, false)
	svc.AddTimeout(func() bool { once++; return false }, time.Second, true)

	svc.Step()
	if repeat != 0 || once != 1 {
		t.Errorf("Step 1: repeat=%d once=%d, want 0, 1", repeat, once)
	}
	svc.Step()
	if repeat != 0 || once != 1 {
		t.Errorf("Step 2: repeat=%d once=%d, want 0, 1", repeat, once)
	}
	now = now.Add(time.Second)
	svc.Step()
	if repeat != 1 || once != 1 {
		t.Errorf("Step 3: repeat=%d once=%d, want 1, 1", repeat, once)
	}
	now = now.Add(1500 * time.Millisecond)
	svc.Step()
	svc.Step()
	if repeat != 2 || once != 1 {
		t.Errorf("Step 4: repeat=%d once=%d, want 2, 1", repeat, once)
	}
}

func TestDeferred(t *testing.T) {
	svc := newService(t, "Deferred", nil, nil)

	var log []string
	svc.AddDeferred(func() {
		log = append(log, "first")
		svc.AddDeferred(func() { log = append(log, "second") })
	})
	if len(log) != 0 {
		t.Errorf("Deferred function ran before a step: %q", log)
	}
	svc.Step()
	if diff := cmp.Diff([]string{"first"}, log); diff != "" {
		t.Errorf("Step 1 (-want, +got):\n%s", diff)
	}
	svc.Step()
	if diff := cmp.Diff([]string{"first", "second"}, log); diff != "" {
		t.Errorf("Step 2 (-want, +got):\n%s", diff)
	}
	svc.Step()
	if len(log) != 2 {
		t.Errorf("Deferred function ran more than once: %q", log)
	}
}

func TestPost(t *testing.T) {
	defer leaktest.Check(t)()
	svc := newService(t, "Post", nil, &svcrpc.Options{StepTimeout: time.Hour})

	var got []int
	g := taskgroup.New(nil)
	for i := range 5 {
		g.Go(func() error { svc.Post(func() { got = append(got, i) }); return nil })
	}
	g.Wait()

	// The step does not wait out its timeout, since a post wakes it.
	start := time.Now()
	svc.Step()
	if d := time.Since(start); d > time.Minute {
		t.Errorf("Step took %v", d)
	}
	if len(got) != 5 {
		t.Errorf("Got %d posted calls, want 5", len(got))
	}
}

func TestRun(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Context", func(t *testing.T) {
		svc := newService(t, "Run", nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		g := taskgroup.New(nil)
		g.Go(func() error { return svc.Run(ctx) })
		time.Sleep(20 * time.Millisecond)
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
		if !svc.Exited() {
			t.Error("Service has not exited")
		}
	})

	t.Run("Exit", func(t *testing.T) {
		svc := newService(t, "Run", nil, nil)
		svc.AddDeferred(svc.Exit)
		if err := svc.Run(context.Background()); err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
	})

	t.Run("Panic", func(t *testing.T) {
		svc := newService(t, "Run", nil, nil)
		svc.AddDeferred(func() { panic("unexpected") })
		err := svc.Run(context.Background())
		if err == nil || !strings.Contains(err.Error(), "unexpected") {
			t.Errorf("Run: got %v, want panic error", err)
		}
	})
}

func TestListen(t *testing.T) {
	out := newService(t, "Outbound", nil, nil)
	if got := out.Addr(); got != (svcrpc.Address{}) {
		t.Errorf("Outbound-only service has address %v", got)
	}

	in := newService(t, "Inbound", svcrpc.AddressMap{
		{Name: "Inbound"}: {Host: "127.0.0.1", Port: 0},
	}, nil)
	if got := in.Addr(); got.Port == 0 || got.Host != "127.0.0.1" {
		t.Errorf("Listening service has address %v", got)
	}

	bad := errors.New("table is broken")
	_, err := svcrpc.NewService(svcrpc.ServiceCoord{Name: "X"}, brokenTable{bad}, nil)
	if !errors.Is(err, bad) {
		t.Errorf("NewService: got %v, want %v", err, bad)
	}
}

type brokenTable struct{ err error }

func (b brokenTable) Resolve(svcrpc.ServiceCoord) (svcrpc.Address, error) {
	return svcrpc.Address{}, b.err
}

func TestUnknownResponse(t *testing.T) {
	p := newPipePair(t, nil)
	conn, err := p.cli.ConnectTo(serverCoord, nil)
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}

	// Send a response nobody asked for, and some garbage, from the server end.
	frame, err := (&svcrpc.Envelope{ID: "nonesuch", Data: json.RawMessage(`1`)}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, f := range [][]byte{frame, []byte("garbage\r\n")} {
		if err := p.rec.Send(f); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	stepUntil(t, p.cli, func() bool { return p.cli.Metrics().Get("frames_received").String() == "2" })
	if !conn.Connected() {
		t.Error("Connection dropped after a bad frame")
	}
	if got := p.cli.Metrics().Get("frames_dropped").String(); got != "1" {
		t.Errorf("frames_dropped: got %s, want 1", got)
	}
}
