// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc_test

import (
	"context"
	"strings"
	"testing"

	"github.com/creachadair/svcrpc"
	"github.com/creachadair/svcrpc/channel"
	"github.com/creachadair/svcrpc/peers"
	"github.com/creachadair/taskgroup"
)

func noop(context.Context, *svcrpc.Request) (any, error) { return nil, nil }

func BenchmarkCall(b *testing.B) {
	payload := strings.Repeat("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\n", 8)

	b.Run("TCP-noop", func(b *testing.B) {
		loc := benchLocal(b)
		loc.A.Handle("X", noop)
		runBench(b, loc.Conn, "X", nil)
	})
	b.Run("TCP-echo", func(b *testing.B) {
		loc := benchLocal(b)
		runBench(b, loc.Conn, "echo", payload)
	})
	b.Run("Direct-noop", func(b *testing.B) {
		srv, conn := directServer(b)
		srv.Handle("X", noop)
		runBench(b, conn, "X", nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		_, conn := directServer(b)
		runBench(b, conn, "echo", payload)
	})
}

func runBench(b *testing.B, conn *svcrpc.Conn, method string, data any) {
	b.Helper()
	for b.Loop() {
		if _, err := conn.Call(method, data); err != nil {
			b.Fatal(err)
		}
	}
}

func benchLocal(b *testing.B) *peers.Local {
	b.Helper()
	loc, err := peers.NewLocal(&svcrpc.Options{Log: discardSink{}})
	if err != nil {
		b.Fatalf("NewLocal: %v", err)
	}
	b.Cleanup(func() { loc.Stop() })
	return loc
}

// directServer starts a server on its own goroutine, and returns it with a
// connection to it over an in-memory channel.
func directServer(b *testing.B) (*svcrpc.Service, *svcrpc.Conn) {
	b.Helper()
	opts := &svcrpc.Options{Log: discardSink{}}
	srv, err := svcrpc.NewService(svcrpc.ServiceCoord{Name: "Server"}, svcrpc.AddressMap{}, opts)
	if err != nil {
		b.Fatalf("NewService: %v", err)
	}
	g := taskgroup.New(nil)
	g.Go(func() error { return srv.Run(context.Background()) })

	cli, err := svcrpc.NewService(svcrpc.ServiceCoord{Name: "Client"}, svcrpc.AddressMap{
		serverCoord: {Host: "pipe", Port: 1},
	}, &svcrpc.Options{
		Log: discardSink{},
		Dial: func(addr svcrpc.Address) (svcrpc.Channel, error) {
			local, remote := channel.Direct(64)
			srv.Post(func() { srv.Attach(remote, addr) })
			return local, nil
		},
	})
	if err != nil {
		b.Fatalf("NewService: %v", err)
	}
	b.Cleanup(func() {
		srv.Exit()
		g.Wait()
		cli.Close()
		srv.Close()
	})
	conn, err := cli.ConnectTo(serverCoord, nil)
	if err != nil {
		b.Fatalf("ConnectTo: %v", err)
	}
	return srv, conn
}

type discardSink struct{}

func (discardSink) Log(svcrpc.Record) {}
