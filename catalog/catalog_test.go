// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/svcrpc"
	"github.com/creachadair/svcrpc/catalog"
	"github.com/creachadair/svcrpc/peers"
	"github.com/google/go-cmp/cmp"
)

func nop(context.Context, *svcrpc.Request) (any, error) { return nil, nil }

func TestCatalog(t *testing.T) {
	loc, err := peers.NewLocal(nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()

	loc.A.
		Register("evaluate", svcrpc.Callable|svcrpc.Threaded, nop).
		Register("get_file", svcrpc.Callable|svcrpc.BinaryResponse, nop).
		Register("internal", 0, nop)
	catalog.Install(loc.A)

	want := []catalog.Entry{
		{Name: "echo", Callable: true},
		{Name: "evaluate", Callable: true, Threaded: true},
		{Name: "get_file", Callable: true, BinaryResponse: true},
		{Name: "internal"},
		{Name: "method_info", Callable: true},
	}
	if diff := cmp.Diff(want, catalog.Of(loc.A)); diff != "" {
		t.Errorf("Local catalog (-want, +got):\n%s", diff)
	}

	t.Run("Fetch", func(t *testing.T) {
		got, err := catalog.Fetch(loc.Conn)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Remote catalog (-want, +got):\n%s", diff)
		}
	})

	t.Run("Lookup", func(t *testing.T) {
		got, err := catalog.Lookup(loc.Conn, "get_file")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if diff := cmp.Diff(want[2], got); diff != "" {
			t.Errorf("Lookup (-want, +got):\n%s", diff)
		}
	})

	t.Run("LookupMissing", func(t *testing.T) {
		_, err := catalog.Lookup(loc.Conn, "nonesuch")
		var rerr *svcrpc.RemoteError
		if !errors.As(err, &rerr) {
			t.Fatalf("Lookup: got %v, want a remote error", err)
		}
		if rerr.Kind != "MethodNotFoundError" {
			t.Errorf("Lookup: got kind %q, want MethodNotFoundError", rerr.Kind)
		}
	})

	t.Run("Decode", func(t *testing.T) {
		got, err := catalog.Decode([]byte(`[{"name":"x","callable":true,"threaded":true}]`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff([]catalog.Entry{{Name: "x", Callable: true, Threaded: true}}, got); diff != "" {
			t.Errorf("Decode (-want, +got):\n%s", diff)
		}
	})
}
