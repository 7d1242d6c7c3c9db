// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package config loads the table of service addresses from a JSON file.
//
// The file lists the address of each shard of each service, indexed by shard
// number, in one of two sections:
//
//	{
//	  "core_services": {
//	    "LogService": [["localhost", 29000]],
//	    "Worker": [["localhost", 26000], ["localhost", 26001]]
//	  },
//	  "other_services": {
//	    "TestFileCacher": [["localhost", 27501]]
//	  }
//	}
//
// Core services are the parts of the system proper; other services are
// auxiliary. Both resolve the same way. Other fields of the file are ignored.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/creachadair/svcrpc"
	"github.com/fsnotify/fsnotify"
)

// A Table is a svcrpc.AddressTable loaded from a file. It is safe for
// concurrent use, and may be reloaded while services are using it.
type Table struct {
	path string

	μ     sync.RWMutex
	core  map[svcrpc.ServiceCoord]svcrpc.Address
	other map[svcrpc.ServiceCoord]svcrpc.Address
}

// Load reads the table from the file at path.
func Load(path string) (*Table, error) {
	t := &Table{path: path}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Parse parses the table from data. A table returned by Parse has no path
// and cannot be reloaded.
func Parse(data []byte) (*Table, error) {
	core, other, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Table{core: core, other: other}, nil
}

// Path returns the file path t was loaded from, or "".
func (t *Table) Path() string { return t.path }

// Resolve implements the svcrpc.AddressTable interface.
func (t *Table) Resolve(coord svcrpc.ServiceCoord) (svcrpc.Address, error) {
	t.μ.RLock()
	defer t.μ.RUnlock()
	if addr, ok := t.core[coord]; ok {
		return addr, nil
	} else if addr, ok := t.other[coord]; ok {
		return addr, nil
	}
	return svcrpc.Address{}, fmt.Errorf("service %v: %w", coord, svcrpc.ErrAddressNotFound)
}

// CoreServices returns the coordinates of the core services in t.
func (t *Table) CoreServices() []svcrpc.ServiceCoord {
	t.μ.RLock()
	defer t.μ.RUnlock()
	out := make([]svcrpc.ServiceCoord, 0, len(t.core))
	for c := range t.core {
		out = append(out, c)
	}
	return out
}

// Reload re-reads the file t was loaded from. If the file cannot be read or
// parsed, t is not changed.
func (t *Table) Reload() error {
	if t.path == "" {
		return errors.New("table has no file path")
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	core, other, err := parse(data)
	if err != nil {
		return fmt.Errorf("parse %q: %w", t.path, err)
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	t.core, t.other = core, other
	return nil
}

// Watch reloads t whenever its file changes, until ctx ends. After each
// reload attempt it calls onReload, if non-nil, with the result. Watch
// blocks until ctx ends or the watcher fails.
//
// Watch observes the directory containing the file, so that editors that
// replace the file by renaming are handled.
func (t *Table) Watch(ctx context.Context, onReload func(error)) error {
	if t.path == "" {
		return errors.New("table has no file path")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		return err
	}
	target := filepath.Clean(t.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			err := t.Reload()
			if onReload != nil {
				onReload(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %q: %w", t.path, err)
		}
	}
}

type fileFormat struct {
	Core  map[string][]hostPort `json:"core_services"`
	Other map[string][]hostPort `json:"other_services"`
}

// hostPort is an address written as a ["host", port] pair.
type hostPort svcrpc.Address

func (h *hostPort) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	} else if len(pair) != 2 {
		return fmt.Errorf("address must be a [host, port] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &h.Host); err != nil {
		return fmt.Errorf("invalid host: %w", err)
	}
	if err := json.Unmarshal(pair[1], &h.Port); err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	return nil
}

func parse(data []byte) (core, other map[svcrpc.ServiceCoord]svcrpc.Address, err error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, err
	}
	return flatten(f.Core), flatten(f.Other), nil
}

func flatten(m map[string][]hostPort) map[svcrpc.ServiceCoord]svcrpc.Address {
	out := make(map[svcrpc.ServiceCoord]svcrpc.Address)
	for name, shards := range m {
		for i, hp := range shards {
			out[svcrpc.ServiceCoord{Name: name, Shard: i}] = svcrpc.Address(hp)
		}
	}
	return out
}
