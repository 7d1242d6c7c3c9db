// Package peers provides support code for managing and testing services.
package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/svcrpc"
	"github.com/creachadair/taskgroup"
)

// Table is an svcrpc.AddressTable whose entries can be changed while the
// services using it are running. A zero Table is empty and ready for use.
type Table struct {
	μ     sync.Mutex
	addrs map[svcrpc.ServiceCoord]svcrpc.Address
}

// Set sets the address of coord to addr, and returns t.
func (t *Table) Set(coord svcrpc.ServiceCoord, addr svcrpc.Address) *Table {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.addrs == nil {
		t.addrs = make(map[svcrpc.ServiceCoord]svcrpc.Address)
	}
	t.addrs[coord] = addr
	return t
}

// Delete removes the address of coord, if any.
func (t *Table) Delete(coord svcrpc.ServiceCoord) {
	t.μ.Lock()
	defer t.μ.Unlock()
	delete(t.addrs, coord)
}

// Resolve implements the svcrpc.AddressTable interface.
func (t *Table) Resolve(coord svcrpc.ServiceCoord) (svcrpc.Address, error) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if addr, ok := t.addrs[coord]; ok {
		return addr, nil
	}
	return svcrpc.Address{}, fmt.Errorf("service %v: %w", coord, svcrpc.ErrAddressNotFound)
}

// Coordinates of the services in a Local pair.
var (
	ServerCoord = svcrpc.ServiceCoord{Name: "LocalServer"}
	ClientCoord = svcrpc.ServiceCoord{Name: "LocalClient"}
)

// Local is a pair of services connected over loopback TCP, suitable for
// testing. A listens and runs its loop on its own goroutine. B only connects
// out, and is driven by the goroutine that uses Conn, a connection from B to
// A. Synchronous calls on Conn run the loop of B while they wait.
type Local struct {
	A     *svcrpc.Service
	B     *svcrpc.Service
	Conn  *svcrpc.Conn
	Table *Table

	tasks *taskgroup.Group
	errs  chan error
}

// NewLocal creates and starts a pair of connected services. The options, if
// any, apply to both.
func NewLocal(opts *svcrpc.Options) (*Local, error) {
	tab := new(Table).Set(ServerCoord, svcrpc.Address{Host: "127.0.0.1", Port: 0})
	a, err := svcrpc.NewService(ServerCoord, tab, opts)
	if err != nil {
		return nil, err
	}
	tab.Set(ServerCoord, a.Addr())

	b, err := svcrpc.NewService(ClientCoord, tab, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	loc := &Local{A: a, B: b, Table: tab, tasks: taskgroup.New(nil), errs: make(chan error, 1)}
	loc.tasks.Go(func() error {
		loc.errs <- a.Run(context.Background())
		return nil
	})

	conn, err := b.ConnectTo(ServerCoord, nil)
	if err == nil && !conn.Connected() {
		err = errors.New("local connection failed")
	}
	if err != nil {
		loc.Stop()
		return nil, err
	}
	loc.Conn = conn
	return loc, nil
}

// Stop shuts down both services and blocks until both have exited. It
// reports the error from the loop of A, if any.
func (p *Local) Stop() error {
	p.A.Exit()
	p.tasks.Wait()
	err := <-p.errs
	p.A.Close()
	p.B.Close()
	return err
}
