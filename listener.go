// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Addr returns the address on which s accepts connections, or the zero
// Address if s does not listen.
func (s *Service) Addr() Address {
	if s.lst == nil {
		return Address{}
	}
	addr, err := ParseAddress(s.lst.Addr().String())
	if err != nil {
		return Address{}
	}
	return addr
}

// listen binds addr and starts accepting connections on it. If the port of
// addr is zero, the system chooses one; use Addr to find out which.
func (s *Service) listen(addr Address) error {
	lst, err := net.Listen("tcp", addr.String())
	if err != nil {
		return fmt.Errorf("listen on %v: %w", addr, err)
	}
	s.lst = lst
	s.tasks.Go(func() error {
		for {
			nc, err := lst.Accept()
			if errors.Is(err, net.ErrClosed) {
				return nil
			} else if err != nil {
				if !s.report(event{kind: evAcceptErr, err: err}) {
					return nil
				}
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if !s.report(event{kind: evAccept, nc: nc}) {
				nc.Close()
				return nil
			}
		}
	})
	return nil
}

// accept registers an inbound connection for nc.
func (s *Service) accept(nc net.Conn) {
	addr, _ := ParseAddress(nc.RemoteAddr().String())
	s.Attach(NewChannel(nc, s.maxFrame), addr)
	s.logf(SevInfo, "Accepted connection from %v", addr)
}

// Attach registers an inbound connection that exchanges frames on ch, as if
// it had been accepted by the listener from addr. The connection is dropped
// when ch fails. Attach must be called from the service loop (see Post).
func (s *Service) Attach(ch Channel, addr Address) *Conn {
	c := &Conn{svc: s, inbound: true, addr: addr}
	s.conns.Add(c)
	c.attach(ch)
	return c
}
