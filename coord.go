// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// A ServiceCoord identifies one shard of a replicated logical service.
// ServiceCoord values are comparable and may be used as map keys.
type ServiceCoord struct {
	Name  string
	Shard int
}

// String returns a human-readable rendering of c.
func (c ServiceCoord) String() string { return fmt.Sprintf("%s,%d", c.Name, c.Shard) }

// An Address is the network location of a service.
type Address struct {
	Host string
	Port int
}

// String renders a in host:port form, suitable for net.Dial.
func (a Address) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// ParseAddress parses a host:port string into an Address.
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return Address{Host: host, Port: p}, nil
}

// ErrAddressNotFound is reported by an AddressTable that has no entry for the
// requested coordinate.
var ErrAddressNotFound = errors.New("address not found")

// An AddressTable resolves service coordinates to network addresses.
// Implementations report ErrAddressNotFound (possibly wrapped) for a
// coordinate they do not know.
type AddressTable interface {
	Resolve(ServiceCoord) (Address, error)
}

// AddressMap is a static AddressTable.
type AddressMap map[ServiceCoord]Address

// Resolve implements the AddressTable interface.
func (m AddressMap) Resolve(c ServiceCoord) (Address, error) {
	if addr, ok := m[c]; ok {
		return addr, nil
	}
	return Address{}, fmt.Errorf("service %v: %w", c, ErrAddressNotFound)
}
