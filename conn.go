// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// A Conn is the local handle for a remote service. It carries calls to the
// remote service and serves the calls the remote service makes in return.
//
// An outbound Conn is created by Service.ConnectTo and targets a service
// coordinate. When its channel fails it becomes disconnected, and the service
// tries to reconnect it periodically. An inbound Conn is created for each
// connection accepted by the listener; it has no coordinate, and is discarded
// when its channel fails.
//
// The methods of a Conn must only be called from the goroutine driving the
// service loop.
type Conn struct {
	svc       *Service
	coord     ServiceCoord // zero for inbound connections
	inbound   bool
	addr      Address
	sync      bool // default call mode
	onConnect func(*Conn)

	ch        Channel // nil when disconnected
	connected bool
	gen       uint64 // incremented on each successful connect
}

// ConnectOptions control an outbound connection created by Service.ConnectTo.
// A nil *ConnectOptions provides zero values for all fields.
type ConnectOptions struct {
	// If true, calls issued with Execute are synchronous unless overridden.
	Sync bool

	// If set, OnConnect is invoked each time the connection is established,
	// including reconnects.
	OnConnect func(*Conn)
}

func (o *ConnectOptions) sync() bool { return o != nil && o.Sync }

func (o *ConnectOptions) onConnect() func(*Conn) {
	if o == nil {
		return nil
	}
	return o.OnConnect
}

// Service returns the service that owns c.
func (c *Conn) Service() *Service { return c.svc }

// Coord reports the coordinate of the remote service, and whether c has one.
// Inbound connections do not.
func (c *Conn) Coord() (ServiceCoord, bool) { return c.coord, !c.inbound }

// Addr reports the network address of the remote service.
func (c *Conn) Addr() Address { return c.addr }

// Connected reports whether c is currently connected.
func (c *Conn) Connected() bool { return c.connected }

func (c *Conn) String() string {
	if c.inbound {
		return fmt.Sprintf("inbound(%v)", c.addr)
	}
	return fmt.Sprintf("%v(%v)", c.coord, c.addr)
}

// errInbound is reported by an attempt to connect an inbound connection.
var errInbound = errors.New("inbound connections cannot be redialed")

// Connect makes a single attempt to connect c if it is not already
// connected. It does not retry; reconnection is the job of the service loop.
func (c *Conn) Connect() error {
	if c.connected {
		return nil
	} else if c.inbound {
		return errInbound
	}
	if addr, err := c.svc.addrs.Resolve(c.coord); err == nil {
		c.addr = addr
	}
	ch, err := c.svc.dial(c.addr)
	if err != nil {
		c.svc.logf(SevDebug, "Connect to %v failed: %v", c, err)
		return err
	}
	c.attach(ch)
	c.svc.metrics.reconnects.Add(1)
	c.svc.logf(SevInfo, "Connected to %v", c)
	if c.onConnect != nil {
		c.onConnect(c)
	}
	return nil
}

// attach installs ch as the channel for c and starts receiving from it.
func (c *Conn) attach(ch Channel) {
	c.ch = ch
	c.connected = true
	c.gen++
	c.svc.startReader(c, c.gen, ch)
}

// disconnect closes the channel of c and marks it disconnected. Any partial
// frame buffered for the channel is discarded with it.
func (c *Conn) disconnect(err error) {
	if !c.connected {
		return
	}
	c.connected = false
	c.ch.Close()
	c.ch = nil
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.svc.logf(SevInfo, "Connection to %v closed", c)
	} else {
		c.svc.logf(SevWarning, "Connection to %v lost: %v", c, err)
	}
	if c.inbound {
		c.svc.conns.Remove(c)
	}
}

// Close closes the connection. An outbound connection will be reconnected by
// the service loop unless it is also removed with Service.Disconnect.
func (c *Conn) Close() error {
	c.disconnect(nil)
	return nil
}

// send encodes and writes env to the remote service, and reports whether it
// was sent. A write failure disconnects c.
func (c *Conn) send(env *Envelope) bool {
	if !c.connected {
		return false
	}
	frame, err := env.Encode()
	if err != nil {
		c.svc.logf(SevError, "Cannot send %v to %v: %v", env, c, err)
		return false
	}
	if err := c.ch.Send(frame); err != nil {
		c.disconnect(err)
		return false
	}
	c.svc.metrics.frameSent.Add(1)
	return true
}

// Send issues an asynchronous call of method with the given payload, and
// reports whether the request was sent. If c is not connected, Send makes one
// attempt to connect it, and reports false if that fails. When the reply
// arrives, cb (if non-nil) is invoked with it; a reply reporting an error for
// a call without a callback is logged.
//
// The payload must be encodable as JSON; a nil payload is sent as null.
// A Sync option has no effect on Send.
func (c *Conn) Send(method string, data any, cb Callback, opts ...CallOption) bool {
	_, ok := c.issue(method, data, cb, newCallOptions(opts))
	return ok
}

func (c *Conn) issue(method string, data any, cb Callback, o callOptions) (*PendingCall, bool) {
	c.svc.metrics.callOut.Add(1)
	if !c.connected {
		if err := c.Connect(); err != nil {
			c.svc.metrics.callOutErr.Add(1)
			return nil, false
		}
	}
	raw, err := marshalData(data)
	if err != nil {
		c.svc.logf(SevError, "Cannot send request of method %s because of encoding error: %v", method, err)
		c.svc.metrics.callOutErr.Add(1)
		return nil, false
	}

	pc := &PendingCall{
		Request:  &Envelope{Method: method, Data: raw, Binary: o.binary},
		Callback: cb,
		Bound:    o.bound,
		Extra:    o.extra,
		conn:     c,
		gen:      c.gen,
	}
	c.svc.pending.register(pc)
	if !c.send(pc.Request) {
		c.svc.pending.release(pc.ID)
		c.svc.metrics.callOutErr.Add(1)
		return nil, false
	}
	return pc, true
}

// handleFrame processes one frame received on c.
func (c *Conn) handleFrame(frame []byte) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		c.svc.metrics.frameDropped.Add(1)
		c.svc.logf(SevError, "Cannot understand incoming message from %v, discarding: %v", c, err)
		return
	}
	if env.IsRequest() {
		c.handleRequest(env)
	} else {
		c.svc.pending.resolve(env)
	}
}

// handleRequest dispatches an inbound request to its handler. A threaded
// handler is started on a worker and replies later; otherwise the reply is
// sent before handleRequest returns.
func (c *Conn) handleRequest(env *Envelope) {
	c.svc.metrics.callIn.Add(1)
	req := &Request{Method: env.Method, ID: env.ID, Data: env.Data, Binary: env.Binary}

	m, err := c.svc.lookupMethod(req.Method)
	if err == nil && m.Flags&Threaded != 0 {
		c.svc.runThreaded(c, m, req)
		return
	}
	var result any
	if err == nil {
		result, err = invoke(c.svc.handlerContext(c), m, req)
	}
	c.reply(req.ID, m, result, err)
}

// reply sends the response to call id. A request without an id gets no
// response.
func (c *Conn) reply(id string, m Method, result any, err error) {
	rsp := makeResponse(id, m, result, err)
	if rsp.Error != "" {
		c.svc.metrics.callInErr.Add(1)
		c.svc.logf(SevDebug, "Request %q from %v failed: %s", id, c, rsp.Error)
	}
	if id != "" {
		c.send(rsp)
	}
}
