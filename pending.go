// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"encoding/json"

	"github.com/google/uuid"
)

// A Callback receives the reply to an asynchronous call. Callbacks run on the
// goroutine driving the service loop.
type Callback func(*Reply)

// A Reply is the outcome of a call, delivered to its Callback.
type Reply struct {
	Data   json.RawMessage // the reply payload, including any binary attachment
	Binary []byte          // the raw binary attachment, if any
	Err    error           // if non-nil, the call failed
	Bound  any             // the value passed to Bind, if any
	Extra  any             // the value passed to Extra, if any
}

// Unmarshal decodes the reply payload into v. A null payload leaves v
// unmodified.
func (r *Reply) Unmarshal(v any) error {
	if isNull(r.Data) {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// A PendingCall is an outbound request awaiting its response.
type PendingCall struct {
	ID       string
	Request  *Envelope
	Callback Callback // may be nil
	Bound    any
	Extra    any

	conn *Conn  // the connection the request was sent on
	gen  uint64 // the generation of conn at the time it was sent
}

// newCallID returns a random call identifier.
func newCallID() string { return uuid.NewString() }

// pendingCalls is the registry of outbound calls awaiting a response.
// It is accessed only from the service loop.
type pendingCalls struct {
	calls   map[string]*PendingCall
	metrics *serviceMetrics
	logf    func(Severity, string, ...any)
}

func newPendingCalls(m *serviceMetrics, logf func(Severity, string, ...any)) *pendingCalls {
	return &pendingCalls{calls: make(map[string]*PendingCall), metrics: m, logf: logf}
}

// register assigns a fresh identifier to pc, stamps it on pc.Request, and
// records the call. An identifier is never reused while it is pending.
func (p *pendingCalls) register(pc *PendingCall) string {
	id := newCallID()
	for p.calls[id] != nil {
		id = newCallID()
	}
	pc.ID = id
	pc.Request.ID = id
	p.calls[id] = pc
	p.metrics.callPending.Add(1)
	return id
}

// release discards the pending call with the given id, if any, without
// invoking its callback.
func (p *pendingCalls) release(id string) {
	if _, ok := p.calls[id]; ok {
		delete(p.calls, id)
		p.metrics.callPending.Add(-1)
	}
}

// lookup reports whether id is pending.
func (p *pendingCalls) lookup(id string) (*PendingCall, bool) {
	pc, ok := p.calls[id]
	return pc, ok
}

// Len reports the number of pending calls.
func (p *pendingCalls) Len() int { return len(p.calls) }

// resolve completes the pending call matching rsp and invokes its callback.
// A response for an unknown identifier is logged and discarded.
func (p *pendingCalls) resolve(rsp *Envelope) {
	if rsp.ID == "" {
		p.logf(SevError, "Response without id detected, discarding")
		return
	}
	pc, ok := p.calls[rsp.ID]
	if !ok {
		p.logf(SevWarning, "No pending request with id %q found, discarding response", rsp.ID)
		return
	}
	p.release(rsp.ID)

	var err error
	if rsp.Error != "" {
		err = ParseRemoteError(rsp.Error)
	}
	if pc.Callback == nil {
		if err != nil {
			p.logf(SevError, "Error in call %s without callback: %v", pc.Request.Method, err)
		}
		return
	}
	pc.Callback(&Reply{
		Data:   rsp.Data,
		Binary: rsp.Binary,
		Err:    err,
		Bound:  pc.Bound,
		Extra:  pc.Extra,
	})
}
