// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the svcrpc.Channel interface.
package channel

import (
	"io"
	"net"
	"sync"

	"github.com/creachadair/svcrpc"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly, without a byte stream. Frames sent to A are received by B and
// vice versa. Each direction buffers up to buf frames.
//
// Closing either channel causes further sends on both to fail. Frames
// already buffered for the surviving channel may still be received.
func Direct(buf int) (A, B svcrpc.Channel) {
	a2b := make(chan []byte, buf)
	b2a := make(chan []byte, buf)
	aDone, bDone := newCloser(), newCloser()
	A = direct{out: a2b, in: b2a, done: aDone, peer: bDone}
	B = direct{out: b2a, in: a2b, done: bDone, peer: aDone}
	return
}

type closer struct {
	once sync.Once
	ch   chan struct{}
}

func newCloser() *closer { return &closer{ch: make(chan struct{})} }

func (c *closer) close() { c.once.Do(func() { close(c.ch) }) }

type direct struct {
	out  chan<- []byte
	in   <-chan []byte
	done *closer // closed when this end is closed
	peer *closer // closed when the other end is closed
}

// Send implements a method of the [svcrpc.Channel] interface.
func (d direct) Send(frame []byte) error {
	select {
	case <-d.done.ch:
		return net.ErrClosed
	case <-d.peer.ch:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- frame:
		return nil
	case <-d.done.ch:
		return net.ErrClosed
	case <-d.peer.ch:
		return net.ErrClosed
	}
}

// Recv implements a method of the [svcrpc.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	select {
	case <-d.done.ch:
		return nil, net.ErrClosed
	default:
	}
	select {
	case frame := <-d.in:
		return frame, nil
	case <-d.done.ch:
		return nil, net.ErrClosed
	case <-d.peer.ch:
		select {
		case frame := <-d.in:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close implements a method of the [svcrpc.Channel] interface.
func (d direct) Close() error { d.done.close(); return nil }

// IO constructs a channel that receives frames from r and sends them to wc.
// Frames larger than maxFrameSize bytes are discarded; if maxFrameSize ≤ 0, a
// default limit applies.
func IO(r io.Reader, wc io.WriteCloser, maxFrameSize int) svcrpc.Channel {
	return svcrpc.NewChannel(readWriteCloser{Reader: r, WriteCloser: wc}, maxFrameSize)
}

type readWriteCloser struct {
	io.Reader
	io.WriteCloser
}

// A Recorder is a svcrpc.Channel that delegates to another channel and keeps
// a record of the frames sent through it.
type Recorder struct {
	svcrpc.Channel

	// If set, OnSend is called with each frame before it is sent.
	OnSend func(frame []byte)

	μ    sync.Mutex
	sent [][]byte
}

// Record constructs a Recorder that delegates to ch.
func Record(ch svcrpc.Channel) *Recorder { return &Recorder{Channel: ch} }

// Send implements a method of the [svcrpc.Channel] interface.
func (r *Recorder) Send(frame []byte) error {
	if r.OnSend != nil {
		r.OnSend(frame)
	}
	if err := r.Channel.Send(frame); err != nil {
		return err
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	r.sent = append(r.sent, frame)
	return nil
}

// Sent returns a copy of the frames successfully sent through r.
func (r *Recorder) Sent() [][]byte {
	r.μ.Lock()
	defer r.μ.Unlock()
	return append([][]byte(nil), r.sent...)
}

// Len reports the number of frames successfully sent through r.
func (r *Recorder) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.sent)
}
