// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"bufio"
	"bytes"
	"io"
)

// A Channel is a reliable ordered stream of frames shared by two services.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the complete encoded frame to the receiver.
	Send(frame []byte) error

	// Receive the next available frame from the channel, without its
	// terminator. Frames are reported as they arrive, and may fail to decode.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// NewChannel constructs a channel that frames data exchanged over rwc.
// Frames larger than maxFrameSize are discarded; if maxFrameSize ≤ 0,
// DefaultMaxFrameSize is used.
func NewChannel(rwc io.ReadWriteCloser, maxFrameSize int) Channel {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	sc := bufio.NewScanner(rwc)
	sc.Buffer(make([]byte, 0, 4096), maxFrameSize+1)
	sc.Split(ScanFrames(maxFrameSize))
	return streamChannel{sc: sc, w: bufio.NewWriter(rwc), c: rwc}
}

// A streamChannel sends and receives frames on a byte stream. Any partial
// frame buffered by the scanner is lost when the channel is discarded.
type streamChannel struct {
	sc *bufio.Scanner
	w  *bufio.Writer
	c  io.Closer
}

// Send implements a method of the [Channel] interface.
func (c streamChannel) Send(frame []byte) error {
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [Channel] interface.
func (c streamChannel) Recv() ([]byte, error) {
	if c.sc.Scan() {
		return bytes.Clone(c.sc.Bytes()), nil
	}
	if err := c.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close implements a method of the [Channel] interface.
func (c streamChannel) Close() error { return c.c.Close() }
