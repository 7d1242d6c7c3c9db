// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"net"
	"time"
)

// eventBatch bounds the number of I/O events processed by one step.
const eventBatch = 64

type eventKind byte

const (
	evFrame     eventKind = iota // a frame arrived on conn
	evClosed                     // the channel of conn failed with err
	evAccept                     // the listener accepted nc
	evAcceptErr                  // the listener reported err
)

// An event is an I/O occurrence reported to the service loop by one of its
// reader goroutines.
type event struct {
	kind  eventKind
	conn  *Conn
	gen   uint64 // the generation of conn when the event was produced
	frame []byte
	nc    net.Conn
	err   error
}

// report delivers ev to the service loop, and reports false if the service
// has closed before the event could be delivered.
func (s *Service) report(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// startReader starts a goroutine that receives frames from ch on behalf of
// generation gen of c.
func (s *Service) startReader(c *Conn, gen uint64, ch Channel) {
	s.tasks.Go(func() error {
		for {
			frame, err := ch.Recv()
			if err != nil {
				s.report(event{kind: evClosed, conn: c, gen: gen, err: err})
				return nil
			}
			if !s.report(event{kind: evFrame, conn: c, gen: gen, frame: frame}) {
				return nil
			}
		}
	})
}

// pollIO waits up to the step timeout for I/O, then handles every event that
// is ready, up to a limit. It returns early if the loop is woken.
func (s *Service) pollIO() {
	t := time.NewTimer(s.stepTimeout)
	defer t.Stop()
	select {
	case ev := <-s.events:
		s.handleEvent(ev)
	case <-s.wake:
	case <-t.C:
		return
	}
	for range eventBatch - 1 {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *Service) handleEvent(ev event) {
	switch ev.kind {
	case evFrame:
		// Frames from an earlier generation of the connection are stale.
		if !ev.conn.connected || ev.conn.gen != ev.gen {
			return
		}
		s.metrics.frameRecv.Add(1)
		ev.conn.handleFrame(ev.frame)

	case evClosed:
		if ev.conn.connected && ev.conn.gen == ev.gen {
			ev.conn.disconnect(ev.err)
		}

	case evAccept:
		s.accept(ev.nc)

	case evAcceptErr:
		s.logf(SevError, "Error while accepting connection: %v", ev.err)
	}
}
