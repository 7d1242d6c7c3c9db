// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package svcrpc

// runThreaded starts the handler for a Threaded method on a worker goroutine.
// The worker does not touch the connection: its result is posted back to the
// service loop, which sends the reply during a later step. Replies are sent
// in the order the handlers finish.
func (s *Service) runThreaded(c *Conn, m Method, req *Request) {
	gen := c.gen
	ctx := s.handlerContext(c)
	s.metrics.threadedActive.Add(1)
	s.tasks.Go(func() error {
		result, err := invoke(ctx, m, req)
		s.Post(func() {
			s.metrics.threadedActive.Add(-1)
			if !c.connected || c.gen != gen {
				s.logf(SevWarning, "Connection to %v lost before threaded call %s finished, discarding reply", c, m.Name)
				return
			}
			c.reply(req.ID, m, result, err)
		})
		return nil
	})
}
