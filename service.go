// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// Options control the behaviour of a Service. A nil *Options provides
// defaults for all fields.
type Options struct {
	// The longest a single step waits for I/O. If zero, 20ms is used.
	StepTimeout time.Duration

	// How often disconnected outbound connections are retried.
	// If zero, 10s is used.
	ReconnectInterval time.Duration

	// How long a connection attempt may take. If zero, 1s is used.
	DialTimeout time.Duration

	// The largest frame accepted from a remote service.
	// If zero, DefaultMaxFrameSize is used.
	MaxFrameSize int

	// Where log records are sent. If nil, records go to slog.Default().
	Log LogSink

	// If set, Dial is used to open outbound connections instead of TCP.
	Dial func(Address) (Channel, error)

	// If set, Now is used as the clock for timers. If nil, time.Now is used.
	Now func() time.Time
}

func (o *Options) stepTimeout() time.Duration {
	if o == nil || o.StepTimeout <= 0 {
		return 20 * time.Millisecond
	}
	return o.StepTimeout
}

func (o *Options) reconnectInterval() time.Duration {
	if o == nil || o.ReconnectInterval <= 0 {
		return 10 * time.Second
	}
	return o.ReconnectInterval
}

func (o *Options) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return time.Second
	}
	return o.DialTimeout
}

func (o *Options) maxFrameSize() int {
	if o == nil || o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

func (o *Options) logSink() LogSink {
	if o == nil || o.Log == nil {
		return SlogSink{}
	}
	return o.Log
}

func (o *Options) now() func() time.Time {
	if o == nil || o.Now == nil {
		return time.Now
	}
	return o.Now
}

func (o *Options) dialer() func(Address) (Channel, error) {
	if o == nil {
		return nil
	}
	return o.Dial
}

// A Service is one running instance of a service: it serves its registered
// methods to the remote services that connect to it, and calls the remote
// services it connects to.
//
// All network I/O and dispatch for a Service happen on a single goroutine,
// the one that calls Run (or Step). Handlers, callbacks, timers and deferred
// functions all run there, except for handlers flagged Threaded, which run on
// worker goroutines. Only Register, Handle, Post, Exit, and Close are safe to
// call from other goroutines.
type Service struct {
	coord ServiceCoord
	addrs AddressTable

	stepTimeout time.Duration
	dialTimeout time.Duration
	maxFrame    int
	dialFunc    func(Address) (Channel, error)
	now         func() time.Time
	sink        LogSink
	operation   string

	μ       sync.Mutex // protects methods
	methods map[string]Method

	// Loop state; accessed only by the loop goroutine.
	pending  *pendingCalls
	conns    mapset.Set[*Conn] // inbound connections
	remotes  map[ServiceCoord]*Conn
	timers   []*timer
	deferred []func()

	events chan event
	wake   chan struct{}
	inbox  struct {
		sync.Mutex
		q *queue.Queue[func()]
	}

	exit      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context // base context for handlers
	cancel    context.CancelFunc
	tasks     *taskgroup.Group
	lst       net.Listener
	metrics   *serviceMetrics
}

// NewService constructs a service identified by coord. If addrs has an
// address for coord, the service listens for inbound connections there;
// otherwise the service only makes outbound connections.
func NewService(coord ServiceCoord, addrs AddressTable, opts *Options) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		coord:       coord,
		addrs:       addrs,
		stepTimeout: opts.stepTimeout(),
		dialTimeout: opts.dialTimeout(),
		maxFrame:    opts.maxFrameSize(),
		dialFunc:    opts.dialer(),
		now:         opts.now(),
		sink:        opts.logSink(),
		methods:     make(map[string]Method),
		conns:       mapset.New[*Conn](),
		remotes:     make(map[ServiceCoord]*Conn),
		events:      make(chan event, eventBatch),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		tasks:       taskgroup.New(nil),
		metrics:     newServiceMetrics(),
	}
	s.inbox.q = queue.New[func()]()
	s.pending = newPendingCalls(s.metrics, s.logf)
	s.Handle("echo", echo)
	s.AddTimeout(s.reconnectAll, opts.reconnectInterval(), true)

	addr, err := addrs.Resolve(coord)
	if errors.Is(err, ErrAddressNotFound) {
		return s, nil
	} else if err != nil {
		cancel()
		return nil, fmt.Errorf("resolve %v: %w", coord, err)
	}
	if err := s.listen(addr); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Coord returns the coordinate of s.
func (s *Service) Coord() ServiceCoord { return s.coord }

// Metrics returns a metrics map for the service. It is safe for the caller to
// add additional metrics to the map while the service is active.
func (s *Service) Metrics() *expvar.Map { return s.metrics.emap }

// SetOperation sets the label that describes what the service is currently
// doing. It is included in every log record the service emits.
func (s *Service) SetOperation(op string) { s.operation = op }

// SetLogSink replaces the log sink of s.
func (s *Service) SetLogSink(sink LogSink) { s.sink = sink }

// Logf emits a log record with the given severity to the log sink of s.
// It must be called from the service loop.
func (s *Service) Logf(sev Severity, msg string, args ...any) { s.logf(sev, msg, args...) }

func (s *Service) logf(sev Severity, msg string, args ...any) {
	s.sink.Log(Record{
		Message:   fmt.Sprintf(msg, args...),
		Coord:     s.coord,
		Operation: s.operation,
		Severity:  sev,
		Time:      s.now(),
	})
}

// handlerContext returns the context passed to a handler for a request that
// arrived on c.
func (s *Service) handlerContext(c *Conn) context.Context {
	ctx := context.WithValue(s.ctx, serviceContextKey{}, s)
	return context.WithValue(ctx, connContextKey{}, c)
}

// ConnectTo returns a connection to the service at coord, replacing any
// connection to coord made earlier. It makes one attempt to connect
// immediately; if that fails the connection is retried periodically by the
// service loop. It is an error if coord has no address.
func (s *Service) ConnectTo(coord ServiceCoord, opts *ConnectOptions) (*Conn, error) {
	addr, err := s.addrs.Resolve(coord)
	if err != nil {
		return nil, fmt.Errorf("resolve %v: %w", coord, err)
	}
	if old, ok := s.remotes[coord]; ok {
		old.disconnect(nil)
	}
	c := &Conn{
		svc:       s,
		coord:     coord,
		addr:      addr,
		sync:      opts.sync(),
		onConnect: opts.onConnect(),
	}
	s.remotes[coord] = c
	c.Connect()
	return c, nil
}

// Disconnect closes and forgets the outbound connection to coord, if any.
func (s *Service) Disconnect(coord ServiceCoord) {
	if c, ok := s.remotes[coord]; ok {
		delete(s.remotes, coord)
		c.disconnect(nil)
	}
}

// Remote returns the outbound connection to coord, if there is one.
func (s *Service) Remote(coord ServiceCoord) (*Conn, bool) {
	c, ok := s.remotes[coord]
	return c, ok
}

// dial opens a channel to addr.
func (s *Service) dial(addr Address) (Channel, error) {
	if s.dialFunc != nil {
		return s.dialFunc(addr)
	}
	nc, err := net.DialTimeout("tcp", addr.String(), s.dialTimeout)
	if err != nil {
		return nil, err
	}
	return NewChannel(nc, s.maxFrame), nil
}

// reconnectAll is the periodic timer that retries every disconnected
// outbound connection.
func (s *Service) reconnectAll() bool {
	for _, c := range s.remotes {
		if !c.connected {
			c.Connect()
		}
	}
	return true
}

// Run runs the service loop until Exit is called, ctx ends, or a step fails.
// A panic escaping a step is logged as critical and reported as an error.
func (s *Service) Run(ctx context.Context) (err error) {
	stop := context.AfterFunc(ctx, s.Exit)
	defer stop()
	defer func() {
		if x := recover(); x != nil {
			s.logf(SevCritical, "Unexpected error in service loop: %v", x)
			err = fmt.Errorf("service loop failed: %v", x)
		}
	}()

	s.logf(SevInfo, "%v up and running!", s.coord)
	for !s.exit.Load() {
		s.Step()
	}
	s.logf(SevWarning, "%v is dying in 3, 2, 1...", s.coord)
	return nil
}

// Step runs one iteration of the service loop: it processes the I/O that
// arrives within the step timeout, delivers the results of finished threaded
// calls and posted functions, fires the timers that are due, and runs the
// deferred functions queued before the step began.
func (s *Service) Step() {
	s.pollIO()
	s.drainInbox()
	s.fireTimers()
	s.runDeferred()
}

// Exit requests that the service loop stop at the end of the current step.
// It is safe to call Exit from any goroutine.
func (s *Service) Exit() {
	s.exit.Store(true)
	s.poke()
}

// Exited reports whether Exit has been called.
func (s *Service) Exited() bool { return s.exit.Load() }

// Close stops the service: it closes the listener and all connections, and
// waits for the service goroutines to finish. Close must not be called
// concurrently with the service loop.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.exit.Store(true)
		close(s.done)
		s.cancel()
		if s.lst != nil {
			err = s.lst.Close()
		}
		for c := range s.conns {
			c.disconnect(nil)
		}
		for _, c := range s.remotes {
			c.disconnect(nil)
		}
		s.tasks.Wait()
		for {
			select {
			case ev := <-s.events:
				if ev.nc != nil {
					ev.nc.Close()
				}
				continue
			default:
			}
			break
		}
	})
	return err
}

// poke wakes the loop if it is waiting for I/O.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Post arranges for f to be called on the service loop during a later step.
// It is safe to call Post from any goroutine.
func (s *Service) Post(f func()) {
	s.inbox.Lock()
	s.inbox.q.Add(f)
	s.inbox.Unlock()
	s.poke()
}

// drainInbox runs the functions posted before it was called.
func (s *Service) drainInbox() {
	s.inbox.Lock()
	var fs []func()
	for {
		f, ok := s.inbox.q.Pop()
		if !ok {
			break
		}
		fs = append(fs, f)
	}
	s.inbox.Unlock()
	for _, f := range fs {
		f()
	}
}

// AddDeferred arranges for f to be called once, at the end of the next step.
// A function deferred while deferred functions are running is called in the
// step after.
func (s *Service) AddDeferred(f func()) { s.deferred = append(s.deferred, f) }

func (s *Service) runDeferred() {
	fs := s.deferred
	s.deferred = nil
	for _, f := range fs {
		f()
	}
}

// A timer is a periodic callback.
type timer struct {
	f        func() bool
	interval time.Duration
	last     time.Time
	dead     bool
}

// AddTimeout arranges for f to be called every interval for as long as it
// returns true. If immediately is true, the first call happens in the next
// step; otherwise it happens once interval has elapsed.
func (s *Service) AddTimeout(f func() bool, interval time.Duration, immediately bool) {
	t := &timer{f: f, interval: interval, last: s.now()}
	if immediately {
		t.last = time.Time{}
	}
	s.timers = append(s.timers, t)
}

func (s *Service) fireTimers() {
	now := s.now()
	for _, t := range slices.Clone(s.timers) {
		if now.Sub(t.last) < t.interval {
			continue
		}
		t.last = now
		if !t.f() {
			t.dead = true
		}
	}
	s.timers = slices.DeleteFunc(s.timers, func(t *timer) bool { return t.dead })
}
