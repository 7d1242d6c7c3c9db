// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package svcrpc

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Severity is the importance of a log record.
type Severity int

const (
	SevDebug Severity = iota
	SevInfo
	SevWarning
	SevError
	SevCritical
)

func (s Severity) String() string {
	switch s {
	case SevDebug:
		return "DEBUG"
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	case SevCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) level() slog.Level {
	switch s {
	case SevDebug:
		return slog.LevelDebug
	case SevInfo:
		return slog.LevelInfo
	case SevWarning:
		return slog.LevelWarn
	case SevError:
		return slog.LevelError
	default:
		return slog.LevelError + 4
	}
}

// A Record is a single log message emitted by a service.
type Record struct {
	Message   string
	Coord     ServiceCoord // the service emitting the record
	Operation string       // what the service is currently doing, if known
	Severity  Severity
	Time      time.Time
}

// A LogSink accepts log records. A service calls its sink only from the
// goroutine running its loop.
type LogSink interface {
	Log(Record)
}

// SlogSink is a LogSink that writes records to a slog.Logger.
// If Logger == nil, slog.Default() is used.
type SlogSink struct {
	Logger *slog.Logger
}

// NewJSONSink returns a SlogSink that writes JSON records at or above level
// to w.
func NewJSONSink(w io.Writer, level slog.Level) SlogSink {
	return SlogSink{Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))}
}

// Log implements the LogSink interface.
func (s SlogSink) Log(r Record) {
	lg := s.Logger
	if lg == nil {
		lg = slog.Default()
	}
	ctx := context.Background()
	h := lg.Handler()
	if !h.Enabled(ctx, r.Severity.level()) {
		return
	}
	rec := slog.NewRecord(r.Time, r.Severity.level(), r.Message, 0)
	rec.AddAttrs(slog.String("coord", r.Coord.String()), slog.String("severity", r.Severity.String()))
	if r.Operation != "" {
		rec.AddAttrs(slog.String("operation", r.Operation))
	}
	h.Handle(ctx, rec)
}

// TeeSink is a LogSink that delivers each record to all its elements.
type TeeSink []LogSink

// Log implements the LogSink interface.
func (t TeeSink) Log(r Record) {
	for _, s := range t {
		s.Log(r)
	}
}

// RemoteSink is a LogSink that forwards records to a log service through a
// connection, by calling its "Log" method. Records below SevInfo are not
// forwarded, nor are records emitted while the connection is down.
type RemoteSink struct {
	conn *Conn
	busy bool
}

// NewRemoteSink constructs a RemoteSink that forwards records on c.
func NewRemoteSink(c *Conn) *RemoteSink { return &RemoteSink{conn: c} }

// LogMessage is the payload of a "Log" call sent by a RemoteSink.
type LogMessage struct {
	Message   string  `json:"msg"`
	Coord     string  `json:"coord"`
	Operation string  `json:"operation"`
	Severity  string  `json:"severity"`
	Timestamp float64 `json:"timestamp"` // seconds since the epoch
}

// Log implements the LogSink interface.
func (r *RemoteSink) Log(rec Record) {
	if r.busy || rec.Severity < SevInfo || !r.conn.Connected() {
		return
	}
	r.busy = true
	defer func() { r.busy = false }()

	r.conn.Send("Log", LogMessage{
		Message:   rec.Message,
		Coord:     rec.Coord.String(),
		Operation: rec.Operation,
		Severity:  rec.Severity.String(),
		Timestamp: float64(rec.Time.UnixNano()) / 1e9,
	}, discardReply)
}

// discardReply is a Callback that ignores its reply.
func discardReply(*Reply) {}
