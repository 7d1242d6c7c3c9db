// Program svcrpc is a command-line utility for running and calling services.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/svcrpc"
	"github.com/creachadair/svcrpc/catalog"
	"github.com/creachadair/svcrpc/config"
	"github.com/creachadair/taskgroup"
)

var serveFlags struct {
	Config    string `flag:"config,Path of the service address table (required)"`
	Name      string `flag:"name,Service name (required)"`
	Shard     int    `flag:"shard,Service shard index"`
	Watch     bool   `flag:"watch,Reload the address table when it changes"`
	RemoteLog bool   `flag:"remote-log,Forward log records to LogService shard 0"`
	Debug     bool   `flag:"debug,Log debug records"`
}

var callFlags = struct {
	Config  string        `flag:"config,Path of the service address table (required)"`
	Shard   int           `flag:"shard,Target shard index"`
	Timeout time.Duration `flag:"timeout,Maximum time to wait for a reply"`
}{Timeout: 10 * time.Second}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and calling services.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "--config <path> --name <service> [--shard n]",
				Help: `Run a service that serves the built-in methods.

The service listens on the address listed for it in the address table, and
runs until interrupted. It serves "echo" and "method_info".`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "--config <path> <service> <method> [<json-data>]",
				Help: `Call a method of a running service and print the reply.

The data argument, if present, must be a JSON value. If it is omitted, the
call payload is null.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:     "methods",
				Usage:    "--config <path> <service>",
				Help:     "List the methods of a running service.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runMethods,
			},
			{
				Name:  "decode",
				Usage: "[<file>]",
				Help: `Decode a wire frame and print its envelope.

The frame is read from the named file, or from stdin if it is omitted.`,
				Run: runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	if serveFlags.Config == "" || serveFlags.Name == "" {
		return env.Usagef("the --config and --name flags are required")
	}
	tab, err := config.Load(serveFlags.Config)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if serveFlags.Debug {
		level = slog.LevelDebug
	}
	local := svcrpc.NewJSONSink(os.Stderr, level)

	coord := svcrpc.ServiceCoord{Name: serveFlags.Name, Shard: serveFlags.Shard}
	svc, err := svcrpc.NewService(coord, tab, &svcrpc.Options{Log: local})
	if err != nil {
		return err
	}
	defer svc.Close()
	catalog.Install(svc)

	if serveFlags.RemoteLog {
		conn, err := svc.ConnectTo(svcrpc.ServiceCoord{Name: "LogService"}, nil)
		if err != nil {
			return err
		}
		svc.SetLogSink(svcrpc.TeeSink{local, svcrpc.NewRemoteSink(conn)})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	g := taskgroup.New(nil)
	if serveFlags.Watch {
		g.Go(func() error {
			return tab.Watch(ctx, func(err error) {
				svc.Post(func() {
					if err != nil {
						svc.Logf(svcrpc.SevError, "Reloading %s failed: %v", tab.Path(), err)
					} else {
						svc.Logf(svcrpc.SevInfo, "Reloaded %s", tab.Path())
					}
				})
			})
		})
	}
	err = svc.Run(ctx)
	cancel()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// dialTarget creates an outbound-only service and connects it to the named
// target service.
func dialTarget(env *command.Env, name string) (*svcrpc.Service, *svcrpc.Conn, error) {
	if callFlags.Config == "" {
		return nil, nil, env.Usagef("the --config flag is required")
	}
	tab, err := config.Load(callFlags.Config)
	if err != nil {
		return nil, nil, err
	}
	self := svcrpc.ServiceCoord{Name: filepath.Base(os.Args[0]), Shard: os.Getpid()}
	svc, err := svcrpc.NewService(self, tab, &svcrpc.Options{Log: svcrpc.NewJSONSink(os.Stderr, slog.LevelWarn)})
	if err != nil {
		return nil, nil, err
	}
	target := svcrpc.ServiceCoord{Name: name, Shard: callFlags.Shard}
	conn, err := svc.ConnectTo(target, nil)
	if err != nil {
		svc.Close()
		return nil, nil, err
	} else if !conn.Connected() {
		svc.Close()
		return nil, nil, fmt.Errorf("cannot connect to %v at %v", target, conn.Addr())
	}
	return svc, conn, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("wrong number of arguments")
	}
	var data json.RawMessage
	if len(env.Args) == 3 {
		data = json.RawMessage(env.Args[2])
		if !json.Valid(data) {
			return fmt.Errorf("data is not valid JSON: %q", env.Args[2])
		}
	}
	svc, conn, err := dialTarget(env, env.Args[0])
	if err != nil {
		return err
	}
	defer svc.Close()

	rsp, err := conn.Call(env.Args[1], data, svcrpc.Deadline(callFlags.Timeout))
	if err != nil {
		return err
	}
	fmt.Println(string(rsp))
	return nil
}

func runMethods(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("wrong number of arguments")
	}
	svc, conn, err := dialTarget(env, env.Args[0])
	if err != nil {
		return err
	}
	defer svc.Close()

	entries, err := catalog.Fetch(conn)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var flags svcrpc.Flags
		if e.Callable {
			flags |= svcrpc.Callable
		}
		if e.BinaryResponse {
			flags |= svcrpc.BinaryResponse
		}
		if e.Threaded {
			flags |= svcrpc.Threaded
		}
		fmt.Printf("%-24s %v\n", e.Name, flags)
	}
	return nil
}

func runDecode(env *command.Env) error {
	var r io.Reader = os.Stdin
	switch len(env.Args) {
	case 0:
	case 1:
		f, err := os.Open(env.Args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	default:
		return env.Usagef("too many arguments")
	}
	frame, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	e, err := svcrpc.DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	out := struct {
		ID     string          `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
		Data   json.RawMessage `json:"data"`
		Error  string          `json:"error,omitempty"`
		Binary int             `json:"binary_length,omitempty"`
	}{ID: e.ID, Method: e.Method, Data: e.Data, Error: e.Error, Binary: len(e.Binary)}
	if out.Data == nil {
		out.Data = json.RawMessage("null")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return errors.New("encoding output: " + err.Error())
	}
	return nil
}
