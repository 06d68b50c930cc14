package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/m4xw311/kimigas/agent"
	"github.com/m4xw311/kimigas/agent/print"
	"github.com/m4xw311/kimigas/agent/wire"
	"github.com/m4xw311/kimigas/config"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/llm"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/tools"
	"github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const traceFile = "kimigas.trace"

type options struct {
	wire         bool
	print        bool
	inputFormat  string
	outputFormat string
	command      string
	yolo         bool
	workDir      string
	model        string
	toolset      string
	session      string
	resume       string
	trace        bool
	version      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func newFlagSet(o *options, stdout io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("kimigas", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.SortFlags = false

	fs.BoolVar(&o.wire, "wire", false, "Serve the JSON-RPC wire protocol on stdin/stdout")
	fs.BoolVar(&o.print, "print", false, "Run non-interactively and print the results")
	fs.StringVar(&o.inputFormat, "input-format", "text", "Print mode input format (text|stream-json)")
	fs.StringVar(&o.outputFormat, "output-format", "text", "Print mode output format (text|stream-json)")
	fs.StringVarP(&o.command, "command", "c", "", "Prompt to run instead of reading stdin (print mode)")
	fs.BoolVarP(&o.yolo, "yolo", "y", false, "Run any shell command without the allowlist")
	fs.StringVarP(&o.workDir, "work-dir", "w", "", "Working directory of the agent (default: current directory)")
	fs.StringVar(&o.model, "model", "", "Model name, overriding the configuration")
	fs.StringVarP(&o.toolset, "toolset", "t", "", "Toolset to use (defaults to 'default')")
	fs.StringVarP(&o.session, "session", "s", "", "Session name to create and persist")
	fs.StringVarP(&o.resume, "resume", "r", "", "Resume a persisted session by name")
	fs.BoolVar(&o.trace, "trace", false, "Write a trace log to "+traceFile+" in the working directory")
	fs.BoolVar(&o.version, "version", false, "Print the version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stdout, "Usage: kimigas (--wire | --print) [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	return fs
}

// run is main without the process exit, so tests can drive it.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var o options
	fs := newFlagSet(&o, stdout)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}
	if o.version {
		fmt.Fprintf(stdout, "kimigas %s\n", version)
		return 0
	}
	if o.wire == o.print {
		fmt.Fprintln(stderr, "kimigas: exactly one of --wire or --print is required")
		return 2
	}

	if err := execute(ctx, &o, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "kimigas: %v\n", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, o *options, stdin io.Reader, stdout io.Writer) error {
	if o.workDir != "" {
		if err := os.Chdir(o.workDir); err != nil {
			return errors.Wrapf(err, "changing to work dir")
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return errors.Wrapf(err, "could not get working directory")
	}

	logger, closeLog, err := newLogger(wd, o.trace)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if o.model != "" {
		cfg.Model = o.model
	}

	client, clientErr := llm.New(ctx, cfg)
	if clientErr != nil {
		logger.Warn("no usable LLM client", "error", clientErr)
	}

	registry, err := tools.NewToolRegistry(ctx, cfg, tools.Options{AutoApprove: o.yolo, Logger: logger})
	if err != nil {
		return errors.Wrapf(err, "initializing tools")
	}
	defer registry.Close()
	ts, err := cfg.GetToolset(o.toolset)
	if err != nil {
		return err
	}
	active, err := registry.GetActiveTools(ts)
	if err != nil {
		return err
	}

	sess, err := openSession(filepath.Join(wd, config.DirName), o)
	if err != nil {
		return err
	}
	sess.Toolset = ts.Name
	if o.yolo {
		sess.Mode = "yolo"
	}

	a := agent.New(cfg, sess, client,
		agent.WithLogger(logger),
		agent.WithTools(active),
		agent.WithIdentity(agent.Identity{Name: agent.DefaultServerName, Version: version}),
		agent.WithConfigError(clientErr),
	)

	if o.wire {
		srv := wire.NewServer(a, stdin, stdout,
			wire.WithLogger(logger),
			wire.WithReservedNames(registry.Names()),
		)
		return srv.Run(ctx)
	}

	inFormat, err := print.ParseFormat(o.inputFormat)
	if err != nil {
		return errors.Wrapf(err, "--input-format")
	}
	outFormat, err := print.ParseFormat(o.outputFormat)
	if err != nil {
		return errors.Wrapf(err, "--output-format")
	}
	p := print.New(a, stdin, stdout, print.Options{
		InputFormat:  inFormat,
		OutputFormat: outFormat,
		Command:      o.command,
		Logger:       logger,
	})
	return p.Run(ctx)
}

// newLogger returns a logger writing to the trace file when tracing is on
// and discarding everything otherwise. Nothing is ever logged to stdout.
func newLogger(dir string, trace bool) (*slog.Logger, func(), error) {
	if !trace {
		return slog.New(slog.DiscardHandler), func() {}, nil
	}
	f, err := os.OpenFile(filepath.Join(dir, traceFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening trace file")
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Info("trace started", "version", version, "pid", os.Getpid())
	return logger, func() { f.Close() }, nil
}

// openSession resumes or creates a persisted session when one is named.
// Unnamed sessions live in memory only.
func openSession(dir string, o *options) (*session.Session, error) {
	switch {
	case o.resume != "":
		sess, err := session.Load(dir, o.resume)
		if err != nil {
			return nil, errors.Wrapf(err, "resuming session '%s'", o.resume)
		}
		return sess, nil
	case o.session != "":
		sess, err := session.New(dir, o.session)
		if err != nil {
			return nil, errors.Wrapf(err, "creating session '%s'", o.session)
		}
		return sess, nil
	}
	return session.NewEphemeral(defaultSessionName()), nil
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "kimigas"
	}
	return filepath.Base(wd) + "_" + time.Now().Format("2006-01-02_15-04-05")
}
