// Command wire-ws exposes `kimigas --wire` over a websocket. Every
// connection gets its own agent process; each text message is one wire
// line in either direction.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", "localhost:8080", "Address to listen on")
	path := flag.String("path", "/ws", "Websocket endpoint path")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: wire-ws [flags] [agent command...]\n\nThe agent command defaults to 'kimigas --wire'.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Args()
	if len(command) == 0 {
		command = []string{"kimigas", "--wire"}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle(*path, &handler{command: command, logger: logger})
	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("websocket bridge listening", "url", "ws://"+*addr+*path, "command", strings.Join(command, " "))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type handler struct {
	command []string
	logger  *slog.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := h.logger.With("remote", r.RemoteAddr)
	logger.Info("client connected")
	if err := bridge(r.Context(), conn, h.command, logger); err != nil {
		logger.Warn("bridge ended", "error", err)
		return
	}
	logger.Info("client disconnected")
}

// bridge runs one agent process and pumps lines between it and conn until
// either side goes away. conn is written only by the stdout pump.
func bridge(ctx context.Context, conn *websocket.Conn, command []string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrapf(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting agent")
	}

	exited := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	// Client to agent. Closing stdin is the agent's signal to shut down.
	g.Go(func() error {
		defer stdin.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-exited:
					return nil
				default:
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return errors.Wrapf(err, "websocket read")
			}
			if kind != websocket.TextMessage {
				continue
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				return errors.Wrapf(err, "agent stdin")
			}
		}
	})
	// Agent to client.
	g.Go(func() error {
		r := transport.NewReader(stdout)
		for {
			line, err := r.ReadLine()
			if err == io.EOF {
				close(exited)
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent exited"))
				// Unblock the reader pump.
				conn.Close()
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "agent stdout")
			}
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return errors.Wrapf(err, "websocket write")
			}
		}
	})
	g.Go(func() error {
		r := transport.NewReader(stderr)
		for {
			line, err := r.ReadLine()
			if err != nil {
				return nil
			}
			logger.Info("agent", "stderr", string(line))
		}
	})
	go func() {
		<-gctx.Done()
		stdin.Close()
	}()

	err = g.Wait()
	if werr := cmd.Wait(); werr != nil && err == nil && ctx.Err() == nil {
		logger.Debug("agent exited", "error", werr)
	}
	return err
}
