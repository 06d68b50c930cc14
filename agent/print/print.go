package print

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/m4xw311/kimigas/agent"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/transport"
)

// Format selects how input is read or output is written.
type Format string

const (
	FormatText       Format = "text"
	FormatStreamJSON Format = "stream-json"
)

// ParseFormat accepts "text" and "stream-json". The empty string means text.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatStreamJSON:
		return FormatStreamJSON, nil
	}
	return "", errors.New("unknown format %q, want %q or %q", s, FormatText, FormatStreamJSON)
}

// Options configure a Printer.
type Options struct {
	InputFormat  Format
	OutputFormat Format
	// Command, when set, is the only prompt and stdin is not read.
	Command string
	Logger  *slog.Logger
}

// Printer runs prompts from in and writes the resulting messages to out.
type Printer struct {
	agent  *agent.Agent
	in     io.Reader
	out    *transport.Writer
	opts   Options
	logger *slog.Logger
}

// New creates a Printer.
func New(a *agent.Agent, in io.Reader, out io.Writer, opts Options) *Printer {
	if opts.InputFormat == "" {
		opts.InputFormat = FormatText
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = FormatText
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Printer{
		agent:  a,
		in:     in,
		out:    transport.NewWriter(out),
		opts:   opts,
		logger: logger,
	}
}

// Run processes every prompt. The configuration is checked before any
// input is read, so a missing model is reported without consuming stdin.
// The first failed turn is written as an error message and returned.
func (p *Printer) Run(ctx context.Context) error {
	if err := p.agent.CheckConfig(); err != nil {
		return err
	}

	if p.opts.Command != "" {
		return p.runTurn(ctx, p.opts.Command)
	}
	if p.opts.InputFormat == FormatText {
		data, err := io.ReadAll(p.in)
		if err != nil {
			return errors.Wrapf(err, "reading prompt")
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			return errors.New("empty prompt")
		}
		return p.runTurn(ctx, prompt)
	}

	r := transport.NewReader(p.in)
	for {
		line, err := r.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading input")
		}
		msg, err := transport.DecodeStreamMessage(line)
		if err != nil {
			p.writeError(err)
			return err
		}
		if msg.Role != session.RoleUser {
			p.logger.Warn("ignoring input message", "role", msg.Role)
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if err := p.runTurn(ctx, msg.Content); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (p *Printer) runTurn(ctx context.Context, input string) error {
	turn := agent.NewTurn("", input)
	stop := context.AfterFunc(ctx, func() { turn.Cancel() })
	defer stop()

	status, err := p.agent.RunTurn(ctx, turn, agent.ProcessCallbacks{
		OnAssistantMessage: p.writeAssistant,
		OnToolResult: func(call session.ToolCall, result string, isError bool) {
			if p.opts.OutputFormat != FormatStreamJSON {
				return
			}
			p.write(transport.StreamMessage{
				Role:       session.RoleTool,
				Content:    result,
				ToolCallID: call.ToolCallID,
				IsError:    isError,
			})
		},
		OnWarning: func(warning string) {
			p.logger.Warn(warning)
		},
	})
	if err != nil && ctx.Err() != nil {
		// Interrupted: the failure is the interruption itself.
		status, err = agent.StatusCancelled, nil
	}
	if err != nil {
		p.writeError(err)
		return err
	}
	p.logger.Info("turn done", "turn", turn.ID, "status", status)
	return nil
}

func (p *Printer) writeAssistant(msg session.Message) {
	if p.opts.OutputFormat == FormatText {
		if msg.Content != "" {
			p.writeText(msg.Content)
		}
		return
	}
	out := transport.StreamMessage{Role: session.RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := tc.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		encoded, err := json.Marshal(args)
		if err != nil {
			encoded = []byte("{}")
		}
		out.ToolCalls = append(out.ToolCalls, transport.StreamToolCall{
			Type: "function",
			ID:   tc.ToolCallID,
			Function: transport.StreamFunctionCall{
				Name:      tc.Name,
				Arguments: string(encoded),
			},
		})
	}
	p.write(out)
}

func (p *Printer) writeError(err error) {
	if p.opts.OutputFormat == FormatText {
		p.writeText(fmt.Sprintf("Error: %v", err))
		return
	}
	p.write(transport.StreamMessage{Role: session.RoleAssistant, Content: err.Error(), IsError: true})
}

func (p *Printer) writeText(text string) {
	if err := p.out.WriteLine(text); err != nil {
		p.logger.Error("write failed", "error", err)
	}
}

func (p *Printer) write(msg transport.StreamMessage) {
	if err := p.out.WriteJSON(msg); err != nil {
		p.logger.Error("write failed", "error", err)
	}
}
