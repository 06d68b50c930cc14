package wire

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/m4xw311/kimigas/agent"
	"github.com/m4xw311/kimigas/commands"
	"github.com/m4xw311/kimigas/tools"
	"github.com/m4xw311/kimigas/transport"
)

type initializeParams struct {
	ProtocolVersion string                         `json:"protocol_version"`
	Client          ClientInfo                     `json:"client"`
	ExternalTools   []tools.ExternalToolDescriptor `json:"external_tools"`
}

// InitializeResult is the handshake answer.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocol_version"`
	Server          agent.Identity      `json:"server"`
	SlashCommands   []commands.Command  `json:"slash_commands"`
	ExternalTools   ExternalToolsResult `json:"external_tools"`
	Capabilities    Capabilities        `json:"capabilities"`
}

// ExternalToolsResult partitions the submitted tool names.
type ExternalToolsResult struct {
	Accepted []string          `json:"accepted"`
	Rejected []string          `json:"rejected"`
	Reasons  map[string]string `json:"reasons"`
}

// Capabilities advertises optional protocol features.
type Capabilities struct {
	Cancel         bool `json:"cancel"`
	ExternalTools  bool `json:"external_tools"`
	SlashCommands  bool `json:"slash_commands"`
	ToolCallBridge bool `json:"tool_call_request"`
}

type promptParams struct {
	UserInput string `json:"user_input"`
}

// PromptResult is the response to a prompt once its turn has ended.
type PromptResult struct {
	Status agent.Status `json:"status"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func (s *Server) handleInitialize(ctx context.Context, msg *transport.Message) (any, error) {
	var p initializeParams
	if err := decodeParams(msg.Params, &p); err != nil {
		return nil, err
	}

	reg, err := s.registry.Register(ctx, p.ExternalTools)
	if err != nil {
		return nil, err
	}
	ext := ExternalToolsResult{
		Accepted: reg.Accepted,
		Rejected: make([]string, 0, len(reg.Rejected)),
		Reasons:  make(map[string]string, len(reg.Rejected)),
	}
	for _, r := range reg.Rejected {
		ext.Rejected = append(ext.Rejected, r.Name)
		ext.Reasons[r.Name] = r.Reason
		s.logger.Info("external tool rejected", "tool", r.Name, "reason", r.Reason, "detail", r.Detail)
	}

	version := negotiateVersion(p.ProtocolVersion)
	s.mu.Lock()
	s.client = p.Client
	s.protocolVersion = version
	s.state = StateReady
	s.mu.Unlock()
	s.logger.Info("initialized",
		"client", p.Client.Name,
		"client_version", p.Client.Version,
		"requested_version", p.ProtocolVersion,
		"protocol_version", version,
		"external_tools", len(reg.Accepted))

	return InitializeResult{
		ProtocolVersion: version,
		Server:          s.agent.Identity(),
		SlashCommands:   s.agent.Commands().List(),
		ExternalTools:   ext,
		Capabilities: Capabilities{
			Cancel:         true,
			ExternalTools:  true,
			SlashCommands:  true,
			ToolCallBridge: true,
		},
	}, nil
}

func (s *Server) handlePrompt(ctx context.Context, msg *transport.Message) (any, error) {
	var p promptParams
	if err := decodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.UserInput) == "" {
		return nil, invalidParams("user_input must be a non-empty string")
	}
	if s.agent.NeedsModel(p.UserInput) {
		if err := s.agent.CheckConfig(); err != nil {
			return nil, err
		}
	}

	turn := agent.NewTurn(string(msg.ID), p.UserInput)
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, stateError(MethodPrompt, state)
	}
	s.state = StateTurnInProgress
	s.turn = turn
	s.turns.Add(1)
	s.mu.Unlock()

	go s.runTurn(ctx, msg.ID, turn)
	return nil, nil
}

// runTurn executes turn and emits its single terminal event and response.
func (s *Server) runTurn(ctx context.Context, id json.RawMessage, turn *agent.Turn) {
	defer s.turns.Done()

	s.emit(EventTurnBegin, TurnBeginPayload{TurnID: turn.ID, UserInput: turn.Input})
	status, err := s.agent.RunTurn(ctx, turn, s.callbacks(turn))

	end := TurnEndPayload{TurnID: turn.ID, Status: string(status)}
	if err != nil {
		end.Status = agent.TurnFailed.String()
		end.Error = err.Error()
		s.logger.Error("turn failed", "turn", turn.ID, "error", err)
	}
	s.emit(EventTurnEnd, end)

	// The slot is freed before the response goes out so a client reacting
	// to it can submit the next prompt straight away.
	s.mu.Lock()
	if s.turn == turn {
		s.turn = nil
	}
	if s.state == StateTurnInProgress {
		s.state = StateReady
	}
	s.mu.Unlock()

	if err != nil {
		s.writeError(id, toProtocolError(err))
		return
	}
	s.writeResult(id, PromptResult{Status: status})
}

func (s *Server) handleCancel(ctx context.Context, msg *transport.Message) (any, error) {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	if turn == nil {
		return nil, ErrNoTurn
	}
	if turn.Cancel() {
		s.logger.Info("turn cancelled", "turn", turn.ID)
		return struct{}{}, nil
	}
	// The turn ended but its slot has not been released yet.
	if turn.State().Terminal() {
		return nil, ErrNoTurn
	}
	return struct{}{}, nil
}
