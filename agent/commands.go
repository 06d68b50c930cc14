package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/kimigas/commands"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/session"
)

const compactPrompt = `Summarize the conversation so far for your own future reference.
Keep every decision, file path, command and open task that later work depends on.
Reply with the summary only.`

func (a *Agent) runCommand(ctx context.Context, turn *Turn, cmd commands.Command, args string, cb ProcessCallbacks) (Status, error) {
	a.logger.Info("running slash command", "command", cmd.Name)
	var text string
	switch cmd.Name {
	case commands.Help:
		text = a.commands.HelpText()
	case commands.Version:
		text = strings.TrimSpace(a.identity.Name + " " + a.identity.Version)
	case commands.Clear:
		a.session.Reset()
		a.save(cb)
		text = "The context has been cleared."
	case commands.Compact:
		var err error
		text, err = a.compact(ctx, args, cb)
		if err != nil {
			if turn.Cancelled() {
				return StatusCancelled, nil
			}
			return "", err
		}
	default:
		return "", errors.New("slash command '%s' has no handler", cmd.Name)
	}

	if turn.Cancelled() {
		return StatusCancelled, nil
	}
	turn.appendOutput(text)
	if cb.OnContent != nil {
		cb.OnContent(text)
	}
	if cb.OnAssistantMessage != nil {
		cb.OnAssistantMessage(session.Message{Role: session.RoleAssistant, Content: text})
	}
	return StatusFinished, nil
}

// compact asks the model for a summary and replaces the history with it.
// System messages survive compaction.
func (a *Agent) compact(ctx context.Context, instructions string, cb ProcessCallbacks) (string, error) {
	var kept, rest []session.Message
	for _, m := range a.session.Messages {
		if m.Role == session.RoleSystem {
			kept = append(kept, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) == 0 {
		return "Nothing to compact.", nil
	}

	prompt := compactPrompt
	if instructions != "" {
		prompt += "\n" + instructions
	}
	history := append(append([]session.Message{}, a.session.Messages...), session.Message{Role: session.RoleUser, Content: prompt})
	if cb.OnStepBegin != nil {
		cb.OnStepBegin(1)
	}
	reply, err := a.client.Chat(ctx, history, nil)
	if err != nil {
		return "", errors.Wrapf(err, "compaction failed")
	}
	if reply == nil {
		return "", errors.New("LLM returned no summary")
	}

	kept = append(kept, session.Message{
		Role:    session.RoleUser,
		Content: fmt.Sprintf("Summary of the earlier conversation:\n%s", reply.Content),
	})
	a.session.Replace(kept)
	a.save(cb)
	return "The context has been compacted.", nil
}
