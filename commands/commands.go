// Package commands holds the slash commands a prompt can invoke instead
// of talking to the model.
package commands

import (
	"fmt"
	"strings"
)

// Names of the built-in commands.
const (
	Help    = "help"
	Clear   = "clear"
	Compact = "compact"
	Version = "version"
)

// Command describes one slash command as advertised to clients.
type Command struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
	Args        string   `json:"args,omitempty"`
}

// Catalog is an immutable, ordered set of commands addressable by name or
// alias.
type Catalog struct {
	commands []Command
	index    map[string]int
}

// MustCatalog builds a catalog and panics if it is empty or if a name or
// alias is used twice.
func MustCatalog(cmds ...Command) *Catalog {
	if len(cmds) == 0 {
		panic("commands: empty catalog")
	}
	c := &Catalog{index: make(map[string]int)}
	for i, cmd := range cmds {
		for _, key := range append([]string{cmd.Name}, cmd.Aliases...) {
			if key == "" {
				panic(fmt.Sprintf("commands: command %d has an empty name or alias", i))
			}
			if _, dup := c.index[key]; dup {
				panic(fmt.Sprintf("commands: %q registered twice", key))
			}
			c.index[key] = i
		}
		if cmd.Aliases == nil {
			cmd.Aliases = []string{}
		}
		c.commands = append(c.commands, cmd)
	}
	return c
}

// Builtin returns the catalog every session exposes.
func Builtin() *Catalog {
	return MustCatalog(
		Command{Name: Help, Description: "Show the available slash commands", Aliases: []string{"h", "?"}},
		Command{Name: Clear, Description: "Clear the conversation history", Aliases: []string{"reset"}},
		Command{Name: Compact, Description: "Summarize the conversation to free up context", Args: "[instructions]"},
		Command{Name: Version, Description: "Show the server name and version"},
	)
}

// List returns a copy of the commands in catalog order.
func (c *Catalog) List() []Command {
	out := make([]Command, len(c.commands))
	for i, cmd := range c.commands {
		cmd.Aliases = append([]string{}, cmd.Aliases...)
		out[i] = cmd
	}
	return out
}

// Lookup resolves a name or alias.
func (c *Catalog) Lookup(name string) (Command, bool) {
	i, ok := c.index[name]
	if !ok {
		return Command{}, false
	}
	return c.commands[i], true
}

// Match reports whether input invokes a catalog command, returning the
// command and the rest of the line. Unknown "/words" are not matches, so
// they reach the model as ordinary text.
func (c *Catalog) Match(input string) (Command, string, bool) {
	name, args, ok := Parse(input)
	if !ok {
		return Command{}, "", false
	}
	cmd, ok := c.Lookup(name)
	if !ok {
		return Command{}, "", false
	}
	return cmd, args, true
}

// Parse splits "/name rest" into name and trimmed rest.
func Parse(input string) (name, args string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", "", false
	}
	input = input[1:]
	name, args, _ = strings.Cut(input, " ")
	if name == "" || strings.ContainsAny(name, "/\t\n") {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

// HelpText renders the catalog for the help command.
func (c *Catalog) HelpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range c.commands {
		fmt.Fprintf(&b, "  /%s", cmd.Name)
		if cmd.Args != "" {
			fmt.Fprintf(&b, " %s", cmd.Args)
		}
		fmt.Fprintf(&b, " - %s", cmd.Description)
		if len(cmd.Aliases) > 0 {
			fmt.Fprintf(&b, " (aliases: /%s)", strings.Join(cmd.Aliases, ", /"))
		}
		b.WriteString("\n")
	}
	return b.String()
}
