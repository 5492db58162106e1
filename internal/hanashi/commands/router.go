// Package commands parses and routes the chat commands Hanashi understands
// (reset, system, status, help) and detects reset trigger phrases.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ErrNotACommand is returned by Parse when the message does not start with
// the command prefix. Callers use errors.Is to tell it apart from real
// errors and relay the text to the model instead.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// Command is a parsed chat command.
type Command struct {
	Name  string
	Args  []string
	Flags map[string]string
	// Text is everything after the command name, verbatim apart from
	// surrounding whitespace. Free-text commands (system) read it.
	Text string
}

// Request identifies where a command came from.
type Request struct {
	ConversationID string
	Sender         string
}

// Handler runs a command and returns the reply to post.
type Handler func(ctx context.Context, cmd *Command, req Request) (string, error)

// Router routes commands to handlers.
type Router struct {
	prefix   string
	handlers map[string]Handler
	usage    map[string]string
}

// NewRouter creates a router for messages starting with prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		prefix:   prefix,
		handlers: make(map[string]Handler),
		usage:    make(map[string]string),
	}
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string {
	return r.prefix
}

// Register adds a handler; usage is a one-line description for help.
func (r *Router) Register(name, usage string, handler Handler) {
	r.handlers[name] = handler
	r.usage[name] = usage
}

// IsCommand reports whether text is addressed to the router.
func (r *Router) IsCommand(text string) bool {
	_, err := r.Parse(text)
	return !errors.Is(err, ErrNotACommand)
}

// Parse splits text into a Command. Flags are --name value or bare --name
// (value "true"); everything else is an argument.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !hasWordPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	rest := strings.TrimSpace(text[len(r.prefix):])
	if rest == "" {
		return nil, errors.New("empty command")
	}

	name, tail := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name, tail = rest[:i], rest[i:]
	}
	cmd := &Command{
		Name:  strings.ToLower(name),
		Args:  []string{},
		Flags: make(map[string]string),
		Text:  strings.TrimSpace(tail),
	}

	parts := strings.Fields(cmd.Text)
	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if !strings.HasPrefix(part, "--") {
			cmd.Args = append(cmd.Args, part)
			continue
		}
		flag := strings.TrimPrefix(part, "--")
		if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "--") {
			cmd.Flags[flag] = parts[i+1]
			i++
		} else {
			cmd.Flags[flag] = "true"
		}
	}
	return cmd, nil
}

// Route parses text and runs the matching handler. It returns
// ErrNotACommand when text lacks the prefix.
func (r *Router) Route(ctx context.Context, text string, req Request) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}
	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("unknown command: %s (try %s help)", cmd.Name, r.prefix)
	}
	return handler(ctx, cmd, req)
}

// Help lists the registered commands with their usage lines.
func (r *Router) Help() string {
	names := make([]string, 0, len(r.usage))
	for name := range r.usage {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "  %s %s - %s\n", r.prefix, name, r.usage[name])
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// HasFlag checks if a flag is present.
func (c *Command) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// hasWordPrefix reports whether text starts with prefix followed by
// whitespace or the end of the string, so "!hanashix" is not a command.
func hasWordPrefix(text, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return false
	}
	if len(text) == len(prefix) {
		return true
	}
	switch text[len(prefix)] {
	case ' ', '\t', '\n':
		return true
	}
	return false
}
