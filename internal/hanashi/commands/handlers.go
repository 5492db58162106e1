package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/Hanashi/common/version"
	"github.com/bdobrica/Hanashi/internal/hanashi/relay"
	"github.com/bdobrica/Hanashi/internal/hanashi/window"
)

// Conversations is the part of the relay the handlers drive.
type Conversations interface {
	Reset(ctx context.Context, conversationID string) error
	SetPreamble(ctx context.Context, conversationID, text string) error
	Preview(conversationID string) (relay.WindowStats, error)
}

// Handlers implements the built-in commands.
type Handlers struct {
	conv   Conversations
	router *Router
}

// NewHandlers registers the built-in commands on router and returns them.
func NewHandlers(router *Router, conv Conversations) *Handlers {
	h := &Handlers{conv: conv, router: router}
	router.Register("reset", "clear this conversation's history", h.HandleReset)
	router.Register("system", "<text> set the system preamble (--clear removes it)", h.HandleSystem)
	router.Register("status", "show the context window of this conversation", h.HandleStatus)
	router.Register("help", "list commands", h.HandleHelp)
	return h
}

// HandleReset clears the history and keeps the preamble.
func (h *Handlers) HandleReset(ctx context.Context, _ *Command, req Request) (string, error) {
	if err := h.conv.Reset(ctx, req.ConversationID); err != nil {
		return "", fmt.Errorf("reset: %w", err)
	}
	return "Conversation history cleared.", nil
}

// HandleSystem replaces or removes the system preamble.
func (h *Handlers) HandleSystem(ctx context.Context, cmd *Command, req Request) (string, error) {
	text := cmd.Text
	remove := cmd.HasFlag("clear")
	if remove {
		text = ""
	}
	if text == "" && !remove {
		return "", fmt.Errorf("usage: %s system <text> | %s system --clear", h.router.Prefix(), h.router.Prefix())
	}

	if err := h.conv.SetPreamble(ctx, req.ConversationID, text); err != nil {
		var cfgErr *window.ConfigError
		if errors.As(err, &cfgErr) {
			return "", fmt.Errorf("preamble rejected: %s", cfgErr.Reason)
		}
		return "", fmt.Errorf("system: %w", err)
	}
	if remove {
		return "System preamble removed.", nil
	}
	return "System preamble updated.", nil
}

// HandleStatus reports what the next turn would send.
func (h *Handlers) HandleStatus(_ context.Context, _ *Command, req Request) (string, error) {
	stats, err := h.conv.Preview(req.ConversationID)
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Hanashi %s\n", version.Version)
	if stats.SessionID == "" {
		sb.WriteString("Session: not started\n")
	} else {
		fmt.Fprintf(&sb, "Session: %s\n", stats.SessionID)
	}
	fmt.Fprintf(&sb, "History: %d messages, %d in the window\n", stats.HistoryMessages, stats.KeptMessages)
	fmt.Fprintf(&sb, "Window: ~%d of %d tokens\n", stats.WindowTokens, stats.Ceiling)
	if stats.HasPreamble {
		fmt.Fprintf(&sb, "Preamble: ~%d tokens", stats.PreambleTokens)
	} else {
		sb.WriteString("Preamble: none")
	}
	if !stats.Fits {
		sb.WriteString("\nThe latest message does not fit the window.")
	}
	return sb.String(), nil
}

// HandleHelp lists the commands.
func (h *Handlers) HandleHelp(context.Context, *Command, Request) (string, error) {
	return h.router.Help(), nil
}
