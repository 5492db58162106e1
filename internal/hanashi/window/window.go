// Package window decides which messages of a conversation fit into the
// model's context window for the next completion call.
//
// Selection runs newest-first and output is chronological. The preamble and
// the latest message are anchors: they are always part of the window or the
// window is refused with a typed error. Messages are kept or dropped whole;
// content is never truncated.
package window

import (
	"errors"
	"fmt"

	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/tokens"
)

// ErrTrimmingImpossible is returned by Trim when the preamble plus the latest
// message alone exceed the ceiling.
var ErrTrimmingImpossible = errors.New("window: latest message does not fit the context window")

// ConfigError reports a token budget or preamble that can never produce a
// valid window. It is fatal at startup.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "window: invalid configuration: " + e.Reason
}

// Budget is the token allowance of one completion request.
type Budget struct {
	// MaxContextTokens is the model's context length.
	MaxContextTokens int
	// ReservedForReply is kept free for the generated reply.
	ReservedForReply int
}

// Ceiling is the number of tokens available to the prompt.
func (b Budget) Ceiling() int {
	return b.MaxContextTokens - b.ReservedForReply
}

// Validate returns a *ConfigError when the budget leaves no room for a
// prompt.
func (b Budget) Validate() error {
	switch {
	case b.MaxContextTokens <= 0:
		return &ConfigError{Reason: fmt.Sprintf("max_context_tokens must be > 0, got %d", b.MaxContextTokens)}
	case b.ReservedForReply < 0:
		return &ConfigError{Reason: fmt.Sprintf("reserved_for_reply must be >= 0, got %d", b.ReservedForReply)}
	case b.ReservedForReply >= b.MaxContextTokens:
		return &ConfigError{Reason: fmt.Sprintf("reserved_for_reply (%d) must be < max_context_tokens (%d)",
			b.ReservedForReply, b.MaxContextTokens)}
	}
	return nil
}

// CheckPreamble verifies that a candidate preamble fits the ceiling on its
// own. Empty text is always accepted (no preamble).
func CheckPreamble(est tokens.Estimator, text string, b Budget) error {
	if text == "" {
		return nil
	}
	if cost := est.Estimate(string(memory.RoleSystem), text); cost > b.Ceiling() {
		return &ConfigError{Reason: fmt.Sprintf("system preamble costs %d tokens, ceiling is %d", cost, b.Ceiling())}
	}
	return nil
}

// Sum returns the total cached token cost of msgs.
func Sum(msgs []memory.Message) int {
	total := 0
	for _, m := range msgs {
		total += m.Tokens
	}
	return total
}

// Trim returns the longest suffix of conv.History that fits the budget
// ceiling together with the preamble, preamble first, in chronological
// order:
//
//   - the preamble is always included and charged first; if it alone exceeds
//     the ceiling Trim returns a *ConfigError and no messages;
//   - the latest message is always included; if preamble + latest exceed the
//     ceiling Trim returns those anchors together with ErrTrimmingImpossible,
//     and the caller must not send them;
//   - older messages are added newest-first while the running total stays
//     <= the ceiling; the first one that does not fit and everything older is
//     dropped.
//
// conv is not modified.
func Trim(conv *memory.Conversation, b Budget) ([]memory.Message, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	ceiling := b.Ceiling()

	used := 0
	if conv.Preamble != nil {
		used = conv.Preamble.Tokens
		if used > ceiling {
			return nil, &ConfigError{Reason: fmt.Sprintf("system preamble costs %d tokens, ceiling is %d", used, ceiling)}
		}
	}

	history := conv.History
	if len(history) == 0 {
		return withPreamble(conv.Preamble, nil), nil
	}

	last := len(history) - 1
	used += history[last].Tokens
	if used > ceiling {
		return withPreamble(conv.Preamble, history[last:]),
			fmt.Errorf("%w: needs %d tokens, ceiling is %d", ErrTrimmingImpossible, used, ceiling)
	}

	start := last
	for i := last - 1; i >= 0; i-- {
		if used+history[i].Tokens > ceiling {
			break
		}
		used += history[i].Tokens
		start = i
	}

	return withPreamble(conv.Preamble, history[start:]), nil
}

// withPreamble copies kept into a fresh slice, prefixed by the preamble.
func withPreamble(preamble *memory.Message, kept []memory.Message) []memory.Message {
	n := len(kept)
	if preamble != nil {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]memory.Message, 0, n)
	if preamble != nil {
		out = append(out, *preamble)
	}
	return append(out, kept...)
}
