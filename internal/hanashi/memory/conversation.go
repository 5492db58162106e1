// Package memory owns the per-conversation message history that Hanashi
// relays to the completion endpoint.
//
// The Store is the only component that mutates a Conversation. Everything it
// hands out is a snapshot copy, so trimming and prompt assembly work on a
// view and never edit stored history.
package memory

import (
	"time"

	"github.com/bdobrica/Hanashi/internal/hanashi/tokens"
)

// Role identifies the author of a message in OpenAI chat terms.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn. Tokens is computed once at creation and never
// recomputed, which keeps re-summation during trimming O(1) per message.
type Message struct {
	Role      Role
	Content   string
	Tokens    int
	CreatedAt time.Time
}

// NewMessage creates a message and caches its estimated token cost.
func NewMessage(role Role, content string, est tokens.Estimator) Message {
	return newMessageAt(role, content, est, time.Now().UTC())
}

func newMessageAt(role Role, content string, est tokens.Estimator, now time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		Tokens:    est.Estimate(string(role), content),
		CreatedAt: now,
	}
}

// Conversation is the ordered history of one chat session.
type Conversation struct {
	ID           string    // opaque identifier supplied by the front-end
	SessionID    string    // UUID, rotated on every reset
	Preamble     *Message  // optional anchor system message
	History      []Message // chronological, oldest first
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Latest returns the most recent history message, or false when the history
// is empty.
func (c *Conversation) Latest() (Message, bool) {
	if len(c.History) == 0 {
		return Message{}, false
	}
	return c.History[len(c.History)-1], true
}

// clone returns a deep copy that shares no slices or pointers with c.
func (c *Conversation) clone() Conversation {
	cp := *c
	cp.History = make([]Message, len(c.History))
	copy(cp.History, c.History)
	if c.Preamble != nil {
		p := *c.Preamble
		cp.Preamble = &p
	}
	return cp
}
