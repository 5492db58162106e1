package commands

import (
	"math/rand/v2"
	"strings"
)

// DefaultResetTrigger wipes the conversation when it appears anywhere in a
// message.
const DefaultResetTrigger = "/done"

// DefaultResetReplies are posted after a trigger reset.
var DefaultResetReplies = []string{
	"Ok, I have reset the context.",
	"Okay, I will reset the context now.",
	"Okay, I have cleared the context.",
}

// Triggers detects reset phrases in ordinary chat messages. Matching is a
// case-insensitive substring test.
type Triggers struct {
	phrases []string
	replies []string
	pick    func(n int) int
}

// NewTriggers builds a matcher. Empty phrases are ignored; with no replies
// the defaults are used.
func NewTriggers(phrases, replies []string) *Triggers {
	t := &Triggers{pick: rand.IntN}
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			t.phrases = append(t.phrases, strings.ToLower(p))
		}
	}
	for _, r := range replies {
		if r = strings.TrimSpace(r); r != "" {
			t.replies = append(t.replies, r)
		}
	}
	if len(t.replies) == 0 {
		t.replies = DefaultResetReplies
	}
	return t
}

// Match reports whether text contains one of the trigger phrases.
func (t *Triggers) Match(text string) bool {
	if t == nil || len(t.phrases) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range t.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Reply returns one of the configured replies at random.
func (t *Triggers) Reply() string {
	return t.replies[t.pick(len(t.replies))]
}
