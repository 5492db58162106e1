package commands

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/Hanashi/internal/hanashi/relay"
	"github.com/bdobrica/Hanashi/internal/hanashi/window"
)

func TestRouter_Parse(t *testing.T) {
	r := NewRouter("!hanashi")

	tests := []struct {
		name     string
		input    string
		wantName string
		wantText string
		wantArgs []string
		wantFlag map[string]string
		wantErr  error
	}{
		{name: "simple", input: "!hanashi status", wantName: "status", wantArgs: []string{}},
		{name: "case folded", input: "  !hanashi RESET  ", wantName: "reset", wantArgs: []string{}},
		{
			name:     "free text",
			input:    "!hanashi system You are a pirate.\nAnswer briefly.",
			wantName: "system",
			wantText: "You are a pirate.\nAnswer briefly.",
			wantArgs: []string{"You", "are", "a", "pirate.", "Answer", "briefly."},
		},
		{
			name:     "flags",
			input:    "!hanashi system --clear",
			wantName: "system",
			wantText: "--clear",
			wantArgs: []string{},
			wantFlag: map[string]string{"clear": "true"},
		},
		{name: "newline after name", input: "!hanashi system\nbe kind", wantName: "system", wantText: "be kind", wantArgs: []string{"be", "kind"}},
		{name: "no prefix", input: "hello there", wantErr: ErrNotACommand},
		{name: "prefix inside word", input: "!hanashix status", wantErr: ErrNotACommand},
		{name: "prefix mid message", input: "say !hanashi status", wantErr: ErrNotACommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := r.Parse(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if cmd.Name != tt.wantName || cmd.Text != tt.wantText {
				t.Errorf("Name = %q, Text = %q", cmd.Name, cmd.Text)
			}
			if strings.Join(cmd.Args, " ") != strings.Join(tt.wantArgs, " ") {
				t.Errorf("Args = %v, want %v", cmd.Args, tt.wantArgs)
			}
			for k, v := range tt.wantFlag {
				if cmd.Flags[k] != v {
					t.Errorf("Flags[%q] = %q, want %q", k, cmd.Flags[k], v)
				}
			}
		})
	}
}

func TestRouter_EmptyCommand(t *testing.T) {
	r := NewRouter("!hanashi")
	_, err := r.Parse("!hanashi")
	if err == nil || errors.Is(err, ErrNotACommand) {
		t.Errorf("expected empty command error, got %v", err)
	}
	if !r.IsCommand("!hanashi") {
		t.Error("bare prefix is still addressed to the router")
	}
}

func TestRouter_RouteUnknown(t *testing.T) {
	r := NewRouter("!hanashi")
	_, err := r.Route(context.Background(), "!hanashi dance", Request{})
	if err == nil || !strings.Contains(err.Error(), "unknown command: dance") {
		t.Errorf("err = %v", err)
	}
}

func TestTriggers(t *testing.T) {
	tr := NewTriggers([]string{"/done", " ", "Start Over"}, nil)

	tests := []struct {
		text string
		want bool
	}{
		{"/done", true},
		{"ok I'm /DONE with this", true},
		{"let's start over please", true},
		{"done", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tr.Match(tt.text); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	reply := tr.Reply()
	found := false
	for _, r := range DefaultResetReplies {
		if r == reply {
			found = true
		}
	}
	if !found {
		t.Errorf("Reply() = %q, not one of the defaults", reply)
	}
}

func TestTriggers_CustomRepliesAndNil(t *testing.T) {
	tr := NewTriggers([]string{"/done"}, []string{"fresh start!"})
	tr.pick = func(int) int { return 0 }
	if got := tr.Reply(); got != "fresh start!" {
		t.Errorf("Reply() = %q", got)
	}

	var none *Triggers
	if none.Match("/done") {
		t.Error("nil Triggers must not match")
	}
	if NewTriggers(nil, nil).Match("/done") {
		t.Error("no phrases must not match")
	}
}

// fakeConversations records calls made by the handlers.
type fakeConversations struct {
	resets    []string
	preambles map[string]string
	stats     relay.WindowStats
	err       error
}

func (f *fakeConversations) Reset(_ context.Context, id string) error {
	f.resets = append(f.resets, id)
	return f.err
}

func (f *fakeConversations) SetPreamble(_ context.Context, id, text string) error {
	if f.err != nil {
		return f.err
	}
	if f.preambles == nil {
		f.preambles = make(map[string]string)
	}
	f.preambles[id] = text
	return nil
}

func (f *fakeConversations) Preview(string) (relay.WindowStats, error) {
	return f.stats, f.err
}

func newTestHandlers(conv *fakeConversations) *Router {
	r := NewRouter("!hanashi")
	NewHandlers(r, conv)
	return r
}

func TestHandlers_Reset(t *testing.T) {
	conv := &fakeConversations{}
	r := newTestHandlers(conv)

	reply, err := r.Route(context.Background(), "!hanashi reset", Request{ConversationID: "!room:test"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply == "" || len(conv.resets) != 1 || conv.resets[0] != "!room:test" {
		t.Errorf("reply = %q, resets = %v", reply, conv.resets)
	}
}

func TestHandlers_System(t *testing.T) {
	conv := &fakeConversations{}
	r := newTestHandlers(conv)
	ctx := context.Background()
	req := Request{ConversationID: "c1"}

	if _, err := r.Route(ctx, "!hanashi system Speak like a sailor.", req); err != nil {
		t.Fatalf("set: %v", err)
	}
	if conv.preambles["c1"] != "Speak like a sailor." {
		t.Errorf("preamble = %q", conv.preambles["c1"])
	}

	reply, err := r.Route(ctx, "!hanashi system --clear", req)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if conv.preambles["c1"] != "" || !strings.Contains(reply, "removed") {
		t.Errorf("after clear: preamble %q, reply %q", conv.preambles["c1"], reply)
	}

	if _, err := r.Route(ctx, "!hanashi system", req); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage error, got %v", err)
	}

	conv.err = &window.ConfigError{Reason: "system preamble costs 900 tokens, ceiling is 100"}
	_, err = r.Route(ctx, "!hanashi system very long", req)
	if err == nil || !strings.Contains(err.Error(), "preamble rejected: system preamble costs 900") {
		t.Errorf("err = %v", err)
	}
}

func TestHandlers_Status(t *testing.T) {
	conv := &fakeConversations{stats: relay.WindowStats{
		SessionID:       "sess-1",
		HistoryMessages: 12,
		KeptMessages:    8,
		HasPreamble:     true,
		PreambleTokens:  40,
		WindowTokens:    900,
		Ceiling:         3796,
		Fits:            true,
	}}
	r := newTestHandlers(conv)

	reply, err := r.Route(context.Background(), "!hanashi status", Request{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	for _, want := range []string{"sess-1", "12 messages, 8 in the window", "~900 of 3796 tokens", "Preamble: ~40 tokens"} {
		if !strings.Contains(reply, want) {
			t.Errorf("status reply missing %q:\n%s", want, reply)
		}
	}
}

func TestHandlers_StatusBeforeFirstTurn(t *testing.T) {
	conv := &fakeConversations{stats: relay.WindowStats{Ceiling: 3796, Fits: true}}
	r := newTestHandlers(conv)

	reply, err := r.Route(context.Background(), "!hanashi status", Request{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	for _, want := range []string{"Session: not started", "0 messages", "Preamble: none"} {
		if !strings.Contains(reply, want) {
			t.Errorf("status reply missing %q:\n%s", want, reply)
		}
	}
}

func TestHandlers_Help(t *testing.T) {
	r := newTestHandlers(&fakeConversations{})

	reply, err := r.Route(context.Background(), "!hanashi help", Request{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	for _, name := range []string{"help", "reset", "status", "system"} {
		if !strings.Contains(reply, "!hanashi "+name) {
			t.Errorf("help missing %q:\n%s", name, reply)
		}
	}
}
