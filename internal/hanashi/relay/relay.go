// Package relay runs one completion turn per inbound message: it records the
// user's text, bounds the conversation to the token budget, asks the model
// for a reply and records that reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/metrics"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
	"github.com/bdobrica/Hanashi/internal/hanashi/tokens"
	"github.com/bdobrica/Hanashi/internal/hanashi/transcript"
	"github.com/bdobrica/Hanashi/internal/hanashi/window"
)

// ErrMessageTooLong is returned by Respond when the user's message, together
// with the system preamble, does not fit the context window. The message is
// still recorded in the conversation.
var ErrMessageTooLong = fmt.Errorf("relay: message too long: %w", window.ErrTrimmingImpossible)

// CompletionError reports a failed completion call (network failure, timeout,
// cancellation or a non-success answer). The user's message stays recorded
// and no reply was appended, so sending the same conversation again is safe.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return "relay: completion failed: " + e.Err.Error()
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Retryable is always true: the conversation is left ready for another turn.
func (e *CompletionError) Retryable() bool { return true }

// Sampling holds the generation parameters sent with every request.
type Sampling struct {
	// MaxTokens caps the reply; zero means Budget.ReservedForReply.
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Config wires a Relay to its collaborators.
type Config struct {
	Store     *memory.Store
	Provider  llm.Provider
	Estimator tokens.Estimator
	Budget    window.Budget
	Sampling  Sampling

	// Optional.
	Metrics    *metrics.Metrics
	Transcript *transcript.Writer
	Logger     *slog.Logger
}

// Relay orchestrates completion turns. It is safe for concurrent use; turns
// for the same conversation are serialized, turns for different
// conversations run in parallel.
type Relay struct {
	store     *memory.Store
	provider  llm.Provider
	estimator tokens.Estimator
	budget    window.Budget
	sampling  Sampling
	metrics   *metrics.Metrics
	log       *transcript.Writer
	logger    *slog.Logger
	now       func() time.Time
}

// New validates cfg and returns a Relay. A budget that can never produce a
// window is reported as a *window.ConfigError.
func New(cfg Config) (*Relay, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("relay: completion provider is required")
	}
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	if cfg.Estimator == nil {
		cfg.Estimator = tokens.NewHeuristic(tokens.DefaultCalibration())
	}
	if cfg.Sampling.MaxTokens <= 0 {
		cfg.Sampling.MaxTokens = cfg.Budget.ReservedForReply
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		store:     cfg.Store,
		provider:  cfg.Provider,
		estimator: cfg.Estimator,
		budget:    cfg.Budget,
		sampling:  cfg.Sampling,
		metrics:   cfg.Metrics,
		log:       cfg.Transcript,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// Budget returns the token budget turns are trimmed against.
func (r *Relay) Budget() window.Budget {
	return r.budget
}

// Respond runs one turn for conversationID and returns the model's reply.
//
// Once the conversation's turn lock is held the user message is appended
// exactly once, whatever happens next. Errors:
//   - the context error if ctx ends while waiting for the lock (nothing was
//     appended);
//   - ErrMessageTooLong if the message cannot fit the window;
//   - *CompletionError if the endpoint call fails;
//   - *window.ConfigError if the preamble no longer fits the budget.
func (r *Relay) Respond(ctx context.Context, conversationID, userText string) (string, error) {
	if observability.TraceFromContext(ctx) == "" {
		ctx = observability.WithTraceID(ctx, observability.NewTraceID())
	}
	logger := observability.LoggerWithTrace(ctx, r.logger).With("conversation_id", conversationID)

	release, err := r.store.Acquire(ctx, conversationID)
	if err != nil {
		r.metrics.Turn(metrics.OutcomeCancelled)
		return "", err
	}
	defer release()

	r.store.Append(conversationID, memory.NewMessage(memory.RoleUser, userText, r.estimator))
	r.transcribe(logger, conversationID, memory.RoleUser, userText)

	conv := r.store.GetOrCreate(conversationID)
	msgs, err := window.Trim(&conv, r.budget)
	if err != nil {
		var cfgErr *window.ConfigError
		if errors.As(err, &cfgErr) {
			r.metrics.Turn(metrics.OutcomeConfigError)
			logger.Error("relay: preamble does not fit the budget", "err", err)
			return "", err
		}
		r.metrics.Turn(metrics.OutcomeTooLong)
		logger.Info("relay: message too long", "tokens", window.Sum(msgs), "ceiling", r.budget.Ceiling())
		return "", fmt.Errorf("%w (needs %d tokens, ceiling is %d)", ErrMessageTooLong, window.Sum(msgs), r.budget.Ceiling())
	}

	estimated := window.Sum(msgs)
	dropped := len(conv.History) - keptHistory(msgs, conv.Preamble != nil)
	r.metrics.Window(estimated, dropped)

	start := r.now()
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    toLLM(msgs),
		MaxTokens:   r.sampling.MaxTokens,
		Temperature: r.sampling.Temperature,
		TopP:        r.sampling.TopP,
	})
	elapsed := r.now().Sub(start)
	if err != nil {
		outcome := metrics.OutcomeCompletionError
		if ctx.Err() != nil {
			outcome = metrics.OutcomeCancelled
		}
		r.metrics.Turn(outcome)
		logger.Warn("relay: completion failed", "elapsed", elapsed, "err", err)
		return "", &CompletionError{Err: err}
	}

	reply := resp.Content
	r.store.Append(conversationID, memory.NewMessage(memory.RoleAssistant, reply, r.estimator))
	r.transcribe(logger, conversationID, memory.RoleAssistant, reply)

	r.metrics.Completion(elapsed, estimated, resp.PromptTokens, resp.CompletionTokens)
	r.metrics.Turn(metrics.OutcomeOK)
	logger.Info("relay: turn completed",
		"context_messages", len(msgs),
		"dropped", dropped,
		"estimated_tokens", estimated,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"elapsed", elapsed,
	)
	return reply, nil
}

// Reset clears the conversation's history, keeping its preamble. It waits
// for any in-flight turn of the same conversation to finish.
func (r *Relay) Reset(ctx context.Context, conversationID string) error {
	release, err := r.store.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	r.store.Reset(conversationID)
	observability.LoggerWithTrace(ctx, r.logger).Info("relay: conversation reset", "conversation_id", conversationID)
	return nil
}

// SetPreamble installs text as the conversation's system preamble, or
// removes it when text is empty. A preamble that alone exceeds the budget is
// rejected with a *window.ConfigError and the old one is kept.
func (r *Relay) SetPreamble(ctx context.Context, conversationID, text string) error {
	if err := window.CheckPreamble(r.estimator, text, r.budget); err != nil {
		return err
	}
	release, err := r.store.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	r.store.SetSystemPreamble(conversationID, text)
	observability.LoggerWithTrace(ctx, r.logger).Info("relay: preamble updated",
		"conversation_id", conversationID,
		"removed", text == "",
	)
	return nil
}

// WindowStats describes what the next turn of a conversation would send.
type WindowStats struct {
	SessionID       string
	HistoryMessages int
	// KeptMessages counts history messages inside the window.
	KeptMessages   int
	HasPreamble    bool
	PreambleTokens int
	// WindowTokens is the estimated size of the window, preamble included.
	WindowTokens int
	Ceiling      int
	// Fits is false when the latest message alone cannot fit.
	Fits bool
}

// Preview trims the conversation as a turn would, without calling the model.
// A conversation that does not exist yet is previewed as a draft and is not
// created.
func (r *Relay) Preview(conversationID string) (WindowStats, error) {
	conv := r.store.Peek(conversationID)
	stats := WindowStats{
		SessionID:       conv.SessionID,
		HistoryMessages: len(conv.History),
		HasPreamble:     conv.Preamble != nil,
		Ceiling:         r.budget.Ceiling(),
		Fits:            true,
	}
	if conv.Preamble != nil {
		stats.PreambleTokens = conv.Preamble.Tokens
	}

	msgs, err := window.Trim(&conv, r.budget)
	switch {
	case errors.Is(err, window.ErrTrimmingImpossible):
		stats.Fits = false
	case err != nil:
		return stats, err
	default:
		stats.KeptMessages = keptHistory(msgs, conv.Preamble != nil)
	}
	stats.WindowTokens = window.Sum(msgs)
	return stats, nil
}

func (r *Relay) transcribe(logger *slog.Logger, conversationID string, role memory.Role, text string) {
	if err := r.log.Log(conversationID, string(role), text); err != nil {
		logger.Warn("relay: transcript write failed", "err", err)
	}
}

func keptHistory(msgs []memory.Message, hasPreamble bool) int {
	if hasPreamble && len(msgs) > 0 {
		return len(msgs) - 1
	}
	return len(msgs)
}

func toLLM(msgs []memory.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
