package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Hanashi/internal/hanashi/commands"
	"github.com/bdobrica/Hanashi/internal/hanashi/matrix"
	"github.com/bdobrica/Hanashi/internal/hanashi/metrics"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
	"github.com/bdobrica/Hanashi/internal/hanashi/relay"
	"github.com/bdobrica/Hanashi/internal/hanashi/transcript"
	"github.com/bdobrica/Hanashi/internal/hanashi/window"
)

// Replies posted when a turn cannot produce an answer.
const (
	replyTooLong     = "That message is too long for me to keep in mind. Could you say it in fewer words?"
	replyOops        = "Oops, I could not come up with an answer. Please send your message again."
	replyMisconfig   = "I am not configured to hold this conversation right now. Please tell my operator."
	replyRateLimited = "You are sending messages faster than I can answer. Give me a moment."
)

const (
	typingTimeout = 30 * time.Second
	typingRefresh = 20 * time.Second
)

// Messenger posts to the chat network.
type Messenger interface {
	SendText(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// Responder runs completion turns.
type Responder interface {
	Respond(ctx context.Context, conversationID, userText string) (string, error)
	Reset(ctx context.Context, conversationID string) error
}

// Delivery controls how replies are posted.
type Delivery struct {
	SplitThreshold int
	PauseMin       time.Duration
	PauseMax       time.Duration
	Typing         bool
}

// Bot turns inbound chat messages into commands, resets or relay turns.
type Bot struct {
	messenger  Messenger
	responder  Responder
	router     *commands.Router
	triggers   *commands.Triggers
	limiter    *Limiter
	delivery   Delivery
	metrics    *metrics.Metrics
	transcript *transcript.Writer
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// BotConfig wires a Bot.
type BotConfig struct {
	Messenger Messenger
	Responder Responder
	Router    *commands.Router
	Triggers  *commands.Triggers
	Delivery  Delivery

	// Optional.
	Limiter    *Limiter
	Metrics    *metrics.Metrics
	Transcript *transcript.Writer
	Logger     *slog.Logger
}

// NewBot returns a Bot.
func NewBot(cfg BotConfig) *Bot {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bot{
		messenger:  cfg.Messenger,
		responder:  cfg.Responder,
		router:     cfg.Router,
		triggers:   cfg.Triggers,
		limiter:    cfg.Limiter,
		delivery:   cfg.Delivery,
		metrics:    cfg.Metrics,
		transcript: cfg.Transcript,
		logger:     cfg.Logger,
		sleep:      sleepCtx,
	}
}

// HandleMessage processes one inbound message. The room is the conversation.
func (b *Bot) HandleMessage(ctx context.Context, msg matrix.Message) {
	ctx = observability.WithTraceID(ctx, observability.NewTraceID())
	logger := observability.LoggerWithTrace(ctx, b.logger).With("room", msg.RoomID, "sender", msg.Sender)

	text := strings.TrimSpace(msg.Body)
	if text == "" {
		b.metrics.Inbound("ignored")
		return
	}

	if ok, notify := b.limiter.Allow(msg.RoomID); !ok {
		b.metrics.Inbound("rate_limited")
		logger.Warn("bot: rate limited")
		if notify {
			b.send(ctx, logger, msg.RoomID, replyRateLimited)
		}
		return
	}

	switch {
	case b.router != nil && b.router.IsCommand(text):
		b.metrics.Inbound("command")
		b.handleCommand(ctx, logger, msg, text)
	case b.triggers.Match(text):
		b.metrics.Inbound("reset")
		b.handleReset(ctx, logger, msg.RoomID, text)
	default:
		b.metrics.Inbound("relayed")
		b.handleTurn(ctx, logger, msg.RoomID, text)
	}
}

func (b *Bot) handleCommand(ctx context.Context, logger *slog.Logger, msg matrix.Message, text string) {
	reply, err := b.router.Route(ctx, text, commands.Request{ConversationID: msg.RoomID, Sender: msg.Sender})
	if err != nil {
		logger.Info("bot: command failed", "err", err)
		reply = fmt.Sprintf("❌ Error: %s", err)
	}
	if reply != "" {
		b.send(ctx, logger, msg.RoomID, reply)
	}
}

func (b *Bot) handleReset(ctx context.Context, logger *slog.Logger, roomID, text string) {
	b.transcribe(logger, roomID, "user", text)
	if err := b.responder.Reset(ctx, roomID); err != nil {
		logger.Warn("bot: reset failed", "err", err)
		return
	}
	reply := b.triggers.Reply()
	b.send(ctx, logger, roomID, reply)
	b.transcribe(logger, roomID, "assistant", reply)
}

func (b *Bot) handleTurn(ctx context.Context, logger *slog.Logger, roomID, text string) {
	stopTyping := b.keepTyping(ctx, logger, roomID)
	reply, err := b.responder.Respond(ctx, roomID, text)
	stopTyping()

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; nobody is waiting for the answer.
			return
		}
		b.send(ctx, logger, roomID, errorReply(err))
		return
	}
	b.deliver(ctx, logger, roomID, reply)
}

// errorReply maps a turn failure to the message the user sees.
func errorReply(err error) string {
	var cfgErr *window.ConfigError
	switch {
	case errors.Is(err, relay.ErrMessageTooLong):
		return replyTooLong
	case errors.As(err, &cfgErr):
		return replyMisconfig
	default:
		return replyOops
	}
}

// deliver posts a reply in one or two messages, pausing with the typing
// indicator on between them.
func (b *Bot) deliver(ctx context.Context, logger *slog.Logger, roomID, reply string) {
	for i, part := range SplitReply(reply, b.delivery.SplitThreshold) {
		if i > 0 {
			b.typing(ctx, logger, roomID, true)
			if err := b.sleep(ctx, pause(b.delivery.PauseMin, b.delivery.PauseMax)); err != nil {
				return
			}
		}
		if !b.send(ctx, logger, roomID, part) {
			return
		}
	}
}

func (b *Bot) send(ctx context.Context, logger *slog.Logger, roomID, text string) bool {
	if err := b.messenger.SendText(ctx, roomID, text); err != nil {
		logger.Error("bot: send failed", "err", err)
		return false
	}
	return true
}

// keepTyping shows the typing indicator until the returned func is called.
func (b *Bot) keepTyping(ctx context.Context, logger *slog.Logger, roomID string) func() {
	if !b.delivery.Typing {
		return func() {}
	}
	typingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			b.typing(typingCtx, logger, roomID, true)
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
		// Sending a message clears the indicator on most clients, but an
		// error path may not send anything.
		b.typing(context.WithoutCancel(ctx), logger, roomID, false)
	}
}

func (b *Bot) typing(ctx context.Context, logger *slog.Logger, roomID string, on bool) {
	if !b.delivery.Typing {
		return
	}
	if err := b.messenger.SetTyping(ctx, roomID, on, typingTimeout); err != nil && ctx.Err() == nil {
		logger.Debug("bot: typing indicator failed", "err", err)
	}
}

func (b *Bot) transcribe(logger *slog.Logger, roomID, role, text string) {
	if err := b.transcript.Log(roomID, role, text); err != nil {
		logger.Warn("bot: transcript write failed", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
