// Package matrix connects Hanashi to a Matrix homeserver. Every Matrix room
// is one conversation: text messages from allowed users are handed to a
// MessageHandler, in order per room and concurrently across rooms.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	backoffMin = 2 * time.Second
	backoffMax = 5 * time.Minute
)

// Config holds the connection parameters and access rules.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AllowedRooms limits the rooms Hanashi answers in; empty allows every
	// joined room.
	AllowedRooms []string
	// AllowedUsers limits who Hanashi answers; empty allows everyone.
	AllowedUsers []string
	// AutoJoin accepts invites from allowed users into allowed rooms.
	AutoJoin bool
	// DB persists the sync position across restarts. When nil an in-memory
	// store is used and messages older than the process are ignored.
	DB *sql.DB
}

// Message is an inbound text message.
type Message struct {
	RoomID    string
	EventID   string
	Sender    string
	Body      string
	Timestamp time.Time
}

// MessageHandler processes one inbound message. Calls for the same room
// never overlap.
type MessageHandler func(ctx context.Context, msg Message)

// Client is Hanashi's Matrix connection.
type Client struct {
	mxc     *mautrix.Client
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// New creates a client. It does not contact the homeserver until Run.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}

	if cfg.DB != nil {
		mxc.Store = NewDBSyncStore(cfg.DB)
		logger.Info("matrix: using persistent sync store")
	} else {
		logger.Warn("matrix: no database configured, sync position is not persisted")
	}

	return &Client{mxc: mxc, cfg: cfg, logger: logger, started: time.Now()}, nil
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.cfg.UserID }

// Run joins the allowed rooms and syncs until ctx is cancelled, reconnecting
// with exponential back-off. It returns nil on cancellation and waits for
// in-flight handlers before returning.
func (c *Client) Run(ctx context.Context, handler MessageHandler) error {
	c.logger.Warn("matrix: E2EE is not enabled; messages are transmitted in plaintext")

	d := newDispatcher(handler)
	defer d.Wait()

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		if msg, ok := c.accept(evt); ok {
			d.Dispatch(ctx, msg)
		}
	})
	if c.cfg.AutoJoin {
		syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
			c.handleInvite(ctx, evt)
		})
	}

	for _, room := range c.cfg.AllowedRooms {
		if err := c.join(ctx, id.RoomID(room)); err != nil {
			c.logger.Warn("matrix: could not join room", "room", room, "err", err)
		}
	}

	backoff := backoffMin
	for {
		err := c.mxc.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = backoffMin
			continue
		}
		c.logger.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// SendText posts a plain-text message.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	if _, err := c.mxc.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("matrix: send message: %w", err)
	}
	return nil
}

// SetTyping shows or clears the typing indicator in a room.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.mxc.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("matrix: set typing: %w", err)
	}
	return nil
}

// accept filters inbound events down to the text messages Hanashi answers.
func (c *Client) accept(evt *event.Event) (Message, bool) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return Message{}, false
	}
	// Edits arrive as new m.text events; answering them would duplicate turns.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return Message{}, false
	}
	if !c.roomAllowed(evt.RoomID.String()) || !c.userAllowed(evt.Sender.String()) {
		return Message{}, false
	}
	ts := time.UnixMilli(evt.Timestamp)
	if c.cfg.DB == nil && ts.Before(c.started) {
		return Message{}, false
	}
	return Message{
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Body:      content.Body,
		Timestamp: ts,
	}, true
}

func (c *Client) handleInvite(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != c.cfg.UserID {
		return
	}
	if !c.roomAllowed(evt.RoomID.String()) || !c.userAllowed(evt.Sender.String()) {
		c.logger.Info("matrix: ignoring invite", "room", evt.RoomID, "sender", evt.Sender)
		return
	}
	if err := c.join(ctx, evt.RoomID); err != nil {
		c.logger.Warn("matrix: could not accept invite", "room", evt.RoomID, "err", err)
		return
	}
	c.logger.Info("matrix: joined room", "room", evt.RoomID, "invited_by", evt.Sender)
}

func (c *Client) roomAllowed(roomID string) bool {
	return len(c.cfg.AllowedRooms) == 0 || slices.Contains(c.cfg.AllowedRooms, roomID)
}

func (c *Client) userAllowed(userID string) bool {
	return len(c.cfg.AllowedUsers) == 0 || slices.Contains(c.cfg.AllowedUsers, userID)
}

func (c *Client) join(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mxc.JoinRoomByID(ctx, roomID)
	// Homeservers answer M_FORBIDDEN when the bot is already a member.
	if errors.Is(err, mautrix.MForbidden) {
		c.logger.Warn("matrix: already a member or access denied, continuing", "room", roomID)
		return nil
	}
	return err
}
