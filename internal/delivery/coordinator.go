// Package delivery ties a persisted message to live delivery. The
// Coordinator runs the send protocol shared by sockets and REST; a Session
// is the per-socket state machine on top of it.
package delivery

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/chat"
	"github.com/Tyrowin/pairchat/internal/fanout"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/registry"
	"github.com/Tyrowin/pairchat/internal/store"
)

// SendRequest is a message a user wants delivered. ChatID 0 means the chat
// is resolved from RecipientID.
type SendRequest struct {
	ChatID      int64
	RecipientID int64
	Body        string
	MessageType string
}

// Coordinator runs the send protocol shared by sockets and REST.
type Coordinator struct {
	resolver   *chat.Resolver
	ledger     *chat.Ledger
	registry   *registry.Registry
	dispatcher fanout.Dispatcher
	log        *logger.Logger
}

// NewCoordinator wires the send protocol to its collaborators.
func NewCoordinator(
	resolver *chat.Resolver,
	ledger *chat.Ledger,
	reg *registry.Registry,
	dispatcher fanout.Dispatcher,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		resolver:   resolver,
		ledger:     ledger,
		registry:   reg,
		dispatcher: dispatcher,
		log:        log.With("component", "DeliveryCoordinator"),
	}
}

// Send stores the message as sent by sender and dispatches it to every
// other participant of the chat. The message is durable before any
// recipient can see it; dispatch failures are logged, not returned.
func (c *Coordinator) Send(ctx context.Context, sender auth.Identity, req SendRequest) (store.Message, error) {
	chatID := req.ChatID
	if chatID == 0 {
		if req.RecipientID == 0 {
			return store.Message{}, apperr.Invalid("chat_id or recipient_id is required")
		}
		resolved, err := c.resolver.ResolvePrivate(ctx, sender.UserID, req.RecipientID)
		if err != nil {
			return store.Message{}, err
		}
		chatID = resolved.ID
	}

	msg, err := c.ledger.Append(ctx, chatID, sender.UserID, req.Body, req.MessageType)
	if errors.Is(err, apperr.ErrTransient) {
		c.log.Warn("Append failed, retrying once", "chat", chatID, "sender", sender.UserID, "error", err)
		msg, err = c.ledger.Append(ctx, chatID, sender.UserID, req.Body, req.MessageType)
	}
	if err != nil {
		return store.Message{}, err
	}

	participants, err := c.resolver.Participants(ctx, chatID)
	if err != nil {
		c.log.Error("Message stored but recipients unknown", "chat", chatID, "message", msg.ID, "error", err)
		return msg, nil
	}
	recipients := lo.Without(participants, sender.UserID)
	payload, err := encode(newMessageEvent(msg, sender.Username))
	if err != nil {
		c.log.Error("Encode message event", "message", msg.ID, "error", err)
		return msg, nil
	}
	if err := c.dispatcher.Dispatch(ctx, recipients, payload); err != nil {
		c.log.Warn("Dispatch failed", "chat", chatID, "message", msg.ID, "error", err)
	}
	return msg, nil
}

// Open registers ch for identity and returns its session in the Open state.
func (c *Coordinator) Open(identity auth.Identity, ch registry.Channel) *Session {
	s := &Session{
		coordinator: c,
		identity:    identity,
		channel:     ch,
		state:       StateConnecting,
		log:         c.log.With("user", identity.UserID, "channel", ch.ID()),
	}
	c.registry.Register(identity.UserID, ch)
	s.state = StateOpen
	s.log.Info("Session opened")
	return s
}

// notifyLeft tells the other participants of chatID that identity is gone.
func (c *Coordinator) notifyLeft(ctx context.Context, chatID int64, identity auth.Identity) error {
	participants, err := c.resolver.Participants(ctx, chatID)
	if err != nil {
		return err
	}
	payload, err := encode(newLeftEvent(chatID, identity.UserID, identity.Username))
	if err != nil {
		return err
	}
	return c.dispatcher.Dispatch(ctx, lo.Without(participants, identity.UserID), payload)
}
