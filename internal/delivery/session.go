package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/registry"
	"github.com/Tyrowin/pairchat/internal/store"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionClosed is returned for frames that arrive after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrSpoofedSender is returned for frames naming someone else as sender.
	ErrSpoofedSender = fmt.Errorf("%w: frame sender does not match authenticated user", apperr.ErrForbidden)
)

// Session is one authenticated socket. Frames are handled one at a time in
// arrival order; a bad frame is dropped and the session stays open.
type Session struct {
	coordinator *Coordinator
	identity    auth.Identity
	channel     registry.Channel
	log         *logger.Logger

	mu       sync.Mutex
	state    State
	lastChat int64

	closeOnce sync.Once
}

func (s *Session) Identity() auth.Identity { return s.identity }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastChat is the chat of the last frame this session delivered, or 0.
func (s *Session) LastChat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChat
}

// HandleFrame decodes and sends one inbound frame. Frames whose sender
// differs from the authenticated user are dropped.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) (store.Message, error) {
	if s.State() != StateOpen {
		return store.Message{}, ErrSessionClosed
	}

	f, err := DecodeFrame(raw)
	if err != nil {
		s.log.Warn("Dropping undecodable frame", "error", err)
		return store.Message{}, err
	}
	if f.SenderID != s.identity.UserID {
		s.log.Warn("Dropping frame with spoofed sender", "claimed_sender", f.SenderID)
		return store.Message{}, ErrSpoofedSender
	}

	msg, err := s.coordinator.Send(ctx, s.identity, SendRequest{
		ChatID:      f.ChatID,
		RecipientID: f.RecipientID,
		Body:        f.Body,
		MessageType: f.MessageType,
	})
	if err != nil {
		s.log.Warn("Dropping frame", "chat", f.ChatID, "recipient", f.RecipientID, "error", err)
		return store.Message{}, err
	}

	s.mu.Lock()
	s.lastChat = msg.ChatID
	s.mu.Unlock()
	return msg, nil
}

// Close unregisters the channel and, when a chat was established on this
// session, tells the counterpart of that chat that the user left. Only the
// first call has any effect.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		lastChat := s.lastChat
		s.mu.Unlock()

		c := s.coordinator
		c.registry.Unregister(s.identity.UserID, s.channel)
		if lastChat != 0 {
			if err := c.notifyLeft(ctx, lastChat, s.identity); err != nil {
				s.log.Warn("Leave notice not delivered", "chat", lastChat, "error", err)
			}
		}

		s.mu.Lock()
		s.state = StateTerminal
		s.mu.Unlock()
		s.log.Info("Session closed")
	})
}
