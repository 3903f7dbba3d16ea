package delivery

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/pairchat/internal/store"
)

// Event names sent to clients.
const (
	EventMessage         = "message"
	EventParticipantLeft = "participant_left"
)

// MessageEvent announces a stored message to its recipients.
type MessageEvent struct {
	Event          string    `json:"event"`
	ChatID         int64     `json:"chat_id"`
	MessageID      int64     `json:"message_id"`
	Seq            int64     `json:"seq"`
	SenderID       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Body           string    `json:"body"`
	MessageType    string    `json:"message_type"`
	SentAt         time.Time `json:"sent_at"`
}

// LeftEvent tells the counterpart that a user closed their last socket.
type LeftEvent struct {
	Event    string `json:"event"`
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

func newMessageEvent(msg store.Message, senderUsername string) MessageEvent {
	return MessageEvent{
		Event:          EventMessage,
		ChatID:         msg.ChatID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		SenderID:       msg.SenderID,
		SenderUsername: senderUsername,
		Body:           msg.Content,
		MessageType:    msg.MessageType,
		SentAt:         msg.CreatedAt.UTC(),
	}
}

func newLeftEvent(chatID, userID int64, username string) LeftEvent {
	return LeftEvent{
		Event:    EventParticipantLeft,
		ChatID:   chatID,
		UserID:   userID,
		Username: username,
	}
}

func encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
