package store

import (
	"fmt"
	"time"
)

// Chat types.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// MessageText is the default message type.
const MessageText = "text"

type User struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Email     *string   `gorm:"size:100;uniqueIndex" json:"email,omitempty"`
	FullName  string    `gorm:"size:100" json:"full_name"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credential holds the password hash for a user. It is kept out of User so
// that nothing serializing a User can leak it.
type Credential struct {
	UserID       int64  `gorm:"primaryKey"`
	PasswordHash string `gorm:"size:100;not null"`
	UpdatedAt    time.Time
}

type Chat struct {
	ID       int64   `gorm:"primaryKey" json:"id"`
	ChatType string  `gorm:"size:20;not null;default:private;index" json:"chat_type"`
	Title    *string `gorm:"size:200" json:"title,omitempty"`
	IsActive bool    `gorm:"not null" json:"is_active"`
	// PairKey is set only on active private chats; the unique index is what
	// keeps one chat per pair across processes.
	PairKey        *string    `gorm:"size:64;uniqueIndex" json:"-"`
	LastActivityAt *time.Time `gorm:"index" json:"last_message_at"`
	// LastSeq is the seq of the newest message ever appended. It never
	// moves backwards, even when messages are deleted.
	LastSeq      int64             `gorm:"not null;default:0" json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Participants []ChatParticipant `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"-"`
	Members      []User            `gorm:"-" json:"participants,omitempty"`
}

type ChatParticipant struct {
	ChatID   int64     `gorm:"primaryKey;autoIncrement:false"`
	UserID   int64     `gorm:"primaryKey;autoIncrement:false;index"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

type Message struct {
	ID          int64      `gorm:"primaryKey" json:"id"`
	ChatID      int64      `gorm:"not null;index;uniqueIndex:uk_chat_seq" json:"chat_id"`
	Seq         int64      `gorm:"not null;uniqueIndex:uk_chat_seq" json:"seq"`
	SenderID    int64      `gorm:"not null;index" json:"sender_id"`
	Content     string     `gorm:"type:text;not null" json:"content"`
	MessageType string     `gorm:"size:20;not null;default:text" json:"message_type"`
	CreatedAt   time.Time  `gorm:"index" json:"timestamp"`
	IsRead      bool       `gorm:"not null;default:false" json:"is_read"`
	IsEdited    bool       `gorm:"not null;default:false" json:"is_edited"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}

// PairKey is the order-independent identity of a two-party chat.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// ParticipantIDs lists the user ids attached to the chat.
func (c Chat) ParticipantIDs() []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
