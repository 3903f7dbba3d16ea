package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/store"
)

const (
	// MaxBodyLength caps a message body, counted in characters.
	MaxBodyLength = 4000

	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Order is the direction history pages are read in.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ParseOrder accepts "asc" or "desc"; empty means ascending.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderAsc:
		return OrderAsc, nil
	case OrderDesc:
		return OrderDesc, nil
	default:
		return "", apperr.Invalid("order must be asc or desc, got %q", s)
	}
}

// Page is one window of a chat's history.
type Page struct {
	Messages   []store.Message `json:"messages"`
	TotalCount int64           `json:"total_count"`
	HasMore    bool            `json:"has_more"`
}

// Ledger is the durable, ordered message history of every chat.
type Ledger struct {
	store *store.Store
	locks *keyLock
	now   func() time.Time
	log   *logger.Logger
}

// NewLedger returns a Ledger backed by s.
func NewLedger(s *store.Store, log *logger.Logger) *Ledger {
	return &Ledger{
		store: s,
		locks: newKeyLock(),
		now:   time.Now,
		log:   log.With("component", "Ledger"),
	}
}

// Append stores a message from senderID in chatID and moves the chat's last
// activity forward in the same transaction. Appends to one chat are
// serialized, so seq and created_at both grow strictly.
func (l *Ledger) Append(ctx context.Context, chatID, senderID int64, body, messageType string) (store.Message, error) {
	if err := validateBody(body); err != nil {
		return store.Message{}, err
	}
	if messageType == "" {
		messageType = store.MessageText
	}

	// The in-process lock is taken before the transaction opens; with a
	// single-connection SQLite pool the reverse order would deadlock.
	unlock := l.locks.Lock(chatID)
	defer unlock()

	var msg store.Message
	err := l.store.Tx(ctx, func(tx *gorm.DB) error {
		var chat store.Chat
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&chat, chatID).Error; err != nil {
			return apperr.Store(fmt.Sprintf("chat %d", chatID), err)
		}
		if err := requireParticipant(tx, chatID, senderID); err != nil {
			return err
		}
		if !chat.IsActive {
			return apperr.Invalid("chat %d is not active", chatID)
		}

		sentAt := l.now().UTC().Truncate(time.Microsecond)
		if chat.LastActivityAt != nil && !sentAt.After(*chat.LastActivityAt) {
			sentAt = chat.LastActivityAt.UTC().Add(time.Microsecond)
		}

		msg = store.Message{
			ChatID:      chatID,
			Seq:         chat.LastSeq + 1,
			SenderID:    senderID,
			Content:     body,
			MessageType: messageType,
			CreatedAt:   sentAt,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return apperr.Store(fmt.Sprintf("append to chat %d", chatID), err)
		}
		if err := tx.Model(&store.Chat{}).
			Where("id = ?", chatID).
			Updates(map[string]interface{}{
				"last_activity_at": sentAt,
				"last_seq":         msg.Seq,
			}).Error; err != nil {
			return apperr.Store(fmt.Sprintf("touch chat %d", chatID), err)
		}
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}

	l.log.Debug("Message appended", "chat", chatID, "message", msg.ID, "seq", msg.Seq)
	return msg, nil
}

// Authorize returns the chat if userID is one of its participants.
func (l *Ledger) Authorize(ctx context.Context, chatID, userID int64) (store.Chat, error) {
	var chat store.Chat
	db := l.store.DB().WithContext(ctx)
	if err := db.Preload("Participants").First(&chat, chatID).Error; err != nil {
		return store.Chat{}, apperr.Store(fmt.Sprintf("chat %d", chatID), err)
	}
	if !chat.HasParticipant(userID) {
		return store.Chat{}, apperr.Forbidden("you are not a participant in chat %d", chatID)
	}
	return chat, nil
}

// Page returns a window of the chat's history ordered by creation time, with
// the message id breaking ties.
func (l *Ledger) Page(ctx context.Context, chatID, viewerID int64, skip, limit int, order Order) (Page, error) {
	if _, err := l.Authorize(ctx, chatID, viewerID); err != nil {
		return Page{}, err
	}
	skip, limit, err := window(skip, limit, defaultPageLimit, maxPageLimit)
	if err != nil {
		return Page{}, err
	}
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}

	db := l.store.DB().WithContext(ctx)
	var total int64
	if err := db.Model(&store.Message{}).Where("chat_id = ?", chatID).Count(&total).Error; err != nil {
		return Page{}, apperr.Store(fmt.Sprintf("count messages of chat %d", chatID), err)
	}

	messages := make([]store.Message, 0, limit)
	if err := db.Where("chat_id = ?", chatID).
		Order("created_at " + dir).
		Order("id " + dir).
		Offset(skip).
		Limit(limit).
		Find(&messages).Error; err != nil {
		return Page{}, apperr.Store(fmt.Sprintf("page chat %d", chatID), err)
	}

	return Page{
		Messages:   messages,
		TotalCount: total,
		HasMore:    int64(skip+len(messages)) < total,
	}, nil
}

// MarkRead flags every unread message the reader did not send as read and
// reports how many changed.
func (l *Ledger) MarkRead(ctx context.Context, chatID, readerID int64) (int64, error) {
	if _, err := l.Authorize(ctx, chatID, readerID); err != nil {
		return 0, err
	}
	res := l.store.DB().WithContext(ctx).
		Model(&store.Message{}).
		Where("chat_id = ? AND sender_id <> ? AND is_read = ?", chatID, readerID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, apperr.Store(fmt.Sprintf("mark chat %d read", chatID), res.Error)
	}
	if res.RowsAffected > 0 {
		l.log.Debug("Messages marked read", "chat", chatID, "reader", readerID, "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// UnreadCount counts messages in the chat the user has not read.
func (l *Ledger) UnreadCount(ctx context.Context, chatID, userID int64) (int64, error) {
	if _, err := l.Authorize(ctx, chatID, userID); err != nil {
		return 0, err
	}
	var count int64
	err := l.store.DB().WithContext(ctx).
		Model(&store.Message{}).
		Where("chat_id = ? AND sender_id <> ? AND is_read = ?", chatID, userID, false).
		Count(&count).Error
	if err != nil {
		return 0, apperr.Store(fmt.Sprintf("unread count of chat %d", chatID), err)
	}
	return count, nil
}

// EditContent replaces the body of a message. Only its sender may edit it.
func (l *Ledger) EditContent(ctx context.Context, messageID, requesterID int64, body string) (store.Message, error) {
	msg, err := l.message(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if msg.SenderID != requesterID {
		return store.Message{}, apperr.Forbidden("you can only edit your own messages")
	}
	if err := validateBody(body); err != nil {
		return store.Message{}, err
	}

	editedAt := l.now().UTC().Truncate(time.Microsecond)
	err = l.store.DB().WithContext(ctx).
		Model(&store.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"content":   body,
			"is_edited": true,
			"edited_at": editedAt,
		}).Error
	if err != nil {
		return store.Message{}, apperr.Store(fmt.Sprintf("edit message %d", messageID), err)
	}

	msg.Content = body
	msg.IsEdited = true
	msg.EditedAt = &editedAt
	return msg, nil
}

// Delete removes a message. Only its sender may delete it. The chat's last
// activity is rewound to its newest remaining message.
func (l *Ledger) Delete(ctx context.Context, messageID, requesterID int64) error {
	msg, err := l.message(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return apperr.Forbidden("you can only delete your own messages")
	}

	unlock := l.locks.Lock(msg.ChatID)
	defer unlock()

	return l.store.Tx(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&store.Message{}, messageID)
		if res.Error != nil {
			return apperr.Store(fmt.Sprintf("delete message %d", messageID), res.Error)
		}
		if res.RowsAffected == 0 {
			// Deleted by a concurrent call after we loaded it.
			return apperr.NotFound("message %d", messageID)
		}

		var newest store.Message
		err := tx.Where("chat_id = ?", msg.ChatID).
			Order("created_at DESC").
			Order("id DESC").
			Limit(1).
			Find(&newest).Error
		if err != nil {
			return apperr.Store(fmt.Sprintf("newest message of chat %d", msg.ChatID), err)
		}
		var last interface{}
		if newest.ID != 0 {
			last = newest.CreatedAt
		}
		if err := tx.Model(&store.Chat{}).
			Where("id = ?", msg.ChatID).
			Update("last_activity_at", last).Error; err != nil {
			return apperr.Store(fmt.Sprintf("rewind chat %d", msg.ChatID), err)
		}
		return nil
	})
}

func (l *Ledger) message(ctx context.Context, messageID int64) (store.Message, error) {
	var msg store.Message
	if err := l.store.DB().WithContext(ctx).First(&msg, messageID).Error; err != nil {
		return store.Message{}, apperr.Store(fmt.Sprintf("message %d", messageID), err)
	}
	return msg, nil
}

func requireParticipant(tx *gorm.DB, chatID, userID int64) error {
	var count int64
	err := tx.Model(&store.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	if err != nil {
		return apperr.Store(fmt.Sprintf("participant check chat %d", chatID), err)
	}
	if count == 0 {
		return apperr.Forbidden("you are not a participant in chat %d", chatID)
	}
	return nil
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return apperr.Invalid("message body must not be empty")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return apperr.Invalid("message body exceeds %d characters", MaxBodyLength)
	}
	return nil
}
