// Package chat holds the chat identity resolver and the message ledger: the
// two stateful pieces of the core that sit directly on the store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/store"
)

const (
	defaultChatLimit = 100
	maxChatLimit     = 100
)

// Resolver maps a pair of users to their single private chat.
type Resolver struct {
	store *store.Store
	log   *logger.Logger
	pairs singleflight.Group
}

// NewResolver returns a Resolver backed by s.
func NewResolver(s *store.Store, log *logger.Logger) *Resolver {
	return &Resolver{store: s, log: log.With("component", "ChatResolver")}
}

// ResolvePrivate returns the private chat between a and b, creating it on
// first contact. Calls for the same pair, in either order, converge on one
// chat.
func (r *Resolver) ResolvePrivate(ctx context.Context, a, b int64) (store.Chat, error) {
	if a == b {
		return store.Chat{}, apperr.Invalid("cannot create chat with yourself")
	}
	for _, id := range []int64{a, b} {
		if _, err := r.store.ActiveUser(ctx, id); err != nil {
			return store.Chat{}, err
		}
	}

	// The shared call outlives any one caller; each caller still gives up
	// when its own ctx is done.
	key := store.PairKey(a, b)
	ch := r.pairs.DoChan(key, func() (interface{}, error) {
		return r.findOrCreate(context.WithoutCancel(ctx), a, b, key)
	})
	select {
	case <-ctx.Done():
		return store.Chat{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return store.Chat{}, res.Err
		}
		return r.withMembers(ctx, res.Val.(store.Chat))
	}
}

// ResolvePrivateByUsername resolves the chat between currentUserID and the
// user called otherUsername.
func (r *Resolver) ResolvePrivateByUsername(ctx context.Context, currentUserID int64, otherUsername string) (store.Chat, error) {
	otherUsername = strings.TrimSpace(otherUsername)
	if otherUsername == "" {
		return store.Chat{}, apperr.Invalid("other_username is required")
	}
	other, err := r.store.UserByUsername(ctx, otherUsername)
	if err != nil {
		return store.Chat{}, apperr.NotFound("user %q not found or inactive", otherUsername)
	}
	if !other.IsActive {
		return store.Chat{}, apperr.NotFound("user %q not found or inactive", otherUsername)
	}
	current, err := r.store.UserByID(ctx, currentUserID)
	if err != nil {
		return store.Chat{}, err
	}
	if strings.EqualFold(current.Username, other.Username) {
		return store.Chat{}, apperr.Invalid("cannot create chat with yourself")
	}
	return r.ResolvePrivate(ctx, currentUserID, other.ID)
}

func (r *Resolver) findOrCreate(ctx context.Context, a, b int64, key string) (store.Chat, error) {
	chat, err := r.findByPair(ctx, key)
	if err == nil {
		r.log.Debug("Found existing private chat", "chat", chat.ID, "pair", key)
		return chat, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return store.Chat{}, err
	}

	chat, err = r.create(ctx, a, b, key)
	if errors.Is(err, apperr.ErrConflict) {
		// Another process created the chat between our read and insert.
		r.log.Info("Private chat creation raced, re-reading winner", "pair", key)
		chat, err = r.findByPair(ctx, key)
		if err != nil {
			return store.Chat{}, apperr.Conflict("private chat for pair %s: %v", key, err)
		}
		return chat, nil
	}
	if err != nil {
		return store.Chat{}, err
	}
	r.log.Info("Created private chat", "chat", chat.ID, "pair", key)
	return chat, nil
}

func (r *Resolver) findByPair(ctx context.Context, key string) (store.Chat, error) {
	var chat store.Chat
	err := r.store.DB().WithContext(ctx).
		Preload("Participants").
		Where("pair_key = ? AND chat_type = ? AND is_active = ?", key, store.ChatPrivate, true).
		First(&chat).Error
	if err != nil {
		return store.Chat{}, apperr.Store("find private chat "+key, err)
	}
	return chat, nil
}

func (r *Resolver) create(ctx context.Context, a, b int64, key string) (store.Chat, error) {
	chat := store.Chat{
		ChatType: store.ChatPrivate,
		IsActive: true,
		PairKey:  &key,
		Participants: []store.ChatParticipant{
			{UserID: a},
			{UserID: b},
		},
	}
	err := r.store.Tx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&chat).Error
	})
	if err != nil {
		return store.Chat{}, apperr.Store("create private chat "+key, err)
	}
	return chat, nil
}

// ListPrivateChatsFor pages through the user's active private chats, most
// recent activity first. Chats without messages come last.
func (r *Resolver) ListPrivateChatsFor(ctx context.Context, userID int64, skip, limit int) ([]store.Chat, error) {
	skip, limit, err := window(skip, limit, defaultChatLimit, maxChatLimit)
	if err != nil {
		return nil, err
	}

	var chats []store.Chat
	err = r.store.DB().WithContext(ctx).
		Model(&store.Chat{}).
		Select("chats.*").
		Joins("JOIN chat_participants ON chat_participants.chat_id = chats.id").
		Where("chat_participants.user_id = ? AND chats.chat_type = ? AND chats.is_active = ?", userID, store.ChatPrivate, true).
		Order("chats.last_activity_at IS NULL").
		Order("chats.last_activity_at DESC").
		Order("chats.id DESC").
		Offset(skip).
		Limit(limit).
		Preload("Participants").
		Find(&chats).Error
	if err != nil {
		return nil, apperr.Store(fmt.Sprintf("list chats for user %d", userID), err)
	}

	for i := range chats {
		if chats[i], err = r.withMembers(ctx, chats[i]); err != nil {
			return nil, err
		}
	}
	return chats, nil
}

// Get returns a private chat the user takes part in.
func (r *Resolver) Get(ctx context.Context, chatID, userID int64) (store.Chat, error) {
	chat, err := r.load(ctx, chatID)
	if err != nil {
		return store.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return store.Chat{}, apperr.Forbidden("you are not a participant in chat %d", chatID)
	}
	if chat.ChatType != store.ChatPrivate {
		return store.Chat{}, apperr.Invalid("chat %d is not a private chat", chatID)
	}
	return r.withMembers(ctx, chat)
}

// IsParticipant reports whether userID belongs to chatID.
func (r *Resolver) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var count int64
	err := r.store.DB().WithContext(ctx).
		Model(&store.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	if err != nil {
		return false, apperr.Store(fmt.Sprintf("participant check chat %d", chatID), err)
	}
	return count > 0, nil
}

// Participants lists the user ids of a chat.
func (r *Resolver) Participants(ctx context.Context, chatID int64) ([]int64, error) {
	chat, err := r.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return chat.ParticipantIDs(), nil
}

// Deactivate retires a chat. Its pair key is released so the same two users
// get a fresh chat on their next contact.
func (r *Resolver) Deactivate(ctx context.Context, chatID int64) error {
	res := r.store.DB().WithContext(ctx).
		Model(&store.Chat{}).
		Where("id = ?", chatID).
		Updates(map[string]interface{}{"is_active": false, "pair_key": nil})
	if res.Error != nil {
		return apperr.Store(fmt.Sprintf("deactivate chat %d", chatID), res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("chat %d", chatID)
	}
	r.log.Info("Deactivated chat", "chat", chatID)
	return nil
}

func (r *Resolver) load(ctx context.Context, chatID int64) (store.Chat, error) {
	var chat store.Chat
	if err := r.store.DB().WithContext(ctx).Preload("Participants").First(&chat, chatID).Error; err != nil {
		return store.Chat{}, apperr.Store(fmt.Sprintf("chat %d", chatID), err)
	}
	return chat, nil
}

func (r *Resolver) withMembers(ctx context.Context, chat store.Chat) (store.Chat, error) {
	users, err := r.store.UsersByID(ctx, chat.ParticipantIDs())
	if err != nil {
		return store.Chat{}, err
	}
	chat.Members = make([]store.User, 0, len(users))
	for _, id := range chat.ParticipantIDs() {
		if u, ok := users[id]; ok {
			chat.Members = append(chat.Members, u)
		}
	}
	return chat, nil
}

// window validates a skip/limit pair, applying the default and the cap.
func window(skip, limit, def, max int) (int, int, error) {
	if skip < 0 {
		return 0, 0, apperr.Invalid("skip must not be negative")
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return skip, limit, nil
}
