package server

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/chat"
	"github.com/Tyrowin/pairchat/internal/delivery"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/registry"
	"github.com/Tyrowin/pairchat/internal/store"
)

// Handlers serves the REST API and the WebSocket endpoint.
type Handlers struct {
	store       *store.Store
	resolver    *chat.Resolver
	ledger      *chat.Ledger
	coordinator *delivery.Coordinator
	registry    *registry.Registry
	hub         *Hub
	authn       Authenticator
	upgrader    websocket.Upgrader
	log         *logger.Logger
}

type HandlersConfig struct {
	Store         *store.Store
	Resolver      *chat.Resolver
	Ledger        *chat.Ledger
	Coordinator   *delivery.Coordinator
	Registry      *registry.Registry
	Hub           *Hub
	Authenticator Authenticator
	Origins       *OriginPolicy
	Log           *logger.Logger
}

// NewHandlers builds the handlers and their upgrader from cfg.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		store:       cfg.Store,
		resolver:    cfg.Resolver,
		ledger:      cfg.Ledger,
		coordinator: cfg.Coordinator,
		registry:    cfg.Registry,
		hub:         cfg.Hub,
		authn:       cfg.Authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.Origins.CheckOrigin,
		},
		log: cfg.Log.With("handler", "Handlers"),
	}
}

// Health reports that the process is up.
func (h *Handlers) Health(c *gin.Context) {
	RespondOK(c, gin.H{"status": "ok"})
}

// WebSocketStats returns the registry snapshot.
func (h *Handlers) WebSocketStats(c *gin.Context) {
	RespondOK(c, h.registry.Snapshot())
}

// WebSocket authenticates the caller, upgrades the connection and hands it
// to the hub. Authentication happens before the upgrade so a bad token gets
// a plain 401.
func (h *Handlers) WebSocket(c *gin.Context) {
	identity, err := h.authn.Authenticate(c.Request.Context(), extractToken(c))
	if err != nil {
		h.log.Debug("WebSocket authentication failed", "error", err)
		RespondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	if err := h.hub.Serve(conn, identity, c.ClientIP()); err != nil {
		h.log.Warn("WebSocket refused", "user", identity.UserID, "error", err)
	}
}

type createPrivateChatRequest struct {
	OtherUsername string `json:"other_username" binding:"required,max=50"`
}

type chatView struct {
	store.Chat
	UnreadCount int64 `json:"unread_count"`
}

// CreatePrivateChat finds or creates the chat with another user.
func (h *Handlers) CreatePrivateChat(c *gin.Context) {
	var req createPrivateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Invalid("%v", err))
		return
	}
	me := currentIdentity(c)
	ch, err := h.resolver.ResolvePrivateByUsername(c.Request.Context(), me.UserID, req.OtherUsername)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, ch)
}

// ListPrivateChats lists the caller's chats, newest activity first, with
// their unread counts.
func (h *Handlers) ListPrivateChats(c *gin.Context) {
	skip, limit, err := pageParams(c, 100)
	if err != nil {
		RespondError(c, err)
		return
	}
	me := currentIdentity(c)
	ctx := c.Request.Context()
	chats, err := h.resolver.ListPrivateChatsFor(ctx, me.UserID, skip, limit)
	if err != nil {
		RespondError(c, err)
		return
	}

	views := make([]chatView, 0, len(chats))
	for _, ch := range chats {
		unread, err := h.ledger.UnreadCount(ctx, ch.ID, me.UserID)
		if err != nil {
			RespondError(c, err)
			return
		}
		views = append(views, chatView{Chat: ch, UnreadCount: unread})
	}
	RespondOK(c, views)
}

// GetPrivateChat returns one chat the caller takes part in.
func (h *Handlers) GetPrivateChat(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	ch, err := h.resolver.Get(c.Request.Context(), chatID, currentIdentity(c).UserID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, ch)
}

type messageView struct {
	store.Message
	SenderUsername string `json:"sender_username"`
}

type messagePageView struct {
	Messages   []messageView `json:"messages"`
	TotalCount int64         `json:"total_count"`
	HasMore    bool          `json:"has_more"`
}

// ListMessages pages through a chat's history.
func (h *Handlers) ListMessages(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	skip, limit, err := pageParams(c, 50)
	if err != nil {
		RespondError(c, err)
		return
	}
	order, err := chat.ParseOrder(c.Query("order"))
	if err != nil {
		RespondError(c, err)
		return
	}

	ctx := c.Request.Context()
	page, err := h.ledger.Page(ctx, chatID, currentIdentity(c).UserID, skip, limit, order)
	if err != nil {
		RespondError(c, err)
		return
	}

	senderIDs := lo.Uniq(lo.Map(page.Messages, func(m store.Message, _ int) int64 { return m.SenderID }))
	senders, err := h.store.UsersByID(ctx, senderIDs)
	if err != nil {
		RespondError(c, err)
		return
	}
	out := messagePageView{
		Messages:   make([]messageView, 0, len(page.Messages)),
		TotalCount: page.TotalCount,
		HasMore:    page.HasMore,
	}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, messageView{Message: m, SenderUsername: senders[m.SenderID].Username})
	}
	RespondOK(c, out)
}

type sendMessageRequest struct {
	Content     string `json:"content" binding:"required,max=4000"`
	MessageType string `json:"message_type" binding:"omitempty,max=20"`
}

// SendMessage stores a message and delivers it live, exactly as a socket
// frame would.
func (h *Handlers) SendMessage(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Invalid("%v", err))
		return
	}
	me := currentIdentity(c)
	msg, err := h.coordinator.Send(c.Request.Context(), me, delivery.SendRequest{
		ChatID:      chatID,
		Body:        req.Content,
		MessageType: req.MessageType,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, messageView{Message: msg, SenderUsername: me.Username})
}

// MarkRead marks the chat's messages from the other participant as read.
func (h *Handlers) MarkRead(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	marked, err := h.ledger.MarkRead(c.Request.Context(), chatID, currentIdentity(c).UserID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"marked_count": marked,
		"message":      "Marked " + strconv.FormatInt(marked, 10) + " messages as read",
	})
}

// UnreadCount reports how many messages in the chat the caller has not read.
func (h *Handlers) UnreadCount(c *gin.Context) {
	chatID, err := idParam(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	unread, err := h.ledger.UnreadCount(c.Request.Context(), chatID, currentIdentity(c).UserID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"unread_count": unread})
}

type editMessageRequest struct {
	Content string `json:"content" binding:"required,max=4000"`
}

// EditMessage replaces the body of one of the caller's messages.
func (h *Handlers) EditMessage(c *gin.Context) {
	messageID, err := idParam(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apperr.Invalid("%v", err))
		return
	}
	msg, err := h.ledger.EditContent(c.Request.Context(), messageID, currentIdentity(c).UserID, req.Content)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, msg)
}

// DeleteMessage removes one of the caller's messages.
func (h *Handlers) DeleteMessage(c *gin.Context) {
	messageID, err := idParam(c, "id")
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := h.ledger.Delete(c.Request.Context(), messageID, currentIdentity(c).UserID); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"message": "Message deleted successfully"})
}

func idParam(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid("%s must be a positive integer", name)
	}
	return id, nil
}

func pageParams(c *gin.Context, defaultLimit int) (int, int, error) {
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		return 0, 0, apperr.Invalid("skip must be a non-negative integer")
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 || limit > 100 {
		return 0, 0, apperr.Invalid("limit must be between 1 and 100")
	}
	return skip, limit, nil
}
