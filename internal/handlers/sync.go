package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/engine"
	"chat-sync/internal/models"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
)

// SyncHandler exposes the engine's operations to the UI shell over the
// local control API.
type SyncHandler struct {
	eng   *engine.Engine
	audit *telemetry.AuditEmitter
}

// NewSyncHandler builds a SyncHandler.
func NewSyncHandler(eng *engine.Engine, audit *telemetry.AuditEmitter) *SyncHandler {
	return &SyncHandler{eng: eng, audit: audit}
}

// ListConversations returns the directory view, newest activity first.
func (h *SyncHandler) ListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": h.eng.Conversations()})
}

// StartConversation creates or returns the one-on-one conversation with a
// peer.
func (h *SyncHandler) StartConversation(c *gin.Context) {
	var req struct {
		PeerID      string `json:"peer_id" binding:"required"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.eng.GetOrCreateDirect(c.Request.Context(), req.PeerID, req.DisplayName)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": "could not start conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// CreateGroup creates a group conversation.
func (h *SyncHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name        string            `json:"name" binding:"required"`
		MemberIDs   []string          `json:"member_ids" binding:"required"`
		MemberNames map[string]string `json:"member_names"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.eng.CreateGroup(c.Request.Context(), req.Name, req.MemberIDs, req.MemberNames)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": "could not create group"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// GetMessages returns the conversation's reconciled message list.
func (h *SyncHandler) GetMessages(c *gin.Context) {
	convID := c.Param("conversation_id")
	c.JSON(http.StatusOK, gin.H{"messages": h.eng.Messages(convID)})
}

// PostMessage sends a message. The optimistic entry is already visible (and
// cached) when this returns; on remote failure the entry stays, marked
// failed, and the caller gets the failure so the UI can offer a retry.
func (h *SyncHandler) PostMessage(c *gin.Context) {
	convID := c.Param("conversation_id")

	var req struct {
		Content string      `json:"content" binding:"required"`
		Kind    models.Kind `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}

	msg, err := h.eng.SendMessage(c.Request.Context(), convID, req.Content, req.Kind)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		h.emitAudit(c, "WARN", "message send failed: "+err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to send message", "message": msg})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// OpenConversation marks the conversation as actively viewed: the previous
// feed and typing state stop, the new feed starts and read receipts run.
func (h *SyncHandler) OpenConversation(c *gin.Context) {
	convID := c.Param("conversation_id")
	if err := h.eng.SetActiveConversation(c.Request.Context(), convID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": "could not open conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

// CloseConversation clears the active conversation.
func (h *SyncHandler) CloseConversation(c *gin.Context) {
	if err := h.eng.SetActiveConversation(c.Request.Context(), ""); err != nil {
		c.JSON(statusForError(err), gin.H{"error": "could not close conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead batches read receipts for the conversation and zeroes the
// user's unread counter.
func (h *SyncHandler) MarkRead(c *gin.Context) {
	convID := c.Param("conversation_id")
	if err := h.eng.MarkAllRead(c.Request.Context(), convID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": "could not mark conversation read"})
		return
	}
	c.Status(http.StatusNoContent)
}

// SetTyping toggles the user's typing indicator.
func (h *SyncHandler) SetTyping(c *gin.Context) {
	convID := c.Param("conversation_id")

	var req struct {
		Typing *bool `json:"typing" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.eng.SetTyping(c.Request.Context(), convID, *req.Typing); err != nil {
		c.JSON(statusForError(err), gin.H{"error": "could not update typing state"})
		return
	}
	c.Status(http.StatusNoContent)
}

// TranslateMessage attaches an AI translation to a message.
func (h *SyncHandler) TranslateMessage(c *gin.Context) {
	convID := c.Param("conversation_id")
	msgID := c.Param("message_id")

	var req struct {
		TargetLang string `json:"target_lang" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.eng.TranslateMessage(c.Request.Context(), convID, msgID, req.TargetLang)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "translation failed"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// HideConversation removes the conversation from this device's cache and
// view. The remote document survives for the other participants.
func (h *SyncHandler) HideConversation(c *gin.Context) {
	convID := c.Param("conversation_id")
	if err := h.eng.HideConversation(c.Request.Context(), convID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": "could not hide conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SyncHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	userID := h.eng.UserID()
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), &userID)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrConversationNotFound), errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
