package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat-sync/internal/engine"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// FeedWebSocketHandler upgrades UI subscribers onto the conversation and
// directory feeds.
type FeedWebSocketHandler struct {
	hub      *Hub
	eng      *engine.Engine
	apiToken string
}

// NewFeedWebSocketHandler constructs a FeedWebSocketHandler.
func NewFeedWebSocketHandler(hub *Hub, eng *engine.Engine, apiToken string) *FeedWebSocketHandler {
	return &FeedWebSocketHandler{hub: hub, eng: eng, apiToken: apiToken}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleConversation subscribes the connection to one conversation's feed
// and replays the current reconciled view immediately.
func (h *FeedWebSocketHandler) HandleConversation(c *gin.Context) {
	convID := c.Param("conversation_id")
	if convID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if !h.knownConversation(convID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := h.connInfo(c, span.SpanContext().TraceID().String())
	h.hub.AddConversationClient(convID, conn, info)

	seed := models.MessageEvent{Type: "messages", ConversationID: convID, Messages: h.eng.Messages(convID)}
	if payload, err := json.Marshal(seed); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	h.trackConnection("conversation", convID, conn, info, func() {
		h.hub.RemoveConversationClient(convID, conn)
	})
}

// HandleDirectory subscribes the connection to the conversation directory.
func (h *FeedWebSocketHandler) HandleDirectory(c *gin.Context) {
	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := h.connInfo(c, span.SpanContext().TraceID().String())
	h.hub.AddDirectoryClient(conn, info)

	seed := models.ConversationEvent{Type: "conversations", Conversations: h.eng.Conversations()}
	if payload, err := json.Marshal(seed); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	h.trackConnection("directory", "", conn, info, func() {
		h.hub.RemoveDirectoryClient(conn)
	})
}

func (h *FeedWebSocketHandler) authorized(c *gin.Context) bool {
	if h.apiToken == "" {
		// No token configured: the API is open (loopback-only deployments).
		return true
	}
	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	} else {
		parts := strings.SplitN(token, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return false
		}
		token = parts[1]
	}
	return token == h.apiToken
}

func (h *FeedWebSocketHandler) knownConversation(convID string) bool {
	for _, conv := range h.eng.Conversations() {
		if conv.ID == convID {
			return true
		}
	}
	return false
}

func (h *FeedWebSocketHandler) connInfo(c *gin.Context, traceID string) ConnInfo {
	return ConnInfo{
		ConnID:      newConnID(),
		UserID:      h.eng.UserID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}

// trackConnection emits connect/disconnect telemetry and keeps the
// connection alive until the peer closes it, then runs cleanup.
func (h *FeedWebSocketHandler) trackConnection(kind, convID string, conn *websocket.Conn, info ConnInfo, cleanup func()) {
	observability.IncWSActive(kind)
	observability.IncWSEvent(kind, "ws_connect")
	h.publishWSEvent(kind, convID, info, "ws_connect", "", 0)

	go func() {
		var closeReason string
		defer func() {
			cleanup()
			observability.DecWSActive(kind)
			observability.IncWSEvent(kind, "ws_disconnect")
			h.publishWSEvent(kind, convID, info, "ws_disconnect", closeReason, time.Since(info.ConnectedAt).Milliseconds())
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					observability.IncWSEvent(kind, "ws_error")
					h.publishWSEvent(kind, convID, info, "ws_error", closeReason, time.Since(info.ConnectedAt).Milliseconds())
				}
				return
			}
		}
	}()
}

func (h *FeedWebSocketHandler) publishWSEvent(kind, convID string, info ConnInfo, event, reason string, durationMS int64) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":            kind,
			"conversation_id": convID,
			"event":           event,
			"conn_id":         info.ConnID,
			"duration_ms":     durationMS,
			"reason":          reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(context.Background(), wsRoutingKey(kind), observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
