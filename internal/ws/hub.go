package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// Hub fans reconciled engine updates out to UI subscribers: one room per
// conversation feed plus a single directory room. It implements the
// engine's Publisher interface.
type Hub struct {
	convRooms    map[string]map[*websocket.Conn]bool
	convConnInfo map[string]map[*websocket.Conn]ConnInfo
	dirRoom      map[*websocket.Conn]bool
	dirConnInfo  map[*websocket.Conn]ConnInfo
	mu           sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		convRooms:    make(map[string]map[*websocket.Conn]bool),
		convConnInfo: make(map[string]map[*websocket.Conn]ConnInfo),
		dirRoom:      make(map[*websocket.Conn]bool),
		dirConnInfo:  make(map[*websocket.Conn]ConnInfo),
	}
}

// AddConversationClient registers a subscriber to a conversation feed.
func (h *Hub) AddConversationClient(convID string, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.convRooms[convID]; !ok {
		h.convRooms[convID] = make(map[*websocket.Conn]bool)
	}
	h.convRooms[convID][conn] = true
	if _, ok := h.convConnInfo[convID]; !ok {
		h.convConnInfo[convID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.convConnInfo[convID][conn] = info
}

// RemoveConversationClient removes a conversation feed subscriber.
func (h *Hub) RemoveConversationClient(convID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.convRooms[convID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.convRooms, convID)
		}
	}
	if infos, ok := h.convConnInfo[convID]; ok {
		delete(infos, conn)
		if len(infos) == 0 {
			delete(h.convConnInfo, convID)
		}
	}
}

// AddDirectoryClient registers a subscriber to the conversation directory.
func (h *Hub) AddDirectoryClient(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirRoom[conn] = true
	h.dirConnInfo[conn] = info
}

// RemoveDirectoryClient removes a directory subscriber.
func (h *Hub) RemoveDirectoryClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dirRoom, conn)
	delete(h.dirConnInfo, conn)
}

// PublishMessages sends the reconciled message list to every subscriber of
// the conversation's feed.
func (h *Hub) PublishMessages(convID string, msgs []models.Message) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.convRooms[convID]))
	for conn := range h.convRooms[convID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	event := models.MessageEvent{Type: "messages", ConversationID: convID, Messages: msgs}
	payload, _ := json.Marshal(event)
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("websocket write error: %v", err)
			conn.Close()
			h.RemoveConversationClient(convID, conn)
			h.publishWSError("conversation", convID, conn, err)
		}
	}
}

// PublishConversations sends the ordered directory to every directory
// subscriber.
func (h *Hub) PublishConversations(convs []models.Conversation) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.dirRoom))
	for conn := range h.dirRoom {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	event := models.ConversationEvent{Type: "conversations", Conversations: convs}
	payload, _ := json.Marshal(event)
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("websocket write error: %v", err)
			conn.Close()
			h.RemoveDirectoryClient(conn)
			h.publishWSError("directory", "", conn, err)
		}
	}
}

func (h *Hub) publishWSError(kind, convID string, conn *websocket.Conn, err error) {
	info, ok := h.getConnInfo(kind, convID, conn)
	if !ok {
		return
	}

	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":            kind,
			"conversation_id": convID,
			"event":           "ws_error",
			"conn_id":         info.ConnID,
			"duration_ms":     time.Since(info.ConnectedAt).Milliseconds(),
			"reason":          err.Error(),
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(context.Background(), wsRoutingKey(kind), observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_error",
		Payload:   payload,
	}, headers)
	observability.IncWSEvent(kind, "ws_error")
}

func (h *Hub) getConnInfo(kind, convID string, conn *websocket.Conn) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if kind == "conversation" {
		if infos, ok := h.convConnInfo[convID]; ok {
			info, exists := infos[conn]
			return info, exists
		}
		return ConnInfo{}, false
	}
	info, exists := h.dirConnInfo[conn]
	return info, exists
}

func wsRoutingKey(kind string) string {
	if kind == "directory" {
		return "ws_events.directory"
	}
	return "ws_events.conversations"
}
