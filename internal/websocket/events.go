package websocket

import (
	"github.com/yegors/staffcall/internal/calls"
	"github.com/yegors/staffcall/internal/chat"
	"github.com/yegors/staffcall/pkg/logger"
)

// CallStatusMessage builds a call_status message. Media credentials are stripped.
func CallStatusMessage(snap calls.Snapshot) *Message {
	return &Message{Type: MessageTypeCallStatus, Data: snap.Redacted()}
}

// BroadcastCallStatus sends a controller snapshot to every client
func (s *Server) BroadcastCallStatus(snap calls.Snapshot) {
	s.Broadcast(CallStatusMessage(snap))
}

// BroadcastChatEvent sends an assistant chat event to every client
func (s *Server) BroadcastChatEvent(ev chat.Event) {
	s.Broadcast(&Message{Type: MessageTypeChatEvent, Data: ev})
}

// SessionExpired tells every client that the backend rejected the access
// token so the UI can restart its bootstrap
func (s *Server) SessionExpired(err error) {
	s.logger.Warn("Backend session expired", logger.Error(err))
	s.Broadcast(&Message{Type: MessageTypeSessionExpired, Data: map[string]any{
		"message": "session expired, please rescan the payload",
	}})
}
