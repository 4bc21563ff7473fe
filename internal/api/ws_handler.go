package api

import (
	"fmt"

	"github.com/yegors/staffcall/internal/websocket"
	"github.com/yegors/staffcall/pkg/logger"
)

// HubHandler handles inbound UI socket messages
type HubHandler struct {
	calls  CallController
	chat   ChatSession
	logger *logger.Logger
}

// NewHubHandler creates a handler for UI socket messages. chat may be nil.
func NewHubHandler(calls CallController, chat ChatSession, log *logger.Logger) *HubHandler {
	return &HubHandler{
		calls:  calls,
		chat:   chat,
		logger: log.Named("hub-handler"),
	}
}

// HandleMessage implements websocket.MessageHandler
func (h *HubHandler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	switch messageType {
	case websocket.MessageTypeChatSend:
		if h.chat == nil {
			return fmt.Errorf("chat is not enabled")
		}
		content, _ := data["content"].(string)
		msg, err := h.chat.SendUserMessage(content)
		if err != nil {
			return err
		}
		h.logger.Debug("Chat message sent from UI", logger.String("message_id", msg.ID))
		return nil

	case websocket.MessageTypeCallRetry:
		if err := h.calls.RetryCall(); err != nil {
			return err
		}
		client.SendMessage(websocket.CallStatusMessage(h.calls.Snapshot()))
		return nil

	default:
		return fmt.Errorf("unknown message type: %s", messageType)
	}
}
