package chatws

import (
	"encoding/json"
	"time"

	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/services"
)

// Event types - Client → Server
const (
	EventTypeSubscribe   = "subscribe"
	EventTypeUnsubscribe = "unsubscribe"
	EventTypeSend        = "message"
	EventTypeMarkRead    = "mark_read"
	EventTypePing        = "ping"
)

// Event types - Server → Client
const (
	EventTypeMessageNew    = "message.new"
	EventTypeChannelUnread = "channel.unread"
	EventTypeError         = "error"
	EventTypePong          = "pong"
)

// Event is the envelope for every websocket frame in either direction.
// Delivery is at-least-once; clients deduplicate messages by messageId.
type Event struct {
	Type      string          `json:"type"`
	ChannelID int64           `json:"channelId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"ts,omitempty"`
}

type SendPayload struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

type MessagePayload struct {
	Message models.ChatMessage `json:"message"`
}

type UnreadPayload struct {
	services.UnreadUpdate
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewEvent(eventType string, channelID int64, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      eventType,
		ChannelID: channelID,
		Payload:   data,
		Timestamp: services.FormatChatTimestamp(time.Now()),
	}, nil
}
