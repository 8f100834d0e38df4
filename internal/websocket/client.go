package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/services"
)

// Client is one live websocket connection for one authenticated user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int64
	send   chan []byte

	mu            sync.Mutex
	subscriptions map[int64]struct{}
	dropped       bool
}

type messagingService interface {
	SendMessage(ctx context.Context, channelID int64, senderID int64, content string, messageType string) (*models.ChatMessage, error)
	MarkRead(ctx context.Context, channelID int64, callerID int64) error
	IsParticipant(ctx context.Context, channelID int64, userID int64) bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		userID:        userID,
		send:          make(chan []byte, 32),
		subscriptions: make(map[int64]struct{}),
	}
}

func (c *Client) IsSubscribed(channelID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channelID]
	return ok
}

func (c *Client) subscribe(channelID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channelID] = struct{}{}
}

func (c *Client) unsubscribe(channelID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channelID)
}

// trySend enqueues a payload unless the client has been dropped or its buffer
// is full. The dropped flag and the channel close share c.mu, so a write can
// never race a close.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend marks the client dropped and closes its send channel exactly
// once. Only the hub calls this; after it, trySend refuses further writes and
// WritePump drains out.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return
	}
	c.dropped = true
	close(c.send)
}

// ReadPump consumes client frames until the connection drops. Sends and read
// marks go through the messaging service; fan-out of the results comes back
// through the hub via the service's publisher, so multi-device sessions of
// the sender stay consistent too.
func (c *Client) ReadPump(service messagingService) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			c.writeError("invalid event payload")
			continue
		}

		switch event.Type {
		case EventTypeSubscribe:
			if event.ChannelID <= 0 {
				c.writeError("invalid channel id")
				continue
			}
			if !service.IsParticipant(context.Background(), event.ChannelID, c.userID) {
				c.writeError("not a participant of this channel")
				continue
			}
			c.subscribe(event.ChannelID)
		case EventTypeUnsubscribe:
			c.unsubscribe(event.ChannelID)
		case EventTypePing:
			c.enqueue(EventTypePong, 0, nil)
		case EventTypeSend:
			var send SendPayload
			if event.Payload != nil {
				if err := json.Unmarshal(event.Payload, &send); err != nil {
					c.writeError("invalid message payload")
					continue
				}
			}
			if event.ChannelID <= 0 {
				c.writeError("invalid channel id")
				continue
			}
			if _, err := service.SendMessage(
				context.Background(),
				event.ChannelID,
				c.userID,
				send.Content,
				send.MessageType,
			); err != nil {
				c.writeError(sendErrorMessage(err))
				continue
			}
		case EventTypeMarkRead:
			if event.ChannelID <= 0 {
				c.writeError("invalid channel id")
				continue
			}
			if err := service.MarkRead(context.Background(), event.ChannelID, c.userID); err != nil {
				c.writeError("failed to mark read")
				continue
			}
		default:
			c.writeError("unsupported event type")
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (c *Client) enqueue(eventType string, channelID int64, payload any) {
	event, err := NewEvent(eventType, channelID, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if !c.trySend(data) {
		c.hub.Unregister(c)
	}
}

func (c *Client) writeError(message string) {
	event, err := NewEvent(EventTypeError, 0, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	event.Timestamp = services.FormatChatTimestamp(time.Now().UTC())
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if !c.trySend(data) {
		c.hub.Unregister(c)
	}
}

func sendErrorMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		return "message content is empty"
	case errors.Is(err, services.ErrChannelInactive):
		return "channel is archived"
	case errors.Is(err, services.ErrInvalidParticipant), errors.Is(err, services.ErrForbidden):
		return "not a participant of this channel"
	case errors.Is(err, services.ErrNotFound):
		return "channel not found"
	default:
		return "failed to send message"
	}
}
