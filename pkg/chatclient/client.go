package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/services"
	chatws "github.com/amir-t/TherapyDeskBack/internal/websocket"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	snapshotSize          = 50
)

// Client keeps one chat surface (widget, dashboard tab) consistent with
// server state: a deduplicated ascending message list for the active channel,
// a connection status, and send/read actions. Push delivery is at-least-once,
// so every inbound message is merged by messageId; re-applying an event is a
// no-op. On channel switch and on reconnect it subscribes first and fetches a
// snapshot second, so a message landing between the two is never missed.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// OnUnread, when set, receives channel-list badge updates. Called from
	// the read loop; implementations must not block.
	OnUnread func(update services.UnreadUpdate)

	mu            sync.Mutex
	status        Status
	activeChannel int64
	messages      []models.ChatMessage
	seen          map[string]struct{}
	conn          *websocket.Conn
	closed        bool
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
		status:     StatusDisconnected,
		seen:       make(map[string]struct{}),
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Messages returns a copy of the active channel's merged message list in
// ascending send order.
func (c *Client) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Connect dials the live websocket and starts the read loop. The loop
// reconnects with capped backoff until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setStatus(StatusError)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.mu.Unlock()

	go c.readLoop(ctx)
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
}

// SetActiveChannel switches the surface to another channel: the old
// subscription is dropped, local state reset, the new channel subscribed,
// and then a fresh snapshot merged on top of whatever the subscription
// already delivered.
func (c *Client) SetActiveChannel(ctx context.Context, channelID int64) error {
	c.mu.Lock()
	previous := c.activeChannel
	c.activeChannel = channelID
	c.messages = nil
	c.seen = make(map[string]struct{})
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if previous != 0 && previous != channelID {
			_ = c.writeEvent(ctx, conn, &chatws.Event{Type: chatws.EventTypeUnsubscribe, ChannelID: previous})
		}
		if err := c.writeEvent(ctx, conn, &chatws.Event{Type: chatws.EventTypeSubscribe, ChannelID: channelID}); err != nil {
			return err
		}
	}

	return c.refreshSnapshot(ctx, channelID)
}

// SendMessage posts a message to the active channel. The returned boolean
// mirrors the server's success flag; the sent message is merged locally
// without waiting for its push echo.
func (c *Client) SendMessage(ctx context.Context, text string) bool {
	c.mu.Lock()
	channelID := c.activeChannel
	c.mu.Unlock()
	if channelID == 0 {
		return false
	}

	var response struct {
		Success bool                `json:"success"`
		Message *models.ChatMessage `json:"message"`
	}
	err := c.postMessaging(ctx, map[string]any{
		"action":      "send_message",
		"channelId":   channelID,
		"content":     text,
		"messageType": models.MessageTypeStandard,
	}, &response)
	if err != nil || !response.Success {
		return false
	}

	if response.Message != nil {
		c.mu.Lock()
		c.mergeLocked(*response.Message)
		c.mu.Unlock()
	}
	return true
}

func (c *Client) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	channelID := c.activeChannel
	c.mu.Unlock()
	if channelID == 0 {
		return nil
	}

	var response struct {
		Success bool `json:"success"`
	}
	return c.postMessaging(ctx, map[string]any{
		"action":    "mark_read",
		"channelId": channelID,
	}, &response)
}

func (c *Client) ListChannels(ctx context.Context) ([]models.ChannelSummary, error) {
	var response struct {
		Channels []models.ChannelSummary `json:"channels"`
	}
	if err := c.postMessaging(ctx, map[string]any{"action": "list_channels"}, &response); err != nil {
		return nil, err
	}
	return response.Channels, nil
}

func (c *Client) readLoop(ctx context.Context) {
	delay := initialReconnectDelay

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, payload, err := conn.Read(ctx)
		if err != nil {
			c.setStatus(StatusError)
			if !c.reconnect(ctx, &delay) {
				return
			}
			continue
		}
		delay = initialReconnectDelay

		var event chatws.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		c.handleEvent(&event)
	}
}

func (c *Client) handleEvent(event *chatws.Event) {
	switch event.Type {
	case chatws.EventTypeMessageNew:
		var msg chatws.MessagePayload
		if err := json.Unmarshal(event.Payload, &msg); err != nil {
			return
		}
		c.mu.Lock()
		if msg.Message.ChannelID == c.activeChannel {
			c.mergeLocked(msg.Message)
		}
		c.mu.Unlock()
	case chatws.EventTypeChannelUnread:
		if c.OnUnread == nil {
			return
		}
		var unread chatws.UnreadPayload
		if err := json.Unmarshal(event.Payload, &unread); err != nil {
			return
		}
		c.OnUnread(unread.UnreadUpdate)
	}
}

// reconnect re-dials with capped backoff, then re-subscribes and re-fetches a
// snapshot to heal any gap from the outage. Returns false when the client is
// closed or the context is done.
func (c *Client) reconnect(ctx context.Context, delay *time.Duration) bool {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return false
		}

		select {
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return false
		case <-time.After(*delay):
		}

		if *delay < maxReconnectDelay {
			*delay *= 2
			if *delay > maxReconnectDelay {
				*delay = maxReconnectDelay
			}
		}

		c.setStatus(StatusConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setStatus(StatusError)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.status = StatusConnected
		channelID := c.activeChannel
		c.mu.Unlock()

		if channelID != 0 {
			_ = c.writeEvent(ctx, conn, &chatws.Event{Type: chatws.EventTypeSubscribe, ChannelID: channelID})
			_ = c.refreshSnapshot(ctx, channelID)
		}
		return true
	}
}

func (c *Client) refreshSnapshot(ctx context.Context, channelID int64) error {
	var response struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	err := c.postMessaging(ctx, map[string]any{
		"action":     "get_messages",
		"channelId":  channelID,
		"maxResults": snapshotSize,
	}, &response)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeChannel != channelID {
		return nil
	}
	for _, message := range response.Messages {
		c.mergeLocked(message)
	}
	return nil
}

// mergeLocked inserts a message into the sorted list unless its messageId is
// already present. Callers hold c.mu.
func (c *Client) mergeLocked(message models.ChatMessage) {
	if _, ok := c.seen[message.MessageID]; ok {
		return
	}
	c.seen[message.MessageID] = struct{}{}
	c.messages = insertSorted(c.messages, message)
}

func insertSorted(messages []models.ChatMessage, message models.ChatMessage) []models.ChatMessage {
	i := len(messages)
	for i > 0 && laterThan(messages[i-1], message) {
		i--
	}
	messages = append(messages, models.ChatMessage{})
	copy(messages[i+1:], messages[i:])
	messages[i] = message
	return messages
}

func laterThan(a, b models.ChatMessage) bool {
	if a.SentAt.Equal(b.SentAt) {
		return a.ID > b.ID
	}
	return a.SentAt.After(b.SentAt)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/v1/ws?token=" + c.token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) writeEvent(ctx context.Context, conn *websocket.Conn, event *chatws.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) postMessaging(ctx context.Context, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/messaging", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		if failure.Error == "" {
			failure.Error = resp.Status
		}
		return fmt.Errorf("messaging request failed: %s", failure.Error)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}
