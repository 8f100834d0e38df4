package chatws

import (
	"encoding/json"
	"log"

	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/services"
)

// Hub is the fan-out registry for live connections, keyed by user id. A user
// may hold several connections (widget, dashboard tab, second device); each
// gets its own Client. The hub implements services.Publisher so the messaging
// service can push committed changes without knowing about websockets.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *delivery
}

// delivery targets every connection of the listed users. When channelID is
// set, only connections subscribed to that channel receive it; unread badge
// events carry no channel filter so list surfaces always see them.
type delivery struct {
	targets   []int64
	channelID int64
	payload   []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *delivery, 64),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
		case client := <-h.unregister:
			client.closeSend()
			set, ok := h.clients[client.userID]
			if !ok {
				continue
			}
			delete(set, client)
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// PublishMessage pushes a committed message to every connection of both
// participants that is subscribed to the channel.
func (h *Hub) PublishMessage(channel *models.Channel, message *models.ChatMessage) {
	event, err := NewEvent(EventTypeMessageNew, channel.ID, MessagePayload{Message: *message})
	if err != nil {
		log.Printf("chat hub encode message event: %v", err)
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("chat hub encode message event: %v", err)
		return
	}

	targets := []int64{channel.TherapistID}
	if channel.ProspectUserID != channel.TherapistID {
		targets = append(targets, channel.ProspectUserID)
	}

	h.broadcast <- &delivery{
		targets:   targets,
		channelID: channel.ID,
		payload:   payload,
	}
}

// PublishUnread pushes a badge update to every connection of one user,
// regardless of channel subscriptions.
func (h *Hub) PublishUnread(userID int64, update services.UnreadUpdate) {
	event, err := NewEvent(EventTypeChannelUnread, update.ChannelID, UnreadPayload{UnreadUpdate: update})
	if err != nil {
		log.Printf("chat hub encode unread event: %v", err)
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("chat hub encode unread event: %v", err)
		return
	}

	h.broadcast <- &delivery{
		targets: []int64{userID},
		payload: payload,
	}
}

// deliver is best-effort: a connection with a full buffer is dropped rather
// than retried, and the client heals by reconnecting and re-fetching a
// snapshot. Dropping one subscriber never affects the others.
func (h *Hub) deliver(d *delivery) {
	for _, userID := range d.targets {
		set, ok := h.clients[userID]
		if !ok {
			continue
		}

		for client := range set {
			if d.channelID != 0 && !client.IsSubscribed(d.channelID) {
				continue
			}
			if !client.trySend(d.payload) {
				delete(set, client)
				client.closeSend()
			}
		}
		if len(set) == 0 {
			delete(h.clients, userID)
		}
	}
}
