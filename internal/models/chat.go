package models

import "time"

const (
	ChannelStatusActive   = "active"
	ChannelStatusArchived = "archived"

	MessageTypeStandard = "STANDARD"
	MessageTypeSystem   = "SYSTEM"

	MessageStatusSent = "SENT"
	MessageStatusRead = "READ"
)

type Channel struct {
	ID                 int64      `json:"id"`
	ChannelIdentifier  string     `json:"channelIdentifier"`
	TherapistID        int64      `json:"therapistId"`
	ProspectUserID     int64      `json:"prospectUserId"`
	Status             string     `json:"status"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
	LastMessagePreview *string    `json:"lastMessagePreview"`
	TherapistUnread    int        `json:"-"`
	ProspectUnread     int        `json:"-"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// OtherParticipant returns the channel member that is not the given user.
func (c *Channel) OtherParticipant(userID int64) int64 {
	if userID == c.TherapistID {
		return c.ProspectUserID
	}
	return c.TherapistID
}

func (c *Channel) HasParticipant(userID int64) bool {
	return userID == c.TherapistID || userID == c.ProspectUserID
}

// UnreadFor returns the denormalized unread counter belonging to the given
// participant, i.e. messages the other participant sent that this one has not
// yet marked read.
func (c *Channel) UnreadFor(userID int64) int {
	if userID == c.TherapistID {
		return c.TherapistUnread
	}
	return c.ProspectUnread
}

type ChatMessage struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"messageId"`
	ChannelID   int64     `json:"channelId"`
	SenderID    int64     `json:"senderId"`
	SenderName  string    `json:"senderName"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	Status      string    `json:"status"`
	SentAt      time.Time `json:"sentAt"`
}

// ChannelSummary is a channel shaped for one participant: only that
// participant's own unread counter is exposed.
type ChannelSummary struct {
	Channel
	OtherParticipantID   int64  `json:"otherParticipantId"`
	OtherParticipantName string `json:"otherParticipantName"`
	UnreadCount          int    `json:"unreadCount"`
}
