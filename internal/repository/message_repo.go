package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/amir-t/TherapyDeskBack/internal/models"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `
	id, message_id, channel_id, sender_id, sender_name, content,
	message_type, status, sent_at
`

func scanMessage(row interface{ Scan(dest ...any) error }, message *models.ChatMessage) error {
	return row.Scan(
		&message.ID,
		&message.MessageID,
		&message.ChannelID,
		&message.SenderID,
		&message.SenderName,
		&message.Content,
		&message.MessageType,
		&message.Status,
		&message.SentAt,
	)
}

// Append inserts a message with a server-assigned timestamp and a fresh
// externally stable message id. Ordering within a channel is (sent_at, id);
// the serial id breaks timestamp ties.
func (r *MessageRepository) Append(
	ctx context.Context,
	channelID int64,
	senderID int64,
	senderName string,
	content string,
	messageType string,
) (*models.ChatMessage, error) {
	query := `
		INSERT INTO messages (message_id, channel_id, sender_id, sender_name, content, message_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + messageColumns

	var message models.ChatMessage
	err := scanMessage(r.db.QueryRow(
		ctx,
		query,
		uuid.NewString(),
		channelID,
		senderID,
		senderName,
		content,
		messageType,
		models.MessageStatusSent,
	), &message)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// ListRecent returns the newest limit messages in ascending send order.
func (r *MessageRepository) ListRecent(
	ctx context.Context,
	channelID int64,
	limit int,
) ([]models.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE channel_id = $1
			ORDER BY sent_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY sent_at ASC, id ASC
	`

	return r.queryMessages(ctx, query, channelID, limit)
}

// ListBefore pages backwards from the given message id for scroll-back,
// still returning the page in ascending send order.
func (r *MessageRepository) ListBefore(
	ctx context.Context,
	channelID int64,
	beforeID int64,
	limit int,
) ([]models.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE channel_id = $1 AND id < $2
			ORDER BY sent_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY sent_at ASC, id ASC
	`

	return r.queryMessages(ctx, query, channelID, beforeID, limit)
}

func (r *MessageRepository) queryMessages(
	ctx context.Context,
	query string,
	args ...any,
) ([]models.ChatMessage, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var message models.ChatMessage
		if err := scanMessage(rows, &message); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *MessageRepository) LatestID(ctx context.Context, channelID int64) (int64, error) {
	var latestID int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(id), 0)
		FROM messages
		WHERE channel_id = $1
	`, channelID).Scan(&latestID)
	return latestID, err
}

// MarkReadUpTo flips every message authored by the other participant, up to
// and including throughMessageID, to READ. Already-read rows are untouched,
// so replays and out-of-order calls cannot regress state.
func (r *MessageRepository) MarkReadUpTo(
	ctx context.Context,
	channelID int64,
	readerID int64,
	throughMessageID int64,
) error {
	_, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = $4
		WHERE channel_id = $1
		  AND sender_id <> $2
		  AND id <= $3
		  AND status <> $4
	`, channelID, readerID, throughMessageID, models.MessageStatusRead)
	return err
}
