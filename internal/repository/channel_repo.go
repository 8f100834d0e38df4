package repository

import (
	"context"
	"time"

	"github.com/amir-t/TherapyDeskBack/internal/models"
)

type ChannelRepository struct {
	db DBTX
}

func NewChannelRepository(db DBTX) *ChannelRepository {
	return &ChannelRepository{db: db}
}

const channelColumns = `
	id, channel_identifier, therapist_id, prospect_user_id, status,
	last_message_at, last_message_preview, therapist_unread, prospect_unread,
	created_at, updated_at
`

func scanChannel(row interface{ Scan(dest ...any) error }, channel *models.Channel) error {
	return row.Scan(
		&channel.ID,
		&channel.ChannelIdentifier,
		&channel.TherapistID,
		&channel.ProspectUserID,
		&channel.Status,
		&channel.LastMessageAt,
		&channel.LastMessagePreview,
		&channel.TherapistUnread,
		&channel.ProspectUnread,
		&channel.CreatedAt,
		&channel.UpdatedAt,
	)
}

// FindOrCreate returns the channel for the (therapist, prospect) pair,
// creating it when absent. The uniqueness constraint on the pair plus the
// no-op conflict update make concurrent calls converge on one row.
func (r *ChannelRepository) FindOrCreate(
	ctx context.Context,
	therapistID int64,
	prospectUserID int64,
	channelIdentifier string,
) (*models.Channel, error) {
	query := `
		INSERT INTO channels (therapist_id, prospect_user_id, channel_identifier)
		VALUES ($1, $2, $3)
		ON CONFLICT (therapist_id, prospect_user_id)
		DO UPDATE SET updated_at = channels.updated_at
		RETURNING ` + channelColumns

	var channel models.Channel
	if err := scanChannel(r.db.QueryRow(ctx, query, therapistID, prospectUserID, channelIdentifier), &channel); err != nil {
		return nil, err
	}

	return &channel, nil
}

func (r *ChannelRepository) GetByID(ctx context.Context, channelID int64) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`

	var channel models.Channel
	if err := scanChannel(r.db.QueryRow(ctx, query, channelID), &channel); err != nil {
		return nil, err
	}

	return &channel, nil
}

func (r *ChannelRepository) GetByIDForParticipant(
	ctx context.Context,
	channelID int64,
	participantID int64,
) (*models.Channel, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM channels
		WHERE id = $1 AND (therapist_id = $2 OR prospect_user_id = $2)
	`

	var channel models.Channel
	if err := scanChannel(r.db.QueryRow(ctx, query, channelID, participantID), &channel); err != nil {
		return nil, err
	}

	return &channel, nil
}

// ListForParticipant returns every channel the participant belongs to,
// annotated with the other member's display name and the participant's own
// unread counter, most recently active first. Channels without messages sort
// by creation time.
func (r *ChannelRepository) ListForParticipant(
	ctx context.Context,
	participantID int64,
) ([]models.ChannelSummary, error) {
	query := `
		SELECT
			c.id, c.channel_identifier, c.therapist_id, c.prospect_user_id, c.status,
			c.last_message_at, c.last_message_preview, c.therapist_unread, c.prospect_unread,
			c.created_at, c.updated_at,
			CASE WHEN c.therapist_id = $1 THEN c.prospect_user_id ELSE c.therapist_id END,
			COALESCE(u.display_name, ''),
			CASE WHEN c.therapist_id = $1 THEN c.therapist_unread ELSE c.prospect_unread END
		FROM channels c
		LEFT JOIN users u
			ON u.id = CASE WHEN c.therapist_id = $1 THEN c.prospect_user_id ELSE c.therapist_id END
		WHERE c.therapist_id = $1 OR c.prospect_user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ChannelSummary, 0)
	for rows.Next() {
		var summary models.ChannelSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.ChannelIdentifier,
			&summary.TherapistID,
			&summary.ProspectUserID,
			&summary.Status,
			&summary.LastMessageAt,
			&summary.LastMessagePreview,
			&summary.TherapistUnread,
			&summary.ProspectUnread,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&summary.OtherParticipantID,
			&summary.OtherParticipantName,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

// ApplyMessage folds a freshly inserted message into the channel aggregates:
// last-message fields plus the non-sender's unread counter. The increment is
// a single relative UPDATE, so concurrent sends cannot lose updates. Must run
// in the same transaction as the message insert.
func (r *ChannelRepository) ApplyMessage(
	ctx context.Context,
	channelID int64,
	senderID int64,
	sentAt time.Time,
	preview string,
) error {
	_, err := r.db.Exec(ctx, `
		UPDATE channels
		SET last_message_at = $3,
			last_message_preview = $4,
			therapist_unread = therapist_unread + CASE WHEN therapist_id <> $2 THEN 1 ELSE 0 END,
			prospect_unread = prospect_unread + CASE WHEN prospect_user_id <> $2 THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1
	`, channelID, senderID, sentAt, preview)
	return err
}

func (r *ChannelRepository) ResetUnread(
	ctx context.Context,
	channelID int64,
	participantID int64,
) error {
	_, err := r.db.Exec(ctx, `
		UPDATE channels
		SET therapist_unread = CASE WHEN therapist_id = $2 THEN 0 ELSE therapist_unread END,
			prospect_unread = CASE WHEN prospect_user_id = $2 THEN 0 ELSE prospect_unread END,
			updated_at = NOW()
		WHERE id = $1
	`, channelID, participantID)
	return err
}

// AdvanceReadWatermark raises the participant's last-read pointer. GREATEST
// keeps the pointer monotonic, so marking an earlier message after a later
// one is a no-op.
func (r *ChannelRepository) AdvanceReadWatermark(
	ctx context.Context,
	channelID int64,
	participantID int64,
	throughMessageID int64,
) error {
	_, err := r.db.Exec(ctx, `
		UPDATE channels
		SET therapist_last_read_id = CASE WHEN therapist_id = $2
				THEN GREATEST(therapist_last_read_id, $3) ELSE therapist_last_read_id END,
			prospect_last_read_id = CASE WHEN prospect_user_id = $2
				THEN GREATEST(prospect_last_read_id, $3) ELSE prospect_last_read_id END
		WHERE id = $1
	`, channelID, participantID, throughMessageID)
	return err
}

func (r *ChannelRepository) Archive(ctx context.Context, channelID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE channels
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, channelID, models.ChannelStatusArchived)
	return err
}
