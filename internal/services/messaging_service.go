package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/repository"
)

var (
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrChannelInactive    = errors.New("channel inactive")
	ErrEmptyMessage       = errors.New("empty message")
	ErrNotFound           = errors.New("not found")
	ErrUnavailable        = errors.New("unavailable")
)

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// UnreadUpdate is the light channel-list event pushed alongside new messages
// so list surfaces can refresh badges without a snapshot fetch.
type UnreadUpdate struct {
	ChannelID          int64      `json:"channelId"`
	UnreadCount        int        `json:"unreadCount"`
	LastMessagePreview *string    `json:"lastMessagePreview"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
}

// Publisher fans committed state changes out to live connections. Publishing
// is fire-and-forget; the service never blocks on delivery.
type Publisher interface {
	PublishMessage(channel *models.Channel, message *models.ChatMessage)
	PublishUnread(userID int64, update UnreadUpdate)
}

type MessagingService struct {
	db           *pgxpool.Pool
	channelRepo  *repository.ChannelRepository
	messageRepo  *repository.MessageRepository
	userRepo     userReader
	publisher    Publisher
	pageSize     int
	previewLen   int
	retryBackoff time.Duration
}

func NewMessagingService(
	db *pgxpool.Pool,
	channelRepo *repository.ChannelRepository,
	messageRepo *repository.MessageRepository,
	userRepo userReader,
	publisher Publisher,
) *MessagingService {
	return &MessagingService{
		db:           db,
		channelRepo:  channelRepo,
		messageRepo:  messageRepo,
		userRepo:     userRepo,
		publisher:    publisher,
		pageSize:     50,
		previewLen:   80,
		retryBackoff: 150 * time.Millisecond,
	}
}

func (s *MessagingService) ListChannels(
	ctx context.Context,
	callerID int64,
) ([]models.ChannelSummary, error) {
	if callerID <= 0 {
		return nil, ErrForbidden
	}

	var summaries []models.ChannelSummary
	err := s.withRetry(ctx, func() error {
		var err error
		summaries, err = s.channelRepo.ListForParticipant(ctx, callerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i := range summaries {
		if summaries[i].OtherParticipantName == "" {
			summaries[i].OtherParticipantName = fallbackDisplayName(summaries[i].OtherParticipantID)
		}
	}

	return summaries, nil
}

// CreateChannel is an idempotent create-or-find on the (therapist, prospect)
// pair. Both participants must exist and carry the expected role.
func (s *MessagingService) CreateChannel(
	ctx context.Context,
	therapistID int64,
	prospectUserID int64,
	channelName string,
) (*models.Channel, error) {
	if therapistID <= 0 || prospectUserID <= 0 || therapistID == prospectUserID {
		return nil, ErrInvalidParticipant
	}

	therapist, err := s.userRepo.GetByID(ctx, therapistID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidParticipant
		}
		return nil, s.mapStorageError(err)
	}
	if therapist.Role != models.RoleTherapist {
		return nil, ErrInvalidParticipant
	}

	prospect, err := s.userRepo.GetByID(ctx, prospectUserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidParticipant
		}
		return nil, s.mapStorageError(err)
	}
	if prospect.Role != models.RoleEmployee {
		return nil, ErrInvalidParticipant
	}

	identifier := buildChannelIdentifier(channelName)

	var channel *models.Channel
	err = s.withRetry(ctx, func() error {
		var err error
		channel, err = s.channelRepo.FindOrCreate(ctx, therapistID, prospectUserID, identifier)
		return err
	})
	if err != nil {
		return nil, err
	}

	return channel, nil
}

// SendMessage appends a message and updates the channel aggregates in one
// transaction, then fans the committed state out to both participants.
func (s *MessagingService) SendMessage(
	ctx context.Context,
	channelID int64,
	senderID int64,
	content string,
	messageType string,
) (*models.ChatMessage, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, ErrEmptyMessage
	}
	if messageType == "" {
		messageType = models.MessageTypeStandard
	}

	channel, err := s.getChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.HasParticipant(senderID) {
		return nil, ErrInvalidParticipant
	}
	if channel.Status != models.ChannelStatusActive {
		return nil, ErrChannelInactive
	}

	senderName := s.resolveDisplayName(ctx, senderID)

	var message *models.ChatMessage
	err = s.withRetry(ctx, func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		txMessageRepo := repository.NewMessageRepository(tx)
		txChannelRepo := repository.NewChannelRepository(tx)

		message, err = txMessageRepo.Append(ctx, channelID, senderID, senderName, trimmed, messageType)
		if err != nil {
			return err
		}

		preview := truncatePreview(trimmed, s.previewLen)
		if err := txChannelRepo.ApplyMessage(ctx, channelID, senderID, message.SentAt, preview); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	s.publishSend(ctx, channel, message)

	return message, nil
}

func (s *MessagingService) ListMessages(
	ctx context.Context,
	channelID int64,
	callerID int64,
	maxResults int,
	beforeMessageID int64,
) ([]models.ChatMessage, error) {
	if maxResults <= 0 {
		maxResults = s.pageSize
	}
	if maxResults > 200 {
		maxResults = 200
	}

	channel, err := s.getChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.HasParticipant(callerID) {
		return nil, ErrForbidden
	}

	var messages []models.ChatMessage
	err = s.withRetry(ctx, func() error {
		var err error
		if beforeMessageID > 0 {
			messages, err = s.messageRepo.ListBefore(ctx, channelID, beforeMessageID, maxResults)
		} else {
			messages, err = s.messageRepo.ListRecent(ctx, channelID, maxResults)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// MarkRead marks everything in the channel read for the caller: message
// statuses up to the newest id, the caller's read watermark, and the caller's
// unread counter, all in one transaction.
func (s *MessagingService) MarkRead(ctx context.Context, channelID int64, callerID int64) error {
	channel, err := s.getChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !channel.HasParticipant(callerID) {
		return ErrForbidden
	}

	err = s.withRetry(ctx, func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		txMessageRepo := repository.NewMessageRepository(tx)
		txChannelRepo := repository.NewChannelRepository(tx)

		latestID, err := txMessageRepo.LatestID(ctx, channelID)
		if err != nil {
			return err
		}
		if latestID > 0 {
			if err := txMessageRepo.MarkReadUpTo(ctx, channelID, callerID, latestID); err != nil {
				return err
			}
			if err := txChannelRepo.AdvanceReadWatermark(ctx, channelID, callerID, latestID); err != nil {
				return err
			}
		}
		if err := txChannelRepo.ResetUnread(ctx, channelID, callerID); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return err
	}

	if s.publisher != nil {
		s.publisher.PublishUnread(callerID, UnreadUpdate{
			ChannelID:          channelID,
			UnreadCount:        0,
			LastMessagePreview: channel.LastMessagePreview,
			LastMessageAt:      channel.LastMessageAt,
		})
	}

	return nil
}

// ArchiveChannel closes a channel for new messages. Channels are never hard
// deleted; history stays readable.
func (s *MessagingService) ArchiveChannel(ctx context.Context, channelID int64, callerID int64) error {
	channel, err := s.getChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !channel.HasParticipant(callerID) {
		return ErrForbidden
	}

	return s.withRetry(ctx, func() error {
		return s.channelRepo.Archive(ctx, channelID)
	})
}

// IsParticipant reports whether the user belongs to the channel. Used by the
// realtime layer to validate subscriptions before any push is delivered.
func (s *MessagingService) IsParticipant(ctx context.Context, channelID int64, userID int64) bool {
	if channelID <= 0 || userID <= 0 {
		return false
	}
	_, err := s.channelRepo.GetByIDForParticipant(ctx, channelID, userID)
	return err == nil
}

func (s *MessagingService) getChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	if channelID <= 0 {
		return nil, ErrNotFound
	}

	var channel *models.Channel
	err := s.withRetry(ctx, func() error {
		var err error
		channel, err = s.channelRepo.GetByID(ctx, channelID)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return channel, nil
}

// publishSend pushes the committed message and refreshed unread counters to
// both participants. Counters are re-read after commit so concurrent sends
// never publish stale badge numbers; a failed re-read just skips the badge
// event, which the client heals on its next snapshot.
func (s *MessagingService) publishSend(
	ctx context.Context,
	channel *models.Channel,
	message *models.ChatMessage,
) {
	if s.publisher == nil {
		return
	}

	s.publisher.PublishMessage(channel, message)

	fresh, err := s.channelRepo.GetByID(ctx, channel.ID)
	if err != nil {
		return
	}

	for _, participantID := range []int64{fresh.TherapistID, fresh.ProspectUserID} {
		s.publisher.PublishUnread(participantID, UnreadUpdate{
			ChannelID:          fresh.ID,
			UnreadCount:        fresh.UnreadFor(participantID),
			LastMessagePreview: fresh.LastMessagePreview,
			LastMessageAt:      fresh.LastMessageAt,
		})
	}
}

func (s *MessagingService) resolveDisplayName(ctx context.Context, userID int64) string {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil || user.DisplayName == "" {
		return fallbackDisplayName(userID)
	}
	return user.DisplayName
}

// withRetry runs op, retrying exactly once after a short backoff when the
// failure looks transient. A second transient failure surfaces as
// ErrUnavailable so callers can treat the operation as not having happened.
func (s *MessagingService) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !isTransient(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return ErrUnavailable
	case <-time.After(s.retryBackoff):
	}

	if err := op(); err != nil {
		if isTransient(err) {
			return ErrUnavailable
		}
		return err
	}
	return nil
}

func (s *MessagingService) mapStorageError(err error) error {
	if isTransient(err) {
		return ErrUnavailable
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions, class 57: operator intervention
		// (e.g. admin shutdown), class 40: transaction rollback such as
		// serialization failures.
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "57"),
			strings.HasPrefix(pgErr.Code, "40"):
			return true
		}
	}

	return false
}

func fallbackDisplayName(userID int64) string {
	return fmt.Sprintf("User %d", userID)
}

func buildChannelIdentifier(channelName string) string {
	suffix := uuid.NewString()[:8]
	name := strings.TrimSpace(channelName)
	if name == "" {
		return "therapy-" + suffix
	}

	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, name)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "therapy"
	}

	return slug + "-" + suffix
}

func truncatePreview(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit])
}

func FormatChatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
