package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/repository"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestMessagingServiceCreateChannelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationMessagingService(pool)

	therapistID := createChatAccount(t, ctx, pool, models.RoleTherapist, "Dr. Alvarez")
	prospectID := createChatAccount(t, ctx, pool, models.RoleEmployee, "Sam")
	t.Cleanup(func() { cleanupChatUsers(t, ctx, pool, therapistID, prospectID) })

	const attempts = 4
	var wg sync.WaitGroup
	channels := make([]*models.Channel, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			channels[i], errs[i] = service.CreateChannel(ctx, therapistID, prospectID, "Debt stress")
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		if errs[i] != nil {
			t.Fatalf("CreateChannel attempt %d: %v", i, errs[i])
		}
		if channels[i].ID != channels[0].ID {
			t.Fatalf("expected one channel for the pair, got ids %d and %d", channels[0].ID, channels[i].ID)
		}
	}

	again, err := service.CreateChannel(ctx, therapistID, prospectID, "A different name")
	if err != nil {
		t.Fatalf("CreateChannel repeat: %v", err)
	}
	if again.ID != channels[0].ID {
		t.Fatalf("expected existing channel %d, got %d", channels[0].ID, again.ID)
	}
	if again.ChannelIdentifier != channels[0].ChannelIdentifier {
		t.Fatalf("expected identifier to stay %q, got %q", channels[0].ChannelIdentifier, again.ChannelIdentifier)
	}
}

func TestMessagingServiceSendAndReadFlow(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationMessagingService(pool)

	therapistID := createChatAccount(t, ctx, pool, models.RoleTherapist, "Dr. Alvarez")
	prospectID := createChatAccount(t, ctx, pool, models.RoleEmployee, "Sam")
	t.Cleanup(func() { cleanupChatUsers(t, ctx, pool, therapistID, prospectID) })

	channel, err := service.CreateChannel(ctx, therapistID, prospectID, "")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	first, err := service.SendMessage(ctx, channel.ID, therapistID, "Welcome, how can I help?", "")
	if err != nil {
		t.Fatalf("SendMessage first: %v", err)
	}
	if first.SenderName != "Dr. Alvarez" {
		t.Fatalf("expected sender name from profile, got %q", first.SenderName)
	}
	if first.Status != models.MessageStatusSent {
		t.Fatalf("expected SENT status, got %q", first.Status)
	}

	if _, err := service.SendMessage(ctx, channel.ID, therapistID, "Did my notes arrive?", ""); err != nil {
		t.Fatalf("SendMessage second: %v", err)
	}

	prospectView, err := service.ListChannels(ctx, prospectID)
	if err != nil {
		t.Fatalf("ListChannels prospect: %v", err)
	}
	if len(prospectView) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(prospectView))
	}
	if prospectView[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread for prospect, got %d", prospectView[0].UnreadCount)
	}
	if prospectView[0].LastMessagePreview == nil || *prospectView[0].LastMessagePreview != "Did my notes arrive?" {
		t.Fatalf("unexpected preview: %v", prospectView[0].LastMessagePreview)
	}
	if prospectView[0].OtherParticipantName != "Dr. Alvarez" {
		t.Fatalf("unexpected other participant name: %q", prospectView[0].OtherParticipantName)
	}

	if _, err := service.SendMessage(ctx, channel.ID, prospectID, "Yes, thank you!", ""); err != nil {
		t.Fatalf("SendMessage reply: %v", err)
	}

	therapistView, err := service.ListChannels(ctx, therapistID)
	if err != nil {
		t.Fatalf("ListChannels therapist: %v", err)
	}
	if therapistView[0].UnreadCount != 1 {
		t.Fatalf("expected 1 unread for therapist, got %d", therapistView[0].UnreadCount)
	}

	if err := service.MarkRead(ctx, channel.ID, prospectID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	prospectView, err = service.ListChannels(ctx, prospectID)
	if err != nil {
		t.Fatalf("ListChannels after mark read: %v", err)
	}
	if prospectView[0].UnreadCount != 0 {
		t.Fatalf("expected 0 unread after mark read, got %d", prospectView[0].UnreadCount)
	}

	messages, err := service.ListMessages(ctx, channel.ID, prospectID, 50, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].ID <= messages[i-1].ID {
			t.Fatalf("expected ascending order, got ids %d then %d", messages[i-1].ID, messages[i].ID)
		}
	}
	for _, message := range messages {
		if message.SenderID == therapistID && message.Status != models.MessageStatusRead {
			t.Fatalf("expected therapist message %d READ after mark read, got %q", message.ID, message.Status)
		}
	}
}

func TestMessagingServicePaginatesBackwards(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationMessagingService(pool)

	therapistID := createChatAccount(t, ctx, pool, models.RoleTherapist, "Dr. Alvarez")
	prospectID := createChatAccount(t, ctx, pool, models.RoleEmployee, "Sam")
	t.Cleanup(func() { cleanupChatUsers(t, ctx, pool, therapistID, prospectID) })

	channel, err := service.CreateChannel(ctx, therapistID, prospectID, "")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	sent := make([]*models.ChatMessage, 0, 5)
	for i := 1; i <= 5; i++ {
		message, err := service.SendMessage(ctx, channel.ID, prospectID, fmt.Sprintf("note %d", i), "")
		if err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
		sent = append(sent, message)
	}

	latest, err := service.ListMessages(ctx, channel.ID, prospectID, 2, 0)
	if err != nil {
		t.Fatalf("ListMessages latest page: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != sent[3].ID || latest[1].ID != sent[4].ID {
		t.Fatalf("unexpected latest page: %+v", latest)
	}

	earlier, err := service.ListMessages(ctx, channel.ID, prospectID, 2, latest[0].ID)
	if err != nil {
		t.Fatalf("ListMessages earlier page: %v", err)
	}
	if len(earlier) != 2 || earlier[0].ID != sent[1].ID || earlier[1].ID != sent[2].ID {
		t.Fatalf("unexpected earlier page: %+v", earlier)
	}
}

func TestMessagingServiceConcurrentSendsAllCounted(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationMessagingService(pool)

	therapistID := createChatAccount(t, ctx, pool, models.RoleTherapist, "Dr. Alvarez")
	prospectID := createChatAccount(t, ctx, pool, models.RoleEmployee, "Sam")
	t.Cleanup(func() { cleanupChatUsers(t, ctx, pool, therapistID, prospectID) })

	channel, err := service.CreateChannel(ctx, therapistID, prospectID, "")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	const senders = 4
	const perSender = 5
	var wg sync.WaitGroup
	errCh := make(chan error, senders*perSender)
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := service.SendMessage(ctx, channel.ID, therapistID, fmt.Sprintf("update %d-%d", g, i), ""); err != nil {
					errCh <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent SendMessage: %v", err)
	}

	view, err := service.ListChannels(ctx, prospectID)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if view[0].UnreadCount != senders*perSender {
		t.Fatalf("expected %d unread, got %d", senders*perSender, view[0].UnreadCount)
	}

	messages, err := service.ListMessages(ctx, channel.ID, prospectID, 100, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != senders*perSender {
		t.Fatalf("expected %d messages, got %d", senders*perSender, len(messages))
	}
}

func TestMessagingServiceGuardsChannelAccess(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationMessagingService(pool)

	therapistID := createChatAccount(t, ctx, pool, models.RoleTherapist, "Dr. Alvarez")
	prospectID := createChatAccount(t, ctx, pool, models.RoleEmployee, "Sam")
	outsiderID := createChatAccount(t, ctx, pool, models.RoleEmployee, "Riley")
	t.Cleanup(func() { cleanupChatUsers(t, ctx, pool, therapistID, prospectID, outsiderID) })

	channel, err := service.CreateChannel(ctx, therapistID, prospectID, "")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if service.IsParticipant(ctx, channel.ID, outsiderID) {
		t.Fatal("expected outsider to not be a participant")
	}
	if !service.IsParticipant(ctx, channel.ID, therapistID) {
		t.Fatal("expected therapist to be a participant")
	}
	if _, err := service.ListMessages(ctx, channel.ID, outsiderID, 50, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for outsider read, got %v", err)
	}
	if _, err := service.SendMessage(ctx, channel.ID, outsiderID, "let me in", ""); !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for outsider send, got %v", err)
	}
}

func TestMessagingServiceArchivedChannelRejectsSends(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationMessagingService(pool)

	therapistID := createChatAccount(t, ctx, pool, models.RoleTherapist, "Dr. Alvarez")
	prospectID := createChatAccount(t, ctx, pool, models.RoleEmployee, "Sam")
	t.Cleanup(func() { cleanupChatUsers(t, ctx, pool, therapistID, prospectID) })

	channel, err := service.CreateChannel(ctx, therapistID, prospectID, "")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := service.SendMessage(ctx, channel.ID, therapistID, "before archive", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if err := service.ArchiveChannel(ctx, channel.ID, prospectID); err != nil {
		t.Fatalf("ArchiveChannel: %v", err)
	}

	if _, err := service.SendMessage(ctx, channel.ID, therapistID, "too late", ""); !errors.Is(err, ErrChannelInactive) {
		t.Fatalf("expected ErrChannelInactive, got %v", err)
	}

	messages, err := service.ListMessages(ctx, channel.ID, therapistID, 50, 0)
	if err != nil {
		t.Fatalf("ListMessages after archive: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected history to stay readable, got %d messages", len(messages))
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationMessagingService(pool *pgxpool.Pool) *MessagingService {
	return NewMessagingService(
		pool,
		repository.NewChannelRepository(pool),
		repository.NewMessageRepository(pool),
		repository.NewUserRepository(pool),
		nil,
	)
}

func createChatAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string, displayName string) int64 {
	t.Helper()

	userRepo := repository.NewUserRepository(pool)
	user := &models.User{
		Email:        fmt.Sprintf("messaging-test-%s-%d@example.com", role, time.Now().UnixNano()),
		PasswordHash: "test-hash",
		Role:         role,
		DisplayName:  displayName,
	}
	if err := userRepo.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser(%s): %v", role, err)
	}

	if role == models.RoleTherapist {
		profileRepo := repository.NewTherapistProfileRepository(pool)
		if err := profileRepo.CreateEmpty(ctx, user.ID); err != nil {
			t.Fatalf("CreateEmpty therapist profile: %v", err)
		}
	}

	return user.ID
}

func cleanupChatUsers(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userIDs ...int64) {
	t.Helper()

	if len(userIDs) == 0 {
		return
	}

	if _, err := pool.Exec(ctx, "DELETE FROM messages WHERE channel_id IN (SELECT id FROM channels WHERE therapist_id = ANY($1) OR prospect_user_id = ANY($1))", userIDs); err != nil {
		t.Fatalf("cleanup messages: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM channels WHERE therapist_id = ANY($1) OR prospect_user_id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup channels: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM therapist_profiles WHERE user_id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup therapist profiles: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM users WHERE id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup users: %v", err)
	}
}
