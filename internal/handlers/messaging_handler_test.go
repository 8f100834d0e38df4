package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/services"
	chatws "github.com/amir-t/TherapyDeskBack/internal/websocket"
)

type stubMessagingService struct {
	channelsResult []models.ChannelSummary
	channelsErr    error
	createResult   *models.Channel
	createErr      error
	sendResult     *models.ChatMessage
	sendErr        error
	messagesResult []models.ChatMessage
	messagesErr    error
	markReadErr    error
	archiveErr     error

	lastCallerID     int64
	lastTherapistID  int64
	lastProspectID   int64
	lastChannelName  string
	lastChannelID    int64
	lastContent      string
	lastMessageType  string
	lastMaxResults   int
	lastBeforeID     int64
	markReadCalls    int
	archiveCallCount int
}

func (s *stubMessagingService) ListChannels(_ context.Context, callerID int64) ([]models.ChannelSummary, error) {
	s.lastCallerID = callerID
	return s.channelsResult, s.channelsErr
}

func (s *stubMessagingService) CreateChannel(_ context.Context, therapistID int64, prospectUserID int64, channelName string) (*models.Channel, error) {
	s.lastTherapistID = therapistID
	s.lastProspectID = prospectUserID
	s.lastChannelName = channelName
	return s.createResult, s.createErr
}

func (s *stubMessagingService) SendMessage(_ context.Context, channelID int64, senderID int64, content string, messageType string) (*models.ChatMessage, error) {
	s.lastChannelID = channelID
	s.lastCallerID = senderID
	s.lastContent = content
	s.lastMessageType = messageType
	return s.sendResult, s.sendErr
}

func (s *stubMessagingService) ListMessages(_ context.Context, channelID int64, callerID int64, maxResults int, beforeMessageID int64) ([]models.ChatMessage, error) {
	s.lastChannelID = channelID
	s.lastCallerID = callerID
	s.lastMaxResults = maxResults
	s.lastBeforeID = beforeMessageID
	return s.messagesResult, s.messagesErr
}

func (s *stubMessagingService) MarkRead(_ context.Context, channelID int64, callerID int64) error {
	s.lastChannelID = channelID
	s.lastCallerID = callerID
	s.markReadCalls++
	return s.markReadErr
}

func (s *stubMessagingService) ArchiveChannel(_ context.Context, channelID int64, callerID int64) error {
	s.lastChannelID = channelID
	s.lastCallerID = callerID
	s.archiveCallCount++
	return s.archiveErr
}

func (s *stubMessagingService) IsParticipant(_ context.Context, _ int64, _ int64) bool {
	return true
}

func newMessagingTestApp(service *stubMessagingService, role string, userID string) *fiber.App {
	handler := NewMessagingHandler(service, chatws.NewHub(), "secret")

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("role", role)
		c.Locals("user_id", userID)
		return c.Next()
	})
	app.Post("/api/v1/messaging", handler.Dispatch)
	return app
}

func postMessaging(t *testing.T, app *fiber.App, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messaging", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func TestListChannelsReturnsCallerSummaries(t *testing.T) {
	preview := "See you Thursday"
	service := &stubMessagingService{
		channelsResult: []models.ChannelSummary{
			{
				Channel: models.Channel{
					ID:                 17,
					ChannelIdentifier:  "therapy-abc123",
					TherapistID:        8,
					ProspectUserID:     42,
					Status:             models.ChannelStatusActive,
					LastMessagePreview: &preview,
				},
				OtherParticipantID:   8,
				OtherParticipantName: "Dana R.",
				UnreadCount:          2,
			},
		},
	}
	app := newMessagingTestApp(service, models.RoleEmployee, "42")

	resp := postMessaging(t, app, `{"action":"list_channels"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastCallerID != 42 {
		t.Fatalf("expected caller 42, got %d", service.lastCallerID)
	}

	var body struct {
		Channels []models.ChannelSummary `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Channels) != 1 || body.Channels[0].UnreadCount != 2 {
		t.Fatalf("unexpected response: %+v", body.Channels)
	}
	if body.Channels[0].OtherParticipantName != "Dana R." {
		t.Fatalf("unexpected participant name: %q", body.Channels[0].OtherParticipantName)
	}
}

func TestCreateChannelAsEmployeeUsesCallerAsProspect(t *testing.T) {
	service := &stubMessagingService{
		createResult: &models.Channel{ID: 9, TherapistID: 7, ProspectUserID: 42},
	}
	app := newMessagingTestApp(service, models.RoleEmployee, "42")

	resp := postMessaging(t, app, `{"action":"create_channel","therapistId":7}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastTherapistID != 7 || service.lastProspectID != 42 {
		t.Fatalf("unexpected pair: therapist=%d prospect=%d", service.lastTherapistID, service.lastProspectID)
	}
}

func TestCreateChannelAsTherapistUsesCallerAsTherapist(t *testing.T) {
	service := &stubMessagingService{
		createResult: &models.Channel{ID: 9, TherapistID: 7, ProspectUserID: 42},
	}
	app := newMessagingTestApp(service, models.RoleTherapist, "7")

	resp := postMessaging(t, app, `{"action":"create_channel","prospectUserId":42,"channelName":"Intro call"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastTherapistID != 7 || service.lastProspectID != 42 {
		t.Fatalf("unexpected pair: therapist=%d prospect=%d", service.lastTherapistID, service.lastProspectID)
	}
	if service.lastChannelName != "Intro call" {
		t.Fatalf("expected channel name forwarded, got %q", service.lastChannelName)
	}
}

func TestGetMessagesForwardsPagination(t *testing.T) {
	service := &stubMessagingService{
		messagesResult: []models.ChatMessage{
			{ID: 5, MessageID: "m-5", ChannelID: 11, SenderID: 7, Content: "Hi", SentAt: time.Now().UTC()},
		},
	}
	app := newMessagingTestApp(service, models.RoleTherapist, "7")

	resp := postMessaging(t, app, `{"action":"get_messages","channelId":11,"maxResults":25,"beforeMessageId":90}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastChannelID != 11 || service.lastMaxResults != 25 || service.lastBeforeID != 90 {
		t.Fatalf("unexpected forwarded params: channel=%d max=%d before=%d",
			service.lastChannelID, service.lastMaxResults, service.lastBeforeID)
	}

	var body struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].MessageID != "m-5" {
		t.Fatalf("unexpected response body: %+v", body.Messages)
	}
}

func TestSendMessageReturnsPersistedMessage(t *testing.T) {
	service := &stubMessagingService{
		sendResult: &models.ChatMessage{ID: 3, MessageID: "m-3", ChannelID: 11, SenderID: 42, Content: "Hello"},
	}
	app := newMessagingTestApp(service, models.RoleEmployee, "42")

	resp := postMessaging(t, app, `{"action":"send_message","channelId":11,"content":"Hello"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastChannelID != 11 || service.lastContent != "Hello" {
		t.Fatalf("unexpected forwarded send: channel=%d content=%q", service.lastChannelID, service.lastContent)
	}

	var body struct {
		Success bool               `json:"success"`
		Message models.ChatMessage `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !body.Success || body.Message.MessageID != "m-3" {
		t.Fatalf("unexpected response body: %+v", body)
	}
}

func TestSendMessageEmptyContentIsBadRequest(t *testing.T) {
	service := &stubMessagingService{sendErr: services.ErrEmptyMessage}
	app := newMessagingTestApp(service, models.RoleEmployee, "42")

	resp := postMessaging(t, app, `{"action":"send_message","channelId":11,"content":"   "}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSendMessageArchivedChannelIsConflict(t *testing.T) {
	service := &stubMessagingService{sendErr: services.ErrChannelInactive}
	app := newMessagingTestApp(service, models.RoleEmployee, "42")

	resp := postMessaging(t, app, `{"action":"send_message","channelId":11,"content":"Hello"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestMarkReadReturnsSuccess(t *testing.T) {
	service := &stubMessagingService{}
	app := newMessagingTestApp(service, models.RoleEmployee, "42")

	resp := postMessaging(t, app, `{"action":"mark_read","channelId":11}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.markReadCalls != 1 || service.lastChannelID != 11 {
		t.Fatalf("expected one mark_read call on channel 11, got %d on %d", service.markReadCalls, service.lastChannelID)
	}
}

func TestDispatchUnknownActionIsBadRequest(t *testing.T) {
	service := &stubMessagingService{}
	app := newMessagingTestApp(service, models.RoleEmployee, "42")

	resp := postMessaging(t, app, `{"action":"delete_everything"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDispatchMapsNotFoundAndUnavailable(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", services.ErrNotFound, http.StatusNotFound},
		{"forbidden", services.ErrForbidden, http.StatusForbidden},
		{"unavailable", services.ErrUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubMessagingService{messagesErr: tc.err}
			app := newMessagingTestApp(service, models.RoleEmployee, "42")

			resp := postMessaging(t, app, `{"action":"get_messages","channelId":99}`)
			defer resp.Body.Close()

			if resp.StatusCode != tc.expected {
				t.Fatalf("expected %d, got %d", tc.expected, resp.StatusCode)
			}
		})
	}
}

func TestDispatchRejectsUnknownRole(t *testing.T) {
	service := &stubMessagingService{}
	app := newMessagingTestApp(service, "admin", "1")

	resp := postMessaging(t, app, `{"action":"list_channels"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
