package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/services"
	chatws "github.com/amir-t/TherapyDeskBack/internal/websocket"
	"github.com/amir-t/TherapyDeskBack/pkg/utils"
)

type messagingApplicationService interface {
	ListChannels(ctx context.Context, callerID int64) ([]models.ChannelSummary, error)
	CreateChannel(ctx context.Context, therapistID int64, prospectUserID int64, channelName string) (*models.Channel, error)
	SendMessage(ctx context.Context, channelID int64, senderID int64, content string, messageType string) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, channelID int64, callerID int64, maxResults int, beforeMessageID int64) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, channelID int64, callerID int64) error
	ArchiveChannel(ctx context.Context, channelID int64, callerID int64) error
	IsParticipant(ctx context.Context, channelID int64, userID int64) bool
}

type MessagingHandler struct {
	service   messagingApplicationService
	hub       *chatws.Hub
	jwtSecret string
}

func NewMessagingHandler(service messagingApplicationService, hub *chatws.Hub, jwtSecret string) *MessagingHandler {
	return &MessagingHandler{
		service:   service,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

// messagingRequest is the action-dispatch envelope consumed by every chat
// surface. Unknown fields for a given action are ignored.
type messagingRequest struct {
	Action          string `json:"action"`
	ChannelID       int64  `json:"channelId"`
	TherapistID     int64  `json:"therapistId"`
	ProspectUserID  int64  `json:"prospectUserId"`
	ChannelName     string `json:"channelName"`
	Content         string `json:"content"`
	MessageType     string `json:"messageType"`
	MaxResults      int    `json:"maxResults"`
	BeforeMessageID int64  `json:"beforeMessageId"`
}

func (h *MessagingHandler) Dispatch(c *fiber.Ctx) error {
	role, ok := c.Locals("role").(string)
	if !ok || (role != models.RoleEmployee && role != models.RoleTherapist) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	callerID, err := parseProfileUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req messagingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	switch req.Action {
	case "list_channels":
		channels, err := h.service.ListChannels(c.Context(), callerID)
		if err != nil {
			return mapMessagingError(c, err)
		}
		return c.JSON(fiber.Map{"channels": channels})

	case "create_channel":
		therapistID := req.TherapistID
		prospectUserID := req.ProspectUserID
		if role == models.RoleTherapist {
			therapistID = callerID
		} else {
			prospectUserID = callerID
		}

		channel, err := h.service.CreateChannel(c.Context(), therapistID, prospectUserID, req.ChannelName)
		if err != nil {
			return mapMessagingError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "channel": channel})

	case "get_messages":
		messages, err := h.service.ListMessages(c.Context(), req.ChannelID, callerID, req.MaxResults, req.BeforeMessageID)
		if err != nil {
			return mapMessagingError(c, err)
		}
		return c.JSON(fiber.Map{"messages": messages})

	case "send_message":
		message, err := h.service.SendMessage(c.Context(), req.ChannelID, callerID, req.Content, req.MessageType)
		if err != nil {
			return mapMessagingError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "message": message})

	case "mark_read":
		if err := h.service.MarkRead(c.Context(), req.ChannelID, callerID); err != nil {
			return mapMessagingError(c, err)
		}
		return c.JSON(fiber.Map{"success": true})

	case "archive_channel":
		if err := h.service.ArchiveChannel(c.Context(), req.ChannelID, callerID); err != nil {
			return mapMessagingError(c, err)
		}
		return c.JSON(fiber.Map{"success": true})

	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown action"})
	}
}

func (h *MessagingHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *MessagingHandler) HandleWebSocket(conn *websocket.Conn) {
	rawUserID, _ := conn.Locals("user_id").(string)
	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil || userID <= 0 {
		_ = conn.Close()
		return
	}

	client := chatws.NewClient(h.hub, conn, userID)
	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump(h.service)
}

func (h *MessagingHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func mapMessagingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidParticipant):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid participants"})
	case errors.Is(err, services.ErrEmptyMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Message content is empty"})
	case errors.Is(err, services.ErrChannelInactive):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Channel is archived"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Channel not found"})
	case errors.Is(err, services.ErrUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Temporarily unavailable, please retry"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process messaging request"})
	}
}
