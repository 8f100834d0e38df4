package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/amir-t/TherapyDeskBack/internal/models"
	"github.com/amir-t/TherapyDeskBack/internal/repository"
)

type therapistDirectoryRepository interface {
	List(ctx context.Context, filter repository.TherapistListFilter) ([]models.TherapistProfile, int, error)
	GetByUserID(ctx context.Context, userID int64) (*models.TherapistProfile, error)
}

type therapistMatcher interface {
	RecommendTherapists(ctx context.Context, concerns []string, limit int) ([]models.TherapistWithScore, error)
}

type TherapistDirectoryHandler struct {
	therapistRepo   therapistDirectoryRepository
	matchingService therapistMatcher
}

func NewTherapistDirectoryHandler(
	therapistRepo therapistDirectoryRepository,
	matchingService therapistMatcher,
) *TherapistDirectoryHandler {
	return &TherapistDirectoryHandler{
		therapistRepo:   therapistRepo,
		matchingService: matchingService,
	}
}

func (h *TherapistDirectoryHandler) ListTherapists(c *fiber.Ctx) error {
	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	minRating, err := parseNonNegativeFloat(c.Query("min_rating"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "min_rating must be a valid non-negative number"})
	}

	therapists, total, err := h.therapistRepo.List(c.Context(), repository.TherapistListFilter{
		FocusArea: strings.TrimSpace(c.Query("focus_area")),
		MinRating: minRating,
		Offset:    (page - 1) * limit,
		Limit:     limit,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch therapists"})
	}

	return c.JSON(fiber.Map{
		"therapists": therapists,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

func (h *TherapistDirectoryHandler) GetTherapistDetail(c *fiber.Ctx) error {
	therapistID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || therapistID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid therapist id"})
	}

	profile, err := h.therapistRepo.GetByUserID(c.Context(), therapistID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Therapist not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch therapist"})
	}

	return c.JSON(fiber.Map{"therapist": profile})
}

// GetRecommendedTherapists ranks therapists against the money concerns the
// employee passes in, e.g. ?concerns=debt_stress,money_anxiety.
func (h *TherapistDirectoryHandler) GetRecommendedTherapists(c *fiber.Ctx) error {
	role, ok := c.Locals("role").(string)
	if !ok || role != models.RoleEmployee {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	concerns := make([]string, 0)
	for _, concern := range strings.Split(c.Query("concerns"), ",") {
		if trimmed := strings.TrimSpace(concern); trimmed != "" {
			concerns = append(concerns, trimmed)
		}
	}

	therapists, err := h.matchingService.RecommendTherapists(c.Context(), concerns, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch recommendations"})
	}

	return c.JSON(fiber.Map{"therapists": therapists})
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseNonNegativeFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, errInvalidNumber
	}
	return value, nil
}

var errInvalidNumber = errors.New("invalid number")
