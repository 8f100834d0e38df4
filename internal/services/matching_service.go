package services

import (
	"context"
	"sort"
	"strings"

	"github.com/amir-t/TherapyDeskBack/internal/models"
)

type TherapistLister interface {
	ListAll(ctx context.Context) ([]models.TherapistProfile, error)
}

// MatchingService ranks therapists for an employee based on the money
// concerns they want help with. This is the marketplace entry point that
// leads into channel creation.
type MatchingService struct {
	therapistRepo TherapistLister
}

func NewMatchingService(therapistRepo TherapistLister) *MatchingService {
	return &MatchingService{therapistRepo: therapistRepo}
}

func (s *MatchingService) RecommendTherapists(
	ctx context.Context,
	concerns []string,
	limit int,
) ([]models.TherapistWithScore, error) {
	therapists, err := s.therapistRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	ranked := make([]models.TherapistWithScore, 0, len(therapists))
	for _, therapist := range therapists {
		ranked = append(ranked, models.TherapistWithScore{
			TherapistProfile: therapist,
			MatchScore:       calculateMatchScore(concerns, &therapist),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].MatchScore == ranked[j].MatchScore {
			return floatValue(ranked[i].Rating) > floatValue(ranked[j].Rating)
		}
		return ranked[i].MatchScore > ranked[j].MatchScore
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	return ranked, nil
}

func calculateMatchScore(concerns []string, therapist *models.TherapistProfile) int {
	score := 0
	focus := normalizeValues(therapist.FocusAreas)

	for _, concern := range concerns {
		for _, alias := range concernAliases(concern) {
			if _, ok := focus[alias]; ok {
				score += 40
				break
			}
		}
	}

	if floatValue(therapist.Rating) > 4.0 {
		score += 20
	}
	if intValue(therapist.YearsPracticing) > 3 {
		score += 15
	}
	if len(sliceValue(therapist.Credentials)) > 0 {
		score += 10
	}

	return score
}

// concernAliases maps the concern tags the intake flow collects onto the
// focus-area vocabulary therapists tag their profiles with.
func concernAliases(concern string) []string {
	normalized := normalizeTag(concern)
	switch normalized {
	case "debt", "debt_stress":
		return []string{"debt_stress", "debt"}
	case "money_anxiety", "anxiety":
		return []string{"money_anxiety", "financial_anxiety"}
	case "budgeting", "overspending":
		return []string{"budgeting", "spending_habits"}
	case "couples", "family":
		return []string{"couples_finance", "family_finance"}
	case "retirement":
		return []string{"retirement_planning"}
	default:
		return []string{normalized}
	}
}

func normalizeValues(values *[]string) map[string]struct{} {
	normalized := make(map[string]struct{})
	for _, value := range sliceValue(values) {
		normalized[normalizeTag(value)] = struct{}{}
	}
	return normalized
}

func normalizeTag(value string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), " ", "_")
}

func floatValue(value *float64) float64 {
	if value == nil {
		return 0
	}
	return *value
}

func intValue(value *int) int {
	if value == nil {
		return 0
	}
	return *value
}

func sliceValue(value *[]string) []string {
	if value == nil {
		return nil
	}
	return *value
}
