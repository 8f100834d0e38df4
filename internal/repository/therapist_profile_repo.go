package repository

import (
	"context"
	"strconv"
	"strings"

	"github.com/amir-t/TherapyDeskBack/internal/models"
)

type TherapistProfileRepository struct {
	db DBTX
}

func NewTherapistProfileRepository(db DBTX) *TherapistProfileRepository {
	return &TherapistProfileRepository{db: db}
}

type TherapistListFilter struct {
	FocusArea string
	MinRating float64
	Offset    int
	Limit     int
}

const therapistProfileColumns = `
	id, user_id, full_name, bio, focus_areas, credentials,
	years_practicing, rating, accepting_clients, created_at, updated_at
`

func scanTherapistProfile(row interface{ Scan(dest ...any) error }, profile *models.TherapistProfile) error {
	return row.Scan(
		&profile.ID,
		&profile.UserID,
		&profile.FullName,
		&profile.Bio,
		&profile.FocusAreas,
		&profile.Credentials,
		&profile.YearsPracticing,
		&profile.Rating,
		&profile.AcceptingClients,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
}

func (r *TherapistProfileRepository) CreateEmpty(ctx context.Context, userID int64) error {
	query := `INSERT INTO therapist_profiles (user_id) VALUES ($1)`
	_, err := r.db.Exec(ctx, query, userID)
	return err
}

func (r *TherapistProfileRepository) GetByUserID(ctx context.Context, userID int64) (*models.TherapistProfile, error) {
	query := `
		SELECT ` + therapistProfileColumns + `
		FROM therapist_profiles
		WHERE user_id = $1
	`
	var profile models.TherapistProfile
	if err := scanTherapistProfile(r.db.QueryRow(ctx, query, userID), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *TherapistProfileRepository) List(
	ctx context.Context,
	filter TherapistListFilter,
) ([]models.TherapistProfile, int, error) {
	conditions := []string{"accepting_clients = TRUE"}
	args := []any{}

	if filter.FocusArea != "" {
		args = append(args, filter.FocusArea)
		conditions = append(conditions, "$"+strconv.Itoa(len(args))+" = ANY(focus_areas)")
	}
	if filter.MinRating > 0 {
		args = append(args, filter.MinRating)
		conditions = append(conditions, "rating >= $"+strconv.Itoa(len(args)))
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM therapist_profiles ` + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.Limit, filter.Offset)
	query := `
		SELECT ` + therapistProfileColumns + `
		FROM therapist_profiles ` + where + `
		ORDER BY rating DESC NULLS LAST, id ASC
		LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	profiles := make([]models.TherapistProfile, 0)
	for rows.Next() {
		var profile models.TherapistProfile
		if err := scanTherapistProfile(rows, &profile); err != nil {
			return nil, 0, err
		}
		profiles = append(profiles, profile)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return profiles, total, nil
}

func (r *TherapistProfileRepository) ListAll(ctx context.Context) ([]models.TherapistProfile, error) {
	query := `
		SELECT ` + therapistProfileColumns + `
		FROM therapist_profiles
		WHERE accepting_clients = TRUE
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]models.TherapistProfile, 0)
	for rows.Next() {
		var profile models.TherapistProfile
		if err := scanTherapistProfile(rows, &profile); err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return profiles, nil
}
