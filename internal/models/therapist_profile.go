package models

import "time"

type TherapistProfile struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	FullName         *string   `json:"full_name"`
	Bio              *string   `json:"bio"`
	FocusAreas       *[]string `json:"focus_areas"`
	Credentials      *[]string `json:"credentials"`
	YearsPracticing  *int      `json:"years_practicing"`
	Rating           *float64  `json:"rating"`
	AcceptingClients bool      `json:"accepting_clients"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type TherapistWithScore struct {
	TherapistProfile
	MatchScore int `json:"match_score"`
}
