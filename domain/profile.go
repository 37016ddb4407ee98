package domain

import "time"

type Profile struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	AvatarURL  *string   `json:"avatar_url"`
	Email      string    `json:"email"`
	Phone      *string   `json:"phone"`
	Role       *string   `json:"role"`
	Department *string   `json:"department"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProfilePatch holds the editable profile fields.
type ProfilePatch struct {
	FullName   *string `json:"full_name,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	Role       *string `json:"role,omitempty"`
	Department *string `json:"department,omitempty"`
}
