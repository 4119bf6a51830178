package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account that can own remote recordings.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserPublic is User without sensitive fields for API responses.
type UserPublic struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}

// UserProfile is the remote profile document at users/<uid>/profile.
type UserProfile struct {
	Age       *int    `json:"age,omitempty"`
	Email     *string `json:"email,omitempty"`
	LastLogin *string `json:"lastLogin,omitempty"`
	Name      *string `json:"name,omitempty"`
}

// DisplayName falls back to a placeholder when no name is set.
func (p UserProfile) DisplayName() string {
	if p.Name == nil {
		return "Unknown User"
	}
	return *p.Name
}

// Options are the locally stored app settings. BackgroundRecording is
// stored but has no effect on recording.
type Options struct {
	AutoSave            bool `json:"autoSave"`
	BackgroundRecording bool `json:"backgroundRecording"`
}

// DefaultOptions mirrors the settings screen defaults.
func DefaultOptions() Options {
	return Options{AutoSave: true}
}
