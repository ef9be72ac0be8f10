package db

import (
	"time"

	"github.com/google/uuid"
)

// User is a Spotify profile that has signed in at least once.
type User struct {
	ID           string
	DisplayName  string
	Email        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastExportAt *time.Time // nullable
}

// Session is a signed-in browser session and its OAuth credential.
type Session struct {
	ID           string
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Export records that an export happened. Only counts are kept.
type Export struct {
	ID          uuid.UUID
	UserID      string
	Collections int
	Rows        int
	CreatedAt   time.Time
}
