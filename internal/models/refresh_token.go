package models

import (
	"time"
)

// RefreshToken is a stored JWT refresh token. Tokens are rotated on refresh
// and revoked on logout.
type RefreshToken struct {
	BaseModel
	UserID    string    `gorm:"size:36;index" json:"userId"`
	Token     string    `gorm:"type:text;not null" json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsRevoked bool      `gorm:"default:false" json:"isRevoked"`
}

// Usable reports whether the token can still be exchanged at t.
func (t *RefreshToken) Usable(at time.Time) bool {
	return !t.IsRevoked && at.Before(t.ExpiresAt)
}
