package db

import (
	"time"
)

// AuthToken is a bearer token issued by the token-login endpoint.
// Tokens live until logout deletes them.
type AuthToken struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	// Key is the token value presented in the Authorization header.
	Key string `gorm:"uniqueIndex;size:64;not null"`

	UserID uint `gorm:"index;not null"`
	User   User `gorm:"foreignKey:UserID"`
}
