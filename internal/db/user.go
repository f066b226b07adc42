package db

import (
	"time"
)

// User is a community account. The security layer only cares about
// two things here: credentials for the login collaborator and the
// IsAdmin flag guarding the security API. The bootstrap admin (from
// env) is created as a row in this table on startup.
type User struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Email        string `gorm:"uniqueIndex;size:254;not null"`
	Username     string `gorm:"size:150;not null"`
	PasswordHash string `gorm:"size:255;not null"`

	// IsAdmin marks users allowed to manage IP blocks and read the
	// security event log.
	IsAdmin bool `gorm:"default:false"`
}
