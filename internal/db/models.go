package db

import (
	"time"

	"gorm.io/datatypes"
)

// SecurityEvent is the append-only audit trail of security-relevant
// occurrences. Rows are never updated after creation; the maintenance
// worker may delete old ones when retention is configured.
type SecurityEvent struct {
	ID uint `gorm:"primaryKey"`

	EventType string `gorm:"size:20;index;not null"`
	Severity  string `gorm:"size:10;index;not null;default:low"`

	IPAddress string `gorm:"size:45;index:idx_security_events_ip_ts,priority:1;not null"`
	UserAgent string
	UserID    *uint `gorm:"index"`

	Endpoint string `gorm:"size:255"`
	Method   string `gorm:"size:10"`

	// Details holds arbitrary key/value context for the event
	// (attempt counts, degraded-check markers, ...) without schema
	// changes.
	Details datatypes.JSONMap `gorm:"type:json"`

	Timestamp time.Time `gorm:"index;index:idx_security_events_ip_ts,priority:2,sort:desc"`
}

// IPBlock tracks blocked client IPs, one row per IP. Repeated blocks
// of the same IP update the row and bump AttemptCount; duplicates
// would make the block check ambiguous.
type IPBlock struct {
	ID uint `gorm:"primaryKey"`

	IPAddress string `gorm:"uniqueIndex;size:45;not null"`
	Reason    string `gorm:"size:20;not null;default:auto"`
	Details   string

	BlockedAt time.Time

	// BlockedUntil is nil for permanent blocks.
	BlockedUntil *time.Time
	IsPermanent  bool `gorm:"default:false"`

	// BlockedByID references the admin user for manual blocks.
	BlockedByID *uint

	AttemptCount int `gorm:"not null;default:1"`
	LastAttempt  time.Time
}

// RateLimitTracker is the fixed-window request counter, one live row
// per (ip, endpoint). The unique index is what makes concurrent
// first requests collapse onto a single window instead of racing two
// rows into existence.
type RateLimitTracker struct {
	ID uint `gorm:"primaryKey"`

	IPAddress string `gorm:"size:45;uniqueIndex:idx_rate_limit_key,priority:1;not null"`
	Endpoint  string `gorm:"size:255;uniqueIndex:idx_rate_limit_key,priority:2;not null"`

	RequestCount int       `gorm:"not null;default:0"`
	WindowStart  time.Time `gorm:"index"`
	LastRequest  time.Time
}
