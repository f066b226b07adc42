package db

import (
	"log"
	"time"

	"gorm.io/gorm"

	"loadouthub/internal/config"
)

// trackerSlack is how long after its last request a rate-limit row is
// certainly stale. Configured windows are seconds-scale, so an hour
// of slack is plenty; the hot path also purges inline.
const trackerSlack = time.Hour

// runMaintenanceOnce performs a single cleanup pass: stale rate-limit
// windows, lapsed non-permanent IP blocks, and (when retention is
// configured) old security events.
func runMaintenanceOnce(db *gorm.DB, cfg *config.Config) error {
	now := time.Now()

	if err := db.Where("last_request < ?", now.Add(-trackerSlack)).Delete(&RateLimitTracker{}).Error; err != nil {
		return err
	}

	if err := db.Where("is_permanent = ? AND blocked_until IS NOT NULL AND blocked_until <= ?", false, now).
		Delete(&IPBlock{}).Error; err != nil {
		return err
	}

	if cfg.EventRetentionDays > 0 {
		cutoff := now.Add(-time.Duration(cfg.EventRetentionDays) * 24 * time.Hour)
		if err := db.Where("timestamp < ?", cutoff).Delete(&SecurityEvent{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// StartMaintenanceWorker launches a background goroutine that runs the
// cleanup once at startup and then every five minutes.
func StartMaintenanceWorker(db *gorm.DB, cfg *config.Config) {
	go func() {
		if err := runMaintenanceOnce(db, cfg); err != nil {
			log.Printf("security maintenance error (startup): %v", err)
		}

		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			if err := runMaintenanceOnce(db, cfg); err != nil {
				log.Printf("security maintenance error: %v", err)
			}
		}
	}()
}
