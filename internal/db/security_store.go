package db

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loadouthub/internal/security"
)

// EventStore is the Postgres-backed security.EventStore.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

var _ security.EventStore = (*EventStore)(nil)

func (s *EventStore) Append(ev *security.Event) error {
	row := eventToRow(ev)
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	if err := s.db.Create(row).Error; err != nil {
		return err
	}
	ev.ID = row.ID
	ev.Timestamp = row.Timestamp
	return nil
}

func (s *EventStore) CountSince(kind security.EventKind, ip string, since time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&SecurityEvent{}).
		Where("event_type = ? AND ip_address = ? AND timestamp >= ?", string(kind), ip, since).
		Count(&n).Error
	return n, err
}

func (s *EventStore) List(f security.EventFilter) ([]security.Event, error) {
	q := s.db.Model(&SecurityEvent{})
	if f.Kind != "" {
		q = q.Where("event_type = ?", string(f.Kind))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds = append(kinds, string(k))
		}
		q = q.Where("event_type IN ?", kinds)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	if f.IPAddress != "" {
		q = q.Where("ip_address = ?", f.IPAddress)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var rows []SecurityEvent
	if err := q.Order("timestamp DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]security.Event, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToEvent(&rows[i]))
	}
	return out, nil
}

func (s *EventStore) Dashboard(now time.Time) (*security.DashboardStats, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	stats := &security.DashboardStats{EventBreakdown: make(map[security.EventKind]int64)}

	if err := s.db.Model(&SecurityEvent{}).
		Where("timestamp >= ?", dayStart).
		Count(&stats.TotalEventsToday).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&SecurityEvent{}).
		Where("event_type = ? AND timestamp >= ?", string(security.EventLoginFail), dayStart).
		Count(&stats.FailedLoginsToday).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&SecurityEvent{}).
		Where("severity = ? AND timestamp >= ?", string(security.SeverityCritical), dayStart).
		Count(&stats.CriticalEventsToday).Error; err != nil {
		return nil, err
	}

	var breakdown []struct {
		EventType string
		Count     int64
	}
	if err := s.db.Model(&SecurityEvent{}).
		Select("event_type, count(*) as count").
		Where("timestamp >= ?", dayStart).
		Group("event_type").
		Scan(&breakdown).Error; err != nil {
		return nil, err
	}
	for _, b := range breakdown {
		stats.EventBreakdown[security.EventKind(b.EventType)] = b.Count
	}

	attacks, err := s.List(security.EventFilter{
		Kinds: []security.EventKind{security.EventBruteForce, security.EventDDoS, security.EventSuspicious},
		Since: now.Add(-24 * time.Hour),
		Limit: 10,
	})
	if err != nil {
		return nil, err
	}
	stats.RecentAttacks = attacks
	return stats, nil
}

// BlockStore is the Postgres-backed security.BlockStore.
type BlockStore struct {
	db *gorm.DB
}

func NewBlockStore(db *gorm.DB) *BlockStore {
	return &BlockStore{db: db}
}

var _ security.BlockStore = (*BlockStore)(nil)

// activeClause matches blocks that are currently in effect.
const activeClause = "is_permanent OR (blocked_until IS NOT NULL AND blocked_until > ?)"

// Upsert inserts the block, or on conflict with the unique IP index
// overwrites the block fields and increments the attempt counter in
// the same statement. Two concurrent upserts for one IP serialize on
// the index instead of producing duplicate rows or a lost count.
func (s *BlockStore) Upsert(p security.BlockParams) (*security.Block, error) {
	now := time.Now()
	row := IPBlock{
		IPAddress:    p.IPAddress,
		Reason:       string(p.Reason),
		Details:      p.Details,
		BlockedAt:    now,
		BlockedUntil: p.Until,
		IsPermanent:  p.IsPermanent,
		BlockedByID:  p.BlockedBy,
		AttemptCount: 1,
		LastAttempt:  now,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ip_address"}},
		DoUpdates: clause.Assignments(map[string]any{
			"reason":        string(p.Reason),
			"details":       p.Details,
			"blocked_until": p.Until,
			"is_permanent":  p.IsPermanent,
			"blocked_by_id": p.BlockedBy,
			"attempt_count": gorm.Expr("ip_blocks.attempt_count + 1"),
			"last_attempt":  now,
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}

	// Re-read to report the post-upsert attempt count.
	var stored IPBlock
	if err := s.db.Where("ip_address = ?", p.IPAddress).First(&stored).Error; err != nil {
		return nil, err
	}
	return rowToBlock(&stored), nil
}

func (s *BlockStore) Get(ip string) (*security.Block, error) {
	var row IPBlock
	err := s.db.Where("ip_address = ?", ip).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToBlock(&row), nil
}

func (s *BlockStore) Delete(ip string) (bool, error) {
	res := s.db.Where("ip_address = ?", ip).Delete(&IPBlock{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *BlockStore) ListBlocks(activeOnly bool, limit, offset int) ([]security.Block, error) {
	q := s.db.Model(&IPBlock{})
	if activeOnly {
		q = q.Where(activeClause, time.Now())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var rows []IPBlock
	if err := q.Order("blocked_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToBlocks(rows), nil
}

func (s *BlockStore) CountActive(now time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&IPBlock{}).Where(activeClause, now).Count(&n).Error
	return n, err
}

func (s *BlockStore) TopOffenders(limit int) ([]security.Block, error) {
	var rows []IPBlock
	err := s.db.Where(activeClause, time.Now()).
		Order("attempt_count DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rowsToBlocks(rows), nil
}

// TrackerStore is the Postgres-backed security.TrackerStore.
type TrackerStore struct {
	db *gorm.DB

	now func() time.Time
}

func NewTrackerStore(db *gorm.DB) *TrackerStore {
	return &TrackerStore{db: db, now: time.Now}
}

var _ security.TrackerStore = (*TrackerStore)(nil)

// Hit runs one fixed-window check-and-increment cycle. Every step is
// a single statement that stays correct under concurrent writers:
// the insert dedupes on the (ip, endpoint) unique index, the window
// restart and the increment are both guarded conditional updates.
func (s *TrackerStore) Hit(ip, endpoint string, max int, window time.Duration) (security.Decision, error) {
	if max <= 0 || window <= 0 {
		return security.Decision{Allowed: false}, nil
	}

	now := s.now()
	cutoff := now.Add(-window)

	// Drop rows from expired windows. A row that slips past this
	// (created between the delete and the read) is handled by the
	// guarded restart below, never reused to extend its old window.
	if err := s.db.Where("window_start < ?", cutoff).Delete(&RateLimitTracker{}).Error; err != nil {
		return security.Decision{}, err
	}

	row := RateLimitTracker{
		IPAddress:    ip,
		Endpoint:     endpoint,
		RequestCount: 1,
		WindowStart:  now,
		LastRequest:  now,
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip_address"}, {Name: "endpoint"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return security.Decision{}, res.Error
	}
	if res.RowsAffected > 0 {
		// Fresh window, this was its first request.
		return security.Decision{Allowed: true, Count: 1}, nil
	}

	var cur RateLimitTracker
	if err := s.db.Where("ip_address = ? AND endpoint = ?", ip, endpoint).First(&cur).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The row was purged between our insert and read; count
			// this hit against a brand-new window.
			return s.restart(ip, endpoint, now)
		}
		return security.Decision{}, err
	}

	if cur.WindowStart.Before(cutoff) {
		// Expired window not yet purged; restart it in place. The
		// window_start guard makes sure only one of several racing
		// requests performs the reset.
		res := s.db.Model(&RateLimitTracker{}).
			Where("id = ? AND window_start < ?", cur.ID, cutoff).
			Updates(map[string]any{
				"request_count": 1,
				"window_start":  now,
				"last_request":  now,
			})
		if res.Error != nil {
			return security.Decision{}, res.Error
		}
		return security.Decision{Allowed: true, Count: 1}, nil
	}

	if cur.RequestCount >= max {
		return security.Decision{
			Allowed:    false,
			Count:      cur.RequestCount,
			RetryAfter: cur.WindowStart.Add(window).Sub(now),
		}, nil
	}

	// The request_count guard keeps a rejected check from ever being
	// counted: if concurrent requests filled the window since our
	// read, the update matches nothing and we reject.
	res = s.db.Model(&RateLimitTracker{}).
		Where("id = ? AND request_count < ?", cur.ID, max).
		Updates(map[string]any{
			"request_count": gorm.Expr("request_count + 1"),
			"last_request":  now,
		})
	if res.Error != nil {
		return security.Decision{}, res.Error
	}
	if res.RowsAffected == 0 {
		return security.Decision{
			Allowed:    false,
			Count:      max,
			RetryAfter: cur.WindowStart.Add(window).Sub(now),
		}, nil
	}
	return security.Decision{Allowed: true, Count: cur.RequestCount + 1}, nil
}

func (s *TrackerStore) restart(ip, endpoint string, now time.Time) (security.Decision, error) {
	row := RateLimitTracker{
		IPAddress:    ip,
		Endpoint:     endpoint,
		RequestCount: 1,
		WindowStart:  now,
		LastRequest:  now,
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip_address"}, {Name: "endpoint"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return security.Decision{}, res.Error
	}
	// Either we created the fresh window or a concurrent request just
	// did; a one-off undercount under that race is acceptable.
	return security.Decision{Allowed: true, Count: 1}, nil
}

func eventToRow(ev *security.Event) *SecurityEvent {
	details := datatypes.JSONMap{}
	for k, v := range ev.Details {
		details[k] = v
	}
	return &SecurityEvent{
		ID:        ev.ID,
		EventType: string(ev.Kind),
		Severity:  string(ev.Severity),
		IPAddress: ev.IPAddress,
		UserAgent: ev.UserAgent,
		UserID:    ev.UserID,
		Endpoint:  ev.Endpoint,
		Method:    ev.Method,
		Details:   details,
		Timestamp: ev.Timestamp,
	}
}

func rowToEvent(row *SecurityEvent) *security.Event {
	return &security.Event{
		ID:        row.ID,
		Kind:      security.EventKind(row.EventType),
		Severity:  security.Severity(row.Severity),
		IPAddress: row.IPAddress,
		UserAgent: row.UserAgent,
		UserID:    row.UserID,
		Endpoint:  row.Endpoint,
		Method:    row.Method,
		Details:   map[string]any(row.Details),
		Timestamp: row.Timestamp,
	}
}

func rowToBlock(row *IPBlock) *security.Block {
	return &security.Block{
		ID:           row.ID,
		IPAddress:    row.IPAddress,
		Reason:       security.BlockReason(row.Reason),
		Details:      row.Details,
		BlockedAt:    row.BlockedAt,
		BlockedUntil: row.BlockedUntil,
		IsPermanent:  row.IsPermanent,
		BlockedBy:    row.BlockedByID,
		AttemptCount: row.AttemptCount,
		LastAttempt:  row.LastAttempt,
	}
}

func rowsToBlocks(rows []IPBlock) []security.Block {
	out := make([]security.Block, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToBlock(&rows[i]))
	}
	return out
}
