package security

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process implementation of all
// three gate stores. It backs the gate's unit tests and is good
// enough for single-instance deployments without a database.
type MemoryStore struct {
	// Now is the store's time source; replaceable in tests.
	Now func() time.Time

	mu       sync.Mutex
	nextID   uint
	events   []Event
	blocks   map[string]*Block
	trackers map[trackerKey]*trackerRow
}

type trackerKey struct {
	ip       string
	endpoint string
}

type trackerRow struct {
	count       int
	windowStart time.Time
	lastRequest time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:      time.Now,
		blocks:   make(map[string]*Block),
		trackers: make(map[trackerKey]*trackerRow),
	}
}

var (
	_ EventStore   = (*MemoryStore)(nil)
	_ BlockStore   = (*MemoryStore)(nil)
	_ TrackerStore = (*MemoryStore)(nil)
)

func (s *MemoryStore) Append(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := *ev
	stored.ID = s.nextID
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.Now()
	}
	ev.ID = stored.ID
	s.events = append(s.events, stored)
	return nil
}

func (s *MemoryStore) CountSince(kind EventKind, ip string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.events {
		ev := &s.events[i]
		if ev.Kind == kind && ev.IPAddress == ip && !ev.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(f EventFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if f.IPAddress != "" && ev.IPAddress != f.IPAddress {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		matched = append(matched, ev)
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Dashboard(now time.Time) (*DashboardStats, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	s.mu.Lock()
	stats := &DashboardStats{EventBreakdown: make(map[EventKind]int64)}
	for i := range s.events {
		ev := &s.events[i]
		if !ev.Timestamp.Before(dayStart) {
			stats.TotalEventsToday++
			stats.EventBreakdown[ev.Kind]++
			if ev.Kind == EventLoginFail {
				stats.FailedLoginsToday++
			}
			if ev.Severity == SeverityCritical {
				stats.CriticalEventsToday++
			}
		}
	}
	s.mu.Unlock()

	attacks, err := s.List(EventFilter{
		Kinds: []EventKind{EventBruteForce, EventDDoS, EventSuspicious},
		Since: now.Add(-24 * time.Hour),
		Limit: 10,
	})
	if err != nil {
		return nil, err
	}
	stats.RecentAttacks = attacks
	return stats, nil
}

func (s *MemoryStore) Upsert(p BlockParams) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if b, ok := s.blocks[p.IPAddress]; ok {
		b.Reason = p.Reason
		b.Details = p.Details
		b.BlockedUntil = p.Until
		b.IsPermanent = p.IsPermanent
		b.BlockedBy = p.BlockedBy
		b.AttemptCount++
		b.LastAttempt = now
		copied := *b
		return &copied, nil
	}

	s.nextID++
	b := &Block{
		ID:           s.nextID,
		IPAddress:    p.IPAddress,
		Reason:       p.Reason,
		Details:      p.Details,
		BlockedAt:    now,
		BlockedUntil: p.Until,
		IsPermanent:  p.IsPermanent,
		BlockedBy:    p.BlockedBy,
		AttemptCount: 1,
		LastAttempt:  now,
	}
	s.blocks[p.IPAddress] = b
	copied := *b
	return &copied, nil
}

func (s *MemoryStore) Get(ip string) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[ip]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (s *MemoryStore) Delete(ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[ip]; !ok {
		return false, nil
	}
	delete(s.blocks, ip)
	return true, nil
}

func (s *MemoryStore) ListBlocks(activeOnly bool, limit, offset int) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.blockSlice(activeOnly)
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return []Block{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) blockSlice(activeOnly bool) []Block {
	now := s.Now()
	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		if activeOnly && !b.Active(now) {
			continue
		}
		out = append(out, *b)
	}
	return out
}

func (s *MemoryStore) CountActive(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, b := range s.blocks {
		if b.Active(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TopOffenders(limit int) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.blockSlice(true)
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptCount > out[j].AttemptCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Hit(ip, endpoint string, max int, window time.Duration) (Decision, error) {
	// Misconfigured limits fail closed rather than panic; Validate in
	// config should have caught this at startup.
	if max <= 0 || window <= 0 {
		return Decision{Allowed: false}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	cutoff := now.Add(-window)
	k := trackerKey{ip: ip, endpoint: endpoint}

	row, ok := s.trackers[k]
	if !ok || row.windowStart.Before(cutoff) {
		s.trackers[k] = &trackerRow{count: 1, windowStart: now, lastRequest: now}
		return Decision{Allowed: true, Count: 1}, nil
	}
	if row.count >= max {
		return Decision{
			Allowed:    false,
			Count:      row.count,
			RetryAfter: row.windowStart.Add(window).Sub(now),
		}, nil
	}
	row.count++
	row.lastRequest = now
	return Decision{Allowed: true, Count: row.count}, nil
}

func containsKind(kinds []EventKind, k EventKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}
