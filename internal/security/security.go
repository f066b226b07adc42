package security

import "time"

// EventKind classifies a security event.
type EventKind string

const (
	EventLoginFail       EventKind = "login_fail"
	EventLoginSuccess    EventKind = "login_success"
	EventRegisterAttempt EventKind = "register_attempt"
	EventRegisterSuccess EventKind = "register_success"
	EventRateLimit       EventKind = "rate_limit"
	EventIPBlocked       EventKind = "ip_blocked"
	EventSuspicious      EventKind = "suspicious"
	EventBruteForce      EventKind = "brute_force"
	EventDDoS            EventKind = "ddos"
)

// Severity is a coarse triage tag for dashboard filtering.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BlockReason records why an IP block was created.
type BlockReason string

const (
	ReasonAuto       BlockReason = "auto"
	ReasonManual     BlockReason = "manual"
	ReasonBruteForce BlockReason = "brute_force"
	ReasonDDoS       BlockReason = "ddos"
	ReasonSuspicious BlockReason = "suspicious"
)

// Event is an immutable audit record of a security-relevant occurrence.
// Events are only ever appended, never updated.
type Event struct {
	ID        uint
	Kind      EventKind
	Severity  Severity
	IPAddress string
	UserAgent string
	UserID    *uint
	Endpoint  string
	Method    string
	Details   map[string]any
	Timestamp time.Time
}

// Block is the record of a blocked client IP. There is at most one
// block per IP; repeated blocks against the same IP update the row
// and bump AttemptCount.
type Block struct {
	ID           uint
	IPAddress    string
	Reason       BlockReason
	Details      string
	BlockedAt    time.Time
	BlockedUntil *time.Time
	IsPermanent  bool
	BlockedBy    *uint
	AttemptCount int
	LastAttempt  time.Time
}

// Active reports whether the block is in effect at the given instant.
func (b *Block) Active(now time.Time) bool {
	if b.IsPermanent {
		return true
	}
	return b.BlockedUntil != nil && now.Before(*b.BlockedUntil)
}

// BlockParams carries the fields of a block upsert.
type BlockParams struct {
	IPAddress   string
	Reason      BlockReason
	Details     string
	Until       *time.Time // nil for permanent blocks
	IsPermanent bool
	BlockedBy   *uint
}

// Decision is the outcome of a rate-limit check. Count is the stored
// request count after the check (post-increment when allowed; the
// untouched count when rejected). RetryAfter is only meaningful on a
// rejected check.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// EventFilter narrows an event listing. Zero values mean "any".
type EventFilter struct {
	Kind      EventKind
	Kinds     []EventKind
	Severity  Severity
	IPAddress string
	Since     time.Time
	Limit     int
	Offset    int
}

// DashboardStats are the event-side aggregates for the security
// dashboard. Block-side figures (active block count, top offenders)
// come from the BlockStore.
type DashboardStats struct {
	TotalEventsToday    int64
	FailedLoginsToday   int64
	CriticalEventsToday int64
	RecentAttacks       []Event
	EventBreakdown      map[EventKind]int64
}

// EventStore is the append-only audit trail.
type EventStore interface {
	// Append persists the event. Callers treat failures as
	// best-effort telemetry loss, not request failures.
	Append(ev *Event) error

	// CountSince counts events of a kind from an IP at or after the
	// given instant. Used for brute-force detection.
	CountSince(kind EventKind, ip string, since time.Time) (int64, error)

	// List returns events matching the filter, newest first.
	List(f EventFilter) ([]Event, error)

	Dashboard(now time.Time) (*DashboardStats, error)
}

// BlockStore holds at most one Block row per IP.
type BlockStore interface {
	// Upsert creates the block, or updates the existing row for the
	// same IP and increments its attempt count. The write must be
	// atomic under concurrent calls for the same IP.
	Upsert(p BlockParams) (*Block, error)

	// Get returns the block for the IP, or (nil, nil) when absent.
	Get(ip string) (*Block, error)

	// Delete removes the block and reports whether a row existed.
	Delete(ip string) (bool, error)

	// ListBlocks returns blocks, newest first. With activeOnly set,
	// rows whose block has lapsed are excluded.
	ListBlocks(activeOnly bool, limit, offset int) ([]Block, error)

	CountActive(now time.Time) (int64, error)

	// TopOffenders returns active blocks ordered by attempt count,
	// worst first.
	TopOffenders(limit int) ([]Block, error)
}

// TrackerStore implements the fixed-window counter.
type TrackerStore interface {
	// Hit runs one check-and-increment cycle for (ip, endpoint):
	// stale windows are discarded, a fresh window starts at count 1,
	// and a rejected check never increments. Implementations must
	// tolerate concurrent first requests for the same key without
	// producing two live windows.
	Hit(ip, endpoint string, max int, window time.Duration) (Decision, error)
}

// Observer receives gate activity notifications, e.g. for Prometheus
// counters. All methods must be cheap and non-blocking.
type Observer interface {
	EventLogged(ev *Event)
	Rejected(rej *Rejection)
	AutoBlocked(reason BlockReason)
}
