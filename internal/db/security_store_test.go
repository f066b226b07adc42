package db

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"loadouthub/internal/security"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return gdb, mock
}

func trackerColumns() []string {
	return []string{"id", "ip_address", "endpoint", "request_count", "window_start", "last_request"}
}

func blockColumns() []string {
	return []string{"id", "ip_address", "reason", "details", "blocked_at", "blocked_until", "is_permanent", "blocked_by_id", "attempt_count", "last_attempt"}
}

func TestTrackerHitFreshWindow(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewTrackerStore(gdb)

	mock.ExpectExec(`DELETE FROM "rate_limit_trackers" WHERE window_start <`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "rate_limit_trackers" .* ON CONFLICT \("ip_address","endpoint"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	dec, err := store.Hit("7.7.7.7", "login", 5, time.Minute)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerHitRejectsWithoutIncrementing(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewTrackerStore(gdb)

	now := time.Now()
	mock.ExpectExec(`DELETE FROM "rate_limit_trackers" WHERE window_start <`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Conflict with the unique key: the insert touches nothing.
	mock.ExpectQuery(`INSERT INTO "rate_limit_trackers" .* ON CONFLICT \("ip_address","endpoint"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .* FROM "rate_limit_trackers" WHERE ip_address = .* AND endpoint = `).
		WillReturnRows(sqlmock.NewRows(trackerColumns()).
			AddRow(3, "7.7.7.7", "login", 5, now.Add(-10*time.Second), now))

	// No UPDATE may follow: a rejected check never increments.
	dec, err := store.Hit("7.7.7.7", "login", 5, time.Minute)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, 5, dec.Count)
	require.Greater(t, dec.RetryAfter, time.Duration(0))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerHitGuardedIncrement(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewTrackerStore(gdb)

	now := time.Now()
	mock.ExpectExec(`DELETE FROM "rate_limit_trackers" WHERE window_start <`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "rate_limit_trackers" .* ON CONFLICT \("ip_address","endpoint"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .* FROM "rate_limit_trackers" WHERE ip_address = .* AND endpoint = `).
		WillReturnRows(sqlmock.NewRows(trackerColumns()).
			AddRow(3, "7.7.7.7", "login", 2, now.Add(-10*time.Second), now))
	mock.ExpectExec(`UPDATE "rate_limit_trackers" SET .*request_count \+ 1.* WHERE id = .* AND request_count < `).
		WillReturnResult(sqlmock.NewResult(0, 1))

	dec, err := store.Hit("7.7.7.7", "login", 5, time.Minute)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, 3, dec.Count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerHitLostIncrementRaceRejects(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewTrackerStore(gdb)

	now := time.Now()
	mock.ExpectExec(`DELETE FROM "rate_limit_trackers" WHERE window_start <`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "rate_limit_trackers" .* ON CONFLICT \("ip_address","endpoint"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .* FROM "rate_limit_trackers" WHERE ip_address = .* AND endpoint = `).
		WillReturnRows(sqlmock.NewRows(trackerColumns()).
			AddRow(3, "7.7.7.7", "login", 4, now.Add(-10*time.Second), now))
	// Concurrent writers filled the window between read and update.
	mock.ExpectExec(`UPDATE "rate_limit_trackers" SET .*request_count \+ 1.* WHERE id = .* AND request_count < `).
		WillReturnResult(sqlmock.NewResult(0, 0))

	dec, err := store.Hit("7.7.7.7", "login", 5, time.Minute)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, 5, dec.Count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerHitBadLimitsFailClosed(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewTrackerStore(gdb)

	dec, err := store.Hit("7.7.7.7", "login", 0, time.Minute)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	// Misconfiguration never reaches the database.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockUpsertIncrementsOnConflict(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewBlockStore(gdb)

	now := time.Now()
	until := now.Add(24 * time.Hour)

	mock.ExpectQuery(`INSERT INTO "ip_blocks" .* ON CONFLICT \("ip_address"\) DO UPDATE SET .*ip_blocks\.attempt_count \+ 1.* RETURNING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectQuery(`SELECT .* FROM "ip_blocks" WHERE ip_address = `).
		WillReturnRows(sqlmock.NewRows(blockColumns()).
			AddRow(9, "8.8.8.8", "auto", "Brute force login attempts (5 attempts)", now, until, false, nil, 2, now))

	block, err := store.Upsert(security.BlockParams{
		IPAddress: "8.8.8.8",
		Reason:    security.ReasonAuto,
		Details:   "Brute force login attempts (5 attempts)",
		Until:     &until,
	})
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", block.IPAddress)
	require.Equal(t, 2, block.AttemptCount)
	require.Equal(t, security.ReasonAuto, block.Reason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockGetAbsentIsNotAnError(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewBlockStore(gdb)

	mock.ExpectQuery(`SELECT .* FROM "ip_blocks" WHERE ip_address = `).
		WillReturnRows(sqlmock.NewRows(blockColumns()))

	block, err := store.Get("9.9.9.9")
	require.NoError(t, err)
	require.Nil(t, block)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockDeleteReportsExistence(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewBlockStore(gdb)

	mock.ExpectExec(`DELETE FROM "ip_blocks" WHERE ip_address = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	found, err := store.Delete("8.8.8.8")
	require.NoError(t, err)
	require.True(t, found)

	mock.ExpectExec(`DELETE FROM "ip_blocks" WHERE ip_address = `).
		WillReturnResult(sqlmock.NewResult(0, 0))
	found, err = store.Delete("8.8.8.8")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventAppendAssignsID(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewEventStore(gdb)

	mock.ExpectQuery(`INSERT INTO "security_events" .* RETURNING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	ev := &security.Event{
		Kind:      security.EventLoginFail,
		Severity:  security.SeverityMedium,
		IPAddress: "8.8.8.8",
		Endpoint:  "/api/auth/token/login/",
		Method:    "POST",
		Details:   map[string]any{"message": "bad password"},
	}
	require.NoError(t, store.Append(ev))
	require.Equal(t, uint(42), ev.ID)
	require.False(t, ev.Timestamp.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventCountSince(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := NewEventStore(gdb)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "security_events" WHERE event_type = .* AND ip_address = .* AND timestamp >= `).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := store.CountSince(security.EventLoginFail, "8.8.8.8", time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	require.NoError(t, mock.ExpectationsWereMet())
}
