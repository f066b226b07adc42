package security

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.Now = clock.Now
	return store, clock
}

func TestHitCountsWithinWindow(t *testing.T) {
	store, _ := testStore()

	for i := 1; i <= 3; i++ {
		dec, err := store.Hit("1.1.1.1", "login", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
		require.Equal(t, i, dec.Count)
	}

	dec, err := store.Hit("1.1.1.1", "login", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, 3, dec.Count)
	require.Greater(t, dec.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, dec.RetryAfter, time.Minute)
}

func TestHitStartsFreshWindowAfterExpiry(t *testing.T) {
	store, clock := testStore()

	for i := 0; i < 3; i++ {
		_, err := store.Hit("1.1.1.2", "login", 3, time.Minute)
		require.NoError(t, err)
	}
	clock.Advance(61 * time.Second)

	dec, err := store.Hit("1.1.1.2", "login", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Count)
}

func TestHitKeysAreIndependent(t *testing.T) {
	store, _ := testStore()

	dec, err := store.Hit("1.1.1.3", "login", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = store.Hit("1.1.1.3", "register", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = store.Hit("1.1.1.4", "login", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestHitBadLimitsFailClosed(t *testing.T) {
	store, _ := testStore()

	dec, err := store.Hit("1.1.1.5", "login", 0, time.Minute)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	dec, err = store.Hit("1.1.1.5", "login", 5, 0)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
}

func TestConcurrentFirstHits(t *testing.T) {
	store, _ := testStore()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := store.Hit("1.1.1.6", "login", 100, time.Minute)
			require.NoError(t, err)
			require.True(t, dec.Allowed)
		}()
	}
	wg.Wait()

	// Exactly one window with both requests counted, never a lost
	// update or a duplicate row.
	dec, err := store.Hit("1.1.1.6", "login", 100, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 3, dec.Count)
}

func TestUpsertIncrementsAttemptCount(t *testing.T) {
	store, clock := testStore()
	until := clock.Now().Add(time.Hour)

	b1, err := store.Upsert(BlockParams{IPAddress: "2.2.2.2", Reason: ReasonAuto, Until: &until})
	require.NoError(t, err)
	require.Equal(t, 1, b1.AttemptCount)
	require.True(t, b1.Active(clock.Now()))

	b2, err := store.Upsert(BlockParams{IPAddress: "2.2.2.2", Reason: ReasonDDoS, Until: &until})
	require.NoError(t, err)
	require.Equal(t, b1.ID, b2.ID)
	require.Equal(t, 2, b2.AttemptCount)
	require.Equal(t, ReasonDDoS, b2.Reason)
	require.True(t, b2.Active(clock.Now()))
}

func TestListBlocksActiveOnly(t *testing.T) {
	store, clock := testStore()
	lapsed := clock.Now().Add(-time.Hour)
	live := clock.Now().Add(time.Hour)

	_, err := store.Upsert(BlockParams{IPAddress: "3.3.3.1", Reason: ReasonAuto, Until: &lapsed})
	require.NoError(t, err)
	_, err = store.Upsert(BlockParams{IPAddress: "3.3.3.2", Reason: ReasonAuto, Until: &live})
	require.NoError(t, err)
	_, err = store.Upsert(BlockParams{IPAddress: "3.3.3.3", Reason: ReasonManual, IsPermanent: true})
	require.NoError(t, err)

	all, err := store.ListBlocks(false, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	active, err := store.ListBlocks(true, 0, 0)
	require.NoError(t, err)
	require.Len(t, active, 2)

	n, err := store.CountActive(clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestTopOffendersOrder(t *testing.T) {
	store, _ := testStore()

	for i, ip := range []string{"4.4.4.1", "4.4.4.2", "4.4.4.3"} {
		for j := 0; j <= i; j++ {
			_, err := store.Upsert(BlockParams{IPAddress: ip, Reason: ReasonAuto, IsPermanent: true})
			require.NoError(t, err)
		}
	}

	top, err := store.TopOffenders(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "4.4.4.3", top[0].IPAddress)
	require.Equal(t, 3, top[0].AttemptCount)
	require.Equal(t, "4.4.4.2", top[1].IPAddress)
}

func TestListEventsFilters(t *testing.T) {
	store, clock := testStore()

	seed := []Event{
		{Kind: EventLoginFail, Severity: SeverityMedium, IPAddress: "5.5.5.1"},
		{Kind: EventLoginFail, Severity: SeverityMedium, IPAddress: "5.5.5.2"},
		{Kind: EventBruteForce, Severity: SeverityCritical, IPAddress: "5.5.5.1"},
		{Kind: EventRateLimit, Severity: SeverityLow, IPAddress: "5.5.5.1"},
	}
	for i := range seed {
		require.NoError(t, store.Append(&seed[i]))
		clock.Advance(time.Second)
	}

	byIP, err := store.List(EventFilter{IPAddress: "5.5.5.1"})
	require.NoError(t, err)
	require.Len(t, byIP, 3)
	// Newest first.
	require.Equal(t, EventRateLimit, byIP[0].Kind)

	byKind, err := store.List(EventFilter{Kind: EventLoginFail})
	require.NoError(t, err)
	require.Len(t, byKind, 2)

	byKinds, err := store.List(EventFilter{Kinds: []EventKind{EventBruteForce, EventRateLimit}})
	require.NoError(t, err)
	require.Len(t, byKinds, 2)

	limited, err := store.List(EventFilter{IPAddress: "5.5.5.1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, EventBruteForce, limited[0].Kind)
}

func TestCountSinceHonorsCutoff(t *testing.T) {
	store, clock := testStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(&Event{Kind: EventLoginFail, IPAddress: "5.5.5.3"}))
		clock.Advance(10 * time.Minute)
	}

	n, err := store.CountSince(EventLoginFail, "5.5.5.3", clock.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestDashboardAggregates(t *testing.T) {
	store, clock := testStore()

	yesterday := clock.Now().Add(-30 * time.Hour)
	require.NoError(t, store.Append(&Event{Kind: EventLoginFail, Severity: SeverityMedium, IPAddress: "6.6.6.1", Timestamp: yesterday}))

	require.NoError(t, store.Append(&Event{Kind: EventLoginFail, Severity: SeverityMedium, IPAddress: "6.6.6.1"}))
	require.NoError(t, store.Append(&Event{Kind: EventBruteForce, Severity: SeverityCritical, IPAddress: "6.6.6.1"}))
	require.NoError(t, store.Append(&Event{Kind: EventRateLimit, Severity: SeverityLow, IPAddress: "6.6.6.2"}))

	stats, err := store.Dashboard(clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalEventsToday)
	require.Equal(t, int64(1), stats.FailedLoginsToday)
	require.Equal(t, int64(1), stats.CriticalEventsToday)
	require.Equal(t, int64(1), stats.EventBreakdown[EventBruteForce])
	require.Len(t, stats.RecentAttacks, 1)
	require.Equal(t, EventBruteForce, stats.RecentAttacks[0].Kind)
}
