package locker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerkiosk/core/internal/events"
	"github.com/lockerkiosk/core/internal/kioskerr"
	"github.com/lockerkiosk/core/internal/storekv"
)

func newTestStore(t *testing.T) (*Store, *events.Recorder) {
	t.Helper()
	db, err := storekv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := &events.Recorder{}
	return NewStore(db, WithEventSink(rec)), rec
}

func provisionRange(t *testing.T, s *Store, kiosk string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, s.Provision(kiosk, i, false))
	}
}

func TestReserveConfirmRelease(t *testing.T) {
	s, rec := newTestStore(t)
	provisionRange(t, s, "K1", 3)

	v1, err := s.Reserve("K1", 1, 1, OwnerRFID, "card-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v1)

	l, err := s.Get("K1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, l.Status)
	assert.False(t, l.ReservedAt.IsZero())

	v2, err := s.ConfirmOwnership("K1", 1, v1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v2)

	l, _ = s.Get("K1", 1)
	assert.Equal(t, StatusOwned, l.Status)

	v3, err := s.Release("K1", 1, v2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v3)

	l, _ = s.Get("K1", 1)
	assert.Equal(t, StatusFree, l.Status)
	assert.Empty(t, l.OwnerKey)

	// Release applies only to Owned lockers: locker 2 is reserved but never
	// confirmed, so releasing it is rejected.
	v4, err := s.Reserve("K1", 2, 1, OwnerRFID, "card-b")
	require.NoError(t, err)
	l, _ = s.Get("K1", 2)
	v5, err := s.Release("K1", 2, l.Version)
	require.Error(t, err) // locker 2 is Reserved, not Owned: release requires Owned
	_ = v4
	_ = v5

	var types []events.Type
	for _, e := range rec.Events() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.TypeReserve)
	assert.Contains(t, types, events.TypeAssign)
	assert.Contains(t, types, events.TypeRelease)
}

func TestOneCardOneLockerInvariant(t *testing.T) {
	s, _ := newTestStore(t)
	provisionRange(t, s, "K1", 3)

	_, err := s.Reserve("K1", 1, 1, OwnerRFID, "card-a")
	require.NoError(t, err)

	_, err = s.Reserve("K1", 2, 1, OwnerRFID, "card-a")
	require.Error(t, err)
	var kerr *kioskerr.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kioskerr.OwnerAlreadyHoldsLocker, kerr.Code)

	found, ok, err := s.FindByOwner("K1", OwnerRFID, "card-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, found.ID)
}

func TestReserveRejectsVIPAndNonFree(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Provision("K1", 1, true))
	_, err := s.Reserve("K1", 1, 1, OwnerRFID, "card-a")
	require.Error(t, err)

	require.NoError(t, s.Provision("K1", 2, false))
	v, err := s.Reserve("K1", 2, 1, OwnerRFID, "card-b")
	require.NoError(t, err)
	_, err = s.Reserve("K1", 2, v, OwnerRFID, "card-c")
	require.Error(t, err)
}

func TestVersionConflict(t *testing.T) {
	s, _ := newTestStore(t)
	provisionRange(t, s, "K1", 1)
	v, err := s.Reserve("K1", 1, 1, OwnerRFID, "card-a")
	require.NoError(t, err)

	_, err = s.ConfirmOwnership("K1", 1, v-1)
	require.Error(t, err)
	var kerr *kioskerr.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kioskerr.VersionConflict, kerr.Code)
}

// TestReserveVersionConflict mirrors spec §8 scenario 4: two callers both
// read locker 2 at version=1 and both call reserve(..., expected_version=1).
// The first wins; the second must observe VersionConflict, not a bare
// NotFree, and a refetch-and-retry against the new version then fails with
// NotFree because the locker is already Reserved.
func TestReserveVersionConflict(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Provision("K1", 2, false))
	l, err := s.Get("K1", 2)
	require.NoError(t, err)
	staleVersion := l.Version

	_, err = s.Reserve("K1", 2, staleVersion, OwnerRFID, "card-first")
	require.NoError(t, err)

	_, err = s.Reserve("K1", 2, staleVersion, OwnerRFID, "card-second")
	require.Error(t, err)
	var kerr *kioskerr.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kioskerr.VersionConflict, kerr.Code)

	l, err = s.Get("K1", 2)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, l.Status)
	_, err = s.Reserve("K1", 2, l.Version, OwnerRFID, "card-second")
	require.Error(t, err)
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kioskerr.NotFree, kerr.Code)
}

func TestListAvailableExcludesVIPAndNonFree(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Provision("K1", 1, false))
	require.NoError(t, s.Provision("K1", 2, true))
	require.NoError(t, s.Provision("K1", 3, false))
	_, err := s.Reserve("K1", 3, 1, OwnerRFID, "card-a")
	require.NoError(t, err)

	ids, err := s.ListAvailable("K1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)
}

func TestExpireStaleReservations(t *testing.T) {
	s, rec := newTestStore(t)
	require.NoError(t, s.Provision("K1", 1, false))
	_, err := s.Reserve("K1", 1, 1, OwnerRFID, "card-a")
	require.NoError(t, err)

	ttl := 90 * time.Second
	// Still within TTL: no change.
	n, err := s.ExpireStaleReservations("K1", time.Now().Add(ttl-time.Second), ttl)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	l, _ := s.Get("K1", 1)
	assert.Equal(t, StatusReserved, l.Status)

	// Past TTL: expires back to Free.
	n, err = s.ExpireStaleReservations("K1", time.Now().Add(ttl+time.Second), ttl)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	l, _ = s.Get("K1", 1)
	assert.Equal(t, StatusFree, l.Status)

	var sawExpired bool
	for _, e := range rec.Events() {
		if e.Type == events.TypeReservationExpired {
			sawExpired = true
		}
	}
	assert.True(t, sawExpired)
}

func TestBeginEndOpeningRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Provision("K1", 1, false))
	_, err := s.Reserve("K1", 1, 1, OwnerRFID, "card-a")
	require.NoError(t, err)
	l, _ := s.Get("K1", 1)
	_, err = s.ConfirmOwnership("K1", 1, l.Version)
	require.NoError(t, err)

	require.NoError(t, s.BeginOpening("K1", 1))
	l, _ = s.Get("K1", 1)
	assert.Equal(t, StatusOpening, l.Status)
	assert.Equal(t, StatusOwned, l.PrevStatus)

	require.NoError(t, s.EndOpening("K1", 1))
	l, _ = s.Get("K1", 1)
	assert.Equal(t, StatusOwned, l.Status)
}

func TestBlockUnblock(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Provision("K1", 1, false))

	require.NoError(t, s.Block("K1", 1, "maintenance"))
	l, _ := s.Get("K1", 1)
	assert.Equal(t, StatusBlocked, l.Status)
	assert.Equal(t, "maintenance", l.BlockedReason)

	_, err := s.Reserve("K1", 1, l.Version, OwnerRFID, "card-a")
	require.Error(t, err)

	require.NoError(t, s.Unblock("K1", 1))
	l, _ = s.Get("K1", 1)
	assert.Equal(t, StatusFree, l.Status)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get("K1", 99)
	require.Error(t, err)
	var kerr *kioskerr.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kioskerr.NotFound, kerr.Code)
}
