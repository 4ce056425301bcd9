// Package locker implements the State Manager (spec §4.2): the sole owner of
// the locker table, enforcing the Free/Reserved/Owned/Opening/Blocked
// lifecycle, optimistic concurrency via a version token, and the "one card,
// one locker" invariant (I1). It never touches the serial bus.
package locker

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/lockerkiosk/core/internal/events"
	"github.com/lockerkiosk/core/internal/kioskerr"
	"github.com/lockerkiosk/core/internal/storekv"
)

// Status is one state in the locker lifecycle (spec §3.1).
type Status string

const (
	StatusFree     Status = "free"
	StatusReserved Status = "reserved"
	StatusOwned    Status = "owned"
	StatusOpening  Status = "opening"
	StatusBlocked  Status = "blocked"
)

// OwnerType identifies which kind of actor holds a reservation/ownership.
type OwnerType string

const (
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
)

// Locker is one row of the lockers table (spec §3.1).
type Locker struct {
	KioskID    string    `json:"kiosk_id"`
	ID         int       `json:"id"`
	Status     Status    `json:"status"`
	OwnerType  OwnerType `json:"owner_type,omitempty"`
	OwnerKey   string    `json:"owner_key,omitempty"`
	ReservedAt time.Time `json:"reserved_at,omitempty"`
	OwnedAt    time.Time `json:"owned_at,omitempty"`
	Version    int64     `json:"version"`
	IsVIP      bool      `json:"is_vip"`
	BlockedReason string `json:"blocked_reason,omitempty"`

	// PrevStatus remembers what to return to once an Opening pseudo-state
	// (spec §4.2 transition table) completes; it must round-trip through
	// storage since BeginOpening and EndOpening are separate transactions.
	PrevStatus Status `json:"prev_status,omitempty"`
}

// Store is the State Manager. Grounded on dittofs's badger-backed metadata
// store: one key per row, optimistic updates expressed as read-modify-write
// inside a single badger transaction.
type Store struct {
	db   *storekv.DB
	sink events.Sink
}

// Option configures a Store at construction.
type Option func(*Store)

func WithEventSink(sink events.Sink) Option {
	return func(s *Store) { s.sink = sink }
}

func NewStore(db *storekv.DB, opts ...Option) *Store {
	s := &Store{db: db, sink: events.NopSink{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func lockerKey(kioskID string, id int) []byte {
	return []byte(fmt.Sprintf("locker/%s/%08d", kioskID, id))
}

// Provision creates the row for a physical slot at kiosk setup time (spec
// §3.1 "created once per physical slot at kiosk provisioning"). Calling it
// twice for the same id is a no-op that preserves the existing row.
func (s *Store) Provision(kioskID string, id int, isVIP bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(lockerKey(kioskID, id))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		l := Locker{KioskID: kioskID, ID: id, Status: StatusFree, Version: 1, IsVIP: isVIP}
		return putLocker(txn, l)
	})
}

func putLocker(txn *badger.Txn, l Locker) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return txn.Set(lockerKey(l.KioskID, l.ID), raw)
}

func getLocker(txn *badger.Txn, kioskID string, id int) (Locker, error) {
	item, err := txn.Get(lockerKey(kioskID, id))
	if err == storekv.ErrKeyNotFound {
		return Locker{}, kioskerr.WithLocker(kioskerr.NotFound, kioskID, id, "locker not found")
	}
	if err != nil {
		return Locker{}, err
	}
	var l Locker
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &l)
	})
	return l, err
}

// Get returns the current row, or NotFound.
func (s *Store) Get(kioskID string, id int) (Locker, error) {
	var l Locker
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		l, err = getLocker(txn, kioskID, id)
		return err
	})
	return l, err
}

// ListAvailable returns Free, non-VIP locker ids ordered ascending (spec
// §4.2).
func (s *Store) ListAvailable(kioskID string) ([]int, error) {
	var ids []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("locker/%s/", kioskID))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var l Locker
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &l)
			}); err != nil {
				return err
			}
			if l.Status == StatusFree && !l.IsVIP {
				ids = append(ids, l.ID)
			}
		}
		return nil
	})
	sort.Ints(ids)
	return ids, err
}

// FindByOwner returns the Reserved-or-Owned locker currently held by
// (owner_type, owner_key), if any — used to enforce I1 and to let callers
// redirect a card that already holds a locker (spec §4.2, scenario 3).
func (s *Store) FindByOwner(kioskID string, ownerType OwnerType, ownerKey string) (Locker, bool, error) {
	var found Locker
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("locker/%s/", kioskID))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var l Locker
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &l)
			}); err != nil {
				return err
			}
			if l.OwnerType == ownerType && l.OwnerKey == ownerKey &&
				(l.Status == StatusReserved || l.Status == StatusOwned) {
				found, ok = l, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// Reserve transitions Free → Reserved conditioned on expectedVersion (spec
// §4.2, scenario 4): the caller must have read the locker's current
// version first, so two racing reservations of the same slot can never
// both win — the loser's txn sees the winner's version bump and returns
// VersionConflict rather than a bare NotFree.
func (s *Store) Reserve(kioskID string, id int, expectedVersion int64, ownerType OwnerType, ownerKey string) (int64, error) {
	var newVersion int64
	err := s.db.Update(func(txn *badger.Txn) error {
		l, err := getLocker(txn, kioskID, id)
		if err != nil {
			return err
		}
		if l.Version != expectedVersion {
			return kioskerr.WithLocker(kioskerr.VersionConflict, kioskID, id, "version is %d, expected %d", l.Version, expectedVersion)
		}
		if l.Status != StatusFree {
			return kioskerr.WithLocker(kioskerr.NotFree, kioskID, id, "locker is %s, not free", l.Status)
		}
		if l.IsVIP {
			return kioskerr.WithLocker(kioskerr.NotFree, kioskID, id, "locker is VIP-reserved")
		}
		if ownerType == OwnerRFID {
			if other, ok, ferr := findByOwnerTxn(txn, kioskID, ownerType, ownerKey); ferr != nil {
				return ferr
			} else if ok && other.ID != id {
				return kioskerr.WithLocker(kioskerr.OwnerAlreadyHoldsLocker, kioskID, id, "owner already holds locker %d", other.ID)
			}
		}
		l.Status = StatusReserved
		l.OwnerType = ownerType
		l.OwnerKey = ownerKey
		l.ReservedAt = time.Now()
		l.OwnedAt = time.Time{}
		l.Version++
		newVersion = l.Version
		return putLocker(txn, l)
	})
	if err != nil {
		return 0, err
	}
	s.emit(kioskID, id, events.TypeReserve, ownerKey, nil)
	return newVersion, nil
}

func findByOwnerTxn(txn *badger.Txn, kioskID string, ownerType OwnerType, ownerKey string) (Locker, bool, error) {
	opts := badger.DefaultIteratorOptions
	prefix := []byte(fmt.Sprintf("locker/%s/", kioskID))
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var l Locker
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &l)
		}); err != nil {
			return Locker{}, false, err
		}
		if l.OwnerType == ownerType && l.OwnerKey == ownerKey &&
			(l.Status == StatusReserved || l.Status == StatusOwned) {
			return l, true, nil
		}
	}
	return Locker{}, false, nil
}

// ConfirmOwnership transitions Reserved → Owned conditioned on
// expectedVersion (spec §4.2).
func (s *Store) ConfirmOwnership(kioskID string, id int, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := s.db.Update(func(txn *badger.Txn) error {
		l, err := getLocker(txn, kioskID, id)
		if err != nil {
			return err
		}
		if l.Version != expectedVersion {
			return kioskerr.WithLocker(kioskerr.VersionConflict, kioskID, id, "version is %d, expected %d", l.Version, expectedVersion)
		}
		if l.Status != StatusReserved {
			return kioskerr.WithLocker(kioskerr.NotOwned, kioskID, id, "locker is %s, not reserved", l.Status)
		}
		l.Status = StatusOwned
		l.OwnedAt = time.Now()
		l.Version++
		newVersion = l.Version
		return putLocker(txn, l)
	})
	if err != nil {
		return 0, err
	}
	s.emit(kioskID, id, events.TypeAssign, "", nil)
	return newVersion, nil
}

// Release transitions Owned → Free conditioned on expectedVersion (spec
// §4.2).
func (s *Store) Release(kioskID string, id int, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := s.db.Update(func(txn *badger.Txn) error {
		l, err := getLocker(txn, kioskID, id)
		if err != nil {
			return err
		}
		if l.Version != expectedVersion {
			return kioskerr.WithLocker(kioskerr.VersionConflict, kioskID, id, "version is %d, expected %d", l.Version, expectedVersion)
		}
		if l.Status != StatusOwned {
			return kioskerr.WithLocker(kioskerr.NotOwned, kioskID, id, "locker is %s, not owned", l.Status)
		}
		l.Status = StatusFree
		l.OwnerType = ""
		l.OwnerKey = ""
		l.ReservedAt = time.Time{}
		l.OwnedAt = time.Time{}
		l.Version++
		newVersion = l.Version
		return putLocker(txn, l)
	})
	if err != nil {
		return 0, err
	}
	s.emit(kioskID, id, events.TypeRelease, "", nil)
	return newVersion, nil
}

// BeginOpening records the short-lived Opening pseudo-state and remembers
// the status to return to, per spec §4.2's transition table ("Opening is a
// short-lived pseudo-state the Command Executor sets while the bus
// sequence is in flight").
func (s *Store) BeginOpening(kioskID string, id int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		l, err := getLocker(txn, kioskID, id)
		if err != nil {
			return err
		}
		if l.Status == StatusBlocked {
			return kioskerr.WithLocker(kioskerr.Blocked, kioskID, id, "locker is blocked")
		}
		l.PrevStatus = l.Status
		l.Status = StatusOpening
		l.Version++
		return putLocker(txn, l)
	})
}

// EndOpening returns the locker from Opening to the status recorded by
// BeginOpening.
func (s *Store) EndOpening(kioskID string, id int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		l, err := getLocker(txn, kioskID, id)
		if err != nil {
			return err
		}
		if l.Status != StatusOpening {
			return nil
		}
		l.Status = l.PrevStatus
		l.PrevStatus = ""
		l.Version++
		return putLocker(txn, l)
	})
}

// Block transitions any non-Blocked status to Blocked (staff-only, spec
// §4.2).
func (s *Store) Block(kioskID string, id int, reason string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		l, err := getLocker(txn, kioskID, id)
		if err != nil {
			return err
		}
		l.Status = StatusBlocked
		l.BlockedReason = reason
		l.Version++
		return putLocker(txn, l)
	})
	if err != nil {
		return err
	}
	s.emit(kioskID, id, events.TypeBlock, "", map[string]any{"reason": reason})
	return nil
}

// Unblock transitions Blocked → Free (staff-only, spec §4.2).
func (s *Store) Unblock(kioskID string, id int) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		l, err := getLocker(txn, kioskID, id)
		if err != nil {
			return err
		}
		if l.Status != StatusBlocked {
			return kioskerr.WithLocker(kioskerr.NotOwned, kioskID, id, "locker is %s, not blocked", l.Status)
		}
		l.Status = StatusFree
		l.BlockedReason = ""
		l.Version++
		return putLocker(txn, l)
	})
	if err != nil {
		return err
	}
	s.emit(kioskID, id, events.TypeUnblock, "", nil)
	return nil
}

// ExpireStaleReservations returns every Reserved locker whose reservation
// has outlived ttl to Free (spec §4.2 janitor path). Returns the count
// affected.
func (s *Store) ExpireStaleReservations(kioskID string, now time.Time, ttl time.Duration) (int, error) {
	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("locker/%s/", kioskID))
		it := txn.NewIterator(opts)
		var stale []Locker
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var l Locker
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &l)
			}); err != nil {
				it.Close()
				return err
			}
			if l.Status == StatusReserved && now.Sub(l.ReservedAt) > ttl {
				stale = append(stale, l)
			}
		}
		it.Close()

		for _, l := range stale {
			l.Status = StatusFree
			l.OwnerType = ""
			l.OwnerKey = ""
			l.ReservedAt = time.Time{}
			l.Version++
			if err := putLocker(txn, l); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := 0; i < count; i++ {
		s.emit(kioskID, 0, events.TypeReservationExpired, "", nil)
	}
	return count, nil
}

func (s *Store) emit(kioskID string, lockerID int, t events.Type, actor string, details map[string]any) {
	s.sink.Emit(events.Event{
		Timestamp: time.Now(),
		KioskID:   kioskID,
		LockerID:  lockerID,
		Type:      t,
		Actor:     actor,
		Details:   details,
	})
}
