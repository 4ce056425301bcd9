// Package command implements the Command Executor and its durable queue
// (spec §4.3): idempotent, at-most-once-execution work items dispatched to
// the State Manager and Bus Controller, with retry/backoff and status
// polling.
package command

import (
	"encoding/json"
	"math/rand"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/lockerkiosk/core/internal/events"
	"github.com/lockerkiosk/core/internal/kioskerr"
	"github.com/lockerkiosk/core/internal/storekv"
)

// Type is a command_type tag (spec §3.2), extended per SPEC_FULL §12 with
// StaffPeek.
type Type string

const (
	TypeOpenLocker    Type = "open_locker"
	TypeBulkOpen      Type = "bulk_open"
	TypeBlockLocker   Type = "block_locker"
	TypeUnblockLocker Type = "unblock_locker"
	TypeStaffPeek     Type = "staff_peek"
)

// Status is a command_status (spec §3.2).
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Payload carries every field any command type might need; unused fields
// are left zero. Mirrors the "command-specific structured blob" of spec
// §3.2 without a separate type per variant, matching the teacher's
// preference for flat request structs (see clientCoils.go's *Request types).
type Payload struct {
	LockerID    int    `json:"locker_id,omitempty"`
	LockerIDs   []int  `json:"locker_ids,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Reason      string `json:"reason,omitempty"`
	StaffOverride bool `json:"staff_override,omitempty"`
}

// BulkOutcome is one entry of a completed bulk_open's per-locker outcome
// payload (spec §9 Open Question, resolved in SPEC_FULL §12: bulk_open
// always completes, success/failure recorded per item).
type BulkOutcome struct {
	LockerID int    `json:"locker_id"`
	Skipped  bool   `json:"skipped,omitempty"`
	Ok       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Command is one commands row (spec §3.2).
type Command struct {
	CommandID    string        `json:"command_id"`
	KioskID      string        `json:"kiosk_id"`
	CommandType  Type          `json:"command_type"`
	Payload      Payload       `json:"payload"`
	Status       Status        `json:"status"`
	RetryCount   int           `json:"retry_count"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExecutedAt   time.Time     `json:"executed_at,omitempty"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
	Outcomes     []BulkOutcome `json:"outcomes,omitempty"`
}

// Queue is the durable command queue backing the Command Executor.
type Queue struct {
	db   *storekv.DB
	sink events.Sink
}

type Option func(*Queue)

func WithEventSink(sink events.Sink) Option {
	return func(q *Queue) { q.sink = sink }
}

func NewQueue(db *storekv.DB, opts ...Option) *Queue {
	q := &Queue{db: db, sink: events.NopSink{}}
	for _, o := range opts {
		o(q)
	}
	return q
}

func commandKey(id string) []byte {
	return []byte("command/" + id)
}

// NewCommandID generates a globally-unique opaque command id.
func NewCommandID() string {
	return uuid.NewString()
}

// Enqueue inserts a new command, or returns the existing one unchanged if
// commandID was already enqueued (spec §3.2 C1: idempotency).
func (q *Queue) Enqueue(kioskID string, commandID string, cmdType Type, payload Payload) (Command, error) {
	var result Command
	err := q.db.Update(func(txn *badger.Txn) error {
		if existing, err := getCommand(txn, commandID); err == nil {
			result = existing
			return nil
		} else if err != storekv.ErrKeyNotFound {
			return err
		}
		// UTC without a monotonic reading: the same value a later Get or
		// duplicate Enqueue decodes from storage.
		now := time.Now().UTC().Round(0)
		result = Command{
			CommandID:     commandID,
			KioskID:       kioskID,
			CommandType:   cmdType,
			Payload:       payload,
			Status:        StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		return putCommand(txn, result)
	})
	return result, err
}

func putCommand(txn *badger.Txn, c Command) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return txn.Set(commandKey(c.CommandID), raw)
}

func getCommand(txn *badger.Txn, id string) (Command, error) {
	item, err := txn.Get(commandKey(id))
	if err != nil {
		return Command{}, err
	}
	var c Command
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	})
	return c, err
}

// Get returns a command's current status/timestamps/retry state — the
// status-poll primitive (spec §4.3).
func (q *Queue) Get(commandID string) (Command, error) {
	var c Command
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCommand(txn, commandID)
		if err == storekv.ErrKeyNotFound {
			return kioskerr.New(kioskerr.NotFound, "command %q not found", commandID)
		}
		return err
	})
	return c, err
}

// ClaimNext atomically selects one pending command for kioskID whose
// next_attempt_at has arrived, transitions it to executing, and stamps
// executed_at (spec §4.3). Returns (Command{}, false, nil) if none is ready.
// Race-safety comes from running inside a single badger read-write
// transaction per claim attempt: a concurrent claim either commits first (and
// this one's Get no longer sees status=pending) or conflicts and is retried
// by storekv.DB.Update.
func (q *Queue) ClaimNext(kioskID string, now time.Time) (Command, bool, error) {
	var claimed Command
	var ok bool
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("command/")
		it := txn.NewIterator(opts)
		defer it.Close()

		var candidates []Command
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c Command
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			if c.KioskID == kioskID && c.Status == StatusPending && !c.NextAttemptAt.After(now) {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
		c := candidates[0]
		c.Status = StatusExecuting
		c.ExecutedAt = now
		if err := putCommand(txn, c); err != nil {
			return err
		}
		claimed, ok = c, true
		return nil
	})
	return claimed, ok, err
}

// Complete makes a terminal transition (spec §3.2 C3: terminal states never
// transition out, so this refuses to touch an already-terminal command).
func (q *Queue) Complete(commandID string, status Status, lastError string, outcomes []BulkOutcome) error {
	return q.db.Update(func(txn *badger.Txn) error {
		c, err := getCommand(txn, commandID)
		if err != nil {
			return err
		}
		if isTerminal(c.Status) {
			return nil
		}
		c.Status = status
		c.LastError = lastError
		c.Outcomes = outcomes
		c.CompletedAt = time.Now()
		return putCommand(txn, c)
	})
}

// Reschedule bumps retry_count and computes the next attempt time with
// exponential backoff, or finalizes as failed once the retry ceiling is hit
// (spec §3.2 C4, §4.3).
func (q *Queue) Reschedule(commandID string, cause error, maxRetries int) error {
	return q.db.Update(func(txn *badger.Txn) error {
		c, err := getCommand(txn, commandID)
		if err != nil {
			return err
		}
		if isTerminal(c.Status) {
			return nil
		}
		c.RetryCount++
		c.LastError = cause.Error()
		if c.RetryCount > maxRetries {
			c.Status = StatusFailed
			c.CompletedAt = time.Now()
			if err := putCommand(txn, c); err != nil {
				return err
			}
			q.emit(c.KioskID, c.Payload.LockerID, events.TypeCommandExhausted, c.Payload.Actor, map[string]any{
				"command_id": c.CommandID,
				"last_error": c.LastError,
			})
			return nil
		}
		c.Status = StatusPending
		c.NextAttemptAt = time.Now().Add(retryDelay(c.RetryCount))
		return putCommand(txn, c)
	})
}

// Cancel marks a non-terminal command cancelled; used by staff tooling to
// pull a queued command before an executor claims it.
func (q *Queue) Cancel(commandID string) error {
	var cancelled Command
	err := q.db.Update(func(txn *badger.Txn) error {
		c, err := getCommand(txn, commandID)
		if err != nil {
			return err
		}
		if isTerminal(c.Status) {
			return nil
		}
		c.Status = StatusCancelled
		c.CompletedAt = time.Now()
		if err := putCommand(txn, c); err != nil {
			return err
		}
		cancelled = c
		return nil
	})
	if err == nil && cancelled.CommandID != "" {
		q.emit(cancelled.KioskID, cancelled.Payload.LockerID, events.TypeCommandCancelled, cancelled.Payload.Actor, map[string]any{
			"command_id": cancelled.CommandID,
		})
	}
	return err
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// retryDelay implements the same backoff shape as the Bus Controller (spec
// §4.3: "same shape as the bus controller"): min(base*2^n, cap) + jitter,
// jitter in [0, 0.1*delay]. With randomization off, cenkalti/backoff's
// ExponentialBackOff yields min(base*2^k, cap) on its (k+1)-th
// NextBackOff(), so we drive it n+1 times and add the jitter ourselves.
func retryDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.MaxInterval
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

func (q *Queue) emit(kioskID string, lockerID int, t events.Type, actor string, details map[string]any) {
	q.sink.Emit(events.Event{
		Timestamp: time.Now(),
		KioskID:   kioskID,
		LockerID:  lockerID,
		Type:      t,
		Actor:     actor,
		Details:   details,
	})
}
