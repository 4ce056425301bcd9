package command

import (
	"context"
	"time"

	"github.com/lockerkiosk/core/internal/events"
	"github.com/lockerkiosk/core/internal/kioskerr"
	"github.com/lockerkiosk/core/internal/locker"
)

// ChannelOpener is the slice of the Bus Controller the executor drives:
// just enough to open a logical locker's latch. A narrow interface lets
// tests substitute a fake instead of opening a real serial port.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, lockerID int) error
}

// Executor is the single-threaded cooperative loop described in spec §4.3:
// claim, dispatch, record outcome, repeat.
type Executor struct {
	KioskID      string
	Queue        *Queue
	Lockers      *locker.Store
	Bus          ChannelOpener
	MaxRetries   int           // default 3, spec §3.2 C4
	BulkInterval time.Duration // BULK_INTERVAL_MS, default 300ms
	PollInterval time.Duration // default 100ms, spec §4.3 step 1
	Sink         events.Sink
}

// NewExecutor returns an Executor with the spec's default PollInterval,
// BulkInterval and MaxRetries; callers may overwrite those fields afterwards.
func NewExecutor(kioskID string, q *Queue, lockers *locker.Store, busCtrl ChannelOpener) *Executor {
	return &Executor{
		KioskID:      kioskID,
		Queue:        q,
		Lockers:      lockers,
		Bus:          busCtrl,
		MaxRetries:   3,
		BulkInterval: 300 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		Sink:         events.NopSink{},
	}
}

// Run blocks, executing the claim/dispatch loop until ctx is cancelled (spec
// §5 "shutdown: setting a stop flag causes the executor loop to finish the
// current command and exit").
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cmd, ok, err := e.Queue.ClaimNext(e.KioskID, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.PollInterval):
			}
			continue
		}
		e.dispatch(ctx, cmd)
	}
}

func (e *Executor) dispatch(ctx context.Context, cmd Command) {
	var err error
	var outcomes []BulkOutcome

	switch cmd.CommandType {
	case TypeOpenLocker:
		err = e.handleOpenLocker(ctx, cmd)
	case TypeBulkOpen:
		outcomes, err = e.handleBulkOpen(ctx, cmd)
	case TypeBlockLocker:
		err = e.Lockers.Block(cmd.KioskID, cmd.Payload.LockerID, cmd.Payload.Reason)
	case TypeUnblockLocker:
		err = e.Lockers.Unblock(cmd.KioskID, cmd.Payload.LockerID)
	case TypeStaffPeek:
		err = e.handleStaffPeek(ctx, cmd)
	default:
		err = kioskerr.New(kioskerr.InvalidArgument, "unknown command type %q", cmd.CommandType)
	}

	if err == nil {
		if cmpErr := e.Queue.Complete(cmd.CommandID, StatusCompleted, "", outcomes); cmpErr != nil {
			e.emit(cmd.KioskID, 0, events.TypeCommandError, map[string]any{"error": cmpErr.Error()})
		}
		return
	}

	if kioskerr.Permanent(err) {
		if cmpErr := e.Queue.Complete(cmd.CommandID, StatusFailed, err.Error(), outcomes); cmpErr != nil {
			e.emit(cmd.KioskID, 0, events.TypeCommandError, map[string]any{"error": cmpErr.Error()})
		}
		return
	}

	if rErr := e.Queue.Reschedule(cmd.CommandID, err, e.MaxRetries); rErr != nil {
		e.emit(cmd.KioskID, 0, events.TypeCommandError, map[string]any{"error": rErr.Error()})
	}
}

// handleOpenLocker implements spec §4.3 step 2's open_locker dispatch. An
// Owned or Reserved locker is opened first (through the Opening
// pseudo-state); once the open succeeds, an Owned locker is released to
// Free. A Reserved locker is not released: it returns to Reserved. A Free
// locker is only opened for a staff override.
func (e *Executor) handleOpenLocker(ctx context.Context, cmd Command) error {
	id := cmd.Payload.LockerID
	l, err := e.Lockers.Get(cmd.KioskID, id)
	if err != nil {
		return err
	}

	switch l.Status {
	case locker.StatusOwned, locker.StatusReserved:
		if err := e.Lockers.BeginOpening(cmd.KioskID, id); err != nil {
			return err
		}
		openErr := e.Bus.OpenChannel(ctx, id)
		endErr := e.Lockers.EndOpening(cmd.KioskID, id)
		if openErr != nil {
			return openErr
		}
		if endErr != nil {
			return endErr
		}
		if l.Status == locker.StatusOwned {
			current, getErr := e.Lockers.Get(cmd.KioskID, id)
			if getErr != nil {
				return getErr
			}
			_, err = e.Lockers.Release(cmd.KioskID, id, current.Version)
		}
		return err
	case locker.StatusFree:
		if !cmd.Payload.StaffOverride {
			return kioskerr.WithLocker(kioskerr.NotOwned, cmd.KioskID, id, "locker is free; staff_override required to open it")
		}
		if err := e.Lockers.BeginOpening(cmd.KioskID, id); err != nil {
			return err
		}
		openErr := e.Bus.OpenChannel(ctx, id)
		endErr := e.Lockers.EndOpening(cmd.KioskID, id)
		if openErr != nil {
			return openErr
		}
		return endErr
	case locker.StatusBlocked:
		return kioskerr.WithLocker(kioskerr.Blocked, cmd.KioskID, id, "locker is blocked")
	default:
		return kioskerr.WithLocker(kioskerr.NotOwned, cmd.KioskID, id, "locker is %s", l.Status)
	}
}

// handleBulkOpen implements spec §4.3's bulk_open: sequential attempts
// paced by BulkInterval, VIP lockers skipped, the command always completes
// with a per-item outcome (spec §9 Open Question, resolved in SPEC_FULL §12).
func (e *Executor) handleBulkOpen(ctx context.Context, cmd Command) ([]BulkOutcome, error) {
	outcomes := make([]BulkOutcome, 0, len(cmd.Payload.LockerIDs))
	for i, id := range cmd.Payload.LockerIDs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return outcomes, ctx.Err()
			case <-time.After(e.BulkInterval):
			}
		}

		l, err := e.Lockers.Get(cmd.KioskID, id)
		if err != nil {
			outcomes = append(outcomes, BulkOutcome{LockerID: id, Ok: false, Error: err.Error()})
			continue
		}
		if l.IsVIP {
			outcomes = append(outcomes, BulkOutcome{LockerID: id, Skipped: true})
			continue
		}

		itemErr := e.openOne(ctx, cmd.KioskID, l)
		if itemErr != nil {
			outcomes = append(outcomes, BulkOutcome{LockerID: id, Ok: false, Error: itemErr.Error()})
			continue
		}
		outcomes = append(outcomes, BulkOutcome{LockerID: id, Ok: true})
	}
	return outcomes, nil // bulk_open always completes: per-item failure never fails the command itself
}

func (e *Executor) openOne(ctx context.Context, kioskID string, l locker.Locker) error {
	if l.Status == locker.StatusBlocked {
		return kioskerr.WithLocker(kioskerr.Blocked, kioskID, l.ID, "locker is blocked")
	}
	if err := e.Lockers.BeginOpening(kioskID, l.ID); err != nil {
		return err
	}
	openErr := e.Bus.OpenChannel(ctx, l.ID)
	endErr := e.Lockers.EndOpening(kioskID, l.ID)
	if openErr != nil {
		return openErr
	}
	return endErr
}

// handleStaffPeek implements the dedicated staff_peek command (SPEC_FULL
// §12): open transiently without changing ownership, emitting an Opening
// transition and returning to whatever state preceded it.
func (e *Executor) handleStaffPeek(ctx context.Context, cmd Command) error {
	id := cmd.Payload.LockerID
	l, err := e.Lockers.Get(cmd.KioskID, id)
	if err != nil {
		return err
	}
	if l.Status == locker.StatusBlocked {
		return kioskerr.WithLocker(kioskerr.Blocked, cmd.KioskID, id, "locker is blocked")
	}
	if err := e.Lockers.BeginOpening(cmd.KioskID, id); err != nil {
		return err
	}
	openErr := e.Bus.OpenChannel(ctx, id)
	endErr := e.Lockers.EndOpening(cmd.KioskID, id)
	if openErr != nil {
		return openErr
	}
	return endErr
}

func (e *Executor) emit(kioskID string, lockerID int, t events.Type, details map[string]any) {
	e.Sink.Emit(events.Event{
		Timestamp: time.Now(),
		KioskID:   kioskID,
		LockerID:  lockerID,
		Type:      t,
		Details:   details,
	})
}
