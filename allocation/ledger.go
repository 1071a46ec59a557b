/*
ledger.go - Toggle semantics over the enrollment store

PURPOSE:
  Implements the operator-facing enrollment operations:

  Toggle(program, person):
    - enrolled (any status)  -> remove, capacity freed immediately
    - not enrolled           -> capacity-conditioned insert

  BulkToggle(program, persons):
    - ALL already enrolled   -> atomic remove-all
    - otherwise              -> insert the missing ones, all-or-nothing

  Removing a RELEASED enrollment is an administrative override (operator
  correction), not a redemption, and is logged distinctly so the audit
  trail can tell the two apart.

WHY ALL-OR-NOTHING BULK?
  Silently enrolling a subset of a requested cohort would be surprising to
  the operator and impossible to reconcile with a displayed remaining-slot
  count. A batch that doesn't fit is rejected whole, with exact counts.

EVENTS:
  Every state-changing branch publishes a ledger-changed event carrying
  only the program id - subscribers re-fetch authoritative state. Events
  are published strictly AFTER the store transaction commits, so per-topic
  delivery order matches commit order.

SEE ALSO:
  - store.go:  The conditional-write primitives used here
  - errors.go: CapacityExceededError / BulkCapacityError payloads
*/
package allocation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/notify"
	"github.com/civicgrid/ayuda-engine/program"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger enforces the capacity invariant over the enrollment store.
type Ledger struct {
	store    TxStore
	notifier *notify.Notifier
	now      func() time.Time
}

func NewLedger(store TxStore, notifier *notify.Notifier) *Ledger {
	return &Ledger{store: store, notifier: notifier, now: time.Now}
}

// =============================================================================
// SINGLE TOGGLE
// =============================================================================

// Toggle adds or removes one person's enrollment.
//
// The whole read-decide-write sequence runs in one store transaction; the
// insert additionally re-checks the capacity bound at write time.
func (l *Ledger) Toggle(ctx context.Context, programID program.ProgramID, person identity.PersonRef) (ToggleResult, error) {
	if !person.Variant.Valid() || person.ID == "" {
		return ToggleResult{}, fmt.Errorf("invalid person reference %+v", person)
	}

	var result ToggleResult
	err := l.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetProgram(ctx, programID)
		if err != nil {
			return err
		}
		if p == nil {
			return program.ErrProgramNotFound
		}

		existing, err := tx.GetEnrollment(ctx, programID, person)
		if err != nil {
			return err
		}

		if existing != nil {
			return l.removeLocked(ctx, tx, p, *existing, &result)
		}
		return l.addLocked(ctx, tx, p, person, &result)
	})
	if err != nil {
		return ToggleResult{}, err
	}

	if result.RemovedReleased {
		log.Printf("[Ledger] administrative override: released enrollment %s removed from program %s",
			result.Enrollment.ID, programID)
	}
	l.publishChanged(programID)
	return result, nil
}

func (l *Ledger) removeLocked(ctx context.Context, tx Store, p *program.Program, existing Enrollment, result *ToggleResult) error {
	deleted, err := tx.DeleteEnrollment(ctx, existing.ID)
	if err != nil {
		return err
	}
	if !deleted {
		// Lost a race against a concurrent remove; the enrollment is gone
		// either way, which is the outcome the caller asked for.
		log.Printf("[Ledger] toggle remove no-op, enrollment %s already gone", existing.ID)
	}
	remaining, err := l.remaining(ctx, tx, p)
	if err != nil {
		return err
	}
	*result = ToggleResult{
		Action:          ActionRemoved,
		Enrollment:      existing,
		RemainingSlots:  remaining,
		RemovedReleased: existing.Status == EnrollmentReleased,
	}
	return nil
}

func (l *Ledger) addLocked(ctx context.Context, tx Store, p *program.Program, person identity.PersonRef, result *ToggleResult) error {
	if p.Status != program.StatusApproved {
		return fmt.Errorf("%w: program %s is %s", ErrProgramNotAccepting, p.ID, p.Status)
	}

	e := Enrollment{
		ID:        EnrollmentID(uuid.NewString()),
		ProgramID: p.ID,
		Person:    person,
		Status:    EnrollmentPending,
		CreatedAt: l.now(),
	}
	ok, err := tx.InsertIfCapacity(ctx, e)
	if err != nil {
		return err
	}
	if !ok {
		consumed, err := tx.CountByProgram(ctx, p.ID)
		if err != nil {
			return err
		}
		return &CapacityExceededError{
			ProgramID: p.ID,
			Capacity:  p.Capacity,
			Consumed:  consumed,
			Remaining: max(0, p.Capacity-consumed),
		}
	}

	remaining, err := l.remaining(ctx, tx, p)
	if err != nil {
		return err
	}
	*result = ToggleResult{Action: ActionAdded, Enrollment: e, RemainingSlots: remaining}
	return nil
}

// =============================================================================
// BULK TOGGLE
// =============================================================================

// BulkToggle enrolls or un-enrolls a cohort, all-or-nothing.
//
// If every supplied person already has an enrollment the whole cohort is
// removed. Otherwise the missing ones are inserted - but only if they ALL
// fit; a batch that would exceed capacity changes nothing and the error
// reports exactly how many slots remain versus how many were requested.
func (l *Ledger) BulkToggle(ctx context.Context, programID program.ProgramID, persons []identity.PersonRef) (BulkResult, error) {
	persons = dedupe(persons)
	if len(persons) == 0 {
		return BulkResult{}, fmt.Errorf("no persons supplied")
	}
	for _, person := range persons {
		if !person.Variant.Valid() || person.ID == "" {
			return BulkResult{}, fmt.Errorf("invalid person reference %+v", person)
		}
	}

	var result BulkResult
	err := l.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetProgram(ctx, programID)
		if err != nil {
			return err
		}
		if p == nil {
			return program.ErrProgramNotFound
		}

		existing, err := tx.GetEnrollmentsFor(ctx, programID, persons)
		if err != nil {
			return err
		}

		if len(existing) == len(persons) {
			return l.removeAllLocked(ctx, tx, p, existing, &result)
		}
		return l.addMissingLocked(ctx, tx, p, persons, existing, &result)
	})
	if err != nil {
		return BulkResult{}, err
	}

	l.publishChanged(programID)
	return result, nil
}

func (l *Ledger) removeAllLocked(ctx context.Context, tx Store, p *program.Program, existing []Enrollment, result *BulkResult) error {
	overrides := 0
	for _, e := range existing {
		if _, err := tx.DeleteEnrollment(ctx, e.ID); err != nil {
			return err
		}
		if e.Status == EnrollmentReleased {
			overrides++
		}
	}
	if overrides > 0 {
		log.Printf("[Ledger] administrative override: %d released enrollment(s) removed from program %s in bulk",
			overrides, p.ID)
	}
	remaining, err := l.remaining(ctx, tx, p)
	if err != nil {
		return err
	}
	*result = BulkResult{
		Action:         ActionRemovedAll,
		RemovedCount:   len(existing),
		RemainingSlots: remaining,
	}
	return nil
}

func (l *Ledger) addMissingLocked(ctx context.Context, tx Store, p *program.Program, persons []identity.PersonRef, existing []Enrollment, result *BulkResult) error {
	if p.Status != program.StatusApproved {
		return fmt.Errorf("%w: program %s is %s", ErrProgramNotAccepting, p.ID, p.Status)
	}

	enrolled := make(map[identity.PersonRef]bool, len(existing))
	for _, e := range existing {
		enrolled[e.Person] = true
	}
	var toInsert []identity.PersonRef
	for _, person := range persons {
		if !enrolled[person] {
			toInsert = append(toInsert, person)
		}
	}

	consumed, err := tx.CountByProgram(ctx, p.ID)
	if err != nil {
		return err
	}
	if p.Capacity > 0 && consumed+len(toInsert) > p.Capacity {
		return &BulkCapacityError{
			ProgramID:      p.ID,
			Capacity:       p.Capacity,
			Consumed:       consumed,
			Remaining:      max(0, p.Capacity-consumed),
			AttemptedToAdd: len(toInsert),
		}
	}

	createdAt := l.now()
	for _, person := range toInsert {
		e := Enrollment{
			ID:        EnrollmentID(uuid.NewString()),
			ProgramID: p.ID,
			Person:    person,
			Status:    EnrollmentPending,
			CreatedAt: createdAt,
		}
		ok, err := tx.InsertIfCapacity(ctx, e)
		if err != nil {
			return err
		}
		if !ok {
			// The capacity check above holds for the whole transaction, so
			// this only trips if the program row changed underneath us.
			return &BulkCapacityError{
				ProgramID:      p.ID,
				Capacity:       p.Capacity,
				Consumed:       consumed,
				Remaining:      max(0, p.Capacity-consumed),
				AttemptedToAdd: len(toInsert),
			}
		}
	}

	remaining, err := l.remaining(ctx, tx, p)
	if err != nil {
		return err
	}
	*result = BulkResult{
		Action:         ActionAddedAll,
		AddedCount:     len(toInsert),
		RemainingSlots: remaining,
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) remaining(ctx context.Context, tx Store, p *program.Program) (int, error) {
	if p.Unlimited() {
		return -1, nil
	}
	consumed, err := tx.CountByProgram(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	return max(0, p.Capacity-consumed), nil
}

func (l *Ledger) publishChanged(programID program.ProgramID) {
	if l.notifier == nil {
		return
	}
	l.notifier.Publish(notify.Event{
		Topic:     notify.TopicLedgerChanged,
		ProgramID: string(programID),
	})
}

func dedupe(persons []identity.PersonRef) []identity.PersonRef {
	seen := make(map[identity.PersonRef]bool, len(persons))
	var out []identity.PersonRef
	for _, p := range persons {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
