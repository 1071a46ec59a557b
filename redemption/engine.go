/*
engine.go - The scan-driven release algorithm

PURPOSE:
  Resolve credential -> find the one pending entitlement -> atomically
  release it -> archive it -> tell subscribers. Steps 1-2 are pure reads
  and retryable; the release is the only mutating, safety-critical step
  and is a single conditional write.

FAILURE SEMANTICS:
  ErrPersonNotFound:       unknown credential. Terminal negative result.
  ErrNoPendingEntitlement: nothing to release for this person.
  ErrAlreadyReleased:      a concurrent duplicate scan (or racing removal)
                           won. Benign - logged at info, the terminal shows
                           "nothing to release", never an operator error.
  DataIntegrityError:      enrollment references a missing program.
                           Non-retryable, logged at error level, surfaced
                           for manual investigation. Never dropped.

EVENTS:
  On success, a redeemed event (programId, personId, releasedAt) is
  published strictly after the store transaction commits.

SEE ALSO:
  - types.go: ReleaseResult, HistoryRecord, Store
  - allocation/errors.go: The shared error taxonomy
*/
package redemption

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/notify"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine turns credential scans into exactly-once releases.
type Engine struct {
	resolver *identity.Resolver
	store    Store
	notifier *notify.Notifier
	now      func() time.Time
}

func NewEngine(resolver *identity.Resolver, store Store, notifier *notify.Notifier) *Engine {
	return &Engine{resolver: resolver, store: store, notifier: notifier, now: time.Now}
}

// RedeemOptions carries operator-supplied audit fields.
type RedeemOptions struct {
	ReleasedBy string
	Remarks    string
}

// RedeemByCredential releases the scanned person's single pending
// entitlement. See the file header for the failure taxonomy.
func (e *Engine) RedeemByCredential(ctx context.Context, rawCredential string, opts RedeemOptions) (*ReleaseResult, error) {
	// Step 1: resolve identity. Pure read.
	person, err := e.resolver.Resolve(ctx, rawCredential)
	if err != nil {
		return nil, err
	}

	// Step 2: find the single pending entitlement. Pure read.
	enrollment, err := e.store.FindEarliestPending(ctx, person.Ref())
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, fmt.Errorf("%w for %s %s", allocation.ErrNoPendingEntitlement, person.Variant, person.ID)
	}

	prog, err := e.store.GetProgram(ctx, enrollment.ProgramID)
	if err != nil {
		return nil, err
	}
	if prog == nil {
		ie := &allocation.DataIntegrityError{
			EnrollmentID: enrollment.ID,
			ProgramID:    enrollment.ProgramID,
			Detail:       "program row missing",
		}
		log.Printf("[Redemption] ERROR %v - manual follow-up required", ie)
		return nil, ie
	}

	// Step 3+4: conditional Pending->Released plus history append, one
	// store transaction. If the condition fails someone already redeemed
	// (or removed) this enrollment - benign, not an operator error.
	releasedAt := e.now()
	record := HistoryRecord{
		ID:               uuid.NewString(),
		EnrollmentID:     enrollment.ID,
		ProgramID:        prog.ID,
		ProgramName:      prog.Name,
		DistributionType: prog.DistributionType,
		Person:           person.Ref(),
		PersonName:       person.FullName(),
		Barangay:         person.Barangay,
		Municipality:     person.Municipality,
		Items:            prog.Items,
		TotalAmount:      prog.TotalAmount,
		ReleasedBy:       opts.ReleasedBy,
		Remarks:          opts.Remarks,
		ReleasedAt:       releasedAt,
	}

	released, err := e.store.ReleaseAndArchive(ctx, enrollment.ID, record)
	if err != nil {
		return nil, err
	}
	if !released {
		log.Printf("[Redemption] enrollment %s already released or removed, scan is a no-op", enrollment.ID)
		return nil, fmt.Errorf("%w: enrollment %s", allocation.ErrAlreadyReleased, enrollment.ID)
	}

	remaining, err := e.store.CountPendingByProgram(ctx, prog.ID)
	if err != nil {
		// The release committed; a failed count only degrades the
		// completion signal, not correctness.
		log.Printf("[Redemption] pending count for program %s failed: %v", prog.ID, err)
		remaining = -1
	}

	// Step 5: publish after commit.
	if e.notifier != nil {
		e.notifier.Publish(notify.Event{
			Topic:           notify.TopicRedeemed,
			ProgramID:       string(prog.ID),
			PersonID:        string(person.ID),
			PersonVariant:   string(person.Variant),
			ReleasedAt:      &releasedAt,
			ProgramComplete: remaining == 0,
		})
	}

	return &ReleaseResult{
		Person:           *person,
		Program:          *prog,
		History:          record,
		RemainingPending: remaining,
		ProgramComplete:  remaining == 0,
	}, nil
}

// PreviewByCredential is the read-only half of a scan: it resolves the
// credential and reports what WOULD be released, without mutating state.
// Terminals use it to show the entitlement before the operator confirms.
func (e *Engine) PreviewByCredential(ctx context.Context, rawCredential string) (*ReleaseResult, error) {
	person, err := e.resolver.Resolve(ctx, rawCredential)
	if err != nil {
		return nil, err
	}
	enrollment, err := e.store.FindEarliestPending(ctx, person.Ref())
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, fmt.Errorf("%w for %s %s", allocation.ErrNoPendingEntitlement, person.Variant, person.ID)
	}
	prog, err := e.store.GetProgram(ctx, enrollment.ProgramID)
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, &allocation.DataIntegrityError{
			EnrollmentID: enrollment.ID,
			ProgramID:    enrollment.ProgramID,
			Detail:       "program row missing",
		}
	}
	return &ReleaseResult{Person: *person, Program: *prog}, nil
}
