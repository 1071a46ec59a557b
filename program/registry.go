/*
registry.go - Program persistence contract and operator lifecycle

PURPOSE:
  The Registry is the operator-facing surface for programs: create, list,
  advance status, cancel. It also answers capacity questions for display.

CAPACITY INFO IS DISPLAY-ONLY:
  CapacityInfo counts enrollments so dashboards can show "3 of 10 slots
  used". It is NEVER used as the basis for a subsequent write - the
  allocation store enforces the bound inside the insert itself. Reading a
  count here and then inserting would be the classic check-then-act race.

COMPLETION:
  The redemption engine signals completion (no pending enrollments left)
  but never advances program status itself. Marking a program Released is
  an operator action through Advance; Force skips the pending-enrollment
  guard for operator overrides.

SEE ALSO:
  - types.go: Status state machine
  - allocation/ledger.go: Where capacity is actually enforced
*/
package program

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/civicgrid/ayuda-engine/notify"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrProgramNotFound is returned when a referenced program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrPendingEnrollments is returned when releasing a program that still
	// has pending enrollments without the force flag.
	ErrPendingEnrollments = errors.New("program has pending enrollments")
)

// InvalidTransitionError reports an illegal status transition.
type InvalidTransitionError struct {
	ProgramID ProgramID
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for program %s", e.From, e.To, e.ProgramID)
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store handles program persistence.
type Store interface {
	SaveProgram(ctx context.Context, p Program) error

	// GetProgram returns (nil, nil) when the program doesn't exist.
	GetProgram(ctx context.Context, id ProgramID) (*Program, error)

	ListPrograms(ctx context.Context) ([]Program, error)

	// UpdateProgramStatus transitions id from `from` to `to`, conditioned on
	// the status still being `from` at write time. Returns false when the
	// condition failed (concurrent transition won).
	UpdateProgramStatus(ctx context.Context, id ProgramID, from, to Status) (bool, error)
}

// EnrollmentCounter is the slice of the allocation store the registry needs.
// Defined here to keep the dependency pointing one way (allocation imports
// program, not the reverse).
type EnrollmentCounter interface {
	// CountByProgram counts enrollments of ANY status for a program.
	CountByProgram(ctx context.Context, id ProgramID) (int, error)

	// CountPendingByProgram counts only pending enrollments.
	CountPendingByProgram(ctx context.Context, id ProgramID) (int, error)

	// DeletePendingByProgram removes all pending enrollments for a program.
	// Used on cancellation to free consumed capacity.
	DeletePendingByProgram(ctx context.Context, id ProgramID) (int, error)
}

// =============================================================================
// CAPACITY INFO
// =============================================================================

// CapacityInfo is a point-in-time view of slot usage, for display only.
type CapacityInfo struct {
	Capacity int `json:"capacity"`
	Consumed int `json:"consumed"`

	// Remaining is -1 for unlimited programs.
	Remaining int `json:"remaining"`
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the operator surface for program lifecycle and capacity views.
type Registry struct {
	store    Store
	counter  EnrollmentCounter
	notifier *notify.Notifier
	now      func() time.Time
}

func NewRegistry(store Store, counter EnrollmentCounter, notifier *notify.Notifier) *Registry {
	return &Registry{store: store, counter: counter, notifier: notifier, now: time.Now}
}

// Get loads a single program. Returns ErrProgramNotFound when missing.
func (r *Registry) Get(ctx context.Context, id ProgramID) (*Program, error) {
	p, err := r.store.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProgramNotFound
	}
	return p, nil
}

// List returns all programs.
func (r *Registry) List(ctx context.Context) ([]Program, error) {
	return r.store.ListPrograms(ctx)
}

// Create persists a new program in Pending status.
func (r *Registry) Create(ctx context.Context, p Program) (Program, error) {
	if !p.DistributionType.Valid() {
		return Program{}, fmt.Errorf("invalid distribution type %q", p.DistributionType)
	}
	if p.Capacity < 0 {
		return Program{}, fmt.Errorf("capacity must be non-negative, got %d", p.Capacity)
	}
	p.Status = StatusPending
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	if err := r.store.SaveProgram(ctx, p); err != nil {
		return Program{}, err
	}
	return p, nil
}

// CapacityInfo returns current slot usage for display.
func (r *Registry) CapacityInfo(ctx context.Context, id ProgramID) (CapacityInfo, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return CapacityInfo{}, err
	}
	consumed, err := r.counter.CountByProgram(ctx, id)
	if err != nil {
		return CapacityInfo{}, err
	}
	info := CapacityInfo{Capacity: p.Capacity, Consumed: consumed, Remaining: -1}
	if p.Capacity > 0 {
		info.Remaining = p.Capacity - consumed
		if info.Remaining < 0 {
			info.Remaining = 0
		}
	}
	return info, nil
}

// Advance moves a program to the next lifecycle status.
//
// Releasing a program that still has pending enrollments requires force
// (operator override). Cancelling deletes the program's remaining pending
// enrollments so its consumed capacity is freed; released history is kept.
func (r *Registry) Advance(ctx context.Context, id ProgramID, next Status, force bool) (*Program, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(next) {
		return nil, &InvalidTransitionError{ProgramID: id, From: p.Status, To: next}
	}

	if next == StatusReleased && !force {
		pending, err := r.counter.CountPendingByProgram(ctx, id)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			return nil, fmt.Errorf("%w: %d pending", ErrPendingEnrollments, pending)
		}
	}

	ok, err := r.store.UpdateProgramStatus(ctx, id, p.Status, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent transition won; reload and report the conflict.
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{ProgramID: id, From: current.Status, To: next}
	}

	if next == StatusCancelled {
		removed, err := r.counter.DeletePendingByProgram(ctx, id)
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			log.Printf("[Registry] program %s cancelled, %d pending enrollment(s) removed", id, removed)
			// The cleanup changed the ledger, so subscribers re-fetch.
			if r.notifier != nil {
				r.notifier.Publish(notify.Event{
					Topic:     notify.TopicLedgerChanged,
					ProgramID: string(id),
				})
			}
		}
	}

	p.Status = next
	p.UpdatedAt = r.now()
	return p, nil
}
