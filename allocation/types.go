/*
Package allocation is the capacity-constrained enrollment ledger.

PURPOSE:
  An enrollment is one person's claim on one slot of a program. This
  package owns the two invariants the whole system exists to protect:

  1. CAPACITY: for a program with capacity N > 0, the count of ALL
     enrollments (pending + released) never exceeds N.
  2. UNIQUENESS: at most one enrollment per (program, person) pair.

HOW THE INVARIANTS ARE ENFORCED:
  Never by counting in application code and then inserting. Both toggle
  modes run inside one store transaction, and the insert statement itself
  re-checks the capacity bound, so the bound is part of the write. The
  unique (program, person) index is the backstop for the second invariant.

KEY CONCEPTS IN THIS FILE (types.go):
  - Enrollment:   The (program, person) claim with Pending/Released status
  - ToggleAction: What a toggle did (Added/Removed/AddedAll/RemovedAll)
  - ToggleResult / BulkResult: Operator-facing outcomes with slot counts

SEE ALSO:
  - ledger.go: Toggle and BulkToggle semantics
  - store.go:  Conditional-write persistence contract
  - errors.go: Capacity errors carry exact remaining-slot counts
*/
package allocation

import (
	"time"

	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
)

// =============================================================================
// ENROLLMENT
// =============================================================================

type EnrollmentID string

// EnrollmentStatus is the per-enrollment state machine:
// Pending --[redeem]--> Released. Terminal. No transition back.
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "Pending"
	EnrollmentReleased EnrollmentStatus = "Released"
)

// Enrollment is a person's claim on one slot of a program.
type Enrollment struct {
	ID        EnrollmentID
	ProgramID program.ProgramID
	Person    identity.PersonRef
	Status    EnrollmentStatus
	CreatedAt time.Time

	// ReleasedAt is set exactly once, by the redemption engine.
	ReleasedAt *time.Time
}

// =============================================================================
// TOGGLE RESULTS
// =============================================================================

// ToggleAction names what a toggle call actually did.
type ToggleAction string

const (
	ActionAdded      ToggleAction = "added"
	ActionRemoved    ToggleAction = "removed"
	ActionAddedAll   ToggleAction = "added_all"
	ActionRemovedAll ToggleAction = "removed_all"
)

// ToggleResult is the outcome of a single-person toggle.
type ToggleResult struct {
	Action     ToggleAction
	Enrollment Enrollment

	// RemainingSlots is -1 for unlimited programs.
	RemainingSlots int

	// RemovedReleased is true when the removal was an administrative
	// override of an already-released enrollment.
	RemovedReleased bool
}

// BulkResult is the outcome of a bulk toggle.
type BulkResult struct {
	Action ToggleAction

	// AddedCount / RemovedCount report how many rows changed.
	AddedCount   int
	RemovedCount int

	// RemainingSlots after the operation. -1 for unlimited programs.
	RemainingSlots int
}
