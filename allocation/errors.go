/*
errors.go - Centralized error types for allocation and redemption outcomes

PURPOSE:
  All engine error types in one place for consistency and discoverability.
  Capacity errors are expected business outcomes, not failures: they carry
  exact remaining-slot counts so callers can show them to the operator.

ERROR CATEGORIES:
  1. Input errors       - bad ids, wrong program status. No state change.
  2. Capacity errors    - slot ceiling reached. No state change, exact counts.
  3. Concurrency races  - benign no-ops resolved by conditional writes.
  4. Integrity errors   - data requiring operator follow-up. Never dropped.

USAGE:
  if errors.Is(err, allocation.ErrCapacityExceeded) {
      var capErr *allocation.CapacityExceededError
      errors.As(err, &capErr)
      // show capErr.Remaining to the operator
  }
*/
package allocation

import (
	"errors"
	"fmt"

	"github.com/civicgrid/ayuda-engine/program"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCapacityExceeded is returned when an insert would push a program
	// past its slot ceiling. Expected business outcome, not a failure.
	ErrCapacityExceeded = errors.New("program capacity exceeded")

	// ErrProgramNotAccepting is returned when toggling on a program whose
	// status does not admit new enrollments (not Approved).
	ErrProgramNotAccepting = errors.New("program not accepting enrollments")

	// ErrAlreadyReleased is returned when a conditional Pending->Released
	// transition finds the enrollment already released. Benign: it means
	// someone already redeemed this. Logged at info, never surfaced as 5xx.
	ErrAlreadyReleased = errors.New("enrollment already released")

	// ErrNoPendingEntitlement is returned when a person has no pending
	// enrollment to redeem. Terminal negative result for the scan.
	ErrNoPendingEntitlement = errors.New("no pending entitlement")

	// ErrDuplicateHistory is returned when a history record for the same
	// enrollment already exists. Safe to ignore on retry.
	ErrDuplicateHistory = errors.New("history record already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityExceededError reports a single-toggle capacity rejection with
// the counts the operator needs to react.
type CapacityExceededError struct {
	ProgramID program.ProgramID
	Capacity  int
	Consumed  int
	Remaining int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("program %s capacity reached: %d slot(s) remaining of %d",
		e.ProgramID, e.Remaining, e.Capacity)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// BulkCapacityError reports an all-or-nothing bulk rejection: the batch
// would not fit, so NOTHING was inserted.
type BulkCapacityError struct {
	ProgramID      program.ProgramID
	Capacity       int
	Consumed       int
	Remaining      int
	AttemptedToAdd int
}

func (e *BulkCapacityError) Error() string {
	return fmt.Sprintf("program %s: only %d slot(s) remaining, tried to add %d",
		e.ProgramID, e.Remaining, e.AttemptedToAdd)
}

func (e *BulkCapacityError) Unwrap() error { return ErrCapacityExceeded }

// DataIntegrityError reports an enrollment whose program reference is
// missing or corrupt. Non-retryable; requires manual investigation.
type DataIntegrityError struct {
	EnrollmentID EnrollmentID
	ProgramID    program.ProgramID
	Detail       string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: enrollment %s references program %s: %s",
		e.EnrollmentID, e.ProgramID, e.Detail)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is an expected business outcome
// caused by the request, not a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrProgramNotAccepting) ||
		errors.Is(err, ErrNoPendingEntitlement)
}

// IsBenignRace returns true for outcomes produced by losing a race against
// another correct operation. Callers treat these as no-ops.
func IsBenignRace(err error) bool {
	return errors.Is(err, ErrAlreadyReleased) ||
		errors.Is(err, ErrDuplicateHistory)
}

// IsIntegrityError returns true for corruption requiring operator follow-up.
func IsIntegrityError(err error) bool {
	var ie *DataIntegrityError
	return errors.As(err, &ie)
}
