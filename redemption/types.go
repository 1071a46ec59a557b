/*
Package redemption converts pending enrollments into released ones via
credential scans, and keeps the immutable audit trail.

PURPOSE:
  When a person taps their RFID card at a distribution terminal, exactly
  one pending entitlement must transition to Released, exactly once, no
  matter how many terminals scan the same card concurrently.

KEY CONCEPTS IN THIS FILE (types.go):
  - HistoryRecord:  Immutable archival copy of a released enrollment
  - ReleaseResult:  What the terminal displays after a successful release
  - Store:          Persistence contract, centered on one atomic primitive

CRITICAL INVARIANTS:
  1. APPEND-ONLY HISTORY: records are never mutated or deleted
  2. AT-MOST-ONCE: one HistoryRecord per enrollment, ever - the record is
     deduplicated on the enrollment id, which makes retries safe
  3. The Pending->Released transition is a single conditional write

SEE ALSO:
  - engine.go: The scan-driven release algorithm
*/
package redemption

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
)

// =============================================================================
// HISTORY RECORD - Immutable audit entry, one per redemption
// =============================================================================

// HistoryRecord snapshots everything reporting needs at release time, so
// the audit trail survives later edits to programs and persons.
type HistoryRecord struct {
	ID string

	// EnrollmentID is the deduplication key: at most one record per
	// enrollment can ever exist.
	EnrollmentID allocation.EnrollmentID

	ProgramID        program.ProgramID
	ProgramName      string
	DistributionType program.DistributionType

	Person       identity.PersonRef
	PersonName   string
	Barangay     string
	Municipality string

	Items       []program.Item
	TotalAmount decimal.Decimal

	ReleasedBy string
	Remarks    string
	ReleasedAt time.Time
}

// =============================================================================
// RELEASE RESULT - What the terminal shows
// =============================================================================

// ReleaseResult is returned to the scanning terminal so it can display
// what was just released.
type ReleaseResult struct {
	Person  identity.Person
	Program program.Program
	History HistoryRecord

	// RemainingPending counts the program's still-pending enrollments
	// after this release. ProgramComplete is the completion signal; the
	// operator decides whether to mark the program Released.
	RemainingPending int
	ProgramComplete  bool
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

// Store is the slice of persistence the engine needs.
type Store interface {
	// FindEarliestPending returns the person's single pending enrollment,
	// earliest program schedule date first, then creation time. Returns
	// (nil, nil) when the person has nothing pending.
	FindEarliestPending(ctx context.Context, person identity.PersonRef) (*allocation.Enrollment, error)

	// GetProgram returns (nil, nil) when the program doesn't exist.
	GetProgram(ctx context.Context, id program.ProgramID) (*program.Program, error)

	// CountPendingByProgram counts pending enrollments for a program.
	CountPendingByProgram(ctx context.Context, id program.ProgramID) (int, error)

	// ReleaseAndArchive atomically transitions the enrollment from Pending
	// to Released, conditioned on it still being Pending at write time,
	// and appends the history record in the same transaction. Returns
	// false (writing nothing) when the condition failed: the enrollment
	// was already released, or removed by a racing toggle. A duplicate
	// history record (retried call) also reports false.
	ReleaseAndArchive(ctx context.Context, id allocation.EnrollmentID, rec HistoryRecord) (bool, error)

	// ListHistoryOn returns records released on the given calendar day.
	ListHistoryOn(ctx context.Context, day time.Time) ([]HistoryRecord, error)

	// ListHistoryByProgram returns all records for a program, oldest first.
	ListHistoryByProgram(ctx context.Context, id program.ProgramID) ([]HistoryRecord, error)
}
