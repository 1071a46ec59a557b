/*
store.go - Persistence contract for the allocation ledger

PURPOSE:
  Defines the interface between the ledger and the database. Two
  implementations exist: store/sqlite (production) and store/memory
  (tests/dev). Both provide the same conditional-write semantics.

CONDITIONAL WRITES:
  InsertIfCapacity enforces the capacity bound AS PART OF THE WRITE.
  The sqlite implementation expresses the bound in the INSERT statement
  itself; the memory implementation checks under the store mutex. Neither
  ever relies on a count read by application code before a separate write.

TRANSACTIONS:
  Toggle and BulkToggle run their whole read-decide-write sequence inside
  WithTx. SQLite serializes writers, so two concurrent toggles on the same
  program cannot interleave between the count and the insert.

SEE ALSO:
  - ledger.go: The only consumer of these primitives
  - store/sqlite/sqlite.go, store/memory/memory.go: Implementations
*/
package allocation

import (
	"context"

	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
)

// =============================================================================
// STORE - Conditional-write persistence for enrollments
// =============================================================================

// Store handles enrollment persistence. Mutating methods are only safe to
// combine with reads when called through TxStore.WithTx.
type Store interface {
	// GetProgram returns the program row, or (nil, nil) when missing.
	// Included here so toggle decisions can read capacity and status
	// inside the same transaction that writes.
	GetProgram(ctx context.Context, id program.ProgramID) (*program.Program, error)

	// GetEnrollment returns the enrollment for (program, person) of any
	// status, or (nil, nil) when none exists.
	GetEnrollment(ctx context.Context, programID program.ProgramID, person identity.PersonRef) (*Enrollment, error)

	// GetEnrollmentsFor returns existing enrollments for the given persons.
	GetEnrollmentsFor(ctx context.Context, programID program.ProgramID, persons []identity.PersonRef) ([]Enrollment, error)

	// ListByProgram returns all enrollments for a program, oldest first.
	ListByProgram(ctx context.Context, programID program.ProgramID) ([]Enrollment, error)

	// CountByProgram counts enrollments of ANY status for a program.
	CountByProgram(ctx context.Context, programID program.ProgramID) (int, error)

	// CountPendingByProgram counts only pending enrollments.
	CountPendingByProgram(ctx context.Context, programID program.ProgramID) (int, error)

	// InsertIfCapacity inserts the enrollment only if the program's
	// capacity bound holds at write time. Returns false (and writes
	// nothing) when the program is full.
	InsertIfCapacity(ctx context.Context, e Enrollment) (bool, error)

	// DeleteEnrollment removes one enrollment by id, regardless of status.
	// Returns false when the row was already gone.
	DeleteEnrollment(ctx context.Context, id EnrollmentID) (bool, error)

	// DeletePendingByProgram removes all pending enrollments for a program.
	// Used on program cancellation.
	DeletePendingByProgram(ctx context.Context, programID program.ProgramID) (int, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back and the ledger is
// left completely unchanged - this is what makes bulk all-or-nothing.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
