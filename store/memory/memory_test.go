package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
	"github.com/civicgrid/ayuda-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func testProgram(id string, capacity int) program.Program {
	return program.Program{
		ID:               program.ProgramID(id),
		Name:             "Program " + id,
		DistributionType: program.DistributionCash,
		Status:           program.StatusApproved,
		Capacity:         capacity,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
}

func testEnrollment(id, progID, personID string) allocation.Enrollment {
	return allocation.Enrollment{
		ID:        allocation.EnrollmentID(id),
		ProgramID: program.ProgramID(progID),
		Person:    identity.PersonRef{Variant: identity.VariantResident, ID: identity.PersonID(personID)},
		Status:    allocation.EnrollmentPending,
		CreatedAt: time.Now(),
	}
}

// =============================================================================
// PERSON STORE TESTS
// =============================================================================

func TestStore_CredentialUniqueAcrossVariants(t *testing.T) {
	// GIVEN: A resident holding credential A1B2C3
	// WHEN: Saving a BENEFICIARY with the same credential
	// THEN: The save is rejected - one owner per credential, both
	//       registries considered

	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.SavePerson(ctx, identity.Person{
		ID: "res-1", Variant: identity.VariantResident,
		FirstName: "A", LastName: "B", CredentialID: "A1B2C3",
	}))

	err := store.SavePerson(ctx, identity.Person{
		ID: "ben-1", Variant: identity.VariantBeneficiary,
		FirstName: "C", LastName: "D", CredentialID: "A1B2C3",
	})
	assert.Error(t, err)
}

func TestStore_ReassigningOwnCredentialIsFine(t *testing.T) {
	// Re-saving the same person with the same credential is an update, not
	// a collision; changing their credential frees the old one.
	store := memory.New()
	ctx := context.Background()

	p := identity.Person{
		ID: "res-1", Variant: identity.VariantResident,
		FirstName: "A", LastName: "B", CredentialID: "A1B2C3",
	}
	require.NoError(t, store.SavePerson(ctx, p))
	require.NoError(t, store.SavePerson(ctx, p))

	p.CredentialID = "NEW999"
	require.NoError(t, store.SavePerson(ctx, p))

	// Old credential is free for someone else now.
	require.NoError(t, store.SavePerson(ctx, identity.Person{
		ID: "res-2", Variant: identity.VariantResident,
		FirstName: "C", LastName: "D", CredentialID: "A1B2C3",
	}))
}

func TestStore_DirectoryLookups(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.SavePerson(ctx, identity.Person{
		ID: "res-1", Variant: identity.VariantResident,
		FirstName: "A", LastName: "B", CredentialID: "A1B2C3",
	}))

	dir := store.Directory(identity.VariantResident)
	assert.Equal(t, identity.VariantResident, dir.Variant())

	p, err := dir.FindByCredential(ctx, "A1B2C3")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, identity.PersonID("res-1"), p.ID)

	// Wrong variant directory: (nil, nil), not an error.
	p, err = store.Directory(identity.VariantBeneficiary).FindByCredential(ctx, "A1B2C3")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = dir.FindByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// =============================================================================
// ENROLLMENT STORE TESTS
// =============================================================================

func TestStore_InsertIfCapacity_EnforcesBound(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveProgram(ctx, testProgram("prog-1", 2)))

	ok, err := store.InsertIfCapacity(ctx, testEnrollment("e-1", "prog-1", "res-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.InsertIfCapacity(ctx, testEnrollment("e-2", "prog-1", "res-2"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Third insert reports false - no error, no write.
	ok, err = store.InsertIfCapacity(ctx, testEnrollment("e-3", "prog-1", "res-3"))
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := store.CountByProgram(ctx, "prog-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStore_InsertIfCapacity_RejectsDuplicatePair(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveProgram(ctx, testProgram("prog-1", 5)))

	ok, err := store.InsertIfCapacity(ctx, testEnrollment("e-1", "prog-1", "res-1"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.InsertIfCapacity(ctx, testEnrollment("e-dup", "prog-1", "res-1"))
	assert.Error(t, err, "one enrollment per (program, person)")
}

func TestStore_InsertIfCapacity_MissingProgram(t *testing.T) {
	store := memory.New()

	_, err := store.InsertIfCapacity(context.Background(), testEnrollment("e-1", "ghost", "res-1"))
	assert.ErrorIs(t, err, program.ErrProgramNotFound)
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts and then fails
	// WHEN: WithTx returns the error
	// THEN: The insert is rolled back

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveProgram(ctx, testProgram("prog-1", 5)))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx allocation.Store) error {
		ok, err := tx.InsertIfCapacity(ctx, testEnrollment("e-1", "prog-1", "res-1"))
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := store.CountByProgram(ctx, "prog-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed transaction must leave no enrollments")
}

func TestStore_UpdateProgramStatus_Conditional(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	p := testProgram("prog-1", 0)
	p.Status = program.StatusPending
	require.NoError(t, store.SaveProgram(ctx, p))

	ok, err := store.UpdateProgramStatus(ctx, "prog-1", program.StatusPending, program.StatusApproved)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale `from` fails the condition.
	ok, err = store.UpdateProgramStatus(ctx, "prog-1", program.StatusPending, program.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// RELEASE + HISTORY TESTS
// =============================================================================

func TestStore_ReleaseAndArchive_ConditionalOnPending(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveProgram(ctx, testProgram("prog-1", 5)))

	e := testEnrollment("e-1", "prog-1", "res-1")
	ok, err := store.InsertIfCapacity(ctx, e)
	require.NoError(t, err)
	require.True(t, ok)

	rec := redemption.HistoryRecord{
		ID: "hist-1", EnrollmentID: e.ID, ProgramID: e.ProgramID,
		Person: e.Person, ReleasedAt: time.Now(),
	}

	released, err := store.ReleaseAndArchive(ctx, e.ID, rec)
	require.NoError(t, err)
	assert.True(t, released)

	// Second attempt: no longer pending, reports false, writes nothing.
	released, err = store.ReleaseAndArchive(ctx, e.ID, rec)
	require.NoError(t, err)
	assert.False(t, released)

	records, err := store.ListHistoryByProgram(ctx, "prog-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStore_FindEarliestPending_Ordering(t *testing.T) {
	// Earliest schedule first, unscheduled last.
	store := memory.New()
	ctx := context.Background()

	tomorrow := time.Now().AddDate(0, 0, 1)
	nextWeek := time.Now().AddDate(0, 0, 7)

	unscheduled := testProgram("prog-a", 5)
	soon := testProgram("prog-b", 5)
	soon.ScheduleDate = &tomorrow
	later := testProgram("prog-c", 5)
	later.ScheduleDate = &nextWeek

	for _, p := range []program.Program{unscheduled, soon, later} {
		require.NoError(t, store.SaveProgram(ctx, p))
	}
	for i, progID := range []string{"prog-a", "prog-b", "prog-c"} {
		e := testEnrollment("e-"+progID, progID, "res-1")
		e.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		ok, err := store.InsertIfCapacity(ctx, e)
		require.NoError(t, err)
		require.True(t, ok)
	}

	person := identity.PersonRef{Variant: identity.VariantResident, ID: "res-1"}
	e, err := store.FindEarliestPending(ctx, person)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, program.ProgramID("prog-b"), e.ProgramID, "tomorrow beats next week and unscheduled")
}

func TestStore_FindEarliestPending_NonePending(t *testing.T) {
	store := memory.New()

	e, err := store.FindEarliestPending(context.Background(),
		identity.PersonRef{Variant: identity.VariantResident, ID: "ghost"})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_ListHistoryOn_FiltersByDay(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveProgram(ctx, testProgram("prog-1", 5)))

	for i, personID := range []string{"res-1", "res-2"} {
		e := testEnrollment("e-"+personID, "prog-1", personID)
		ok, err := store.InsertIfCapacity(ctx, e)
		require.NoError(t, err)
		require.True(t, ok)

		releasedAt := time.Now().AddDate(0, 0, -i) // today, yesterday
		released, err := store.ReleaseAndArchive(ctx, e.ID, redemption.HistoryRecord{
			ID: "hist-" + personID, EnrollmentID: e.ID, ProgramID: e.ProgramID,
			Person: e.Person, ReleasedAt: releasedAt,
		})
		require.NoError(t, err)
		require.True(t, released)
	}

	today, err := store.ListHistoryOn(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, today, 1)

	yesterday, err := store.ListHistoryOn(ctx, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Len(t, yesterday, 1)
}

func TestStore_ListHistoryOn_BucketsByUTCDay(t *testing.T) {
	// GIVEN: A record released at 07:30 on June 2nd in UTC+8
	// WHEN: Listing history by day
	// THEN: The record lands on the UTC day (June 1st, 23:30), not the
	//       local calendar date of the record

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveProgram(ctx, testProgram("prog-1", 5)))

	e := testEnrollment("e-1", "prog-1", "res-1")
	ok, err := store.InsertIfCapacity(ctx, e)
	require.NoError(t, err)
	require.True(t, ok)

	manila := time.FixedZone("UTC+8", 8*60*60)
	releasedAt := time.Date(2026, time.June, 2, 7, 30, 0, 0, manila)
	released, err := store.ReleaseAndArchive(ctx, e.ID, redemption.HistoryRecord{
		ID: "hist-1", EnrollmentID: e.ID, ProgramID: e.ProgramID,
		Person: e.Person, ReleasedAt: releasedAt,
	})
	require.NoError(t, err)
	require.True(t, released)

	june1, err := store.ListHistoryOn(ctx, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, june1, 1)

	june2, err := store.ListHistoryOn(ctx, time.Date(2026, time.June, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, june2)
}
