package program_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/notify"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRegistry(t *testing.T) (*program.Registry, *memory.Store) {
	store := memory.New()
	return program.NewRegistry(store, store, nil), store
}

func seedEnrollment(t *testing.T, store *memory.Store, programID program.ProgramID, personID string) allocation.Enrollment {
	t.Helper()
	e := allocation.Enrollment{
		ID:        allocation.EnrollmentID("enr-" + personID),
		ProgramID: programID,
		Person:    identity.PersonRef{Variant: identity.VariantResident, ID: identity.PersonID(personID)},
		Status:    allocation.EnrollmentPending,
		CreatedAt: time.Now(),
	}
	ok, err := store.InsertIfCapacity(context.Background(), e)
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

// =============================================================================
// CREATION TESTS
// =============================================================================

func TestRegistry_Create_StartsPending(t *testing.T) {
	// GIVEN: A valid program definition
	// WHEN: Creating it
	// THEN: It persists in Pending status regardless of what was passed in

	registry, _ := newTestRegistry(t)

	p, err := registry.Create(context.Background(), program.Program{
		ID:               "prog-1",
		Name:             "Cash Aid",
		DistributionType: program.DistributionCash,
		Status:           program.StatusReleased, // ignored
		Capacity:         10,
	})
	require.NoError(t, err)
	assert.Equal(t, program.StatusPending, p.Status)

	loaded, err := registry.Get(context.Background(), "prog-1")
	require.NoError(t, err)
	assert.Equal(t, program.StatusPending, loaded.Status)
}

func TestRegistry_Create_RejectsInvalidInput(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID:               "prog-bad-type",
		Name:             "Bad",
		DistributionType: "Lottery",
	})
	assert.Error(t, err, "unknown distribution type should be rejected")

	_, err = registry.Create(ctx, program.Program{
		ID:               "prog-bad-cap",
		Name:             "Bad",
		DistributionType: program.DistributionCash,
		Capacity:         -1,
	})
	assert.Error(t, err, "negative capacity should be rejected")
}

func TestRegistry_Get_NotFound(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.Get(context.Background(), "no-such-program")
	assert.ErrorIs(t, err, program.ErrProgramNotFound)
}

// =============================================================================
// STATUS TRANSITION TESTS
// =============================================================================

func TestRegistry_Advance_LegalPath(t *testing.T) {
	// Pending -> Approved -> Released
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionCash,
	})
	require.NoError(t, err)

	p, err := registry.Advance(ctx, "prog-1", program.StatusApproved, false)
	require.NoError(t, err)
	assert.Equal(t, program.StatusApproved, p.Status)

	p, err = registry.Advance(ctx, "prog-1", program.StatusReleased, false)
	require.NoError(t, err)
	assert.Equal(t, program.StatusReleased, p.Status)
}

func TestRegistry_Advance_IllegalTransition(t *testing.T) {
	// GIVEN: A Pending program
	// WHEN: Trying to jump straight to Released
	// THEN: InvalidTransitionError, state unchanged

	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionCash,
	})
	require.NoError(t, err)

	_, err = registry.Advance(ctx, "prog-1", program.StatusReleased, false)
	var transitionErr *program.InvalidTransitionError
	assert.ErrorAs(t, err, &transitionErr)

	p, err := registry.Get(ctx, "prog-1")
	require.NoError(t, err)
	assert.Equal(t, program.StatusPending, p.Status)
}

func TestRegistry_Advance_TerminalStates(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionCash,
	})
	require.NoError(t, err)
	_, err = registry.Advance(ctx, "prog-1", program.StatusCancelled, false)
	require.NoError(t, err)

	_, err = registry.Advance(ctx, "prog-1", program.StatusApproved, false)
	assert.Error(t, err, "cancelled is terminal")
}

func TestRegistry_Release_GuardedByPendingEnrollments(t *testing.T) {
	// GIVEN: An approved program with a pending enrollment
	// WHEN: Releasing without force
	// THEN: ErrPendingEnrollments; with force it succeeds

	registry, store := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionCash, Capacity: 5,
	})
	require.NoError(t, err)
	_, err = registry.Advance(ctx, "prog-1", program.StatusApproved, false)
	require.NoError(t, err)

	seedEnrollment(t, store, "prog-1", "res-1")

	_, err = registry.Advance(ctx, "prog-1", program.StatusReleased, false)
	assert.ErrorIs(t, err, program.ErrPendingEnrollments)

	p, err := registry.Advance(ctx, "prog-1", program.StatusReleased, true)
	require.NoError(t, err)
	assert.Equal(t, program.StatusReleased, p.Status)
}

func TestRegistry_Cancel_DeletesPendingEnrollments(t *testing.T) {
	// GIVEN: An approved program with pending enrollments
	// WHEN: Cancelling it
	// THEN: The pending enrollments are removed so capacity is freed

	registry, store := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionCash, Capacity: 5,
	})
	require.NoError(t, err)
	_, err = registry.Advance(ctx, "prog-1", program.StatusApproved, false)
	require.NoError(t, err)

	seedEnrollment(t, store, "prog-1", "res-1")
	seedEnrollment(t, store, "prog-1", "res-2")

	_, err = registry.Advance(ctx, "prog-1", program.StatusCancelled, false)
	require.NoError(t, err)

	count, err := store.CountByProgram(ctx, "prog-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRegistry_Cancel_PublishesLedgerChanged(t *testing.T) {
	// GIVEN: An approved program with a pending enrollment
	// WHEN: Cancelling it (which frees the enrollment's slot)
	// THEN: A ledger-changed event goes out, same as any other ledger
	//       mutation, so dashboards re-fetch

	store := memory.New()
	notifier := notify.NewNotifier()
	t.Cleanup(notifier.Close)
	registry := program.NewRegistry(store, store, notifier)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionCash, Capacity: 5,
	})
	require.NoError(t, err)
	_, err = registry.Advance(ctx, "prog-1", program.StatusApproved, false)
	require.NoError(t, err)
	seedEnrollment(t, store, "prog-1", "res-1")

	events, cancel := notifier.Subscribe(notify.TopicLedgerChanged)
	defer cancel()

	_, err = registry.Advance(ctx, "prog-1", program.StatusCancelled, false)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "prog-1", ev.ProgramID)
	case <-time.After(time.Second):
		t.Fatal("expected a ledger-changed event after cancellation cleanup")
	}
}

// =============================================================================
// CAPACITY INFO TESTS
// =============================================================================

func TestRegistry_CapacityInfo(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionCash, Capacity: 3,
	})
	require.NoError(t, err)
	_, err = registry.Advance(ctx, "prog-1", program.StatusApproved, false)
	require.NoError(t, err)

	seedEnrollment(t, store, "prog-1", "res-1")
	seedEnrollment(t, store, "prog-1", "res-2")

	info, err := registry.CapacityInfo(ctx, "prog-1")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Capacity)
	assert.Equal(t, 2, info.Consumed)
	assert.Equal(t, 1, info.Remaining)
}

func TestRegistry_CapacityInfo_Unlimited(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, program.Program{
		ID: "prog-1", Name: "Aid", DistributionType: program.DistributionRelief, Capacity: 0,
	})
	require.NoError(t, err)

	info, err := registry.CapacityInfo(ctx, "prog-1")
	require.NoError(t, err)
	assert.Equal(t, -1, info.Remaining, "unlimited programs report -1 remaining")
}

// =============================================================================
// STATE MACHINE UNIT TESTS
// =============================================================================

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, program.StatusPending.CanTransition(program.StatusApproved))
	assert.True(t, program.StatusPending.CanTransition(program.StatusCancelled))
	assert.True(t, program.StatusApproved.CanTransition(program.StatusReleased))
	assert.True(t, program.StatusApproved.CanTransition(program.StatusCancelled))

	assert.False(t, program.StatusPending.CanTransition(program.StatusReleased))
	assert.False(t, program.StatusReleased.CanTransition(program.StatusApproved))
	assert.False(t, program.StatusCancelled.CanTransition(program.StatusPending))
	assert.True(t, program.StatusReleased.Terminal())
	assert.True(t, program.StatusCancelled.Terminal())
}
