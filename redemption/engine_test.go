package redemption_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/notify"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
	"github.com/civicgrid/ayuda-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	engine   *redemption.Engine
	ledger   *allocation.Ledger
	store    *memory.Store
	notifier *notify.Notifier
}

func newFixture(t *testing.T) *fixture {
	store := memory.New()
	notifier := notify.NewNotifier()
	t.Cleanup(notifier.Close)

	resolver := identity.NewResolver(
		store.Directory(identity.VariantResident),
		store.Directory(identity.VariantBeneficiary),
	)
	return &fixture{
		engine:   redemption.NewEngine(resolver, store, notifier),
		ledger:   allocation.NewLedger(store, notifier),
		store:    store,
		notifier: notifier,
	}
}

func (f *fixture) addResident(t *testing.T, id, credential string) identity.PersonRef {
	t.Helper()
	p := identity.Person{
		ID:           identity.PersonID(id),
		Variant:      identity.VariantResident,
		FirstName:    "Test",
		LastName:     id,
		Barangay:     "Poblacion",
		Municipality: "San Mateo",
		CredentialID: identity.NormalizeCredential(credential),
		CreatedAt:    time.Now(),
	}
	require.NoError(t, f.store.SavePerson(context.Background(), p))
	return p.Ref()
}

func (f *fixture) addProgram(t *testing.T, id string, capacity int, schedule *time.Time) program.ProgramID {
	t.Helper()
	p := program.Program{
		ID:               program.ProgramID(id),
		Name:             "Program " + id,
		DistributionType: program.DistributionCash,
		Status:           program.StatusApproved,
		Capacity:         capacity,
		TotalAmount:      decimal.NewFromInt(1000),
		ScheduleDate:     schedule,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	require.NoError(t, f.store.SaveProgram(context.Background(), p))
	return p.ID
}

func (f *fixture) enroll(t *testing.T, progID program.ProgramID, person identity.PersonRef) allocation.Enrollment {
	t.Helper()
	result, err := f.ledger.Toggle(context.Background(), progID, person)
	require.NoError(t, err)
	require.Equal(t, allocation.ActionAdded, result.Action)
	return result.Enrollment
}

// =============================================================================
// REDEMPTION TESTS
// =============================================================================

func TestEngine_Redeem_HappyPath(t *testing.T) {
	// GIVEN: An enrolled resident with a credential
	// WHEN: Their card is scanned
	// THEN: The enrollment transitions to Released exactly once, with a
	//       history snapshot of person and program fields

	f := newFixture(t)
	ctx := context.Background()

	person := f.addResident(t, "res-1", "A1B2C3")
	progID := f.addProgram(t, "prog-1", 5, nil)
	f.enroll(t, progID, person)

	result, err := f.engine.RedeemByCredential(ctx, "rfid a1b2c3", redemption.RedeemOptions{
		ReleasedBy: "operator-7",
		Remarks:    "window 2",
	})
	require.NoError(t, err)

	assert.Equal(t, identity.PersonID("res-1"), result.Person.ID)
	assert.Equal(t, program.ProgramID("prog-1"), result.Program.ID)
	assert.Equal(t, "Test res-1", result.History.PersonName)
	assert.Equal(t, "Poblacion", result.History.Barangay)
	assert.Equal(t, "operator-7", result.History.ReleasedBy)
	assert.True(t, result.History.TotalAmount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 0, result.RemainingPending)
	assert.True(t, result.ProgramComplete)

	// The enrollment is now Released with a timestamp.
	e, err := f.store.GetEnrollment(ctx, progID, person)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, allocation.EnrollmentReleased, e.Status)
	assert.NotNil(t, e.ReleasedAt)

	// And the history record is queryable by day.
	records, err := f.store.ListHistoryOn(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, result.History.ID, records[0].ID)
}

func TestEngine_Redeem_DuplicateScan(t *testing.T) {
	// GIVEN: A credential already redeemed
	// WHEN: Scanning it again
	// THEN: ErrNoPendingEntitlement (the pending enrollment is gone), and
	//       still exactly one history record

	f := newFixture(t)
	ctx := context.Background()

	person := f.addResident(t, "res-1", "A1B2C3")
	progID := f.addProgram(t, "prog-1", 5, nil)
	f.enroll(t, progID, person)

	_, err := f.engine.RedeemByCredential(ctx, "A1B2C3", redemption.RedeemOptions{})
	require.NoError(t, err)

	_, err = f.engine.RedeemByCredential(ctx, "A1B2C3", redemption.RedeemOptions{})
	assert.ErrorIs(t, err, allocation.ErrNoPendingEntitlement)

	records, err := f.store.ListHistoryByProgram(ctx, progID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEngine_Redeem_UnknownCredential(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RedeemByCredential(context.Background(), "NOPE", redemption.RedeemOptions{})
	assert.ErrorIs(t, err, identity.ErrPersonNotFound)
}

func TestEngine_Redeem_NothingPending(t *testing.T) {
	// Known person, no enrollment.
	f := newFixture(t)
	f.addResident(t, "res-1", "A1B2C3")

	_, err := f.engine.RedeemByCredential(context.Background(), "A1B2C3", redemption.RedeemOptions{})
	assert.ErrorIs(t, err, allocation.ErrNoPendingEntitlement)
}

func TestEngine_Redeem_EarliestScheduleWins(t *testing.T) {
	// GIVEN: A person enrolled in three programs - one unscheduled, one
	//        next week, one tomorrow
	// WHEN: Scanning
	// THEN: The program scheduled tomorrow is redeemed; unscheduled last

	f := newFixture(t)
	ctx := context.Background()

	person := f.addResident(t, "res-1", "A1B2C3")
	tomorrow := time.Now().AddDate(0, 0, 1)
	nextWeek := time.Now().AddDate(0, 0, 7)

	unscheduled := f.addProgram(t, "prog-unscheduled", 5, nil)
	later := f.addProgram(t, "prog-later", 5, &nextWeek)
	soon := f.addProgram(t, "prog-soon", 5, &tomorrow)

	f.enroll(t, unscheduled, person)
	f.enroll(t, later, person)
	f.enroll(t, soon, person)

	result, err := f.engine.RedeemByCredential(ctx, "A1B2C3", redemption.RedeemOptions{})
	require.NoError(t, err)
	assert.Equal(t, soon, result.Program.ID)

	result, err = f.engine.RedeemByCredential(ctx, "A1B2C3", redemption.RedeemOptions{})
	require.NoError(t, err)
	assert.Equal(t, later, result.Program.ID)

	result, err = f.engine.RedeemByCredential(ctx, "A1B2C3", redemption.RedeemOptions{})
	require.NoError(t, err)
	assert.Equal(t, unscheduled, result.Program.ID)
}

func TestEngine_Redeem_ProgramCompleteSignal(t *testing.T) {
	// Two enrollments: the first redemption reports 1 remaining, the
	// second reports completion. Program status stays Approved - advancing
	// it is the operator's call.

	f := newFixture(t)
	ctx := context.Background()

	p1 := f.addResident(t, "res-1", "AAAA01")
	p2 := f.addResident(t, "res-2", "AAAA02")
	progID := f.addProgram(t, "prog-1", 5, nil)
	f.enroll(t, progID, p1)
	f.enroll(t, progID, p2)

	result, err := f.engine.RedeemByCredential(ctx, "AAAA01", redemption.RedeemOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RemainingPending)
	assert.False(t, result.ProgramComplete)

	result, err = f.engine.RedeemByCredential(ctx, "AAAA02", redemption.RedeemOptions{})
	require.NoError(t, err)
	assert.True(t, result.ProgramComplete)

	prog, err := f.store.GetProgram(ctx, progID)
	require.NoError(t, err)
	assert.Equal(t, program.StatusApproved, prog.Status, "completion never auto-advances status")
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestEngine_ConcurrentScans_ExactlyOneRelease(t *testing.T) {
	// GIVEN: One pending enrollment
	// WHEN: 10 terminals scan the same card at once
	// THEN: Exactly one scan releases; the rest are benign no-ops; one
	//       history record exists

	f := newFixture(t)
	ctx := context.Background()

	person := f.addResident(t, "res-1", "A1B2C3")
	progID := f.addProgram(t, "prog-1", 5, nil)
	f.enroll(t, progID, person)

	const scans = 10
	var wg sync.WaitGroup
	errs := make([]error, scans)

	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.RedeemByCredential(ctx, "A1B2C3", redemption.RedeemOptions{})
		}(i)
	}
	wg.Wait()

	released := 0
	for _, err := range errs {
		if err == nil {
			released++
			continue
		}
		// Losers either raced the conditional release or found the pending
		// enrollment already gone. Both are benign.
		benign := errors.Is(err, allocation.ErrAlreadyReleased) ||
			errors.Is(err, allocation.ErrNoPendingEntitlement)
		assert.True(t, benign, "unexpected error: %v", err)
	}
	assert.Equal(t, 1, released)

	records, err := f.store.ListHistoryByProgram(ctx, progID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestEngine_Redeem_PublishesRedeemedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	person := f.addResident(t, "res-1", "A1B2C3")
	progID := f.addProgram(t, "prog-1", 5, nil)
	f.enroll(t, progID, person)

	events, cancel := f.notifier.Subscribe(notify.TopicRedeemed)
	defer cancel()

	_, err := f.engine.RedeemByCredential(ctx, "A1B2C3", redemption.RedeemOptions{})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, notify.TopicRedeemed, ev.Topic)
		assert.Equal(t, string(progID), ev.ProgramID)
		assert.Equal(t, "res-1", ev.PersonID)
		assert.NotNil(t, ev.ReleasedAt)
		assert.True(t, ev.ProgramComplete)
	case <-time.After(time.Second):
		t.Fatal("expected a redeemed event")
	}
}

// =============================================================================
// PREVIEW TESTS
// =============================================================================

func TestEngine_Preview_DoesNotMutate(t *testing.T) {
	// GIVEN: A pending enrollment
	// WHEN: Previewing the scan twice
	// THEN: Both previews show the same entitlement and nothing changes

	f := newFixture(t)
	ctx := context.Background()

	person := f.addResident(t, "res-1", "A1B2C3")
	progID := f.addProgram(t, "prog-1", 5, nil)
	f.enroll(t, progID, person)

	for i := 0; i < 2; i++ {
		result, err := f.engine.PreviewByCredential(ctx, "A1B2C3")
		require.NoError(t, err)
		assert.Equal(t, progID, result.Program.ID)
	}

	e, err := f.store.GetEnrollment(ctx, progID, person)
	require.NoError(t, err)
	assert.Equal(t, allocation.EnrollmentPending, e.Status)

	records, err := f.store.ListHistoryByProgram(ctx, progID)
	require.NoError(t, err)
	assert.Empty(t, records)
}
