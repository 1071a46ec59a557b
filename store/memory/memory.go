/*
Package memory provides an in-memory implementation of every persistence
contract in the system (for tests and dev).

PURPOSE:
  One Store backs the person registries, the program registry, the
  allocation ledger, and the history log, with the same conditional-write
  semantics as store/sqlite: capacity checked as part of the insert,
  release conditioned on current status, history deduplicated on
  enrollment id, credential unique across both person variants.

CONCURRENCY:
  A single mutex guards all state. WithTx snapshots enrollment state and
  restores it when the closure fails, so bulk operations are genuinely
  all-or-nothing here too.

SEE ALSO:
  - store/sqlite/sqlite.go: Production implementation
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
)

type pairKey struct {
	ProgramID program.ProgramID
	Person    identity.PersonRef
}

// Store is the in-memory backing store.
type Store struct {
	mu sync.RWMutex

	persons      map[identity.PersonRef]identity.Person
	byCredential map[string]identity.PersonRef

	programs map[program.ProgramID]program.Program

	enrollments map[allocation.EnrollmentID]allocation.Enrollment
	byPair      map[pairKey]allocation.EnrollmentID

	history      []redemption.HistoryRecord
	archivedOnce map[allocation.EnrollmentID]bool
}

func New() *Store {
	return &Store{
		persons:      make(map[identity.PersonRef]identity.Person),
		byCredential: make(map[string]identity.PersonRef),
		programs:     make(map[program.ProgramID]program.Program),
		enrollments:  make(map[allocation.EnrollmentID]allocation.Enrollment),
		byPair:       make(map[pairKey]allocation.EnrollmentID),
		archivedOnce: make(map[allocation.EnrollmentID]bool),
	}
}

// =============================================================================
// PERSONS + DIRECTORIES
// =============================================================================

// SavePerson upserts a person, enforcing credential uniqueness across
// BOTH variants.
func (s *Store) SavePerson(ctx context.Context, p identity.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := identity.NormalizeCredential(p.CredentialID)
	if cred != "" {
		if owner, taken := s.byCredential[cred]; taken && owner != p.Ref() {
			return fmt.Errorf("credential %s already assigned to %s %s", cred, owner.Variant, owner.ID)
		}
	}

	// Drop a previously held credential on reassignment.
	if old, ok := s.persons[p.Ref()]; ok && old.CredentialID != "" && old.CredentialID != cred {
		delete(s.byCredential, old.CredentialID)
	}

	p.CredentialID = cred
	s.persons[p.Ref()] = p
	if cred != "" {
		s.byCredential[cred] = p.Ref()
	}
	return nil
}

// ListPersons returns all persons of one variant, by id.
func (s *Store) ListPersons(ctx context.Context, variant identity.Variant) ([]identity.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []identity.Person
	for ref, p := range s.persons {
		if ref.Variant == variant {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Directory returns the read-only lookup capability for one variant.
func (s *Store) Directory(variant identity.Variant) identity.Directory {
	return &directory{store: s, variant: variant}
}

type directory struct {
	store   *Store
	variant identity.Variant
}

func (d *directory) Variant() identity.Variant { return d.variant }

func (d *directory) FindByCredential(ctx context.Context, credential string) (*identity.Person, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	ref, ok := d.store.byCredential[credential]
	if !ok || ref.Variant != d.variant {
		return nil, nil
	}
	p := d.store.persons[ref]
	return &p, nil
}

func (d *directory) FindByID(ctx context.Context, id identity.PersonID) (*identity.Person, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	p, ok := d.store.persons[identity.PersonRef{Variant: d.variant, ID: id}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// =============================================================================
// PROGRAMS
// =============================================================================

func (s *Store) SaveProgram(ctx context.Context, p program.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.ID] = p
	return nil
}

func (s *Store) GetProgram(ctx context.Context, id program.ProgramID) (*program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProgramLocked(id), nil
}

func (s *Store) getProgramLocked(id program.ProgramID) *program.Program {
	p, ok := s.programs[id]
	if !ok {
		return nil
	}
	return &p
}

func (s *Store) ListPrograms(ctx context.Context) ([]program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]program.Program, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateProgramStatus(ctx context.Context, id program.ProgramID, from, to program.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.programs[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	s.programs[id] = p
	return true, nil
}

// =============================================================================
// ENROLLMENTS (allocation.TxStore)
// =============================================================================

func (s *Store) GetEnrollment(ctx context.Context, programID program.ProgramID, person identity.PersonRef) (*allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEnrollmentLocked(programID, person), nil
}

func (s *Store) getEnrollmentLocked(programID program.ProgramID, person identity.PersonRef) *allocation.Enrollment {
	id, ok := s.byPair[pairKey{ProgramID: programID, Person: person}]
	if !ok {
		return nil
	}
	e := s.enrollments[id]
	return &e
}

func (s *Store) GetEnrollmentsFor(ctx context.Context, programID program.ProgramID, persons []identity.PersonRef) ([]allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []allocation.Enrollment
	for _, person := range persons {
		if e := s.getEnrollmentLocked(programID, person); e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) ListByProgram(ctx context.Context, programID program.ProgramID) ([]allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []allocation.Enrollment
	for _, e := range s.enrollments {
		if e.ProgramID == programID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CountByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(programID, ""), nil
}

func (s *Store) CountPendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(programID, allocation.EnrollmentPending), nil
}

func (s *Store) countLocked(programID program.ProgramID, status allocation.EnrollmentStatus) int {
	n := 0
	for _, e := range s.enrollments {
		if e.ProgramID == programID && (status == "" || e.Status == status) {
			n++
		}
	}
	return n
}

// InsertIfCapacity enforces the capacity bound at write time.
func (s *Store) InsertIfCapacity(ctx context.Context, e allocation.Enrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertIfCapacityLocked(e)
}

func (s *Store) insertIfCapacityLocked(e allocation.Enrollment) (bool, error) {
	p, ok := s.programs[e.ProgramID]
	if !ok {
		return false, program.ErrProgramNotFound
	}
	k := pairKey{ProgramID: e.ProgramID, Person: e.Person}
	if _, exists := s.byPair[k]; exists {
		return false, fmt.Errorf("enrollment already exists for %s/%s %s", e.ProgramID, e.Person.Variant, e.Person.ID)
	}
	if p.Capacity > 0 && s.countLocked(e.ProgramID, "") >= p.Capacity {
		return false, nil
	}
	s.enrollments[e.ID] = e
	s.byPair[k] = e.ID
	return true, nil
}

func (s *Store) DeleteEnrollment(ctx context.Context, id allocation.EnrollmentID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteEnrollmentLocked(id), nil
}

func (s *Store) deleteEnrollmentLocked(id allocation.EnrollmentID) bool {
	e, ok := s.enrollments[id]
	if !ok {
		return false
	}
	delete(s.enrollments, id)
	delete(s.byPair, pairKey{ProgramID: e.ProgramID, Person: e.Person})
	return true
}

func (s *Store) DeletePendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.enrollments {
		if e.ProgramID == programID && e.Status == allocation.EnrollmentPending {
			s.deleteEnrollmentLocked(id)
			n++
		}
	}
	return n, nil
}

// WithTx executes fn under the store mutex, restoring enrollment state on
// error so failed bulk operations leave the ledger completely unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(allocation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	if err := fn(&txView{store: s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

type enrollmentSnapshot struct {
	enrollments map[allocation.EnrollmentID]allocation.Enrollment
	byPair      map[pairKey]allocation.EnrollmentID
}

func (s *Store) snapshotLocked() enrollmentSnapshot {
	enrollments := make(map[allocation.EnrollmentID]allocation.Enrollment, len(s.enrollments))
	for k, v := range s.enrollments {
		enrollments[k] = v
	}
	byPair := make(map[pairKey]allocation.EnrollmentID, len(s.byPair))
	for k, v := range s.byPair {
		byPair[k] = v
	}
	return enrollmentSnapshot{enrollments: enrollments, byPair: byPair}
}

func (s *Store) restoreLocked(snap enrollmentSnapshot) {
	s.enrollments = snap.enrollments
	s.byPair = snap.byPair
}

// txView runs store operations with the mutex already held by WithTx.
type txView struct {
	store *Store
}

func (tv *txView) GetProgram(ctx context.Context, id program.ProgramID) (*program.Program, error) {
	return tv.store.getProgramLocked(id), nil
}

func (tv *txView) GetEnrollment(ctx context.Context, programID program.ProgramID, person identity.PersonRef) (*allocation.Enrollment, error) {
	return tv.store.getEnrollmentLocked(programID, person), nil
}

func (tv *txView) GetEnrollmentsFor(ctx context.Context, programID program.ProgramID, persons []identity.PersonRef) ([]allocation.Enrollment, error) {
	var out []allocation.Enrollment
	for _, person := range persons {
		if e := tv.store.getEnrollmentLocked(programID, person); e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (tv *txView) ListByProgram(ctx context.Context, programID program.ProgramID) ([]allocation.Enrollment, error) {
	var out []allocation.Enrollment
	for _, e := range tv.store.enrollments {
		if e.ProgramID == programID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tv *txView) CountByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	return tv.store.countLocked(programID, ""), nil
}

func (tv *txView) CountPendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	return tv.store.countLocked(programID, allocation.EnrollmentPending), nil
}

func (tv *txView) InsertIfCapacity(ctx context.Context, e allocation.Enrollment) (bool, error) {
	return tv.store.insertIfCapacityLocked(e)
}

func (tv *txView) DeleteEnrollment(ctx context.Context, id allocation.EnrollmentID) (bool, error) {
	return tv.store.deleteEnrollmentLocked(id), nil
}

func (tv *txView) DeletePendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	n := 0
	for id, e := range tv.store.enrollments {
		if e.ProgramID == programID && e.Status == allocation.EnrollmentPending {
			tv.store.deleteEnrollmentLocked(id)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// REDEMPTION (redemption.Store)
// =============================================================================

func (s *Store) FindEarliestPending(ctx context.Context, person identity.PersonRef) (*allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []allocation.Enrollment
	for _, e := range s.enrollments {
		if e.Person == person && e.Status == allocation.EnrollmentPending {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Earliest program schedule date first (unscheduled last), then
	// enrollment creation time, then id for determinism.
	sort.Slice(candidates, func(i, j int) bool {
		si := s.scheduleLocked(candidates[i].ProgramID)
		sj := s.scheduleLocked(candidates[j].ProgramID)
		switch {
		case si != nil && sj != nil && !si.Equal(*sj):
			return si.Before(*sj)
		case si != nil && sj == nil:
			return true
		case si == nil && sj != nil:
			return false
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	e := candidates[0]
	return &e, nil
}

func (s *Store) scheduleLocked(id program.ProgramID) *time.Time {
	p, ok := s.programs[id]
	if !ok {
		return nil
	}
	return p.ScheduleDate
}

// ReleaseAndArchive is the single atomic conditional release.
func (s *Store) ReleaseAndArchive(ctx context.Context, id allocation.EnrollmentID, rec redemption.HistoryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok || e.Status != allocation.EnrollmentPending {
		return false, nil
	}
	if s.archivedOnce[id] {
		return false, nil
	}

	releasedAt := rec.ReleasedAt
	e.Status = allocation.EnrollmentReleased
	e.ReleasedAt = &releasedAt
	s.enrollments[id] = e

	s.history = append(s.history, rec)
	s.archivedOnce[id] = true
	return true, nil
}

func (s *Store) ListHistoryOn(ctx context.Context, day time.Time) ([]redemption.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// UTC day boundaries, same bucketing as the sqlite store.
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	var out []redemption.HistoryRecord
	for _, rec := range s.history {
		if released := rec.ReleasedAt.UTC(); !released.Before(start) && released.Before(end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) ListHistoryByProgram(ctx context.Context, id program.ProgramID) ([]redemption.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []redemption.HistoryRecord
	for _, rec := range s.history {
		if rec.ProgramID == id {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReleasedAt.Before(out[j].ReleasedAt) })
	return out, nil
}

// Reset clears all state. Dev/scenario use only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persons = make(map[identity.PersonRef]identity.Person)
	s.byCredential = make(map[string]identity.PersonRef)
	s.programs = make(map[program.ProgramID]program.Program)
	s.enrollments = make(map[allocation.EnrollmentID]allocation.Enrollment)
	s.byPair = make(map[pairKey]allocation.EnrollmentID)
	s.history = nil
	s.archivedOnce = make(map[allocation.EnrollmentID]bool)
	return nil
}
