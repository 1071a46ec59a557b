/*
Package sqlite provides the SQLite-backed implementation of every
persistence contract in the system.

PURPOSE:
  One Store implements the person registries (identity.Directory per
  variant), program persistence (program.Store), the enrollment ledger
  (allocation.TxStore) and the history log (redemption.Store). In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

CONDITIONAL WRITES ARE THE POINT:
  - Enrollment insert: the capacity bound is expressed INSIDE the INSERT
    statement (INSERT ... SELECT ... WHERE the count is below capacity),
    so the bound is enforced as part of the write, never by a count read
    in application code followed by a separate insert.
  - Release: a single UPDATE conditioned on status='Pending'; the
    rows-affected count tells a duplicate scan from a first scan.
  - History: UNIQUE(enrollment_id) makes retried archival idempotent.

UNIQUE INDEXES AS INVARIANT BACKSTOP:
  idx_enrollments_pair:    one enrollment per (program, person)
  idx_persons_credential:  one owner per credential across BOTH variants
  history.enrollment_id:   at most one history record per enrollment

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): multiple readers don't
  block, single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/ayuda.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - allocation/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The mutex serializes writers in-process; a single connection keeps
	// ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Persons (both registries in one table, variant-tagged)
	CREATE TABLE IF NOT EXISTS persons (
		variant TEXT NOT NULL,
		id TEXT NOT NULL,
		first_name TEXT NOT NULL,
		middle_name TEXT,
		last_name TEXT NOT NULL,
		household_id TEXT,
		barangay TEXT,
		municipality TEXT,
		credential_id TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (variant, id)
	);

	-- A credential has exactly one owner across BOTH variants
	CREATE UNIQUE INDEX IF NOT EXISTS idx_persons_credential
		ON persons(credential_id)
		WHERE credential_id IS NOT NULL AND credential_id != '';

	-- Programs
	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		distribution_type TEXT NOT NULL,
		status TEXT NOT NULL,
		capacity INTEGER NOT NULL DEFAULT 0,
		items_json TEXT,
		total_amount TEXT NOT NULL DEFAULT '0',
		schedule_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Enrollments (the allocation ledger)
	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		person_variant TEXT NOT NULL,
		person_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		released_at TEXT
	);

	-- One enrollment per (program, person)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_pair
		ON enrollments(program_id, person_variant, person_id);
	CREATE INDEX IF NOT EXISTS idx_enrollments_person_status
		ON enrollments(person_variant, person_id, status);
	CREATE INDEX IF NOT EXISTS idx_enrollments_program
		ON enrollments(program_id);

	-- History (immutable: INSERT only, no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL UNIQUE,
		program_id TEXT NOT NULL,
		program_name TEXT,
		distribution_type TEXT,
		person_variant TEXT NOT NULL,
		person_id TEXT NOT NULL,
		person_name TEXT,
		barangay TEXT,
		municipality TEXT,
		items_json TEXT,
		total_amount TEXT,
		released_by TEXT,
		remarks TEXT,
		released_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_released_at ON history(released_at);
	CREATE INDEX IF NOT EXISTS idx_history_program ON history(program_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PERSON STORE + DIRECTORIES (identity.Directory)
// =============================================================================

// SavePerson upserts a person. Credential uniqueness across both variants
// is enforced by idx_persons_credential.
func (s *Store) SavePerson(ctx context.Context, p identity.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := identity.NormalizeCredential(p.CredentialID)
	query := `
		INSERT INTO persons (variant, id, first_name, middle_name, last_name,
		                     household_id, barangay, municipality, credential_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(variant, id) DO UPDATE SET
			first_name = excluded.first_name,
			middle_name = excluded.middle_name,
			last_name = excluded.last_name,
			household_id = excluded.household_id,
			barangay = excluded.barangay,
			municipality = excluded.municipality,
			credential_id = excluded.credential_id
	`
	_, err := s.db.ExecContext(ctx, query,
		p.Variant, p.ID, p.FirstName, p.MiddleName, p.LastName,
		p.HouseholdID, p.Barangay, p.Municipality, nullString(cred),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("credential %s already assigned", cred)
		}
		return fmt.Errorf("failed to save person: %w", err)
	}
	return nil
}

// ListPersons returns all persons of one variant, by id.
func (s *Store) ListPersons(ctx context.Context, variant identity.Variant) ([]identity.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := personSelect + ` WHERE variant = ? ORDER BY id ASC`
	return s.queryPersons(ctx, query, variant)
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

	query := personSelect + ` WHERE variant = ? AND credential_id = ?`
	return d.store.queryPerson(ctx, query, d.variant, credential)
}

func (d *directory) FindByID(ctx context.Context, id identity.PersonID) (*identity.Person, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	query := personSelect + ` WHERE variant = ? AND id = ?`
	return d.store.queryPerson(ctx, query, d.variant, id)
}

const personSelect = `
	SELECT variant, id, first_name, middle_name, last_name,
	       household_id, barangay, municipality, credential_id, created_at
	FROM persons`

func (s *Store) queryPerson(ctx context.Context, query string, args ...any) (*identity.Person, error) {
	persons, err := s.queryPersons(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(persons) == 0 {
		return nil, nil
	}
	return &persons[0], nil
}

func (s *Store) queryPersons(ctx context.Context, query string, args ...any) ([]identity.Person, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query persons: %w", err)
	}
	defer rows.Close()

	var persons []identity.Person
	for rows.Next() {
		var (
			p          identity.Person
			middle     sql.NullString
			household  sql.NullString
			barangay   sql.NullString
			muni       sql.NullString
			credential sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&p.Variant, &p.ID, &p.FirstName, &middle, &p.LastName,
			&household, &barangay, &muni, &credential, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		p.MiddleName = middle.String
		p.HouseholdID = household.String
		p.Barangay = barangay.String
		p.Municipality = muni.String
		p.CredentialID = credential.String
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// =============================================================================
// PROGRAM STORE (program.Store)
// =============================================================================

func (s *Store) SaveProgram(ctx context.Context, p program.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	itemsJSON, _ := json.Marshal(p.Items)
	query := `
		INSERT INTO programs (id, name, distribution_type, status, capacity,
		                      items_json, total_amount, schedule_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			distribution_type = excluded.distribution_type,
			capacity = excluded.capacity,
			items_json = excluded.items_json,
			total_amount = excluded.total_amount,
			schedule_date = excluded.schedule_date,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.DistributionType, p.Status, p.Capacity,
		string(itemsJSON), p.TotalAmount.String(), nullTime(p.ScheduleDate),
		p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save program: %w", err)
	}
	return nil
}

func (s *Store) GetProgram(ctx context.Context, id program.ProgramID) (*program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProgram(ctx, s.db, id)
}

func (s *Store) getProgram(ctx context.Context, db dbtx, id program.ProgramID) (*program.Program, error) {
	programs, err := s.queryPrograms(ctx, db, programSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(programs) == 0 {
		return nil, nil
	}
	return &programs[0], nil
}

func (s *Store) ListPrograms(ctx context.Context) ([]program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPrograms(ctx, s.db, programSelect+` ORDER BY created_at ASC, id ASC`)
}

// UpdateProgramStatus is a conditional write: the transition only lands if
// the status is still `from`.
func (s *Store) UpdateProgramStatus(ctx context.Context, id program.ProgramID, from, to program.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE programs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC().Format(time.RFC3339), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update program status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const programSelect = `
	SELECT id, name, distribution_type, status, capacity,
	       items_json, total_amount, schedule_date, created_at, updated_at
	FROM programs`

func (s *Store) queryPrograms(ctx context.Context, db dbtx, query string, args ...any) ([]program.Program, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer rows.Close()

	var programs []program.Program
	for rows.Next() {
		var (
			p           program.Program
			itemsJSON   sql.NullString
			totalAmount string
			schedule    sql.NullString
			createdAt   string
			updatedAt   string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.DistributionType, &p.Status, &p.Capacity,
			&itemsJSON, &totalAmount, &schedule, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		if itemsJSON.Valid && itemsJSON.String != "" {
			json.Unmarshal([]byte(itemsJSON.String), &p.Items)
		}
		p.TotalAmount, _ = decimal.NewFromString(totalAmount)
		if schedule.Valid && schedule.String != "" {
			if t, err := time.Parse(time.RFC3339, schedule.String); err == nil {
				p.ScheduleDate = &t
			}
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// =============================================================================
// ENROLLMENT STORE (allocation.TxStore)
// =============================================================================

func (s *Store) GetEnrollment(ctx context.Context, programID program.ProgramID, person identity.PersonRef) (*allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEnrollment(ctx, s.db, programID, person)
}

func (s *Store) getEnrollment(ctx context.Context, db dbtx, programID program.ProgramID, person identity.PersonRef) (*allocation.Enrollment, error) {
	enrollments, err := s.queryEnrollments(ctx, db,
		enrollmentSelect+` WHERE program_id = ? AND person_variant = ? AND person_id = ?`,
		programID, person.Variant, person.ID)
	if err != nil {
		return nil, err
	}
	if len(enrollments) == 0 {
		return nil, nil
	}
	return &enrollments[0], nil
}

func (s *Store) GetEnrollmentsFor(ctx context.Context, programID program.ProgramID, persons []identity.PersonRef) ([]allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEnrollmentsFor(ctx, s.db, programID, persons)
}

func (s *Store) getEnrollmentsFor(ctx context.Context, db dbtx, programID program.ProgramID, persons []identity.PersonRef) ([]allocation.Enrollment, error) {
	var out []allocation.Enrollment
	for _, person := range persons {
		e, err := s.getEnrollment(ctx, db, programID, person)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) ListByProgram(ctx context.Context, programID program.ProgramID) ([]allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEnrollments(ctx, s.db,
		enrollmentSelect+` WHERE program_id = ? ORDER BY created_at ASC, id ASC`, programID)
}

func (s *Store) CountByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countByProgram(ctx, s.db, programID, "")
}

func (s *Store) CountPendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countByProgram(ctx, s.db, programID, allocation.EnrollmentPending)
}

func (s *Store) countByProgram(ctx context.Context, db dbtx, programID program.ProgramID, status allocation.EnrollmentStatus) (int, error) {
	query := `SELECT COUNT(*) FROM enrollments WHERE program_id = ?`
	args := []any{programID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	var count int
	err := db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// InsertIfCapacity inserts the enrollment with the capacity bound checked
// INSIDE the INSERT statement: the count-versus-capacity comparison and
// the write are one statement, so no interleaving can overfill a program.
func (s *Store) InsertIfCapacity(ctx context.Context, e allocation.Enrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertIfCapacity(ctx, s.db, e)
}

func (s *Store) insertIfCapacity(ctx context.Context, db dbtx, e allocation.Enrollment) (bool, error) {
	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM programs WHERE id = ?`, e.ProgramID).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, program.ErrProgramNotFound
	}

	query := `
		INSERT INTO enrollments (id, program_id, person_variant, person_id, status, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM programs p
			WHERE p.id = ?
			  AND (p.capacity = 0 OR
			       (SELECT COUNT(*) FROM enrollments e WHERE e.program_id = p.id) < p.capacity)
		)
	`
	res, err := db.ExecContext(ctx, query,
		e.ID, e.ProgramID, e.Person.Variant, e.Person.ID, e.Status,
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.ProgramID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, fmt.Errorf("enrollment already exists for %s/%s %s",
				e.ProgramID, e.Person.Variant, e.Person.ID)
		}
		return false, fmt.Errorf("failed to insert enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteEnrollment(ctx context.Context, id allocation.EnrollmentID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteEnrollment(ctx, s.db, id)
}

func (s *Store) deleteEnrollment(ctx context.Context, db dbtx, id allocation.EnrollmentID) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM enrollments WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) DeletePendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletePendingByProgram(ctx, s.db, programID)
}

func (s *Store) deletePendingByProgram(ctx context.Context, db dbtx, programID program.ProgramID) (int, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM enrollments WHERE program_id = ? AND status = ?`,
		programID, allocation.EnrollmentPending)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending enrollments: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const enrollmentSelect = `
	SELECT id, program_id, person_variant, person_id, status, created_at, released_at
	FROM enrollments`

func (s *Store) queryEnrollments(ctx context.Context, db dbtx, query string, args ...any) ([]allocation.Enrollment, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []allocation.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

func scanEnrollment(rows *sql.Rows) (allocation.Enrollment, error) {
	var (
		e          allocation.Enrollment
		createdAt  string
		releasedAt sql.NullString
	)
	err := rows.Scan(&e.ID, &e.ProgramID, &e.Person.Variant, &e.Person.ID,
		&e.Status, &createdAt, &releasedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan enrollment: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if releasedAt.Valid && releasedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, releasedAt.String); err == nil {
			e.ReleasedAt = &t
		}
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (allocation.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(allocation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) GetProgram(ctx context.Context, id program.ProgramID) (*program.Program, error) {
	return ts.parent.getProgram(ctx, ts.tx, id)
}

func (ts *txStore) GetEnrollment(ctx context.Context, programID program.ProgramID, person identity.PersonRef) (*allocation.Enrollment, error) {
	return ts.parent.getEnrollment(ctx, ts.tx, programID, person)
}

func (ts *txStore) GetEnrollmentsFor(ctx context.Context, programID program.ProgramID, persons []identity.PersonRef) ([]allocation.Enrollment, error) {
	return ts.parent.getEnrollmentsFor(ctx, ts.tx, programID, persons)
}

func (ts *txStore) ListByProgram(ctx context.Context, programID program.ProgramID) ([]allocation.Enrollment, error) {
	return ts.parent.queryEnrollments(ctx, ts.tx,
		enrollmentSelect+` WHERE program_id = ? ORDER BY created_at ASC, id ASC`, programID)
}

func (ts *txStore) CountByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	return ts.parent.countByProgram(ctx, ts.tx, programID, "")
}

func (ts *txStore) CountPendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	return ts.parent.countByProgram(ctx, ts.tx, programID, allocation.EnrollmentPending)
}

func (ts *txStore) InsertIfCapacity(ctx context.Context, e allocation.Enrollment) (bool, error) {
	return ts.parent.insertIfCapacity(ctx, ts.tx, e)
}

func (ts *txStore) DeleteEnrollment(ctx context.Context, id allocation.EnrollmentID) (bool, error) {
	return ts.parent.deleteEnrollment(ctx, ts.tx, id)
}

func (ts *txStore) DeletePendingByProgram(ctx context.Context, programID program.ProgramID) (int, error) {
	return ts.parent.deletePendingByProgram(ctx, ts.tx, programID)
}

// =============================================================================
// REDEMPTION STORE (redemption.Store)
// =============================================================================

// FindEarliestPending orders by program schedule date (unscheduled last),
// then enrollment creation time, then id for determinism.
func (s *Store) FindEarliestPending(ctx context.Context, person identity.PersonRef) (*allocation.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT e.id, e.program_id, e.person_variant, e.person_id, e.status, e.created_at, e.released_at
		FROM enrollments e
		LEFT JOIN programs p ON p.id = e.program_id
		WHERE e.person_variant = ? AND e.person_id = ? AND e.status = ?
		ORDER BY (p.schedule_date IS NULL) ASC, p.schedule_date ASC, e.created_at ASC, e.id ASC
		LIMIT 1
	`
	enrollments, err := s.queryEnrollments(ctx, s.db, query,
		person.Variant, person.ID, allocation.EnrollmentPending)
	if err != nil {
		return nil, err
	}
	if len(enrollments) == 0 {
		return nil, nil
	}
	return &enrollments[0], nil
}

// ReleaseAndArchive performs the conditional Pending->Released UPDATE and
// the history INSERT in one transaction. Returns false without writing
// when the enrollment is no longer pending (duplicate scan, or a racing
// removal won) or when the history record already exists (retry).
func (s *Store) ReleaseAndArchive(ctx context.Context, id allocation.EnrollmentID, rec redemption.HistoryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx,
		`UPDATE enrollments SET status = ?, released_at = ? WHERE id = ? AND status = ?`,
		allocation.EnrollmentReleased, rec.ReleasedAt.UTC().Format(time.RFC3339),
		id, allocation.EnrollmentPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	itemsJSON, _ := json.Marshal(rec.Items)
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO history (id, enrollment_id, program_id, program_name, distribution_type,
		                     person_variant, person_id, person_name, barangay, municipality,
		                     items_json, total_amount, released_by, remarks, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EnrollmentID, rec.ProgramID, rec.ProgramName, rec.DistributionType,
		rec.Person.Variant, rec.Person.ID, rec.PersonName, rec.Barangay, rec.Municipality,
		string(itemsJSON), rec.TotalAmount.String(), rec.ReleasedBy, rec.Remarks,
		rec.ReleasedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// A record for this enrollment already exists; nothing to redo.
			return false, nil
		}
		return false, fmt.Errorf("failed to append history: %w", err)
	}

	return true, sqlTx.Commit()
}

func (s *Store) ListHistoryOn(ctx context.Context, day time.Time) ([]redemption.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	query := historySelect + ` WHERE released_at >= ? AND released_at < ? ORDER BY released_at ASC`
	return s.queryHistory(ctx, query, start.Format(time.RFC3339), end.Format(time.RFC3339))
}

func (s *Store) ListHistoryByProgram(ctx context.Context, id program.ProgramID) ([]redemption.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryHistory(ctx, historySelect+` WHERE program_id = ? ORDER BY released_at ASC`, id)
}

const historySelect = `
	SELECT id, enrollment_id, program_id, program_name, distribution_type,
	       person_variant, person_id, person_name, barangay, municipality,
	       items_json, total_amount, released_by, remarks, released_at
	FROM history`

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]redemption.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []redemption.HistoryRecord
	for rows.Next() {
		var (
			rec         redemption.HistoryRecord
			programName sql.NullString
			personName  sql.NullString
			barangay    sql.NullString
			muni        sql.NullString
			itemsJSON   sql.NullString
			totalAmount sql.NullString
			releasedBy  sql.NullString
			remarks     sql.NullString
			releasedAt  string
		)
		if err := rows.Scan(&rec.ID, &rec.EnrollmentID, &rec.ProgramID, &programName,
			&rec.DistributionType, &rec.Person.Variant, &rec.Person.ID, &personName,
			&barangay, &muni, &itemsJSON, &totalAmount, &releasedBy, &remarks, &releasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		rec.ProgramName = programName.String
		rec.PersonName = personName.String
		rec.Barangay = barangay.String
		rec.Municipality = muni.String
		if itemsJSON.Valid && itemsJSON.String != "" {
			json.Unmarshal([]byte(itemsJSON.String), &rec.Items)
		}
		if totalAmount.Valid {
			rec.TotalAmount, _ = decimal.NewFromString(totalAmount.String)
		}
		rec.ReleasedBy = releasedBy.String
		rec.Remarks = remarks.String
		rec.ReleasedAt, _ = time.Parse(time.RFC3339, releasedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// Reset clears all tables. Dev/scenario use only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"history", "enrollments", "programs", "persons"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
