/*
handlers.go - HTTP API handlers for the assistance distribution engine

PURPOSE:
  Exposes the allocation and redemption engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Programs:
    GET    /api/programs                    List all programs
    POST   /api/programs                    Create program
    GET    /api/programs/{id}               Get program details
    POST   /api/programs/{id}/status        Advance lifecycle status
    GET    /api/programs/{id}/capacity      Slot usage for display
    GET    /api/programs/{id}/enrollments   List enrollments
    POST   /api/programs/{id}/enrollments   Toggle enrollments

  Scans:
    POST   /api/scans                       Redeem by credential
    GET    /api/scans/{credential}/preview  Read-only scan preview

  Registries:
    GET/POST /api/residents                 Resident registry
    GET/POST /api/beneficiaries             Beneficiary registry

  Reporting:
    GET    /api/history?on=YYYY-MM-DD       Day's distribution report
    GET    /api/history?program_id=...      Per-program history

  Events:
    GET    /api/events/ws                   Websocket event stream

  Scenarios:
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown program, credential, or pending entitlement
  - 409: Capacity reached, status transition conflicts
  - 500: Internal errors, data integrity problems

  A duplicate scan (enrollment already released) is NOT an error: the
  terminal gets 200 with status "already_released" so operators see
  "nothing to release" instead of a failure.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/notify"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// DataStore is the persistence surface the handlers use directly, beyond
// what the domain engines already wrap: registry writes, raw listings, and
// the dev-only reset used by scenarios.
type DataStore interface {
	SavePerson(ctx context.Context, p identity.Person) error
	ListPersons(ctx context.Context, variant identity.Variant) ([]identity.Person, error)
	ListByProgram(ctx context.Context, id program.ProgramID) ([]allocation.Enrollment, error)
	ListHistoryOn(ctx context.Context, day time.Time) ([]redemption.HistoryRecord, error)
	ListHistoryByProgram(ctx context.Context, id program.ProgramID) ([]redemption.HistoryRecord, error)
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Registry *program.Registry
	Ledger   *allocation.Ledger
	Engine   *redemption.Engine
	Store    DataStore
	Hub      *notify.Hub

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler wired to the domain engines.
func NewHandler(registry *program.Registry, ledger *allocation.Ledger, engine *redemption.Engine, store DataStore, hub *notify.Hub) *Handler {
	return &Handler{
		Registry: registry,
		Ledger:   ledger,
		Engine:   engine,
		Store:    store,
		Hub:      hub,
	}
}

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

// ListPrograms returns all programs.
func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := h.Registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list programs", err)
		return
	}

	dtos := make([]ProgramDTO, len(programs))
	for i, p := range programs {
		dtos[i] = toProgramDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetProgram returns a single program.
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	id := program.ProgramID(chi.URLParam(r, "id"))

	p, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(*p))
}

// CreateProgram creates a new program in Pending status.
func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var req CreateProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	total := decimal.Zero
	if req.TotalAmount != "" {
		var err error
		total, err = decimal.NewFromString(req.TotalAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid total_amount", err)
			return
		}
	}

	var schedule *time.Time
	if req.ScheduleDate != nil && *req.ScheduleDate != "" {
		t, err := time.Parse("2006-01-02", *req.ScheduleDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid schedule_date format (use YYYY-MM-DD)", err)
			return
		}
		schedule = &t
	}

	p, err := h.Registry.Create(r.Context(), program.Program{
		ID:               program.ProgramID(id),
		Name:             req.Name,
		DistributionType: program.DistributionType(req.DistributionType),
		Capacity:         req.Capacity,
		Items:            req.Items,
		TotalAmount:      total,
		ScheduleDate:     schedule,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program", err)
		return
	}

	writeJSON(w, http.StatusCreated, toProgramDTO(p))
}

// AdvanceStatus moves a program through its lifecycle.
func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	id := program.ProgramID(chi.URLParam(r, "id"))

	var req AdvanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Registry.Advance(r.Context(), id, program.Status(req.Status), req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(*p))
}

// GetCapacity returns current slot usage. Display-only: the enforcement
// lives in the allocation store's conditional insert.
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	id := program.ProgramID(chi.URLParam(r, "id"))

	info, err := h.Registry.CapacityInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// ListEnrollments returns all enrollments for a program.
func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	id := program.ProgramID(chi.URLParam(r, "id"))

	if _, err := h.Registry.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	enrollments, err := h.Store.ListByProgram(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list enrollments", err)
		return
	}

	dtos := make([]EnrollmentDTO, len(enrollments))
	for i, e := range enrollments {
		dtos[i] = toEnrollmentDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ToggleEnrollments adds or removes enrollments. One person means a single
// toggle; several means an all-or-nothing bulk toggle.
func (h *Handler) ToggleEnrollments(w http.ResponseWriter, r *http.Request) {
	programID := program.ProgramID(chi.URLParam(r, "id"))

	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Persons) == 0 {
		writeError(w, http.StatusBadRequest, "At least one person is required", nil)
		return
	}

	refs := make([]identity.PersonRef, len(req.Persons))
	for i, p := range req.Persons {
		refs[i] = identity.PersonRef{Variant: identity.Variant(p.Variant), ID: identity.PersonID(p.ID)}
	}

	ctx := r.Context()
	if len(refs) == 1 {
		result, err := h.Ledger.Toggle(ctx, programID, refs[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		e := toEnrollmentDTO(result.Enrollment)
		writeJSON(w, http.StatusOK, ToggleResponse{
			Action:          string(result.Action),
			Enrollment:      &e,
			RemainingSlots:  result.RemainingSlots,
			RemovedReleased: result.RemovedReleased,
		})
		return
	}

	result, err := h.Ledger.BulkToggle(ctx, programID, refs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{
		Action:         string(result.Action),
		AddedCount:     result.AddedCount,
		RemovedCount:   result.RemovedCount,
		RemainingSlots: result.RemainingSlots,
	})
}

// =============================================================================
// SCAN HANDLERS
// =============================================================================

// Scan redeems the scanned person's single pending entitlement.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Credential == "" {
		writeError(w, http.StatusBadRequest, "Credential is required", nil)
		return
	}

	result, err := h.Engine.RedeemByCredential(r.Context(), req.Credential, redemption.RedeemOptions{
		ReleasedBy: req.ReleasedBy,
		Remarks:    req.Remarks,
	})
	if err != nil {
		if errors.Is(err, allocation.ErrAlreadyReleased) {
			// A concurrent duplicate scan won. Nothing to release, nothing
			// went wrong.
			writeJSON(w, http.StatusOK, ScanResponse{Status: "already_released"})
			return
		}
		writeDomainError(w, err)
		return
	}

	person := toPersonDTO(result.Person)
	prog := toProgramDTO(result.Program)
	history := toHistoryDTO(result.History)
	writeJSON(w, http.StatusOK, ScanResponse{
		Status:           "released",
		Person:           &person,
		Program:          &prog,
		History:          &history,
		RemainingPending: result.RemainingPending,
		ProgramComplete:  result.ProgramComplete,
	})
}

// PreviewScan resolves the credential and reports what a scan WOULD
// release, without mutating state.
func (h *Handler) PreviewScan(w http.ResponseWriter, r *http.Request) {
	credential := chi.URLParam(r, "credential")

	result, err := h.Engine.PreviewByCredential(r.Context(), credential)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	person := toPersonDTO(result.Person)
	prog := toProgramDTO(result.Program)
	writeJSON(w, http.StatusOK, ScanResponse{
		Status:  "pending",
		Person:  &person,
		Program: &prog,
	})
}

// =============================================================================
// REGISTRY HANDLERS
// =============================================================================

// ListResidents returns the resident registry.
func (h *Handler) ListResidents(w http.ResponseWriter, r *http.Request) {
	h.listPersons(w, r, identity.VariantResident)
}

// ListBeneficiaries returns the beneficiary registry.
func (h *Handler) ListBeneficiaries(w http.ResponseWriter, r *http.Request) {
	h.listPersons(w, r, identity.VariantBeneficiary)
}

func (h *Handler) listPersons(w http.ResponseWriter, r *http.Request, variant identity.Variant) {
	persons, err := h.Store.ListPersons(r.Context(), variant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list persons", err)
		return
	}

	dtos := make([]PersonDTO, len(persons))
	for i, p := range persons {
		dtos[i] = toPersonDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateResident registers a resident.
func (h *Handler) CreateResident(w http.ResponseWriter, r *http.Request) {
	h.createPerson(w, r, identity.VariantResident)
}

// CreateBeneficiary registers a beneficiary.
func (h *Handler) CreateBeneficiary(w http.ResponseWriter, r *http.Request) {
	h.createPerson(w, r, identity.VariantBeneficiary)
}

func (h *Handler) createPerson(w http.ResponseWriter, r *http.Request, variant identity.Variant) {
	var req CreatePersonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "First and last name are required", nil)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	p := identity.Person{
		ID:           identity.PersonID(id),
		Variant:      variant,
		FirstName:    req.FirstName,
		MiddleName:   req.MiddleName,
		LastName:     req.LastName,
		HouseholdID:  req.HouseholdID,
		Barangay:     req.Barangay,
		Municipality: req.Municipality,
		CredentialID: identity.NormalizeCredential(req.CredentialID),
		CreatedAt:    time.Now(),
	}

	if err := h.Store.SavePerson(r.Context(), p); err != nil {
		// Credential collisions are the only expected save failure.
		writeError(w, http.StatusConflict, "Failed to save person", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPersonDTO(p))
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

// GetHistory returns distribution history, filtered by day (?on=YYYY-MM-DD,
// default today) or by program (?program_id=...).
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if programID := r.URL.Query().Get("program_id"); programID != "" {
		records, err := h.Store.ListHistoryByProgram(ctx, program.ProgramID(programID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get history", err)
			return
		}
		writeJSON(w, http.StatusOK, toHistoryDTOs(records))
		return
	}

	day := time.Now().UTC()
	if on := r.URL.Query().Get("on"); on != "" {
		t, err := time.Parse("2006-01-02", on)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		day = t
	}

	records, err := h.Store.ListHistoryOn(ctx, day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(records))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ServeEvents upgrades the connection to a websocket fed by the hub.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeWS(w, r)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors onto HTTP statuses. Capacity
// rejections keep their exact slot counts in the response body.
func writeDomainError(w http.ResponseWriter, err error) {
	var capErr *allocation.CapacityExceededError
	if errors.As(err, &capErr) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     err.Error(),
			Remaining: &capErr.Remaining,
			Capacity:  &capErr.Capacity,
		})
		return
	}
	var bulkErr *allocation.BulkCapacityError
	if errors.As(err, &bulkErr) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     err.Error(),
			Details:   fmt.Sprintf("tried to add %d", bulkErr.AttemptedToAdd),
			Remaining: &bulkErr.Remaining,
			Capacity:  &bulkErr.Capacity,
		})
		return
	}

	var transitionErr *program.InvalidTransitionError
	switch {
	case errors.Is(err, identity.ErrPersonNotFound):
		writeError(w, http.StatusNotFound, "Credential not recognized", err)
	case errors.Is(err, program.ErrProgramNotFound):
		writeError(w, http.StatusNotFound, "Program not found", err)
	case errors.Is(err, allocation.ErrNoPendingEntitlement):
		writeError(w, http.StatusNotFound, "No pending entitlement", err)
	case errors.Is(err, allocation.ErrProgramNotAccepting):
		writeError(w, http.StatusConflict, "Program not accepting enrollments", err)
	case errors.Is(err, program.ErrPendingEnrollments):
		writeError(w, http.StatusConflict, "Program still has pending enrollments", err)
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, "Invalid status transition", err)
	case allocation.IsIntegrityError(err):
		writeError(w, http.StatusInternalServerError, "Data integrity problem, manual follow-up required", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
