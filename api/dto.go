/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
)

// =============================================================================
// PROGRAM TYPES
// =============================================================================

// ProgramDTO represents a program in API responses.
type ProgramDTO struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	DistributionType string         `json:"distribution_type"`
	Status           string         `json:"status"`
	Capacity         int            `json:"capacity"`
	Items            []program.Item `json:"items,omitempty"`
	TotalAmount      string         `json:"total_amount"`
	ScheduleDate     *string        `json:"schedule_date,omitempty"`
	CreatedAt        string         `json:"created_at,omitempty"`
	UpdatedAt        string         `json:"updated_at,omitempty"`
}

// CreateProgramRequest is the request to create a program.
type CreateProgramRequest struct {
	ID               string         `json:"id,omitempty"`
	Name             string         `json:"name"`
	DistributionType string         `json:"distribution_type"`
	Capacity         int            `json:"capacity"`
	Items            []program.Item `json:"items,omitempty"`
	TotalAmount      string         `json:"total_amount,omitempty"`
	ScheduleDate     *string        `json:"schedule_date,omitempty"` // YYYY-MM-DD
}

// AdvanceStatusRequest moves a program through its lifecycle.
// Force skips the pending-enrollment guard when releasing.
type AdvanceStatusRequest struct {
	Status string `json:"status"`
	Force  bool   `json:"force,omitempty"`
}

// =============================================================================
// PERSON TYPES
// =============================================================================

// PersonDTO represents a resident or beneficiary in API responses.
type PersonDTO struct {
	ID           string `json:"id"`
	Variant      string `json:"variant"`
	FirstName    string `json:"first_name"`
	MiddleName   string `json:"middle_name,omitempty"`
	LastName     string `json:"last_name"`
	HouseholdID  string `json:"household_id,omitempty"`
	Barangay     string `json:"barangay,omitempty"`
	Municipality string `json:"municipality,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// CreatePersonRequest registers a person in one registry. The variant is
// implied by the route (/api/residents vs /api/beneficiaries).
type CreatePersonRequest struct {
	ID           string `json:"id,omitempty"`
	FirstName    string `json:"first_name"`
	MiddleName   string `json:"middle_name,omitempty"`
	LastName     string `json:"last_name"`
	HouseholdID  string `json:"household_id,omitempty"`
	Barangay     string `json:"barangay,omitempty"`
	Municipality string `json:"municipality,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
}

// =============================================================================
// ENROLLMENT TYPES
// =============================================================================

// PersonRefDTO is a tagged person reference in request bodies.
type PersonRefDTO struct {
	Variant string `json:"variant"`
	ID      string `json:"id"`
}

// EnrollRequest toggles enrollments. One person = single toggle; several =
// all-or-nothing bulk toggle.
type EnrollRequest struct {
	Persons []PersonRefDTO `json:"persons"`
}

// EnrollmentDTO represents one enrollment row.
type EnrollmentDTO struct {
	ID         string       `json:"id"`
	ProgramID  string       `json:"program_id"`
	Person     PersonRefDTO `json:"person"`
	Status     string       `json:"status"`
	CreatedAt  string       `json:"created_at"`
	ReleasedAt *string      `json:"released_at,omitempty"`
}

// ToggleResponse reports what an enrollment toggle did.
type ToggleResponse struct {
	Action string `json:"action"`

	Enrollment   *EnrollmentDTO `json:"enrollment,omitempty"`
	AddedCount   int            `json:"added_count,omitempty"`
	RemovedCount int            `json:"removed_count,omitempty"`

	// RemainingSlots is -1 for unlimited programs.
	RemainingSlots  int  `json:"remaining_slots"`
	RemovedReleased bool `json:"removed_released,omitempty"`
}

// =============================================================================
// SCAN TYPES
// =============================================================================

// ScanRequest is one credential scan from a distribution terminal.
type ScanRequest struct {
	Credential string `json:"credential"`
	ReleasedBy string `json:"released_by,omitempty"`
	Remarks    string `json:"remarks,omitempty"`
}

// ScanResponse is what the terminal displays after a scan.
type ScanResponse struct {
	Status  string      `json:"status"`
	Person  *PersonDTO  `json:"person,omitempty"`
	Program *ProgramDTO `json:"program,omitempty"`
	History *HistoryDTO `json:"history,omitempty"`

	RemainingPending int  `json:"remaining_pending,omitempty"`
	ProgramComplete  bool `json:"program_complete,omitempty"`
}

// =============================================================================
// HISTORY TYPES
// =============================================================================

// HistoryDTO represents one released-distribution audit record.
type HistoryDTO struct {
	ID               string         `json:"id"`
	EnrollmentID     string         `json:"enrollment_id"`
	ProgramID        string         `json:"program_id"`
	ProgramName      string         `json:"program_name,omitempty"`
	DistributionType string         `json:"distribution_type,omitempty"`
	Person           PersonRefDTO   `json:"person"`
	PersonName       string         `json:"person_name,omitempty"`
	Barangay         string         `json:"barangay,omitempty"`
	Municipality     string         `json:"municipality,omitempty"`
	Items            []program.Item `json:"items,omitempty"`
	TotalAmount      string         `json:"total_amount"`
	ReleasedBy       string         `json:"released_by,omitempty"`
	Remarks          string         `json:"remarks,omitempty"`
	ReleasedAt       string         `json:"released_at"`
}

// =============================================================================
// SCENARIO AND ERROR TYPES
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`

	// Capacity rejections carry exact counts so the operator UI can show
	// "only N slot(s) remaining".
	Remaining *int `json:"remaining,omitempty"`
	Capacity  *int `json:"capacity,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toProgramDTO(p program.Program) ProgramDTO {
	dto := ProgramDTO{
		ID:               string(p.ID),
		Name:             p.Name,
		DistributionType: string(p.DistributionType),
		Status:           string(p.Status),
		Capacity:         p.Capacity,
		Items:            p.Items,
		TotalAmount:      p.TotalAmount.String(),
		CreatedAt:        p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        p.UpdatedAt.Format(time.RFC3339),
	}
	if p.ScheduleDate != nil {
		s := p.ScheduleDate.Format("2006-01-02")
		dto.ScheduleDate = &s
	}
	return dto
}

func toPersonDTO(p identity.Person) PersonDTO {
	return PersonDTO{
		ID:           string(p.ID),
		Variant:      string(p.Variant),
		FirstName:    p.FirstName,
		MiddleName:   p.MiddleName,
		LastName:     p.LastName,
		HouseholdID:  p.HouseholdID,
		Barangay:     p.Barangay,
		Municipality: p.Municipality,
		CredentialID: p.CredentialID,
		CreatedAt:    p.CreatedAt.Format(time.RFC3339),
	}
}

func toPersonRefDTO(ref identity.PersonRef) PersonRefDTO {
	return PersonRefDTO{Variant: string(ref.Variant), ID: string(ref.ID)}
}

func toEnrollmentDTO(e allocation.Enrollment) EnrollmentDTO {
	dto := EnrollmentDTO{
		ID:        string(e.ID),
		ProgramID: string(e.ProgramID),
		Person:    toPersonRefDTO(e.Person),
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if e.ReleasedAt != nil {
		s := e.ReleasedAt.Format(time.RFC3339)
		dto.ReleasedAt = &s
	}
	return dto
}

func toHistoryDTO(rec redemption.HistoryRecord) HistoryDTO {
	return HistoryDTO{
		ID:               rec.ID,
		EnrollmentID:     string(rec.EnrollmentID),
		ProgramID:        string(rec.ProgramID),
		ProgramName:      rec.ProgramName,
		DistributionType: string(rec.DistributionType),
		Person:           toPersonRefDTO(rec.Person),
		PersonName:       rec.PersonName,
		Barangay:         rec.Barangay,
		Municipality:     rec.Municipality,
		Items:            rec.Items,
		TotalAmount:      rec.TotalAmount.String(),
		ReleasedBy:       rec.ReleasedBy,
		Remarks:          rec.Remarks,
		ReleasedAt:       rec.ReleasedAt.Format(time.RFC3339),
	}
}

func toHistoryDTOs(records []redemption.HistoryRecord) []HistoryDTO {
	dtos := make([]HistoryDTO, len(records))
	for i, rec := range records {
		dtos[i] = toHistoryDTO(rec)
	}
	return dtos
}
