/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates persons, programs,
	and enrollments that demonstrate specific features.

AVAILABLE SCENARIOS:

	barangay-cash-aid:   Capacity-bounded cash program, one slot redeemed
	relief-distribution: Unlimited goods program, mixed registries
	capacity-edge:       Program with exactly one slot remaining

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register residents and beneficiaries with credentials
 3. Create and approve programs
 4. Enroll cohorts through the ledger (so every invariant applies)
 5. Optionally redeem through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "barangay-cash-aid"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies used by the loaders
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "barangay-cash-aid",
		Name:        "Barangay Cash Aid",
		Description: "Capacity-bounded cash program with an enrolled cohort, one entitlement already redeemed",
	},
	{
		ID:          "relief-distribution",
		Name:        "Relief Distribution",
		Description: "Unlimited relief-goods program enrolling residents and beneficiaries together",
	},
	{
		ID:          "capacity-edge",
		Name:        "Capacity Edge",
		Description: "Approved program with exactly one slot remaining, for demoing capacity rejections",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "barangay-cash-aid":
		err = h.loadCashAidScenario(ctx)
	case "relief-distribution":
		err = h.loadReliefScenario(ctx)
	case "capacity-edge":
		err = h.loadCapacityEdgeScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCashAidScenario(ctx context.Context) error {
	residents := []identity.Person{
		{ID: "res-001", FirstName: "Maria", LastName: "Santos", Barangay: "Poblacion", CredentialID: "A1B2C3D4"},
		{ID: "res-002", FirstName: "Jose", LastName: "Reyes", Barangay: "Poblacion", CredentialID: "B2C3D4E5"},
		{ID: "res-003", FirstName: "Ana", LastName: "Cruz", Barangay: "San Isidro", CredentialID: "C3D4E5F6"},
		{ID: "res-004", FirstName: "Pedro", LastName: "Garcia", Barangay: "San Isidro", CredentialID: "D4E5F6A7"},
		{ID: "res-005", FirstName: "Luz", LastName: "Mendoza", Barangay: "Bagong Silang", CredentialID: "E5F6A7B8"},
		{ID: "res-006", FirstName: "Carlos", LastName: "Torres", Barangay: "Bagong Silang", CredentialID: "F6A7B8C9"},
	}
	for _, p := range residents {
		p.Variant = identity.VariantResident
		p.Municipality = "San Mateo"
		p.CreatedAt = time.Now()
		if err := h.Store.SavePerson(ctx, p); err != nil {
			return err
		}
	}

	schedule := time.Now().AddDate(0, 0, 1)
	p, err := h.Registry.Create(ctx, program.Program{
		ID:               "prog-cash-aid",
		Name:             "Barangay Cash Assistance Q3",
		DistributionType: program.DistributionCash,
		Capacity:         5,
		TotalAmount:      decimal.NewFromInt(5000),
		ScheduleDate:     &schedule,
	})
	if err != nil {
		return err
	}
	if _, err := h.Registry.Advance(ctx, p.ID, program.StatusApproved, false); err != nil {
		return err
	}

	cohort := []identity.PersonRef{
		{Variant: identity.VariantResident, ID: "res-001"},
		{Variant: identity.VariantResident, ID: "res-002"},
		{Variant: identity.VariantResident, ID: "res-003"},
		{Variant: identity.VariantResident, ID: "res-004"},
	}
	if _, err := h.Ledger.BulkToggle(ctx, p.ID, cohort); err != nil {
		return err
	}

	// One beneficiary has already claimed at the terminal.
	_, err = h.Engine.RedeemByCredential(ctx, "A1B2C3D4", redemption.RedeemOptions{ReleasedBy: "demo"})
	return err
}

func (h *Handler) loadReliefScenario(ctx context.Context) error {
	persons := []identity.Person{
		{ID: "res-101", Variant: identity.VariantResident, FirstName: "Elena", LastName: "Villanueva", Barangay: "Malanday", CredentialID: "11AA22BB"},
		{ID: "res-102", Variant: identity.VariantResident, FirstName: "Ramon", LastName: "Aquino", Barangay: "Malanday", CredentialID: "22BB33CC"},
		{ID: "ben-201", Variant: identity.VariantBeneficiary, FirstName: "Teresa", LastName: "Lim", Barangay: "Ampid", CredentialID: "33CC44DD"},
		{ID: "ben-202", Variant: identity.VariantBeneficiary, FirstName: "Miguel", LastName: "Ocampo", Barangay: "Ampid", CredentialID: "44DD55EE"},
	}
	for _, p := range persons {
		p.Municipality = "San Mateo"
		p.CreatedAt = time.Now()
		if err := h.Store.SavePerson(ctx, p); err != nil {
			return err
		}
	}

	p, err := h.Registry.Create(ctx, program.Program{
		ID:               "prog-relief",
		Name:             "Typhoon Relief Goods",
		DistributionType: program.DistributionRelief,
		Capacity:         0, // unlimited
		Items: []program.Item{
			{ItemName: "Rice", Quantity: 5, Unit: "kg"},
			{ItemName: "Canned goods", Quantity: 6, Unit: "cans"},
			{ItemName: "Drinking water", Quantity: 2, Unit: "liters"},
		},
	})
	if err != nil {
		return err
	}
	if _, err := h.Registry.Advance(ctx, p.ID, program.StatusApproved, false); err != nil {
		return err
	}

	cohort := []identity.PersonRef{
		{Variant: identity.VariantResident, ID: "res-101"},
		{Variant: identity.VariantResident, ID: "res-102"},
		{Variant: identity.VariantBeneficiary, ID: "ben-201"},
		{Variant: identity.VariantBeneficiary, ID: "ben-202"},
	}
	_, err = h.Ledger.BulkToggle(ctx, p.ID, cohort)
	return err
}

func (h *Handler) loadCapacityEdgeScenario(ctx context.Context) error {
	for i := 1; i <= 4; i++ {
		p := identity.Person{
			ID:           identity.PersonID(fmt.Sprintf("res-30%d", i)),
			Variant:      identity.VariantResident,
			FirstName:    fmt.Sprintf("Demo%d", i),
			LastName:     "Resident",
			Barangay:     "Guitnang Bayan",
			Municipality: "San Mateo",
			CredentialID: fmt.Sprintf("EDGE000%d", i),
			CreatedAt:    time.Now(),
		}
		if err := h.Store.SavePerson(ctx, p); err != nil {
			return err
		}
	}

	p, err := h.Registry.Create(ctx, program.Program{
		ID:               "prog-edge",
		Name:             "Medical Assistance (3 slots)",
		DistributionType: program.DistributionMedical,
		Capacity:         3,
		TotalAmount:      decimal.NewFromInt(2000),
	})
	if err != nil {
		return err
	}
	if _, err := h.Registry.Advance(ctx, p.ID, program.StatusApproved, false); err != nil {
		return err
	}

	// Fill all but one slot so the next single toggle succeeds and the one
	// after that hits the capacity error.
	cohort := []identity.PersonRef{
		{Variant: identity.VariantResident, ID: "res-301"},
		{Variant: identity.VariantResident, ID: "res-302"},
	}
	_, err = h.Ledger.BulkToggle(ctx, p.ID, cohort)
	return err
}
