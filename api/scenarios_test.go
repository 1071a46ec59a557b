/*
scenarios_test.go - Tests for the demo scenario loaders

Each scenario is loaded through the API and then inspected through the
API, so the loaders are exercised exactly the way a demo frontend uses
them.
*/
package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicgrid/ayuda-engine/api"
	"github.com/civicgrid/ayuda-engine/program"
)

func loadScenario(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/scenarios/load", map[string]string{
		"scenario_id": id,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_List(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ScenarioDTO](t, rec), 3)
}

func TestScenario_UnknownID(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/scenarios/load", map[string]string{
		"scenario_id": "no-such-scenario",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_CashAid(t *testing.T) {
	// GIVEN: The cash aid scenario
	// THEN: 6 residents, an approved capacity-5 program with 4 enrolled,
	//       and one release already in today's history

	router := newTestServer(t)
	loadScenario(t, router, "barangay-cash-aid")

	rec := doJSON(t, router, http.MethodGet, "/api/residents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.PersonDTO](t, rec), 6)

	rec = doJSON(t, router, http.MethodGet, "/api/programs/prog-cash-aid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	prog := decode[api.ProgramDTO](t, rec)
	assert.Equal(t, "Approved", prog.Status)
	assert.Equal(t, 5, prog.Capacity)

	rec = doJSON(t, router, http.MethodGet, "/api/programs/prog-cash-aid/capacity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[program.CapacityInfo](t, rec)
	assert.Equal(t, 4, info.Consumed)

	rec = doJSON(t, router, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.HistoryDTO](t, rec), 1)

	// The redeemed credential has nothing pending anymore.
	rec = doJSON(t, router, http.MethodPost, "/api/scans", map[string]any{
		"credential": "A1B2C3D4",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenario_Relief(t *testing.T) {
	router := newTestServer(t)
	loadScenario(t, router, "relief-distribution")

	rec := doJSON(t, router, http.MethodGet, "/api/programs/prog-relief/capacity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[program.CapacityInfo](t, rec)
	assert.Equal(t, 4, info.Consumed)
	assert.Equal(t, -1, info.Remaining, "relief program is unlimited")

	rec = doJSON(t, router, http.MethodGet, "/api/beneficiaries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.PersonDTO](t, rec), 2)
}

func TestScenario_CapacityEdge(t *testing.T) {
	// One slot remains: the next toggle fills the program, the one after is
	// rejected.
	router := newTestServer(t)
	loadScenario(t, router, "capacity-edge")

	rec := doJSON(t, router, http.MethodPost, "/api/programs/prog-edge/enrollments", map[string]any{
		"persons": []map[string]string{{"variant": "resident", "id": "res-303"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/programs/prog-edge/enrollments", map[string]any{
		"persons": []map[string]string{{"variant": "resident", "id": "res-304"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScenario_LoadResetsPreviousState(t *testing.T) {
	router := newTestServer(t)
	loadScenario(t, router, "barangay-cash-aid")
	loadScenario(t, router, "relief-distribution")

	rec := doJSON(t, router, http.MethodGet, "/api/programs/prog-cash-aid", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "earlier scenario data is wiped")

	rec = doJSON(t, router, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[api.ScenarioDTO](t, rec)
	assert.Equal(t, "relief-distribution", current.ID)
}
