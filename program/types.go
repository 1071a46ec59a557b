/*
Package program holds assistance program definitions and their lifecycle.

PURPOSE:
  A program is an assistance offering (cash aid, relief goods, medical
  support) with a declared beneficiary capacity. Programs are authored by
  operators; the allocation and redemption engines treat capacity and
  status as read-mostly inputs.

KEY CONCEPTS IN THIS FILE (types.go):
  - Program:          The offering itself (capacity, type, status, items)
  - DistributionType: What is being distributed (Cash/Goods/Relief/...)
  - Status:           Lifecycle state machine (Pending -> ... -> Released)
  - Item:             A line item for goods-type distributions

CAPACITY SEMANTICS:
  Capacity 0 means unlimited. Any positive value is a hard ceiling on the
  TOTAL number of enrollments (pending + released). The bound itself is
  enforced by the allocation store's conditional insert, never by a
  check-then-act read here.

DESIGN PRINCIPLES:
  1. Precision: Monetary values use decimal.Decimal, never float64
  2. Type Safety: Strong typing for IDs and enums
  3. Operator-driven lifecycle: the engine only signals completion

SEE ALSO:
  - registry.go: CapacityInfo and status transitions
  - allocation/ledger.go: Consumes capacity via conditional inserts
*/
package program

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

type ProgramID string

// DistributionType classifies what a program hands out.
type DistributionType string

const (
	DistributionCash    DistributionType = "Cash"
	DistributionGoods   DistributionType = "Goods"
	DistributionRelief  DistributionType = "Relief"
	DistributionMedical DistributionType = "Medical"
	DistributionOther   DistributionType = "Other"
)

// Valid reports whether d is a known distribution type.
func (d DistributionType) Valid() bool {
	switch d {
	case DistributionCash, DistributionGoods, DistributionRelief,
		DistributionMedical, DistributionOther:
		return true
	}
	return false
}

// Status is the program lifecycle state.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusApproved  Status = "Approved"
	StatusReleased  Status = "Released"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// CanTransition reports whether s -> next is a legal operator transition.
//
// STATE MACHINE:
//   Pending  -> Approved | Cancelled
//   Approved -> Released | Cancelled
//   Released, Cancelled: terminal
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusCancelled
	case StatusApproved:
		return next == StatusReleased || next == StatusCancelled
	}
	return false
}

// =============================================================================
// PROGRAM
// =============================================================================

// Item is one line of a goods-type distribution.
// Amount is only meaningful for cash distributions.
type Item struct {
	ItemName string          `json:"itemName"`
	Quantity int             `json:"quantity"`
	Unit     string          `json:"unit"`
	Amount   decimal.Decimal `json:"amount"`
}

// Program is an assistance offering with a fixed beneficiary capacity.
type Program struct {
	ID               ProgramID
	Name             string
	DistributionType DistributionType
	Status           Status

	// Capacity is the hard ceiling on enrollments. 0 = unlimited.
	Capacity int

	Items        []Item
	TotalAmount  decimal.Decimal
	ScheduleDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Unlimited reports whether the program has no capacity ceiling.
func (p *Program) Unlimited() bool { return p.Capacity == 0 }
