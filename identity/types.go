/*
Package identity resolves scanned credentials to person records.

PURPOSE:
  A person can be registered in one of two collections: the resident
  registry or the beneficiary registry. Both can carry an RFID credential.
  This package models that polymorphism as a tagged union (PersonRef)
  resolved through a small capability interface (Directory) implemented
  once per variant - no dynamic dispatch on stored type strings.

KEY CONCEPTS IN THIS FILE (types.go):
  - Variant:   Which registry a person lives in (Resident | Beneficiary)
  - PersonID:  Type-safe person identifier
  - PersonRef: Tagged (Variant, ID) reference used everywhere downstream
  - Person:    The identity record itself

INVARIANT:
  A credential, once assigned, is unique across BOTH variants. The person
  store enforces this on save; this package only reads.

SEE ALSO:
  - resolver.go: Credential normalization and cross-variant lookup
*/
package identity

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PersonID string

// Variant identifies which registry a person record lives in.
type Variant string

const (
	VariantResident    Variant = "resident"
	VariantBeneficiary Variant = "beneficiary"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantResident || v == VariantBeneficiary
}

// PersonRef is a tagged reference to a person in one of the two registries.
// It is the only way the allocation and redemption packages refer to people.
type PersonRef struct {
	Variant Variant  `json:"variant"`
	ID      PersonID `json:"id"`
}

func (r PersonRef) IsZero() bool {
	return r.ID == "" && r.Variant == ""
}

// =============================================================================
// PERSON - Identity record
// =============================================================================

// Person is an identity record from either registry.
// The engine reads identity fields and the credential; it never writes them.
type Person struct {
	ID          PersonID
	Variant     Variant
	FirstName   string
	MiddleName  string
	LastName    string
	HouseholdID string

	// Locality fields snapshotted into history records for reporting.
	Barangay     string
	Municipality string

	// CredentialID is the normalized RFID tag value. Empty = not yet issued.
	CredentialID string

	CreatedAt time.Time
}

// Ref returns the tagged reference for this person.
func (p *Person) Ref() PersonRef {
	return PersonRef{Variant: p.Variant, ID: p.ID}
}

// FullName joins the name parts, skipping an empty middle name.
func (p *Person) FullName() string {
	if p.MiddleName == "" {
		return p.FirstName + " " + p.LastName
	}
	return p.FirstName + " " + p.MiddleName + " " + p.LastName
}
