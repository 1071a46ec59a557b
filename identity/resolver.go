/*
resolver.go - Credential normalization and cross-variant person lookup

PURPOSE:
  Maps a raw scanned tag string to exactly one person record. Scanner
  firmware sometimes prefixes the tag value with a literal "RFID" token and
  pads it with whitespace, so input is normalized before lookup.

LOOKUP ORDER:
  Residents first, then beneficiaries. Deterministic, so the same scan
  always resolves to the same record even if (against the invariant) both
  registries held the credential.

FAILURE:
  ErrPersonNotFound is a terminal negative result for the scan. No retry
  will help; the caller decides how to surface it.

SEE ALSO:
  - types.go: Person, Variant, PersonRef
  - redemption/engine.go: Primary consumer
*/
package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrPersonNotFound is returned when no registry holds the credential or id.
var ErrPersonNotFound = errors.New("person not found")

// =============================================================================
// DIRECTORY - Per-variant lookup capability
// =============================================================================

// Directory is the read capability one registry variant exposes.
// Implementations must never mutate state.
type Directory interface {
	// Variant identifies which registry this directory serves.
	Variant() Variant

	// FindByCredential looks up a person by normalized credential.
	// Returns (nil, nil) when the credential is not present.
	FindByCredential(ctx context.Context, credential string) (*Person, error)

	// FindByID looks up a person by id.
	// Returns (nil, nil) when the id is not present.
	FindByID(ctx context.Context, id PersonID) (*Person, error)
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// NormalizeCredential canonicalizes a raw scanned tag value: trims
// whitespace, strips one case-insensitive leading "RFID" token, and
// upper-cases the remainder so matching is case-insensitive everywhere.
// Stores index credentials in this form.
func NormalizeCredential(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 4 && strings.EqualFold(s[:4], "RFID") {
		s = strings.TrimSpace(s[4:])
	}
	return strings.ToUpper(s)
}

// =============================================================================
// RESOLVER - Ordered lookup across both variants
// =============================================================================

// Resolver resolves credentials and refs across an ordered list of
// directories. Order matters: first match wins.
type Resolver struct {
	directories []Directory
}

// NewResolver creates a resolver. Pass directories in resolution order
// (residents before beneficiaries).
func NewResolver(directories ...Directory) *Resolver {
	return &Resolver{directories: directories}
}

// Resolve maps a raw credential to a person record.
// Read-only. Returns ErrPersonNotFound when no variant matches.
func (r *Resolver) Resolve(ctx context.Context, rawCredential string) (*Person, error) {
	credential := NormalizeCredential(rawCredential)
	if credential == "" {
		return nil, ErrPersonNotFound
	}

	for _, dir := range r.directories {
		person, err := dir.FindByCredential(ctx, credential)
		if err != nil {
			return nil, err
		}
		if person != nil {
			return person, nil
		}
	}
	return nil, ErrPersonNotFound
}

// ResolveRef loads the person behind a tagged reference.
// Returns ErrPersonNotFound for unknown variants or missing records.
func (r *Resolver) ResolveRef(ctx context.Context, ref PersonRef) (*Person, error) {
	for _, dir := range r.directories {
		if dir.Variant() != ref.Variant {
			continue
		}
		person, err := dir.FindByID(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if person != nil {
			return person, nil
		}
	}
	return nil, ErrPersonNotFound
}
