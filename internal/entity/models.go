package entity

import (
	"time"

	id "trapline/pkg/domain"
)

// Kind discriminates party entities. All kinds share one shape; attribute
// sets differ by kind (a location has no first/last name, an animal carries
// chip-code identifiers).
type Kind string

const (
	KindPerson   Kind = "person"
	KindAnimal   Kind = "animal"
	KindLocation Kind = "location"
)

// IdentifierType classifies an attached identifier.
type IdentifierType string

const (
	IdentifierEmail    IdentifierType = "email"
	IdentifierPhone    IdentifierType = "phone"
	IdentifierChipCode IdentifierType = "chip_code"
	IdentifierExternal IdentifierType = "external_id"
	IdentifierAddress  IdentifierType = "address"
)

// HighConfidence is the threshold above which an identifier claims exclusive
// ownership of its (type, normalized value) pair among active entities.
const HighConfidence = 0.90

// Entity is the canonical record for a real-world party. It is created by the
// decision engine, mutated only by the merge manager, and never deleted:
// "deleted" means merged.
type Entity struct {
	ID          id.EntityID
	Kind        Kind
	DisplayName string
	FirstName   string
	LastName    string
	Address     string
	Staff       bool
	HouseholdID id.HouseholdID

	MergedInto  *id.EntityID
	MergeReason string
	MergedAt    *time.Time

	CreatedAt time.Time
}

// Active reports whether the entity is canonical (not merged away).
func (e Entity) Active() bool { return e.MergedInto == nil }

// Identifier belongs to exactly one entity. Merged entities keep their
// identifier rows for lineage, but those rows stop holding the uniqueness
// claim so the surviving entity can take it over.
type Identifier struct {
	ID           id.IdentifierID
	EntityID     id.EntityID
	Type         IdentifierType
	Raw          string
	Normalized   string
	Confidence   float64
	SourceSystem string
	// Shared marks soft-blacklisted values that many distinct parties
	// legitimately carry; they never hold a uniqueness claim.
	Shared    bool
	CreatedAt time.Time
}

// HoldsUnique reports whether this identifier claims (type, normalized)
// exclusivity while its owner is active.
func (i Identifier) HoldsUnique() bool {
	return !i.Shared && i.Confidence >= HighConfidence
}
