// Package domain holds typed identifiers shared across modules. Distinct ID
// types keep an entity id from ever being passed where a decision id is
// expected; the compiler enforces what code review would otherwise have to.
package domain

import (
	"github.com/google/uuid"

	dErrors "trapline/pkg/domain-errors"
)

type (
	// EntityID identifies a party entity (person, animal, or location).
	EntityID uuid.UUID
	// IdentifierID identifies a single attached identifier row.
	IdentifierID uuid.UUID
	// DecisionID identifies an append-only match decision record.
	DecisionID uuid.UUID
	// EdgeID identifies an append-only merge edge record.
	EdgeID uuid.UUID
	// DuplicateID identifies a potential-duplicate flag.
	DuplicateID uuid.UUID
	// HouseholdID identifies a shared household grouping.
	HouseholdID uuid.UUID
)

func (id EntityID) String() string     { return uuid.UUID(id).String() }
func (id IdentifierID) String() string { return uuid.UUID(id).String() }
func (id DecisionID) String() string   { return uuid.UUID(id).String() }
func (id EdgeID) String() string       { return uuid.UUID(id).String() }
func (id DuplicateID) String() string  { return uuid.UUID(id).String() }
func (id HouseholdID) String() string  { return uuid.UUID(id).String() }

func (id EntityID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id HouseholdID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// NewEntityID mints a fresh entity id.
func NewEntityID() EntityID { return EntityID(uuid.New()) }

// NewIdentifierID mints a fresh identifier id.
func NewIdentifierID() IdentifierID { return IdentifierID(uuid.New()) }

// NewDecisionID mints a fresh decision id.
func NewDecisionID() DecisionID { return DecisionID(uuid.New()) }

// NewEdgeID mints a fresh merge edge id.
func NewEdgeID() EdgeID { return EdgeID(uuid.New()) }

// NewDuplicateID mints a fresh potential-duplicate id.
func NewDuplicateID() DuplicateID { return DuplicateID(uuid.New()) }

// NewHouseholdID mints a fresh household id.
func NewHouseholdID() HouseholdID { return HouseholdID(uuid.New()) }

// parseUUID enforces the shared invariant: IDs must be valid, non-empty,
// non-nil UUIDs. Each typed parser delegates here.
func parseUUID(raw, kind string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s id is required", kind)
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s id is not a valid UUID", kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s id must not be the nil UUID", kind)
	}
	return parsed, nil
}

// ParseEntityID validates and converts a string into an EntityID.
func ParseEntityID(raw string) (EntityID, error) {
	parsed, err := parseUUID(raw, "entity")
	if err != nil {
		return EntityID{}, err
	}
	return EntityID(parsed), nil
}

// ParseDecisionID validates and converts a string into a DecisionID.
func ParseDecisionID(raw string) (DecisionID, error) {
	parsed, err := parseUUID(raw, "decision")
	if err != nil {
		return DecisionID{}, err
	}
	return DecisionID(parsed), nil
}

// ParseDuplicateID validates and converts a string into a DuplicateID.
func ParseDuplicateID(raw string) (DuplicateID, error) {
	parsed, err := parseUUID(raw, "duplicate")
	if err != nil {
		return DuplicateID{}, err
	}
	return DuplicateID(parsed), nil
}

// ParseHouseholdID validates and converts a string into a HouseholdID.
func ParseHouseholdID(raw string) (HouseholdID, error) {
	parsed, err := parseUUID(raw, "household")
	if err != nil {
		return HouseholdID{}, err
	}
	return HouseholdID(parsed), nil
}
