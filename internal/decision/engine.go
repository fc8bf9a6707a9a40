package decision

import (
	"fmt"

	"trapline/internal/normalize"
	"trapline/internal/score"
)

// Outcome is the engine's chosen transition before side effects are applied.
type Outcome struct {
	Type   Type
	Reason string
	// Top is the candidate the outcome refers to, nil when none was relevant.
	Top *score.Candidate
	// BindExisting resolves the record to Top's entity instead of creating
	// a new one.
	BindExisting bool
	// FlagDuplicate records a potential-duplicate referencing Top for staff
	// adjudication.
	FlagDuplicate bool
	// Household links the new entity and Top's entity under one household.
	Household bool
}

// Decide maps a scored candidate list to a terminal outcome. Pure domain
// logic: no I/O, no side effects. Rule priority (first match wins):
//
//  1. No candidates - nothing known resembles this record.
//  2. Exact identifier but disagreeing name - a shared family phone or email
//     must never silently merge two different people; create a new entity
//     and flag the pair. This runs before the auto-match band because an
//     exact identifier alone scores above it.
//  3. Top at or above the auto-match band - link to the existing entity.
//  4. Household signal - same home, different person; new entity grouped
//     with the candidate's household.
//  5. Strong name at a known address with no identifier overlap - likely the
//     same party reached through a different contact channel; hold the
//     existing entity for review rather than creating a twin.
//  6. Review band - a tentative entity a human must confirm.
//  7. Below the review band - candidates too weak to matter.
func Decide(rec normalize.Normalized, candidates []score.Candidate) Outcome {
	if len(candidates) == 0 {
		return Outcome{
			Type:   TypeNewEntity,
			Reason: "no candidates found",
		}
	}

	top := candidates[0]

	if top.IdentifierExact && bothNamed(rec, top) && top.Signals.Name < score.NameAgreement {
		return Outcome{
			Type: TypeNewEntity,
			Reason: fmt.Sprintf("exact identifier match but name similarity %.3f below %.2f: likely shared contact channel",
				top.Signals.Name, score.NameAgreement),
			Top:           &top,
			FlagDuplicate: true,
		}
	}

	if top.Total >= AutoMatchScore && !top.Household {
		return Outcome{
			Type:         TypeAutoMatch,
			Reason:       fmt.Sprintf("top candidate scored %.3f on %v", top.Total, top.MatchedRules),
			Top:          &top,
			BindExisting: true,
		}
	}

	if top.Household {
		return Outcome{
			Type: TypeHouseholdMember,
			Reason: fmt.Sprintf("address similarity %.3f with name similarity %.3f: different member of the same household",
				top.Signals.Address, top.Signals.Name),
			Top:       &top,
			Household: true,
		}
	}

	if hasRule(top.MatchedRules, score.RuleNameAtAddress) {
		return Outcome{
			Type: TypeReviewPending,
			Reason: fmt.Sprintf("name similarity %.3f at a known address with no identifier overlap",
				top.Signals.Name),
			Top:           &top,
			BindExisting:  true,
			FlagDuplicate: true,
		}
	}

	if top.Total >= ReviewScore {
		return Outcome{
			Type:   TypeReviewPending,
			Reason: fmt.Sprintf("top candidate scored %.3f, inside the review band", top.Total),
			Top:    &top,
		}
	}

	return Outcome{
		Type:   TypeNewEntity,
		Reason: fmt.Sprintf("best candidate scored %.3f, below the review band", top.Total),
		Top:    &top,
	}
}

func bothNamed(rec normalize.Normalized, c score.Candidate) bool {
	return rec.DisplayName != "" && c.Entity.DisplayName != ""
}

func hasRule(rules []string, rule string) bool {
	for _, r := range rules {
		if r == rule {
			return true
		}
	}
	return false
}
