// Package gatekeeper decides whether a record is eligible to become or match
// a party entity. It rejects organizations, bare addresses, and noise before
// any scoring happens, so the scorer only ever sees plausible people.
package gatekeeper

import (
	"fmt"

	"trapline/internal/entity"
	"trapline/internal/normalize"
	"trapline/internal/refdata"
	id "trapline/pkg/domain"
)

// minNameLength is the shortest display name worth matching on. A blacklisted
// identifier accompanied by nothing usable is noise, not a person.
const minNameLength = 2

// Outcome of a gate evaluation.
type Outcome string

const (
	OutcomeAdmit      Outcome = "admit"
	OutcomeReject     Outcome = "rejected"
	OutcomeOrgLinked  Outcome = "organization_linked"
	OutcomeOrgFlagged Outcome = "organization_flagged"
)

// Verdict is the gate's answer for one record.
type Verdict struct {
	Outcome Outcome
	Reason  string
	RuleID  string
	// Representative is set on OutcomeOrgLinked: the entity that stands in
	// for the matched organization.
	Representative id.EntityID
}

// Gatekeeper evaluates records against the known-organization directory, the
// non-person rule catalog, and the soft blacklist, in that documented order.
// All three are injected reference data.
type Gatekeeper struct {
	catalog   *Catalog
	orgs      *OrgDirectory
	blacklist *refdata.SoftBlacklist
}

func New(catalog *Catalog, orgs *OrgDirectory, blacklist *refdata.SoftBlacklist) *Gatekeeper {
	return &Gatekeeper{catalog: catalog, orgs: orgs, blacklist: blacklist}
}

// Evaluate applies the gate. Priority order is first-match-wins:
//
//	1. no contact identifier at all
//	2. known-organization directory (linked or flagged)
//	3. catalog name rules (corporate suffix, address shape, industry keyword)
//	4. catalog email rules (generic mailboxes)
//	5. soft-blacklisted identifier without a usable accompanying name
func (g *Gatekeeper) Evaluate(rec normalize.Normalized) Verdict {
	if !rec.HasContact() {
		return Verdict{
			Outcome: OutcomeReject,
			Reason:  "no usable contact identifier",
		}
	}

	if org, ok := g.orgs.Match(rec.DisplayName); ok {
		if org.Representative != nil {
			return Verdict{
				Outcome:        OutcomeOrgLinked,
				Reason:         fmt.Sprintf("known organization %q", org.Name),
				RuleID:         string(RuleKnownOrganization),
				Representative: *org.Representative,
			}
		}
		return Verdict{
			Outcome: OutcomeOrgFlagged,
			Reason:  fmt.Sprintf("known organization %q has no representative entity", org.Name),
			RuleID:  string(RuleKnownOrganization),
		}
	}

	if rule, ok := g.catalog.Match(FieldName, rec.DisplayName); ok {
		return Verdict{
			Outcome: OutcomeReject,
			Reason:  fmt.Sprintf("non-person name pattern: %s", rule.Note),
			RuleID:  rule.ID,
		}
	}

	if rule, ok := g.catalog.Match(FieldEmail, rec.Email); ok {
		return Verdict{
			Outcome: OutcomeReject,
			Reason:  fmt.Sprintf("organizational mailbox: %s", rule.Note),
			RuleID:  rule.ID,
		}
	}

	if v, blocked := g.blacklistBlocks(rec); blocked {
		return v
	}

	return Verdict{Outcome: OutcomeAdmit}
}

// blacklistBlocks rejects records whose only identifiers are soft-blacklisted
// values with no usable name attached. With a name present, the record passes
// through; the scorer enforces the entry's required similarity per candidate.
func (g *Gatekeeper) blacklistBlocks(rec normalize.Normalized) (Verdict, bool) {
	nameUsable := len(rec.DisplayName) >= minNameLength

	emailShared := false
	if rec.Email != "" {
		_, emailShared = g.blacklist.Lookup(string(entity.IdentifierEmail), rec.Email)
	}
	phoneShared := false
	if rec.Phone != "" {
		_, phoneShared = g.blacklist.Lookup(string(entity.IdentifierPhone), rec.Phone)
	}

	emailBlocked := rec.Email == "" || emailShared
	phoneBlocked := rec.Phone == "" || phoneShared
	if (emailShared || phoneShared) && emailBlocked && phoneBlocked && !nameUsable {
		return Verdict{
			Outcome: OutcomeReject,
			Reason:  "shared identifier without a usable name",
			RuleID:  "soft-blacklist",
		}, true
	}
	return Verdict{}, false
}
