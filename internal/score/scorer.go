// Package score ranks existing canonical entities against a normalized
// inbound record. Scoring is pure: identical input and candidate pools
// produce identical breakdowns and matched-rule sets.
package score

import (
	"math"
	"sort"

	"trapline/internal/entity"
	"trapline/internal/normalize"
	"trapline/internal/refdata"
)

// Matched-rule tags. The decision engine keys on these to tell "same person"
// apart from "different person sharing a contact channel".
const (
	RuleEmailExact       = "email_exact"
	RulePhoneExact       = "phone_exact"
	RuleNameFuzzy        = "name_fuzzy"
	RuleAreaCode         = "area_code"
	RuleAddressMatch     = "address_match"
	RuleHousehold        = "household_candidate"
	RuleNameAtAddress    = "name_at_known_address"
	RuleSharedSuppressed = "shared_identifier_suppressed"
)

// Threshold constants shared with the decision engine.
const (
	// NameAgreement separates "same person" from "shares a contact channel".
	NameAgreement = 0.50
	// StrongName is the tier-4 name requirement.
	StrongName = 0.85
	// HighAddress is both the household and the tier-4 address requirement.
	HighAddress = 0.70
	// fuzzyName is the floor below which a name contributes no fuzzy band.
	fuzzyName = 0.70
	// floorScore drops candidates with no meaningful signal.
	floorScore = 0.40
	// MaxCandidates caps the ranked list per record.
	MaxCandidates = 5
)

// Weights configures the composite breakdown. Sub-scores are each in [0,1];
// the composite divides by the weight sum so it stays in [0,1] too.
type Weights struct {
	Email   float64
	Phone   float64
	Name    float64
	Address float64
}

// DefaultWeights mirrors the production configuration.
func DefaultWeights() Weights {
	return Weights{Email: 0.40, Phone: 0.30, Name: 0.20, Address: 0.15}
}

func (w Weights) sum() float64 { return w.Email + w.Phone + w.Name + w.Address }

// Signals is the per-signal breakdown recorded on every match decision.
type Signals struct {
	Email    float64 `json:"email"`
	Phone    float64 `json:"phone"`
	Name     float64 `json:"name"`
	Address  float64 `json:"address"`
	AreaCode bool    `json:"area_code"`
}

// PoolEntry is one existing canonical entity plus its normalized contact
// identifiers, assembled by the caller from the entity store.
type PoolEntry struct {
	Entity entity.Entity
	Emails []string
	Phones []string
}

// Candidate is a scored pool entry.
type Candidate struct {
	Entity entity.Entity
	// Total is the banded confidence in [0,1] the decision engine thresholds on.
	Total float64
	// Composite is the weighted-sum breakdown recorded for diagnostics.
	Composite    float64
	Signals      Signals
	MatchedRules []string
	// Household flags high address similarity with low name similarity and
	// no strong identifier match: likely a different member of one home.
	Household bool
	// IdentifierExact is true when a non-suppressed email or phone matched
	// exactly.
	IdentifierExact bool
	// SharedSuppressed is true when the only identifier match was a
	// soft-blacklisted value with name similarity below its required bar.
	SharedSuppressed bool
	Tier             int
}

// Scorer evaluates candidates. Blacklist and trust registries are injected
// dependencies, never globals.
type Scorer struct {
	weights   Weights
	blacklist *refdata.SoftBlacklist
	trust     *refdata.SourceConfidence
}

func NewScorer(weights Weights, blacklist *refdata.SoftBlacklist, trust *refdata.SourceConfidence) *Scorer {
	if weights.sum() == 0 {
		weights = DefaultWeights()
	}
	return &Scorer{weights: weights, blacklist: blacklist, trust: trust}
}

// Score ranks the pool against the record, highest Total first, capped at
// MaxCandidates. Entries scoring below the floor with no matched rules are
// dropped.
func (s *Scorer) Score(rec normalize.Normalized, pool []PoolEntry) []Candidate {
	var out []Candidate
	for _, p := range pool {
		if c, ok := s.scoreOne(rec, p); ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		// Stable order for equal totals so scoring stays deterministic.
		return out[i].Entity.ID.String() < out[j].Entity.ID.String()
	})
	if len(out) > MaxCandidates {
		out = out[:MaxCandidates]
	}
	return out
}

func (s *Scorer) scoreOne(rec normalize.Normalized, p PoolEntry) (Candidate, bool) {
	c := Candidate{Entity: p.Entity}
	trust := s.trust.Trust(rec.SourceSystem)

	nameSim := NameSimilarity(rec.DisplayName, p.Entity.DisplayName)
	addrSim := AddressSimilarity(rec.Address, p.Entity.Address)
	c.Signals.Name = round3(nameSim)
	c.Signals.Address = round3(addrSim)

	emailExact := rec.Email != "" && containsString(p.Emails, rec.Email)
	phoneExact := rec.Phone != "" && containsString(p.Phones, rec.Phone)

	// Soft-blacklisted values are shared by many distinct parties; they only
	// count as identifier evidence when the names agree strongly enough.
	if emailExact {
		if entry, shared := s.blacklist.Lookup(string(entity.IdentifierEmail), rec.Email); shared && nameSim < entry.RequiredSimilarity {
			emailExact = false
			c.SharedSuppressed = true
		}
	}
	if phoneExact {
		if entry, shared := s.blacklist.Lookup(string(entity.IdentifierPhone), rec.Phone); shared && nameSim < entry.RequiredSimilarity {
			phoneExact = false
			c.SharedSuppressed = true
		}
	}
	if c.SharedSuppressed {
		c.MatchedRules = append(c.MatchedRules, RuleSharedSuppressed)
	}

	total := 0.0
	if phoneExact {
		c.Signals.Phone = 1
		c.MatchedRules = append(c.MatchedRules, RulePhoneExact)
		total = math.Max(total, 1.0*trustFloor(trust))
	}
	if emailExact {
		c.Signals.Email = 1
		c.MatchedRules = append(c.MatchedRules, RuleEmailExact)
		total = math.Max(total, 0.98*trustFloor(trust))
	}
	c.IdentifierExact = emailExact || phoneExact

	areaCode := !phoneExact && sameAreaCode(rec.Phone, p.Phones)
	c.Signals.AreaCode = areaCode

	if nameSim >= fuzzyName {
		c.MatchedRules = append(c.MatchedRules, RuleNameFuzzy)
		if areaCode {
			c.MatchedRules = append(c.MatchedRules, RuleAreaCode)
			total = math.Max(total, 0.85+nameSim*0.1)
		} else {
			total = math.Max(total, 0.50+nameSim*0.30)
		}
	}

	if addrSim >= HighAddress {
		c.MatchedRules = append(c.MatchedRules, RuleAddressMatch)
		// Same name at a known address through a different contact channel.
		if !c.IdentifierExact && nameSim >= StrongName {
			c.MatchedRules = append(c.MatchedRules, RuleNameAtAddress)
			total = math.Max(total, 0.80+nameSim*0.10)
		}
		// Different name at the same address: household, not a duplicate.
		if !c.IdentifierExact && nameSim < NameAgreement {
			c.Household = true
			c.MatchedRules = append(c.MatchedRules, RuleHousehold)
			total = math.Max(total, 0.50+addrSim*0.10)
		}
	}

	c.Composite = round3((s.weights.Email*c.Signals.Email +
		s.weights.Phone*c.Signals.Phone +
		s.weights.Name*nameSim +
		s.weights.Address*addrSim) / s.weights.sum())

	c.Total = round3(total)
	c.Tier = tierOf(c.Total)

	if len(c.MatchedRules) == 0 || c.Total < floorScore {
		// Household candidates survive the floor; they drive their own outcome.
		if !c.Household {
			return Candidate{}, false
		}
	}
	return c, true
}

// tierOf buckets a confidence the way the review queue labels candidates.
func tierOf(total float64) int {
	switch {
	case total >= 0.95:
		return 0
	case total >= 0.80:
		return 1
	case total >= 0.50:
		return 2
	default:
		return 3
	}
}

// trustFloor keeps identifier bands from dropping below decision thresholds
// for reasonably trusted sources while still damping junk feeds.
func trustFloor(trust float64) float64 {
	if trust >= 0.5 {
		return 1
	}
	return 0.9
}

func sameAreaCode(phone string, candidates []string) bool {
	if len(phone) < 3 {
		return false
	}
	for _, c := range candidates {
		if len(c) >= 3 && c[:3] == phone[:3] {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
