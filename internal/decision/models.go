package decision

import (
	"time"

	"trapline/internal/normalize"
	"trapline/internal/score"
	id "trapline/pkg/domain"
)

// Type is a terminal decision. Each resolution produces exactly one.
type Type string

const (
	TypeRejected        Type = "rejected"
	TypeNewEntity       Type = "new_entity"
	TypeAutoMatch       Type = "auto_match"
	TypeHouseholdMember Type = "household_member"
	TypeReviewPending   Type = "review_pending"
	TypeOrgLinked       Type = "organization_linked"
	TypeOrgFlagged      Type = "organization_flagged"
)

// Score bands the engine thresholds on.
const (
	// AutoMatchScore is the floor for linking without human review.
	AutoMatchScore = 0.95
	// ReviewScore is the floor of the review band. Below it a candidate is
	// not similar enough to block creating a new entity.
	ReviewScore = 0.50
)

// Breakdown is the top candidate's full score record, serialized onto the
// decision audit row so reviewers can see why the engine chose as it did.
type Breakdown struct {
	Total        float64       `json:"total"`
	Composite    float64       `json:"composite"`
	Signals      score.Signals `json:"signals"`
	MatchedRules []string      `json:"matched_rules"`
	Tier         int           `json:"tier"`
}

// MatchDecision is the append-only audit record of one resolution. It is
// never mutated after creation.
type MatchDecision struct {
	ID           id.DecisionID
	Type         Type
	Reason       string
	SourceSystem string
	// Fingerprint is a digest of the normalized input; identical inputs
	// replay the stored decision instead of re-resolving.
	Fingerprint         string
	Input               normalize.Normalized
	CandidatesEvaluated int
	TopCandidateID      *id.EntityID
	Breakdown           *Breakdown
	// EntityID is the entity this record resolved to, absent for rejections
	// and flagged organizations.
	EntityID  *id.EntityID
	LatencyMS float64
	CreatedAt time.Time
}

// DuplicateStatus tracks staff adjudication of a potential duplicate.
type DuplicateStatus string

const (
	DuplicateOpen      DuplicateStatus = "open"
	DuplicateResolved  DuplicateStatus = "resolved"
	DuplicateDismissed DuplicateStatus = "dismissed"
)

// Evidence explains a potential-duplicate flag to the reviewing staff.
type Evidence struct {
	MatchedOn      []string `json:"matched_on"`
	NameSimilarity float64  `json:"name_similarity"`
	Tier           int      `json:"tier"`
	SourceTrust    float64  `json:"source_trust"`
	MatchedTrust   float64  `json:"matched_trust"`
	DisplayName    string   `json:"display_name"`
	MatchedName    string   `json:"matched_name"`
}

// PotentialDuplicate is a non-authoritative flag for staff adjudication: the
// engine believed two records might be the same party but refused to merge
// them on its own. Re-proposing an existing pair keeps the greatest
// confidence seen and refreshes the evidence.
type PotentialDuplicate struct {
	ID             id.DuplicateID
	EntityID       id.EntityID
	MatchedID      id.EntityID
	NameSimilarity float64
	Confidence     float64
	Evidence       Evidence
	Status         DuplicateStatus
	CreatedAt      time.Time
}

// Result is what a resolution returns to the caller.
type Result struct {
	Decision   MatchDecision
	EntityID   *id.EntityID
	Confidence float64
	// Replayed is true when an identical input short-circuited to a
	// previously stored decision.
	Replayed bool
}
