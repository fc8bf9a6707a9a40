package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trapline/internal/entity"
	"trapline/internal/normalize"
	"trapline/internal/score"
	id "trapline/pkg/domain"
)

func namedCandidate(name string) score.Candidate {
	return score.Candidate{
		Entity: entity.Entity{ID: id.NewEntityID(), Kind: entity.KindPerson, DisplayName: name},
	}
}

func TestDecide(t *testing.T) {
	rec := normalize.Normalized{
		Email:        "jane.smith@example.com",
		Phone:        "4155550123",
		DisplayName:  "Jane Smith",
		Address:      "12 OAK ST",
		SourceSystem: "clinic",
	}

	t.Run("no candidates creates a new entity", func(t *testing.T) {
		out := Decide(rec, nil)
		assert.Equal(t, TypeNewEntity, out.Type)
		assert.Nil(t, out.Top)
		assert.False(t, out.FlagDuplicate)
	})

	t.Run("exact identifier with strong name auto-matches", func(t *testing.T) {
		top := namedCandidate("Jane Smith")
		top.Total = 1.0
		top.IdentifierExact = true
		top.Signals.Name = 1.0
		top.MatchedRules = []string{score.RulePhoneExact, score.RuleNameFuzzy}

		out := Decide(rec, []score.Candidate{top})
		assert.Equal(t, TypeAutoMatch, out.Type)
		assert.True(t, out.BindExisting)
		require.NotNil(t, out.Top)
		assert.Equal(t, top.Entity.ID, out.Top.Entity.ID)
	})

	t.Run("shared contact channel never silently merges", func(t *testing.T) {
		// Same family phone, clearly different person.
		top := namedCandidate("John Smith")
		top.Total = 1.0
		top.IdentifierExact = true
		top.Signals.Name = 0.475
		top.MatchedRules = []string{score.RulePhoneExact}

		out := Decide(rec, []score.Candidate{top})
		assert.Equal(t, TypeNewEntity, out.Type)
		assert.True(t, out.FlagDuplicate, "the pair goes to staff, not to a merge")
		assert.False(t, out.BindExisting)
	})

	t.Run("exact identifier with nameless record still auto-matches", func(t *testing.T) {
		nameless := normalize.Normalized{Phone: "4155550123", SourceSystem: "clinic"}
		top := namedCandidate("Jane Smith")
		top.Total = 1.0
		top.IdentifierExact = true
		top.Signals.Name = 0

		out := Decide(nameless, []score.Candidate{top})
		assert.Equal(t, TypeAutoMatch, out.Type)
	})

	t.Run("household signal groups instead of matching", func(t *testing.T) {
		top := namedCandidate("Robert Miller")
		top.Total = 0.57
		top.Household = true
		top.Signals.Name = 0.2
		top.Signals.Address = 1.0
		top.MatchedRules = []string{score.RuleHousehold, score.RuleAddressMatch}

		out := Decide(rec, []score.Candidate{top})
		assert.Equal(t, TypeHouseholdMember, out.Type)
		assert.True(t, out.Household)
		assert.False(t, out.BindExisting)
	})

	t.Run("strong name at known address holds the existing entity", func(t *testing.T) {
		top := namedCandidate("Jane Smyth")
		top.Total = 0.89
		top.Signals.Name = 0.9
		top.Signals.Address = 1.0
		top.MatchedRules = []string{score.RuleNameAtAddress, score.RuleNameFuzzy, score.RuleAddressMatch}

		out := Decide(rec, []score.Candidate{top})
		assert.Equal(t, TypeReviewPending, out.Type)
		assert.True(t, out.BindExisting, "existing entity, no twin created")
		assert.True(t, out.FlagDuplicate)
	})

	t.Run("review band creates a tentative entity", func(t *testing.T) {
		top := namedCandidate("Jane Smithe")
		top.Total = 0.74
		top.Signals.Name = 0.8
		top.MatchedRules = []string{score.RuleNameFuzzy}

		out := Decide(rec, []score.Candidate{top})
		assert.Equal(t, TypeReviewPending, out.Type)
		assert.False(t, out.BindExisting)
		assert.False(t, out.FlagDuplicate)
	})

	t.Run("weak candidates fall through to new entity", func(t *testing.T) {
		top := namedCandidate("Someone Else")
		top.Total = 0.42

		out := Decide(rec, []score.Candidate{top})
		assert.Equal(t, TypeNewEntity, out.Type)
		assert.False(t, out.FlagDuplicate)
	})

	t.Run("deterministic for identical input", func(t *testing.T) {
		top := namedCandidate("Jane Smith")
		top.Total = 1.0
		top.IdentifierExact = true
		top.Signals.Name = 1.0

		first := Decide(rec, []score.Candidate{top})
		second := Decide(rec, []score.Candidate{top})
		assert.Equal(t, first, second)
	})
}
