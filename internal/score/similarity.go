package score

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Given-name weighting for multi-token names. Family members share surnames
// and contact channels; weighting the given name keeps "Jane Smith" vs
// "John Smith" below the agreement bar instead of merging a household.
const (
	givenNameWeight = 0.70
	restNameWeight  = 0.30
)

// NameSimilarity returns a coefficient in [0,1] between two display names.
// Multi-token names compare given name and remainder separately, weighted
// toward the given name; single tokens fall back to a whole-string blend of
// trigram Dice coefficient and Levenshtein ratio. Zero when either is empty.
func NameSimilarity(a, b string) float64 {
	na := foldForCompare(a)
	nb := foldForCompare(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ta := strings.Fields(na)
	tb := strings.Fields(nb)
	if len(ta) >= 2 && len(tb) >= 2 {
		given := blend(ta[0], tb[0])
		rest := blend(strings.Join(ta[1:], " "), strings.Join(tb[1:], " "))
		return givenNameWeight*given + restNameWeight*rest
	}
	return blend(na, nb)
}

// blend keeps the higher of the trigram coefficient (robust to reordering)
// and the Levenshtein ratio (robust to single-character typos).
func blend(a, b string) float64 {
	if a == b {
		return 1
	}
	tri := trigramCoefficient(a, b)
	lev := levenshteinRatio(a, b)
	if tri > lev {
		return tri
	}
	return lev
}

// AddressSimilarity returns a coefficient in [0,1] between two normalized
// addresses (exact match 1, trigram coefficient otherwise). Zero when either
// is empty.
func AddressSimilarity(a, b string) float64 {
	na := foldForCompare(a)
	nb := foldForCompare(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return trigramCoefficient(na, nb)
}

func foldForCompare(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func levenshteinRatio(a, b string) float64 {
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	ratio := 1 - float64(dist)/float64(maxLen)
	if ratio < 0 {
		return 0
	}
	return ratio
}

// trigramCoefficient computes the Dice coefficient over padded trigram sets.
func trigramCoefficient(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}

func trigrams(s string) map[string]struct{} {
	padded := "  " + s + " "
	runes := []rune(padded)
	out := make(map[string]struct{})
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}
