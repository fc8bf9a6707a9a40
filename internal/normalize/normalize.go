// Package normalize canonicalizes raw identifier fields into comparable
// forms. Every function is pure; absence is represented by the empty string
// and every field is independently optional.
package normalize

import (
	"regexp"
	"strings"
)

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	nonDigitRE   = regexp.MustCompile(`\D+`)
	// Address normalization keeps basic address characters (#, /, -) and
	// drops the rest of the punctuation.
	addressJunkRE = regexp.MustCompile(`[^\w\s#/-]`)
)

// phoneDigits is the single supported country format: 10 significant digits,
// with a leading country "1" stripped from 11-digit numbers.
const phoneDigits = 10

// Record carries the raw inbound fields of one ingestion record.
type Record struct {
	Email        string
	Phone        string
	FirstName    string
	LastName     string
	Address      string
	SourceSystem string
}

// Normalized is the comparable form of a Record. Empty string means absent.
type Normalized struct {
	Email        string
	Phone        string
	DisplayName  string
	Address      string
	SourceSystem string
}

// Email lowercases and trims. Anything left empty is absent.
func Email(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Phone strips all non-digits and keeps the last ten significant digits.
// Fewer than ten digits cannot identify a line, so the value is absent.
func Phone(raw string) string {
	digits := nonDigitRE.ReplaceAllString(raw, "")
	if len(digits) == phoneDigits+1 && strings.HasPrefix(digits, "1") {
		digits = digits[1:]
	}
	if len(digits) < phoneDigits {
		return ""
	}
	return digits[len(digits)-phoneDigits:]
}

// Name joins trimmed first/last components and collapses internal whitespace.
func Name(first, last string) string {
	joined := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	return whitespaceRE.ReplaceAllString(joined, " ")
}

// Address uppercases, strips punctuation except #/- and collapses whitespace.
func Address(raw string) string {
	cleaned := addressJunkRE.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "")
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(cleaned, " "))
}

// Apply normalizes a whole record.
func Apply(r Record) Normalized {
	return Normalized{
		Email:        Email(r.Email),
		Phone:        Phone(r.Phone),
		DisplayName:  Name(r.FirstName, r.LastName),
		Address:      Address(r.Address),
		SourceSystem: strings.TrimSpace(r.SourceSystem),
	}
}

// HasContact reports whether the record carries at least one contact channel.
// Records without one can never become or match a party entity.
func (n Normalized) HasContact() bool {
	return n.Email != "" || n.Phone != ""
}

// Empty reports whether nothing usable survived normalization.
func (n Normalized) Empty() bool {
	return n.Email == "" && n.Phone == "" && n.DisplayName == "" && n.Address == ""
}
