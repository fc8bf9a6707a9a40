package gatekeeper

import (
	"regexp"

	id "trapline/pkg/domain"
)

// RuleKind names a non-person pattern category. Categories are added
// incrementally as false positives are discovered in the feeds; evaluation
// order is explicit (see DefaultCatalog), never incidental.
type RuleKind string

const (
	RuleKnownOrganization RuleKind = "known_organization"
	RuleCorporateSuffix   RuleKind = "corporate_suffix"
	RuleAddressShape      RuleKind = "address_shape"
	RuleIndustryKeyword   RuleKind = "industry_keyword"
	RuleGenericMailbox    RuleKind = "generic_mailbox"
)

// Field selects which normalized field a rule inspects.
type Field string

const (
	FieldName  Field = "name"
	FieldEmail Field = "email"
)

// Rule is one entry in the ordered catalog.
type Rule struct {
	ID      string
	Kind    RuleKind
	Field   Field
	Pattern *regexp.Regexp
	Note    string
}

// Catalog is the versioned, ordered non-person rule table. First match wins;
// new categories are appended as data, never as new conditionals in the
// evaluation path.
type Catalog struct {
	Version int
	rules   []Rule
}

func NewCatalog(version int, rules []Rule) *Catalog {
	return &Catalog{Version: version, rules: rules}
}

// Match returns the first rule matching the given field value.
func (c *Catalog) Match(field Field, value string) (Rule, bool) {
	if c == nil || value == "" {
		return Rule{}, false
	}
	for _, r := range c.rules {
		if r.Field == field && r.Pattern.MatchString(value) {
			return r, true
		}
	}
	return Rule{}, false
}

// Len reports the number of rules, for startup logging.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// DefaultCatalog is the current production rule table. The version bumps
// whenever a category gains entries so decisions can cite the table they
// were made against.
func DefaultCatalog() *Catalog {
	return NewCatalog(7, []Rule{
		{
			ID:      "corp-suffix",
			Kind:    RuleCorporateSuffix,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)\b(llc|l\.l\.c\.|inc|inc\.|incorporated|corp|corp\.|corporation|ltd|ltd\.|foundation|society|association|nonprofit|non-profit)\b`),
			Note:    "organizational suffixes",
		},
		{
			ID:      "addr-house-number",
			Kind:    RuleAddressShape,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)^\d+\s+\S+`),
			Note:    "name starts with a house number",
		},
		{
			ID:      "addr-street-type",
			Kind:    RuleAddressShape,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)\b(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|circle|cir|highway|hwy|way)\.?$`),
			Note:    "name ends in a street type",
		},
		{
			ID:      "industry-fitness",
			Kind:    RuleIndustryKeyword,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)\b(fitness|gym|crossfit|yoga studio)\b`),
			Note:    "fitness businesses",
		},
		{
			ID:      "industry-automotive",
			Kind:    RuleIndustryKeyword,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)\b(auto|automotive|motors|tire|collision|body shop)\b`),
			Note:    "automotive businesses",
		},
		{
			ID:      "industry-veterinary",
			Kind:    RuleIndustryKeyword,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)\b(veterinary|animal hospital|animal clinic|pet clinic)\b`),
			Note:    "veterinary practices",
		},
		{
			ID:      "industry-hospitality",
			Kind:    RuleIndustryKeyword,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)\b(hotel|motel|inn|resort|restaurant|cafe|diner|tavern)\b`),
			Note:    "hospitality businesses",
		},
		{
			ID:      "industry-retail",
			Kind:    RuleIndustryKeyword,
			Field:   FieldName,
			Pattern: regexp.MustCompile(`(?i)\b(walmart|target|costco|kroger|walgreens|cvs|supermarket|grocery|hardware)\b`),
			Note:    "retail chains",
		},
		{
			ID:      "generic-mailbox",
			Kind:    RuleGenericMailbox,
			Field:   FieldEmail,
			Pattern: regexp.MustCompile(`(?i)^(info|office|admin|contact|support|hello|frontdesk|front\.desk|billing|sales|noreply|no-reply|donotreply)@`),
			Note:    "generic organizational mailboxes",
		},
	})
}

// Organization is a known non-person party. When it has a designated
// representative entity, records matching it are linked to that entity
// instead of being rejected outright.
type Organization struct {
	Name           string
	Pattern        *regexp.Regexp
	Representative *id.EntityID
}

// OrgDirectory is the known-organization table. It is consulted before the
// rule catalog so a known org with a representative is linked rather than
// rejected by a broader suffix rule.
type OrgDirectory struct {
	orgs []Organization
}

func NewOrgDirectory(orgs []Organization) *OrgDirectory {
	return &OrgDirectory{orgs: orgs}
}

// Match returns the first known organization whose pattern matches the name.
func (d *OrgDirectory) Match(name string) (Organization, bool) {
	if d == nil || name == "" {
		return Organization{}, false
	}
	for _, o := range d.orgs {
		if o.Pattern.MatchString(name) {
			return o, true
		}
	}
	return Organization{}, false
}
