// Package refdata holds reference configuration consumed by the gatekeeper
// and scorer: the soft blacklist of legitimately shared identifiers and the
// per-source trust registry. Both are explicit dependencies passed into the
// components that need them, never process-wide state.
package refdata

import (
	"context"
	"database/sql"
	"fmt"
)

// BlacklistEntry marks an identifier value shared across many distinct
// parties (a shelter's front-desk phone, a clinic's booking mailbox). The
// value alone is never allowed to auto-link two records; the accompanying
// name must clear RequiredSimilarity first.
type BlacklistEntry struct {
	Type               string
	Normalized         string
	RequiredSimilarity float64
	Note               string
}

// SoftBlacklist is an immutable lookup of shared identifiers. Build it once
// at startup (or per batch run) and hand it to the gatekeeper and scorer.
type SoftBlacklist struct {
	entries map[blacklistKey]BlacklistEntry
}

type blacklistKey struct {
	typ        string
	normalized string
}

func NewSoftBlacklist(entries []BlacklistEntry) *SoftBlacklist {
	m := make(map[blacklistKey]BlacklistEntry, len(entries))
	for _, e := range entries {
		m[blacklistKey{typ: e.Type, normalized: e.Normalized}] = e
	}
	return &SoftBlacklist{entries: m}
}

// Lookup returns the entry for (type, normalized value) when present.
func (b *SoftBlacklist) Lookup(typ, normalized string) (BlacklistEntry, bool) {
	if b == nil || normalized == "" {
		return BlacklistEntry{}, false
	}
	e, ok := b.entries[blacklistKey{typ: typ, normalized: normalized}]
	return e, ok
}

// Len reports the number of entries, for startup logging.
func (b *SoftBlacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// LoadSoftBlacklist reads the soft_blacklist table.
func LoadSoftBlacklist(ctx context.Context, db *sql.DB) (*SoftBlacklist, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id_type, normalized_value, required_similarity, note FROM soft_blacklist`)
	if err != nil {
		return nil, fmt.Errorf("load soft blacklist: %w", err)
	}
	defer rows.Close()

	var entries []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		if err := rows.Scan(&e.Type, &e.Normalized, &e.RequiredSimilarity, &e.Note); err != nil {
			return nil, fmt.Errorf("scan soft blacklist entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read soft blacklist: %w", err)
	}
	return NewSoftBlacklist(entries), nil
}
