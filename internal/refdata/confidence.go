package refdata

import (
	"context"
	"database/sql"
	"fmt"
)

// defaultTrust is applied to source systems with no registry row. Unknown
// feeds are treated as moderately trustworthy rather than rejected.
const defaultTrust = 0.70

// SourceConfidence maps originating source system to a trust weight in [0,1].
// The scorer scales identifier sub-scores by it, and the duplicate auditor
// records it on potential-duplicate evidence.
type SourceConfidence struct {
	weights map[string]float64
}

func NewSourceConfidence(weights map[string]float64) *SourceConfidence {
	m := make(map[string]float64, len(weights))
	for k, v := range weights {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		m[k] = v
	}
	return &SourceConfidence{weights: m}
}

// Trust returns the registered weight for a source system, or the default.
func (c *SourceConfidence) Trust(sourceSystem string) float64 {
	if c == nil {
		return defaultTrust
	}
	if w, ok := c.weights[sourceSystem]; ok {
		return w
	}
	return defaultTrust
}

// LoadSourceConfidence reads the source_confidence table.
func LoadSourceConfidence(ctx context.Context, db *sql.DB) (*SourceConfidence, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT source_system, trust_weight FROM source_confidence`)
	if err != nil {
		return nil, fmt.Errorf("load source confidence: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var source string
		var weight float64
		if err := rows.Scan(&source, &weight); err != nil {
			return nil, fmt.Errorf("scan source confidence: %w", err)
		}
		weights[source] = weight
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read source confidence: %w", err)
	}
	return NewSourceConfidence(weights), nil
}
