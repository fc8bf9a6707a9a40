package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	id "trapline/pkg/domain"
	"trapline/pkg/platform/sentinel"
	txcontext "trapline/pkg/platform/tx"
)

const decisionColumns = `id, decision_type, reason, source_system, input_fingerprint,
	normalized_input, candidates_evaluated, top_candidate_id, score_breakdown,
	entity_id, latency_ms, created_at`

// PostgresStore persists decisions in match_decisions and duplicate flags in
// potential_duplicates.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) AppendDecision(ctx context.Context, d MatchDecision) error {
	input, err := json.Marshal(d.Input)
	if err != nil {
		return fmt.Errorf("marshal normalized input: %w", err)
	}
	var breakdown []byte
	if d.Breakdown != nil {
		if breakdown, err = json.Marshal(d.Breakdown); err != nil {
			return fmt.Errorf("marshal score breakdown: %w", err)
		}
	}

	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO match_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID.String(), string(d.Type), d.Reason, d.SourceSystem, d.Fingerprint,
		input, d.CandidatesEvaluated, nullableEntityID(d.TopCandidateID),
		nullableJSON(breakdown), nullableEntityID(d.EntityID), d.LatencyMS, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, fingerprint string) (MatchDecision, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT `+decisionColumns+`
		FROM match_decisions
		WHERE input_fingerprint = $1
		ORDER BY created_at DESC
		LIMIT 1`, fingerprint)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MatchDecision{}, sentinel.ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDecisionsByEntity(ctx context.Context, entityID id.EntityID) ([]MatchDecision, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM match_decisions
		WHERE entity_id = $1
		ORDER BY created_at DESC`, entityID.String())
	if err != nil {
		return nil, fmt.Errorf("list decisions by entity: %w", err)
	}
	defer rows.Close()

	var out []MatchDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDuplicate(ctx context.Context, dup PotentialDuplicate) error {
	evidence, err := json.Marshal(dup.Evidence)
	if err != nil {
		return fmt.Errorf("marshal duplicate evidence: %w", err)
	}

	// Re-proposing an existing pair keeps the greatest confidence seen and
	// refreshes the evidence; status and created_at stay as adjudicated.
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO potential_duplicates
			(id, entity_id, matched_id, name_similarity, confidence, evidence, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_id, matched_id) DO UPDATE SET
			confidence      = GREATEST(potential_duplicates.confidence, EXCLUDED.confidence),
			name_similarity = EXCLUDED.name_similarity,
			evidence        = EXCLUDED.evidence`,
		dup.ID.String(), dup.EntityID.String(), dup.MatchedID.String(),
		dup.NameSimilarity, dup.Confidence, evidence, string(dup.Status), dup.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert potential duplicate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDuplicates(ctx context.Context, status DuplicateStatus) ([]PotentialDuplicate, error) {
	query := `
		SELECT id, entity_id, matched_id, name_similarity, confidence, evidence, status, created_at
		FROM potential_duplicates`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list potential duplicates: %w", err)
	}
	defer rows.Close()

	var out []PotentialDuplicate
	for rows.Next() {
		var dup PotentialDuplicate
		var dupID, entityID, matchedID, dupStatus string
		var evidence []byte
		if err := rows.Scan(&dupID, &entityID, &matchedID, &dup.NameSimilarity,
			&dup.Confidence, &evidence, &dupStatus, &dup.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan potential duplicate: %w", err)
		}
		parsed, err := id.ParseDuplicateID(dupID)
		if err != nil {
			return nil, err
		}
		dup.ID = parsed
		if dup.EntityID, err = id.ParseEntityID(entityID); err != nil {
			return nil, err
		}
		if dup.MatchedID, err = id.ParseEntityID(matchedID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(evidence, &dup.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal duplicate evidence: %w", err)
		}
		dup.Status = DuplicateStatus(dupStatus)
		out = append(out, dup)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (MatchDecision, error) {
	var d MatchDecision
	var decisionID, decisionType string
	var input []byte
	var topCandidate, entityID sql.NullString
	var breakdown []byte
	if err := row.Scan(&decisionID, &decisionType, &d.Reason, &d.SourceSystem,
		&d.Fingerprint, &input, &d.CandidatesEvaluated, &topCandidate,
		&breakdown, &entityID, &d.LatencyMS, &d.CreatedAt); err != nil {
		return MatchDecision{}, err
	}

	parsed, err := id.ParseDecisionID(decisionID)
	if err != nil {
		return MatchDecision{}, err
	}
	d.ID = parsed
	d.Type = Type(decisionType)

	if err := json.Unmarshal(input, &d.Input); err != nil {
		return MatchDecision{}, fmt.Errorf("unmarshal normalized input: %w", err)
	}
	if len(breakdown) > 0 {
		d.Breakdown = &Breakdown{}
		if err := json.Unmarshal(breakdown, d.Breakdown); err != nil {
			return MatchDecision{}, fmt.Errorf("unmarshal score breakdown: %w", err)
		}
	}
	if d.TopCandidateID, err = parseNullableEntity(topCandidate); err != nil {
		return MatchDecision{}, err
	}
	if d.EntityID, err = parseNullableEntity(entityID); err != nil {
		return MatchDecision{}, err
	}
	return d, nil
}

func parseNullableEntity(v sql.NullString) (*id.EntityID, error) {
	if !v.Valid {
		return nil, nil
	}
	parsed, err := id.ParseEntityID(v.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func nullableEntityID(v *id.EntityID) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
