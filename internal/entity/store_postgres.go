package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	id "trapline/pkg/domain"
	"trapline/pkg/platform/sentinel"
	txcontext "trapline/pkg/platform/tx"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on (id_type, normalized_value).
const uniqueViolation = "23505"

// PostgresStore persists entities and identifiers. The uniqueness invariant
// is enforced by the identifiers_unique_claim partial index, so two racing
// resolutions cannot both create an owner for the same normalized value even
// across processes.
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

const entityColumns = `id, kind, display_name, first_name, last_name, address,
	staff, household_id, merged_into, merge_reason, merged_at, created_at`

func (s *PostgresStore) CreateEntity(ctx context.Context, e Entity) error {
	query := `
		INSERT INTO entities (id, kind, display_name, first_name, last_name,
			address, staff, household_id, merged_into, merge_reason, merged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		e.ID.String(), string(e.Kind), e.DisplayName, e.FirstName, e.LastName,
		e.Address, e.Staff, nullableHousehold(e.HouseholdID), nullableEntity(e.MergedInto),
		e.MergeReason, e.MergedAt, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityID id.EntityID) (Entity, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, entityID.String())
	return scanEntity(row)
}

func (s *PostgresStore) AttachIdentifier(ctx context.Context, ident Identifier) error {
	owner, err := s.GetEntity(ctx, ident.EntityID)
	if err != nil {
		return err
	}
	holdsUnique := ident.HoldsUnique() && owner.Active()

	query := `
		INSERT INTO identifiers (id, entity_id, id_type, raw_value,
			normalized_value, confidence, source_system, shared, holds_unique, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		ident.ID.String(), ident.EntityID.String(), string(ident.Type), ident.Raw,
		ident.Normalized, ident.Confidence, ident.SourceSystem, ident.Shared,
		holdsUnique, ident.CreatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert identifier: %w", err)
	}
	return nil
}

func (s *PostgresStore) IdentifiersByEntity(ctx context.Context, entityID id.EntityID) ([]Identifier, error) {
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, entity_id, id_type, raw_value, normalized_value,
			confidence, source_system, shared, created_at
		FROM identifiers WHERE entity_id = $1
		ORDER BY created_at`, entityID.String())
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()

	var out []Identifier
	for rows.Next() {
		var ident Identifier
		var identID, owner string
		var typ string
		if err := rows.Scan(&identID, &owner, &typ, &ident.Raw, &ident.Normalized,
			&ident.Confidence, &ident.SourceSystem, &ident.Shared, &ident.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		parsedID, err := id.ParseEntityID(owner)
		if err != nil {
			return nil, err
		}
		ident.EntityID = parsedID
		ident.Type = IdentifierType(typ)
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindActiveByIdentifier(ctx context.Context, typ IdentifierType, normalized string) ([]Entity, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT DISTINCT `+prefixedEntityColumns("e")+`
		FROM entities e
		JOIN identifiers i ON i.entity_id = e.id
		WHERE i.id_type = $1 AND i.normalized_value = $2 AND e.merged_into IS NULL
	`, string(typ), normalized)
	if err != nil {
		return nil, fmt.Errorf("find by identifier: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *PostgresStore) ListActive(ctx context.Context, kind Kind) ([]Entity, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE kind = $1 AND merged_into IS NULL
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *PostgresStore) SetMergedInto(ctx context.Context, source, target id.EntityID, reason string, at time.Time) error {
	if source == target {
		return sentinel.ErrInvalidState
	}
	return s.withLockedPair(ctx, source, target, func(tx *sql.Tx, src, dst Entity) error {
		if !src.Active() {
			return sentinel.ErrAlreadyMerged
		}
		// Depth guard: a merge target must itself be canonical.
		if !dst.Active() {
			return sentinel.ErrInvalidState
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET merged_into = $2, merge_reason = $3, merged_at = $4
			WHERE id = $1`, source.String(), target.String(), reason, at); err != nil {
			return fmt.Errorf("set merged_into: %w", err)
		}
		// Everything the source had absorbed follows it to the new survivor
		// so no pointer is ever more than one hop from a canonical entity.
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET merged_into = $2 WHERE merged_into = $1`,
			source.String(), target.String()); err != nil {
			return fmt.Errorf("repoint absorbed entities: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE identifiers SET holds_unique = FALSE
			WHERE entity_id = $1 AND holds_unique`, source.String()); err != nil {
			return fmt.Errorf("release uniqueness claims: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RepointMergedInto(ctx context.Context, source, target id.EntityID) error {
	if source == target {
		return sentinel.ErrInvalidState
	}
	return s.withLockedPair(ctx, source, target, func(tx *sql.Tx, src, dst Entity) error {
		if src.Active() {
			return sentinel.ErrInvalidState
		}
		if !dst.Active() {
			return sentinel.ErrInvalidState
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET merged_into = $2 WHERE id = $1`,
			source.String(), target.String()); err != nil {
			return fmt.Errorf("repoint merged_into: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListChained(ctx context.Context) ([]Entity, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+prefixedEntityColumns("e")+`
		FROM entities e
		JOIN entities parent ON parent.id = e.merged_into
		WHERE parent.merged_into IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list chained: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *PostgresStore) SetHousehold(ctx context.Context, entityID id.EntityID, household id.HouseholdID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE entities SET household_id = $2
		WHERE id = $1 AND merged_into IS NULL`,
		entityID.String(), household.String())
	if err != nil {
		return fmt.Errorf("set household: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set household rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetEntity(ctx, entityID); err != nil {
			return err
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

// withLockedPair runs fn with both entity rows locked FOR UPDATE, acquired in
// id order so two concurrent merges over overlapping pairs cannot deadlock.
// When the context already carries a transaction the pair is locked inside it;
// otherwise a local transaction is opened.
func (s *PostgresStore) withLockedPair(ctx context.Context, a, b id.EntityID, fn func(tx *sql.Tx, ea, eb Entity) error) error {
	run := func(tx *sql.Tx) error {
		first, second := a, b
		if second.String() < first.String() {
			first, second = second, first
		}
		e1, err := lockEntity(ctx, tx, first)
		if err != nil {
			return err
		}
		e2, err := lockEntity(ctx, tx, second)
		if err != nil {
			return err
		}
		src, dst := e1, e2
		if first != a {
			src, dst = e2, e1
		}
		return fn(tx, src, dst)
	}

	if tx, ok := txcontext.From(ctx); ok {
		return run(tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	if err := run(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}
	return nil
}

func lockEntity(ctx context.Context, tx *sql.Tx, entityID id.EntityID) (Entity, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1 FOR UPDATE`, entityID.String())
	return scanEntity(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var e Entity
	var entityID, kind string
	var household, mergedInto sql.NullString
	var mergedAt sql.NullTime
	err := row.Scan(&entityID, &kind, &e.DisplayName, &e.FirstName, &e.LastName,
		&e.Address, &e.Staff, &household, &mergedInto, &e.MergeReason, &mergedAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("scan entity: %w", err)
	}

	parsedID, err := id.ParseEntityID(entityID)
	if err != nil {
		return Entity{}, err
	}
	e.ID = parsedID
	e.Kind = Kind(kind)
	if household.Valid {
		hh, err := id.ParseHouseholdID(household.String)
		if err != nil {
			return Entity{}, err
		}
		e.HouseholdID = hh
	}
	if mergedInto.Valid {
		target, err := id.ParseEntityID(mergedInto.String)
		if err != nil {
			return Entity{}, err
		}
		e.MergedInto = &target
	}
	if mergedAt.Valid {
		t := mergedAt.Time
		e.MergedAt = &t
	}
	return e, nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func prefixedEntityColumns(alias string) string {
	return alias + `.id, ` + alias + `.kind, ` + alias + `.display_name, ` +
		alias + `.first_name, ` + alias + `.last_name, ` + alias + `.address, ` +
		alias + `.staff, ` + alias + `.household_id, ` + alias + `.merged_into, ` +
		alias + `.merge_reason, ` + alias + `.merged_at, ` + alias + `.created_at`
}

func nullableEntity(entityID *id.EntityID) any {
	if entityID == nil {
		return nil
	}
	return entityID.String()
}

func nullableHousehold(household id.HouseholdID) any {
	if household.IsNil() {
		return nil
	}
	return household.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
