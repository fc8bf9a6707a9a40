package merge

import (
	"context"
	"database/sql"
	"fmt"

	id "trapline/pkg/domain"
	txcontext "trapline/pkg/platform/tx"
)

// PostgresEdgeStore persists merge edges in the merge_edges table.
type PostgresEdgeStore struct {
	db *sql.DB
}

func NewPostgresEdgeStore(db *sql.DB) *PostgresEdgeStore {
	return &PostgresEdgeStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresEdgeStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresEdgeStore) Append(ctx context.Context, edge Edge) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO merge_edges (id, source_id, target_id, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		edge.ID.String(), edge.SourceID.String(), edge.TargetID.String(),
		edge.Reason, edge.Actor, edge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert merge edge: %w", err)
	}
	return nil
}

func (s *PostgresEdgeStore) ListByEntity(ctx context.Context, entityID id.EntityID) ([]Edge, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, source_id, target_id, reason, actor, created_at
		FROM merge_edges
		WHERE source_id = $1 OR target_id = $1
		ORDER BY created_at`, entityID.String())
	if err != nil {
		return nil, fmt.Errorf("list merge edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var edgeID, source, target string
		if err := rows.Scan(&edgeID, &source, &target, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan merge edge: %w", err)
		}
		src, err := id.ParseEntityID(source)
		if err != nil {
			return nil, err
		}
		dst, err := id.ParseEntityID(target)
		if err != nil {
			return nil, err
		}
		e.SourceID = src
		e.TargetID = dst
		out = append(out, e)
	}
	return out, rows.Err()
}
