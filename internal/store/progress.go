package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfalcao/questline/internal/engine"
)

// Compile-time check that PostgresProgressStore satisfies the engine's
// progress store contract.
var _ engine.ProgressStore = (*PostgresProgressStore)(nil)

// PostgresProgressStore persists progress records. Hot query columns
// (state, claim count, completion timestamps) are first-class; the window
// buffer and streak bookkeeping travel in a JSONB document.
type PostgresProgressStore struct {
	db *pgxpool.Pool
}

// NewPostgresProgressStore creates a new repository instance with the given pool.
func NewPostgresProgressStore(db *pgxpool.Pool) *PostgresProgressStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresProgressStore{db: db}
}

// Get loads one progress record, or engine.ErrProgressNotFound.
func (s *PostgresProgressStore) Get(ctx context.Context, userID, missionID string) (*engine.Progress, error) {
	query := `
		SELECT data
		FROM progress
		WHERE user_id = $1 AND mission_id = $2
	`

	var data []byte
	if err := s.db.QueryRow(ctx, query, userID, missionID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrProgressNotFound
		}
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}

	var p engine.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode progress for (%s, %s): %w", userID, missionID, err)
	}
	return &p, nil
}

// Save upserts the whole record under an optimistic-concurrency check. The
// in-process per-key lock covers one writer process only; the control plane
// and the engine worker both write this table, so the revision column is the
// cross-process serialization. A stale revision yields zero affected rows
// and engine.ErrProgressConflict; callers reload and retry.
func (s *PostgresProgressStore) Save(ctx context.Context, p *engine.Progress) error {
	next := p.Revision + 1
	p.Revision = next

	data, err := json.Marshal(p)
	if err != nil {
		p.Revision = next - 1
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	query := `
		INSERT INTO progress (user_id, mission_id, state, claim_count, completed_at, data, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, mission_id) DO UPDATE SET
			state = EXCLUDED.state,
			claim_count = EXCLUDED.claim_count,
			completed_at = EXCLUDED.completed_at,
			data = EXCLUDED.data,
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at
		WHERE progress.revision = $9
	`

	tag, err := s.db.Exec(ctx, query,
		p.UserID,
		p.MissionID,
		string(p.State),
		p.ClaimCount,
		p.CompletedAt,
		data,
		next,
		p.UpdatedAt,
		next-1,
	)
	if err != nil {
		p.Revision = next - 1
		return fmt.Errorf("failed to save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p.Revision = next - 1
		return engine.ErrProgressConflict
	}
	return nil
}

// List pages through progress records in a stable order, for sweeps.
func (s *PostgresProgressStore) List(ctx context.Context, limit, offset int) ([]*engine.Progress, error) {
	query := `
		SELECT data
		FROM progress
		ORDER BY user_id, mission_id
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	records := make([]*engine.Progress, 0, limit)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		var p engine.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
		records = append(records, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}
