// Package store provides the data access layer for Questline. It handles
// all direct interactions with PostgreSQL using the pgx driver, plus
// in-memory implementations for tests and embedded use.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfalcao/questline/internal/rules"
)

// ErrMissionNotFound is returned when a mission ID does not exist.
var ErrMissionNotFound = errors.New("mission not found")

// MissionRepository supplies mission rule definitions. Mission authoring
// lives in the admin service; this side only reads.
type MissionRepository interface {
	// ListActive returns every enabled mission whose validity window has
	// not ended, rules deserialized but not compiled.
	ListActive(ctx context.Context) ([]*rules.Mission, error)

	// Get returns one mission by ID, or ErrMissionNotFound.
	Get(ctx context.Context, id string) (*rules.Mission, error)
}

// Compile-time check to verify that PostgresMissionStore implements
// MissionRepository. If the interface changes and the struct doesn't, the
// build fails here.
var _ MissionRepository = (*PostgresMissionStore)(nil)

// PostgresMissionStore reads missions from the missions table. The rule and
// rewards columns are JSONB.
type PostgresMissionStore struct {
	db *pgxpool.Pool
}

// NewPostgresMissionStore creates a new repository instance with the given pool.
func NewPostgresMissionStore(db *pgxpool.Pool) *PostgresMissionStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresMissionStore{db: db}
}

// ListActive returns enabled missions that have not passed their end date.
func (s *PostgresMissionStore) ListActive(ctx context.Context) ([]*rules.Mission, error) {
	query := `
		SELECT id, name, type, enabled, rule, rewards, starts_at, ends_at, version
		FROM missions
		WHERE enabled = true
		  AND (ends_at IS NULL OR ends_at > now())
		ORDER BY id
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active missions: %w", err)
	}
	defer rows.Close()

	var missions []*rules.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return missions, nil
}

// Get returns one mission by ID.
func (s *PostgresMissionStore) Get(ctx context.Context, id string) (*rules.Mission, error) {
	query := `
		SELECT id, name, type, enabled, rule, rewards, starts_at, ends_at, version
		FROM missions
		WHERE id = $1
	`

	row := s.db.QueryRow(ctx, query, id)
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMissionNotFound
		}
		return nil, err
	}
	return m, nil
}

// scanMission maps one row into the domain model, deserializing the JSONB
// rule and rewards columns.
func scanMission(row pgx.Row) (*rules.Mission, error) {
	var (
		m           rules.Mission
		typ         string
		ruleJSON    []byte
		rewardsJSON []byte
		startsAt    *time.Time
		endsAt      *time.Time
	)

	if err := row.Scan(&m.ID, &m.Name, &typ, &m.Enabled, &ruleJSON, &rewardsJSON, &startsAt, &endsAt, &m.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan mission row: %w", err)
	}

	m.Type = rules.MissionType(typ)
	m.StartsAt = startsAt
	m.EndsAt = endsAt

	if err := json.Unmarshal(ruleJSON, &m.Rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule for mission %s: %w", m.ID, err)
	}
	if len(rewardsJSON) > 0 {
		if err := json.Unmarshal(rewardsJSON, &m.Rewards); err != nil {
			return nil, fmt.Errorf("failed to decode rewards for mission %s: %w", m.ID, err)
		}
	}

	return &m, nil
}
