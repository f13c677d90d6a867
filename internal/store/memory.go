package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/rules"
)

// Compile-time interface checks for the in-memory implementations.
var (
	_ MissionRepository    = (*MemoryMissionStore)(nil)
	_ engine.ProgressStore = (*MemoryProgressStore)(nil)
)

// MemoryMissionStore is a thread-safe in-memory MissionRepository, for tests
// and embedded deployments without a database.
type MemoryMissionStore struct {
	mu       sync.RWMutex
	missions map[string]*rules.Mission
}

// NewMemoryMissionStore creates an empty in-memory mission store.
func NewMemoryMissionStore() *MemoryMissionStore {
	return &MemoryMissionStore{missions: make(map[string]*rules.Mission)}
}

// Put adds or replaces a mission.
func (s *MemoryMissionStore) Put(m *rules.Mission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[m.ID] = m
}

// ListActive returns enabled, non-ended missions sorted by ID.
func (s *MemoryMissionStore) ListActive(ctx context.Context) ([]*rules.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*rules.Mission
	for _, m := range s.missions {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one mission by ID, or ErrMissionNotFound.
func (s *MemoryMissionStore) Get(ctx context.Context, id string) (*rules.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.missions[id]
	if !ok {
		return nil, ErrMissionNotFound
	}
	return m, nil
}

// MemoryProgressStore is a thread-safe in-memory engine.ProgressStore.
// Records are cloned through JSON on the way in and out, matching the
// serialization boundary the PostgreSQL store imposes, and writes carry the
// same revision check.
type MemoryProgressStore struct {
	mu        sync.RWMutex
	records   map[string][]byte
	revisions map[string]int64
}

// NewMemoryProgressStore creates an empty in-memory progress store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{
		records:   make(map[string][]byte),
		revisions: make(map[string]int64),
	}
}

func progressKey(userID, missionID string) string {
	return userID + "|" + missionID
}

// Get loads one record, or engine.ErrProgressNotFound.
func (s *MemoryProgressStore) Get(ctx context.Context, userID, missionID string) (*engine.Progress, error) {
	s.mu.RLock()
	data, ok := s.records[progressKey(userID, missionID)]
	s.mu.RUnlock()
	if !ok {
		return nil, engine.ErrProgressNotFound
	}

	var p engine.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save upserts one record with an optimistic-concurrency check: the record's
// revision must match the stored one, and is bumped on success.
func (s *MemoryProgressStore) Save(ctx context.Context, p *engine.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey(p.UserID, p.MissionID)
	current := s.revisions[key]
	if p.Revision != current {
		return engine.ErrProgressConflict
	}

	p.Revision = current + 1
	data, err := json.Marshal(p)
	if err != nil {
		p.Revision = current
		return err
	}

	s.records[key] = data
	s.revisions[key] = p.Revision
	return nil
}

// List pages through records in a stable key order.
func (s *MemoryProgressStore) List(ctx context.Context, limit, offset int) ([]*engine.Progress, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var page [][]byte
	if offset < len(keys) {
		end := offset + limit
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[offset:end] {
			page = append(page, s.records[k])
		}
	}
	s.mu.RUnlock()

	out := make([]*engine.Progress, 0, len(page))
	for _, data := range page {
		var p engine.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}
