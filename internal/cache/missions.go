package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mfalcao/questline/internal/rules"
)

// KeyPrefix is the namespace used for all mission keys in Redis.
// Example: "mission:first-deposit"
const KeyPrefix = "mission"

// ActiveSetKey holds the JSON-encoded ID list of the currently active
// mission set.
const ActiveSetKey = "missions:active"

// MissionCache defines the interface for the distribution cache. It is the
// warm layer between the engine replicas and PostgreSQL: the sweeper writes
// the active set, the registry reads it.
type MissionCache interface {
	// StoreActiveSet replaces the cached active mission set.
	StoreActiveSet(ctx context.Context, missions []*rules.Mission, ttl time.Duration) error

	// LoadActiveSet returns the cached active mission set, or ErrCacheMiss
	// when the set key is absent or any member payload is missing.
	LoadActiveSet(ctx context.Context) ([]*rules.Mission, error)

	// Close terminates the connection.
	Close() error
}

// ErrCacheMiss signals that the cache has no usable active set and the
// caller should fall back to the database.
var ErrCacheMiss = fmt.Errorf("mission cache miss")

// Compile-time check.
var _ MissionCache = (*RedisMissionCache)(nil)

// RedisMissionCache implements MissionCache using the go-redis library.
// Each mission payload is stored as "<version>|<json>" so a reader can cheaply
// reject stale entries without decoding the document.
type RedisMissionCache struct {
	client *redis.Client
}

// NewRedisMissionCache wraps an existing client. The client lifecycle belongs
// to the caller unless Close is used.
func NewRedisMissionCache(client *redis.Client) *RedisMissionCache {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisMissionCache{client: client}
}

// StoreActiveSet writes every mission payload and then the ID list, in a
// pipeline. Writing the list last keeps readers from seeing IDs whose
// payloads are not in place yet.
func (c *RedisMissionCache) StoreActiveSet(ctx context.Context, missions []*rules.Mission, ttl time.Duration) error {
	ids := make([]string, 0, len(missions))
	pipe := c.client.Pipeline()

	for _, m := range missions {
		payload, err := encodeMission(m)
		if err != nil {
			return fmt.Errorf("failed to encode mission %q: %w", m.ID, err)
		}
		pipe.Set(ctx, missionKey(m.ID), payload, ttl)
		ids = append(ids, m.ID)
	}

	idList, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode active set: %w", err)
	}
	pipe.Set(ctx, ActiveSetKey, idList, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store active set: %w", err)
	}
	return nil
}

// LoadActiveSet reads the ID list and fetches every payload with one MGET.
func (c *RedisMissionCache) LoadActiveSet(ctx context.Context) ([]*rules.Mission, error) {
	idList, err := c.client.Get(ctx, ActiveSetKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read active set: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(idList), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode active set: %w", err)
	}
	if len(ids) == 0 {
		return []*rules.Mission{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = missionKey(id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mission payloads: %w", err)
	}

	missions := make([]*rules.Mission, 0, len(values))
	for i, v := range values {
		payload, ok := v.(string)
		if !ok {
			// An expired member invalidates the whole set; partial sets
			// would silently deactivate missions.
			return nil, ErrCacheMiss
		}
		m, err := decodeMission(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode mission %q: %w", ids[i], err)
		}
		missions = append(missions, m)
	}

	return missions, nil
}

// Close closes the Redis client connection.
func (c *RedisMissionCache) Close() error {
	return c.client.Close()
}

func missionKey(id string) string {
	return fmt.Sprintf("%s:%s", KeyPrefix, id)
}

// encodeMission serializes a mission as "<version>|<json>".
func encodeMission(m *rules.Mission) (string, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(m.Version, 10) + "|" + string(doc), nil
}

// decodeMission parses the "<version>|<json>" codec and cross-checks the
// version prefix against the decoded document.
func decodeMission(payload string) (*rules.Mission, error) {
	sep := strings.IndexByte(payload, '|')
	if sep <= 0 {
		return nil, fmt.Errorf("malformed payload: missing version prefix")
	}

	version, err := strconv.ParseInt(payload[:sep], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed version prefix: %w", err)
	}

	var m rules.Mission
	if err := json.Unmarshal([]byte(payload[sep+1:]), &m); err != nil {
		return nil, err
	}
	if m.Version != version {
		return nil, fmt.Errorf("version prefix %d does not match document version %d", version, m.Version)
	}
	return &m, nil
}
