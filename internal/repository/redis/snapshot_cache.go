package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

const defaultSnapshotTTL = 5 * time.Minute

type cachedSnapshot struct {
	Fields    map[string]any `json:"fields,omitempty"`
	Version   int64          `json:"version"`
	Deleted   bool           `json:"deleted,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SnapshotCache stores the latest known server row of synchronized resources.
type SnapshotCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ port.SnapshotCache = (*SnapshotCache)(nil)

// NewSnapshotCache constructs a cache. A non-positive ttl selects five minutes.
func NewSnapshotCache(client redis.UniversalClient, prefix string, ttl time.Duration) *SnapshotCache {
	if prefix == "" {
		prefix = "sync:snapshot"
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &SnapshotCache{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the cached row, repository.ErrNotFound on a miss or repository.ErrCacheCorrupt
// when the entry cannot be decoded. Corrupt entries are removed.
func (c *SnapshotCache) Get(ctx context.Context, key domain.ResourceKey) (*domain.Record, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}

	var snap cachedSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		_ = c.client.Del(ctx, c.key(key)).Err()
		return nil, fmt.Errorf("%w: %s: %v", repository.ErrCacheCorrupt, key, err)
	}

	return &domain.Record{
		Key:       key,
		Fields:    snap.Fields,
		Version:   snap.Version,
		Deleted:   snap.Deleted,
		UpdatedAt: snap.UpdatedAt,
	}, nil
}

// Set stores record unless the cache already holds a newer version.
func (c *SnapshotCache) Set(ctx context.Context, record domain.Record) error {
	payload, err := json.Marshal(cachedSnapshot{
		Fields:    record.Fields,
		Version:   record.Version,
		Deleted:   record.Deleted,
		UpdatedAt: record.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := setIfNewer.Run(ctx, c.client, []string{c.key(record.Key)}, record.Version, payload, c.ttl.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

// Delete drops the cached row.
func (c *SnapshotCache) Delete(ctx context.Context, key domain.ResourceKey) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del snapshot: %w", err)
	}
	return nil
}

func (c *SnapshotCache) key(key domain.ResourceKey) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, key.Table, key.ID)
}

// setIfNewer writes ARGV[2] unless the stored snapshot carries a higher version.
var setIfNewer = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
	local ok, decoded = pcall(cjson.decode, current)
	if ok and type(decoded) == "table" and tonumber(decoded["version"]) and tonumber(decoded["version"]) > tonumber(ARGV[1]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)
