package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ha1tch/archety/pkg/models"
)

// ErrMiss is returned when a key is not cached
var ErrMiss = errors.New("cache miss")

// Cache maps (kind, key) to entity handles. Entries never expire; each
// kind is bounded in size and evicts least recently used keys.
type Cache interface {
	Get(ctx context.Context, kind models.Kind, key string) (models.Handle, error)
	Set(ctx context.Context, kind models.Kind, key string, h models.Handle) error
	Purge(ctx context.Context, kind models.Kind) error
	Stats() Stats
	Close() error
}

// Stats reports cache effectiveness
type Stats struct {
	Hits    uint64              `json:"hits"`
	Misses  uint64              `json:"misses"`
	Entries map[models.Kind]int `json:"entries,omitempty"`
}

type counters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (c *counters) record(err error) {
	if err == nil {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// MemoryCache is an in-process LRU per entity kind. Each kind has its own
// lock so identity and page lookups never contend.
type MemoryCache struct {
	kinds map[models.Kind]*lru.Cache[string, models.Handle]
	counters
}

// NewMemoryCache creates a memory cache with a capacity per kind
func NewMemoryCache(sizes map[models.Kind]int) (*MemoryCache, error) {
	m := &MemoryCache{kinds: make(map[models.Kind]*lru.Cache[string, models.Handle], len(sizes))}
	for kind, size := range sizes {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown entity kind %q", kind)
		}
		c, err := lru.New[string, models.Handle](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s cache: %w", kind, err)
		}
		m.kinds[kind] = c
	}
	return m, nil
}

// Get retrieves a handle from the cache
func (m *MemoryCache) Get(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	c, ok := m.kinds[kind]
	if !ok {
		m.record(ErrMiss)
		return 0, ErrMiss
	}
	h, ok := c.Get(key)
	if !ok {
		m.record(ErrMiss)
		return 0, ErrMiss
	}
	m.record(nil)
	return h, nil
}

// Set stores a handle in the cache
func (m *MemoryCache) Set(ctx context.Context, kind models.Kind, key string, h models.Handle) error {
	c, ok := m.kinds[kind]
	if !ok {
		return fmt.Errorf("no cache for kind %q", kind)
	}
	c.Add(key, h)
	return nil
}

// Purge removes every entry of one kind
func (m *MemoryCache) Purge(ctx context.Context, kind models.Kind) error {
	if c, ok := m.kinds[kind]; ok {
		c.Purge()
	}
	return nil
}

// Stats returns hit/miss counters and entry counts
func (m *MemoryCache) Stats() Stats {
	s := Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Entries: make(map[models.Kind]int, len(m.kinds)),
	}
	for kind, c := range m.kinds {
		s.Entries[kind] = c.Len()
	}
	return s
}

// Close purges all entries
func (m *MemoryCache) Close() error {
	for _, c := range m.kinds {
		c.Purge()
	}
	return nil
}

// RedisCache shares the lookup cache between processes. Capacity is
// bounded by the server's maxmemory policy (allkeys-lru recommended).
type RedisCache struct {
	client *redis.Client
	prefix string
	counters
}

// RedisOptions configures the Redis cache
type RedisOptions struct {
	Host      string
	Port      int
	DB        int
	KeyPrefix string
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		DB:           opts.DB,
		PoolSize:     50,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "archety"
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) key(kind models.Kind, key string) string {
	return r.prefix + ":" + string(kind) + ":" + key
}

// Get retrieves a handle from Redis
func (r *RedisCache) Get(ctx context.Context, kind models.Kind, key string) (models.Handle, error) {
	val, err := r.client.Get(ctx, r.key(kind, key)).Result()
	if err == redis.Nil {
		r.record(ErrMiss)
		return 0, ErrMiss
	}
	if err != nil {
		r.record(err)
		return 0, err
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.record(err)
		return 0, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	r.record(nil)
	return models.Handle(id), nil
}

// Set stores a handle in Redis without expiry
func (r *RedisCache) Set(ctx context.Context, kind models.Kind, key string, h models.Handle) error {
	return r.client.Set(ctx, r.key(kind, key), strconv.FormatInt(int64(h), 10), 0).Err()
}

// Purge removes every entry of one kind
func (r *RedisCache) Purge(ctx context.Context, kind models.Kind) error {
	pattern := r.prefix + ":" + string(kind) + ":*"
	var cursor uint64
	for {
		keys, nextCursor, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}

		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Stats returns hit/miss counters
func (r *RedisCache) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}
