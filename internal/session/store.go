package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a persisted session survives without writes.
const DefaultTTL = time.Hour

const keyPrefix = "session:"

// Snapshot is the durable form of a session.
type Snapshot struct {
	Agent             string `json:"agent"`
	ProviderAuthority string `json:"providerAuthority"`
	Vault             string `json:"vaultPda"`
	SpentOffchain     uint64 `json:"-"`
	LastUpdate        int64  `json:"lastUpdate"` // unix milliseconds
}

// MarshalJSON writes spentOffchain as a decimal string.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	return json.Marshal(struct {
		plain
		Spent string `json:"spentOffchain"`
	}{plain(s), strconv.FormatUint(s.SpentOffchain, 10)})
}

// UnmarshalJSON accepts spentOffchain as a string or number.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	type plain Snapshot
	var aux struct {
		plain
		Spent json.Number `json:"spentOffchain"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = Snapshot(aux.plain)
	if aux.Spent != "" {
		v, err := strconv.ParseUint(aux.Spent.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("spentOffchain: %w", err)
		}
		s.SpentOffchain = v
	}
	return nil
}

// Store persists session snapshots keyed by agent.
type Store interface {
	Save(ctx context.Context, agent string, snap Snapshot) error
	// Load returns nil, nil when no snapshot exists or it has expired.
	Load(ctx context.Context, agent string) (*Snapshot, error)
	Delete(ctx context.Context, agent string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore keeps snapshots in Redis with a TTL refreshed on every write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis instance at url
// (redis://[:password@]host:port/db).
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opts), ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Save(ctx context.Context, agent string, snap Snapshot) error {
	if snap.LastUpdate == 0 {
		snap.LastUpdate = time.Now().UnixMilli()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyPrefix+agent, data, r.ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, agent string) (*Snapshot, error) {
	data, err := r.client.Get(ctx, keyPrefix+agent).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", agent, err)
	}
	return &snap, nil
}

func (r *RedisStore) Delete(ctx context.Context, agent string) error {
	return r.client.Del(ctx, keyPrefix+agent).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	snap    Snapshot
	expires time.Time
}

// NewMemoryStore creates an in-memory store honoring ttl on read.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) Save(_ context.Context, agent string, snap Snapshot) error {
	now := m.now()
	if snap.LastUpdate == 0 {
		snap.LastUpdate = now.UnixMilli()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[agent] = memoryEntry{snap: snap, expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, agent string) (*Snapshot, error) {
	m.mu.RLock()
	e, ok := m.entries[agent]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expires) {
		return nil, nil
	}
	snap := e.snap
	return &snap, nil
}

func (m *MemoryStore) Delete(_ context.Context, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, agent)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
