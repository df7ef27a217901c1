package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseManager guards tenant scans: at most one holder per tenant across
// all worker processes. Acquire returns false without error when another
// holder has the lease.
type LeaseManager interface {
	Acquire(ctx context.Context, tenantID string) (bool, error)
	Release(ctx context.Context, tenantID string) error
}

// leaseKey hashes a tenant id into the int64 keyspace Postgres advisory
// locks use.
func leaseKey(tenantID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("care:lease:" + tenantID))
	return int64(h.Sum64())
}

// PostgresLeaseManager uses pg_try_advisory_lock. Advisory locks are
// session-scoped, so each held lease pins one connection until release.
type PostgresLeaseManager struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewPostgresLeaseManager wraps an open database handle (lib/pq driver).
func NewPostgresLeaseManager(db *sql.DB) *PostgresLeaseManager {
	return &PostgresLeaseManager{db: db, conns: make(map[string]*sql.Conn)}
}

func (m *PostgresLeaseManager) Acquire(ctx context.Context, tenantID string) (bool, error) {
	m.mu.Lock()
	if _, held := m.conns[tenantID]; held {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", leaseKey(tenantID)).Scan(&locked); err != nil {
		conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		conn.Close()
		return false, nil
	}

	m.mu.Lock()
	m.conns[tenantID] = conn
	m.mu.Unlock()
	return true, nil
}

func (m *PostgresLeaseManager) Release(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	conn, held := m.conns[tenantID]
	delete(m.conns, tenantID)
	m.mu.Unlock()
	if !held {
		return nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", leaseKey(tenantID)); err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return nil
}

// RedisLeaseManager uses SETNX with a TTL so a crashed worker's lease
// expires on its own.
type RedisLeaseManager struct {
	client  *redis.Client
	ownerID string
	ttl     time.Duration
}

// NewRedisLeaseManager builds a redis-backed lease manager. ownerID
// identifies this process so it only releases its own leases.
func NewRedisLeaseManager(client *redis.Client, ownerID string, ttl time.Duration) *RedisLeaseManager {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLeaseManager{client: client, ownerID: ownerID, ttl: ttl}
}

func redisLeaseKey(tenantID string) string {
	return "care:lease:" + tenantID
}

func (m *RedisLeaseManager) Acquire(ctx context.Context, tenantID string) (bool, error) {
	ok, err := m.client.SetNX(ctx, redisLeaseKey(tenantID), m.ownerID, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (m *RedisLeaseManager) Release(ctx context.Context, tenantID string) error {
	key := redisLeaseKey(tenantID)
	owner, err := m.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if owner != m.ownerID {
		// Lease expired and was re-acquired elsewhere; not ours to delete.
		return nil
	}
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryLeaseManager is the single-process fallback used in tests and
// when neither Postgres nor Redis is configured.
type MemoryLeaseManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLeaseManager builds an in-memory lease manager.
func NewMemoryLeaseManager() *MemoryLeaseManager {
	return &MemoryLeaseManager{held: make(map[string]bool)}
}

func (m *MemoryLeaseManager) Acquire(ctx context.Context, tenantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[tenantID] {
		return false, nil
	}
	m.held[tenantID] = true
	return true, nil
}

func (m *MemoryLeaseManager) Release(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, tenantID)
	return nil
}
