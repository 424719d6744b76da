// Package distlock provides the scheduler's cross-instance mutual
// exclusion. Redis SET NX with a TTL is preferred; without Redis the lock
// falls back to a PostgreSQL advisory lock, which releases itself when the
// holding connection drops.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking distributed lock. Instances are single-goroutine;
// concurrent holders need separate instances.
type Lock interface {
	// Acquire attempts the lock without blocking. True means held.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is configured,
// otherwise a PG advisory lock on the store's connection pool.
func New(client *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if client != nil {
		return newRedisLock(client, key, ttl)
	}
	return newAdvisoryLock(db, key)
}

type redisLock struct {
	client *redis.Client
	key    string
	owner  string // random token; release and extend verify ownership
	ttl    time.Duration
}

func newRedisLock(client *redis.Client, key string, ttl time.Duration) *redisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &redisLock{
		client: client,
		key:    "mailqueue:lock:" + key,
		owner:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

func (l *redisLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

func (l *redisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	return err
}

// advisoryLock keys pg_try_advisory_lock with an FNV hash of the lock name.
// Advisory locks are session scoped, so the lock pins a dedicated
// connection for as long as it is held: acquiring and releasing on pooled
// connections would unlock a different session and strand the lock on an
// idle connection. Session scoping also gives crash safety: a dead holder's
// connection drop frees the lock.
type advisoryLock struct {
	db     *sql.DB
	lockID int64

	conn *sql.Conn // non-nil only while the lock is held
}

func newAdvisoryLock(db *sql.DB, key string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &advisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *advisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}

	var held bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&held); err != nil {
		l.conn.Close()
		l.conn = nil
		return false, err
	}
	if !held {
		// Not holding anything; give the connection back to the pool.
		l.conn.Close()
		l.conn = nil
	}
	return held, nil
}

func (l *advisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	cerr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return cerr
}
