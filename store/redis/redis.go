/*
Package redis holds the Redis-backed pieces shared by every instance of the
service:

  - Baseline: the last accepted breach flag per debtor, so a restarted mirror
    classifies its first observation against a known prior.
  - Locker:   a distributed per-debtor write lock (redislock), so two
    instances never interleave a read-modify-write of the same document.

KEYS:

	<prefix>baseline:<debtor-id>   "1" over limit, "0" within limit
	<prefix>lock:<key>             redislock token, expires after LockTTL

Both are optional: without Redis the mirror uses mirror.MemoryBaseline and
the writer uses ledger.KeyedMutex.
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/debt-ledger/ledger"
	"github.com/warp/debt-ledger/mirror"
)

const (
	DefaultPrefix  = "debtledger:"
	DefaultLockTTL = 10 * time.Second

	// lockRetry is the pause between attempts while another holder has the lock.
	lockRetry = 50 * time.Millisecond
)

// Config holds the connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	LockTTL  time.Duration
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// =============================================================================
// BASELINE
// =============================================================================

// Baseline implements mirror.BaselineStore on plain string keys.
type Baseline struct {
	client *goredis.Client
	prefix string
}

var _ mirror.BaselineStore = (*Baseline)(nil)

// NewBaseline creates a baseline store. An empty prefix uses DefaultPrefix.
func NewBaseline(client *goredis.Client, prefix string) *Baseline {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Baseline{client: client, prefix: prefix}
}

func (b *Baseline) key(id ledger.DebtorID) string {
	return b.prefix + "baseline:" + string(id)
}

func (b *Baseline) Load(ctx context.Context, id ledger.DebtorID) (bool, bool, error) {
	val, err := b.client.Get(ctx, b.key(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("load baseline for %s: %w", id, err)
	}
	over, ok := decodeFlag(val)
	if !ok {
		// Unreadable values count as no baseline.
		return false, false, nil
	}
	return over, true, nil
}

func (b *Baseline) Save(ctx context.Context, id ledger.DebtorID, overLimit bool) error {
	if err := b.client.Set(ctx, b.key(id), encodeFlag(overLimit), 0).Err(); err != nil {
		return fmt.Errorf("save baseline for %s: %w", id, err)
	}
	return nil
}

func (b *Baseline) Clear(ctx context.Context, id ledger.DebtorID) error {
	if err := b.client.Del(ctx, b.key(id)).Err(); err != nil {
		return fmt.Errorf("clear baseline for %s: %w", id, err)
	}
	return nil
}

func encodeFlag(over bool) string {
	if over {
		return "1"
	}
	return "0"
}

func decodeFlag(val string) (over bool, ok bool) {
	switch val {
	case "1":
		return true, true
	case "0":
		return false, true
	}
	return false, false
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker implements ledger.Locker with redislock.
type Locker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	log    logrus.FieldLogger
}

var _ ledger.Locker = (*Locker)(nil)

// NewLocker creates a distributed locker. Locks expire after ttl even if the
// holder dies; a writer never holds one longer than a single store round trip.
func NewLocker(client *goredis.Client, prefix string, ttl time.Duration, log logrus.FieldLogger) *Locker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{
		client: redislock.New(client),
		prefix: prefix,
		ttl:    ttl,
		log:    log.WithField("component", "redis_locker"),
	}
}

// Lock retries until the key is obtained, ctx is done, or one TTL has passed.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	lock, err := l.client.Obtain(obtainCtx, l.lockKey(key), l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(lockRetry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.WithError(err).WithField("key", key).Warn("failed to release lock")
		}
	}, nil
}

func (l *Locker) lockKey(key string) string {
	return l.prefix + "lock:" + key
}
