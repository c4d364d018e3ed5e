package checkout

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/spindex/spindex/internal/utils"
)

// ErrLeaseHeld is returned when another worker owns the checkout.
var ErrLeaseHeld = errors.New("checkout lease held by another worker")

// Lease is exclusive access to one package's checkout.
type Lease interface {
	Release(ctx context.Context) error
}

// Leaser hands out leases by key. Acquire never waits: it fails with
// ErrLeaseHeld when the key is taken.
type Leaser interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// FileLeaser uses lock files under Dir, which serializes processes sharing
// a filesystem.
type FileLeaser struct {
	Dir string
}

type fileLease struct {
	lock *utils.FileLock
}

func (f FileLeaser) Acquire(_ context.Context, key string) (Lease, error) {
	lock, err := utils.NewFileLock(filepath.Join(f.Dir, key))
	if err != nil {
		return nil, err
	}
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, utils.ErrLocked) {
			return nil, ErrLeaseHeld
		}
		return nil, err
	}
	return fileLease{lock: lock}, nil
}

func (l fileLease) Release(context.Context) error {
	return l.lock.Unlock()
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser keeps leases in redis so workers on different hosts exclude
// each other. Leases expire after TTL in case a worker dies holding one.
type RedisLeaser struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (r RedisLeaser) Acquire(ctx context.Context, key string) (Lease, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	prefix := r.Prefix
	if prefix == "" {
		prefix = "spindex:checkout:"
	}
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, prefix+key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return redisLease{client: r.Client, key: prefix + key, token: token}, nil
}

func (l redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
