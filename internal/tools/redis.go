package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/client"
)

const statusQueue = "status_queue"

type RedisService struct {
	Client *redis.Client
}

func NewRedisService(redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.MaxRetries = 3

	Client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Info("Redis connected successfully")
	return &RedisService{Client: Client}, nil
}

func (r *RedisService) Close() error {
	return r.Client.Close()
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *RedisService) SaveJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, key, data, ttl).Err()
}

// LoadJSON decodes the value at key into v and reports whether it existed.
func (r *RedisService) LoadJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := r.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func (r *RedisService) Delete(ctx context.Context, key string) error {
	return r.Client.Del(ctx, key).Err()
}

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisService) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, token, ttl).Result()
}

func (r *RedisService) Unlock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, r.Client, []string{key}, token).Err()
}

// enqueueScript pushes a reference only when it is not already queued or
// being polled. The marker lives until FinishReference or its TTL.
var enqueueScript = redis.NewScript(`
if redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[2]) then
	redis.call("RPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// queuedTTL bounds how long a reference that never gets finished stays
// unqueueable.
const queuedTTL = 30 * time.Minute

// EnqueueReference is a no-op while the reference is already queued or its
// poll is still running.
func (r *RedisService) EnqueueReference(ctx context.Context, referenceID string) error {
	return enqueueScript.Run(ctx, r.Client, []string{queuedKey(referenceID), statusQueue}, referenceID, queuedTTL.Milliseconds()).Err()
}

func (r *RedisService) FinishReference(ctx context.Context, referenceID string) error {
	return r.Client.Del(ctx, queuedKey(referenceID)).Err()
}

func (r *RedisService) DequeueReference(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := r.Client.BLPop(ctx, timeout, statusQueue).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

func statusKey(referenceID string) string {
	return "status:" + referenceID
}

func queuedKey(referenceID string) string {
	return "status:" + referenceID + ":queued"
}

func pollKey(referenceID string) string {
	return "status:" + referenceID + ":polling"
}

func (r *RedisService) CacheStatus(ctx context.Context, update api.StatusUpdate, ttl time.Duration) error {
	return r.SaveJSON(ctx, statusKey(update.ReferenceID), update, ttl)
}

// GetCachedStatus returns nil, nil on a cache miss.
func (r *RedisService) GetCachedStatus(ctx context.Context, referenceID string) (*api.StatusUpdate, error) {
	var update api.StatusUpdate
	found, err := r.LoadJSON(ctx, statusKey(referenceID), &update)
	if err != nil || !found {
		return nil, err
	}
	return &update, nil
}

func (r *RedisService) ClaimPoll(ctx context.Context, referenceID string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, pollKey(referenceID), "1", ttl).Result()
}

func (r *RedisService) ReleasePoll(ctx context.Context, referenceID string) error {
	return r.Client.Del(ctx, pollKey(referenceID)).Err()
}

func (r *RedisService) QueueLength(ctx context.Context) (int64, error) {
	return r.Client.LLen(ctx, statusQueue).Result()
}

// RedisTokenStore keeps the remote API session in Redis so every replica
// shares one token pair.
type RedisTokenStore struct {
	redis *RedisService
	key   string
}

func NewRedisTokenStore(r *RedisService, key string) *RedisTokenStore {
	return &RedisTokenStore{redis: r, key: key}
}

func (s *RedisTokenStore) Load(ctx context.Context) (client.Tokens, error) {
	var tokens client.Tokens
	if _, err := s.redis.LoadJSON(ctx, s.key, &tokens); err != nil {
		return client.Tokens{}, errors.Wrap(err, "load api tokens")
	}
	return tokens, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, tokens client.Tokens) error {
	return errors.Wrap(s.redis.SaveJSON(ctx, s.key, tokens, 0), "save api tokens")
}

func (s *RedisTokenStore) Clear(ctx context.Context) error {
	return errors.Wrap(s.redis.Delete(ctx, s.key), "clear api tokens")
}

// SeedTokens stores the configured tokens unless a session is already
// present.
func (s *RedisTokenStore) SeedTokens(ctx context.Context, tokens client.Tokens) error {
	if tokens.Access == "" && tokens.Refresh == "" {
		return nil
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return s.redis.Client.SetNX(ctx, s.key, data, 0).Err()
}
