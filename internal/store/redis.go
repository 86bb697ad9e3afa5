package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"git.home.luguber.info/inful/buildorch/internal/build"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
)

// maxClaimAttempts bounds optimistic retries when the queue changes mid-claim.
const maxClaimAttempts = 5

// RedisStore keeps admission state in Redis under a namespace:
//
//	{ns}:active_builds     SET of build ids
//	{ns}:active_requests   HASH build id -> request JSON
//	{ns}:build_queue       LIST of request JSON (RPUSH / LPOP)
//	{ns}:terminal:{id}     STRING status, expiring after the terminal TTL
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, namespace string, terminalTTL time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeErr(err, "connect to redis")
	}
	return &RedisStore{client: client, namespace: namespace, ttl: terminalTTL}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) AddActive(ctx context.Context, req build.Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.key("active_builds"), req.BuildID)
		pipe.HSet(ctx, s.key("active_requests"), req.BuildID, payload)
		return nil
	})
	if err != nil {
		return storeErr(err, "add active build")
	}
	return nil
}

func (s *RedisStore) RemoveActive(ctx context.Context, buildID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key("active_builds"), buildID)
		pipe.HDel(ctx, s.key("active_requests"), buildID)
		return nil
	})
	if err != nil {
		return storeErr(err, "remove active build")
	}
	return nil
}

func (s *RedisStore) ActiveRequests(ctx context.Context) ([]build.Request, error) {
	entries, err := s.client.HGetAll(ctx, s.key("active_requests")).Result()
	if err != nil {
		return nil, storeErr(err, "list active builds")
	}
	out := make([]build.Request, 0, len(entries))
	for _, raw := range entries {
		req, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return sortByID(out), nil
}

func (s *RedisStore) PushQueue(ctx context.Context, req build.Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.key("build_queue"), payload).Err(); err != nil {
		return storeErr(err, "enqueue build")
	}
	return nil
}

// ClaimNext moves the queue head into the active set inside one MULTI/EXEC.
// The queue key is watched, so a concurrent writer makes the attempt retry
// instead of claiming a stale head.
func (s *RedisStore) ClaimNext(ctx context.Context) (build.Request, bool, error) {
	queueKey := s.key("build_queue")
	var (
		claimed build.Request
		found   bool
	)
	claim := func(tx *redis.Tx) error {
		found = false
		raw, err := tx.LIndex(ctx, queueKey, 0).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		req, decodeErr := decode(raw)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPop(ctx, queueKey)
			if decodeErr == nil {
				pipe.SAdd(ctx, s.key("active_builds"), req.BuildID)
				pipe.HSet(ctx, s.key("active_requests"), req.BuildID, raw)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// An undecodable head is dropped so it cannot block the queue.
		if decodeErr != nil {
			return decodeErr
		}
		claimed, found = req, true
		return nil
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		err := s.client.Watch(ctx, claim, queueKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if ferrors.HasCategory(err, ferrors.CategoryStore) {
				return build.Request{}, false, err
			}
			return build.Request{}, false, storeErr(err, "claim queued build")
		}
		return claimed, found, nil
	}
	return build.Request{}, false, storeErr(redis.TxFailedErr, "claim queued build")
}

// Unclaim moves req from the active set back to the queue head atomically.
func (s *RedisStore) Unclaim(ctx context.Context, req build.Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key("active_builds"), req.BuildID)
		pipe.HDel(ctx, s.key("active_requests"), req.BuildID)
		pipe.LPush(ctx, s.key("build_queue"), payload)
		return nil
	})
	if err != nil {
		return storeErr(err, "unclaim build")
	}
	return nil
}

func (s *RedisStore) QueuedRequests(ctx context.Context) ([]build.Request, error) {
	raws, err := s.client.LRange(ctx, s.key("build_queue"), 0, -1).Result()
	if err != nil {
		return nil, storeErr(err, "list queued builds")
	}
	out := make([]build.Request, 0, len(raws))
	for _, raw := range raws {
		req, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *RedisStore) QueueLength(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key("build_queue")).Result()
	if err != nil {
		return 0, storeErr(err, "queue length")
	}
	return int(n), nil
}

func (s *RedisStore) MarkTerminal(ctx context.Context, buildID string, status build.Status) error {
	if err := s.client.Set(ctx, s.key("terminal", buildID), string(status), s.ttl).Err(); err != nil {
		return storeErr(err, "mark build terminal")
	}
	return nil
}

func (s *RedisStore) TerminalStatus(ctx context.Context, buildID string) (build.Status, bool, error) {
	raw, err := s.client.Get(ctx, s.key("terminal", buildID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err, "read terminal status")
	}
	return build.Status(raw), true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr(err, "ping redis")
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
