// Package store persists the admission state (active set, wait queue and
// terminal records) so a restarted orchestrator loses no accepted request.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/config"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
)

// Store is the durable mirror of the admission controller's state.
// The queue is strict FIFO: ClaimNext returns the oldest PushQueue entry.
// A request moving between the queue and the active set is never in neither.
type Store interface {
	AddActive(ctx context.Context, req build.Request) error
	RemoveActive(ctx context.Context, buildID string) error
	ActiveRequests(ctx context.Context) ([]build.Request, error)

	PushQueue(ctx context.Context, req build.Request) error
	// ClaimNext atomically moves the oldest queued request into the active
	// set and returns it. ok is false when the queue is empty.
	ClaimNext(ctx context.Context) (req build.Request, ok bool, err error)
	// Unclaim atomically moves an active request back to the head of the queue.
	Unclaim(ctx context.Context, req build.Request) error
	QueuedRequests(ctx context.Context) ([]build.Request, error)
	QueueLength(ctx context.Context) (int, error)

	MarkTerminal(ctx context.Context, buildID string, status build.Status) error
	TerminalStatus(ctx context.Context, buildID string) (status build.Status, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Open creates the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreRedis:
		return NewRedisStore(ctx, cfg.RedisURL, cfg.Namespace, cfg.TerminalTTL.Std())
	case config.StoreSQLite:
		return NewSQLiteStore(cfg.SQLitePath, cfg.TerminalTTL.Std())
	case config.StoreMemory:
		return NewMemoryStore(cfg.TerminalTTL.Std()), nil
	default:
		return nil, ferrors.ConfigError(fmt.Sprintf("unsupported store driver %q", cfg.Driver)).Build()
	}
}

func storeErr(err error, op string) error {
	return ferrors.WrapError(err, ferrors.CategoryStore, op).Retryable().Build()
}

func encode(req build.Request) (string, error) {
	data, err := req.Encode()
	if err != nil {
		return "", storeErr(err, "encode request")
	}
	return string(data), nil
}

// decode tolerates unknown fields; stored entries were validated on admission.
func decode(raw string) (build.Request, error) {
	var req build.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return build.Request{}, storeErr(err, "decode stored request")
	}
	return req, nil
}

func sortByID(reqs []build.Request) []build.Request {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].BuildID < reqs[j].BuildID })
	return reqs
}
