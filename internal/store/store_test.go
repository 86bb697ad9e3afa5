package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/config"
)

func req(id string) build.Request {
	return build.Request{BuildID: id, ProjectID: "proj-" + id, OwnerID: "owner", BuildNumber: 1, TriggeredBy: build.TriggerAPI}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(*testing.T) Store { return NewMemoryStore(time.Hour) }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"), time.Hour)
			require.NoError(t, err)
			return s
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "test", time.Hour)
			require.NoError(t, err)
			return s
		}},
	}
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			t.Cleanup(func() { _ = s.Close() })

			require.NoError(t, s.Ping(ctx))

			t.Run("active set", func(t *testing.T) {
				require.NoError(t, s.AddActive(ctx, req("b2")))
				require.NoError(t, s.AddActive(ctx, req("b1")))
				require.NoError(t, s.AddActive(ctx, req("b1")))

				active, err := s.ActiveRequests(ctx)
				require.NoError(t, err)
				require.Len(t, active, 2)
				require.Equal(t, req("b1"), active[0])
				require.Equal(t, "b2", active[1].BuildID)

				require.NoError(t, s.RemoveActive(ctx, "b1"))
				require.NoError(t, s.RemoveActive(ctx, "b2"))
				require.NoError(t, s.RemoveActive(ctx, "missing"))
				active, err = s.ActiveRequests(ctx)
				require.NoError(t, err)
				require.Empty(t, active)
			})

			t.Run("queue is FIFO", func(t *testing.T) {
				for i := 1; i <= 3; i++ {
					require.NoError(t, s.PushQueue(ctx, req(fmt.Sprintf("q%d", i))))
				}
				n, err := s.QueueLength(ctx)
				require.NoError(t, err)
				require.Equal(t, 3, n)

				queued, err := s.QueuedRequests(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"q1", "q2", "q3"}, ids(queued))

				for i := 1; i <= 3; i++ {
					got, ok, err := s.ClaimNext(ctx)
					require.NoError(t, err)
					require.True(t, ok)
					require.Equal(t, req(fmt.Sprintf("q%d", i)), got)
				}
				_, ok, err := s.ClaimNext(ctx)
				require.NoError(t, err)
				require.False(t, ok)

				active, err := s.ActiveRequests(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"q1", "q2", "q3"}, ids(active))
				for i := 1; i <= 3; i++ {
					require.NoError(t, s.RemoveActive(ctx, fmt.Sprintf("q%d", i)))
				}
			})

			t.Run("claim and unclaim", func(t *testing.T) {
				require.NoError(t, s.PushQueue(ctx, req("r1")))
				require.NoError(t, s.PushQueue(ctx, req("r2")))
				head, ok, err := s.ClaimNext(ctx)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, "r1", head.BuildID)

				queued, err := s.QueuedRequests(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"r2"}, ids(queued))

				require.NoError(t, s.Unclaim(ctx, head))
				active, err := s.ActiveRequests(ctx)
				require.NoError(t, err)
				require.Empty(t, active)
				queued, err = s.QueuedRequests(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"r1", "r2"}, ids(queued))

				for range queued {
					claimed, _, err := s.ClaimNext(ctx)
					require.NoError(t, err)
					require.NoError(t, s.RemoveActive(ctx, claimed.BuildID))
				}
			})

			t.Run("terminal records", func(t *testing.T) {
				_, ok, err := s.TerminalStatus(ctx, "t1")
				require.NoError(t, err)
				require.False(t, ok)

				require.NoError(t, s.MarkTerminal(ctx, "t1", build.StatusFailed))
				require.NoError(t, s.MarkTerminal(ctx, "t1", build.StatusSuccess))
				status, ok, err := s.TerminalStatus(ctx, "t1")
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, build.StatusSuccess, status)
			})
		})
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := NewSQLiteStore(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.AddActive(ctx, req("a1")))
	require.NoError(t, s.PushQueue(ctx, req("q1")))
	require.NoError(t, s.PushQueue(ctx, req("q2")))
	require.NoError(t, s.MarkTerminal(ctx, "done", build.StatusSuccess))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, 0)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	active, err := s.ActiveRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ids(active))

	queued, err := s.QueuedRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"q1", "q2"}, ids(queued))

	status, ok, err := s.TerminalStatus(ctx, "done")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, build.StatusSuccess, status)
}

func TestTerminalRecordsExpire(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore(time.Minute)
		now := time.Unix(1_000, 0)
		s.now = func() time.Time { return now }
		require.NoError(t, s.MarkTerminal(ctx, "b1", build.StatusFailed))
		now = now.Add(2 * time.Minute)
		_, ok, err := s.TerminalStatus(ctx, "b1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:", time.Minute)
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		now := time.Unix(1_000, 0)
		s.now = func() time.Time { return now }
		require.NoError(t, s.MarkTerminal(ctx, "b1", build.StatusFailed))
		now = now.Add(2 * time.Minute)
		_, ok, err := s.TerminalStatus(ctx, "b1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		s, err := NewRedisStore(ctx, "redis://"+mr.Addr(), "ns", time.Minute)
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		require.NoError(t, s.MarkTerminal(ctx, "b1", build.StatusFailed))
		require.True(t, mr.Exists("ns:terminal:b1"))
		mr.FastForward(2 * time.Minute)
		_, ok, err := s.TerminalStatus(ctx, "b1")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRedisStoreKeyLayout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, "redis://"+mr.Addr(), "orch", time.Hour)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.AddActive(ctx, req("a1")))
	require.NoError(t, s.PushQueue(ctx, req("q1")))

	members, err := mr.SMembers("orch:active_builds")
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, members)
	require.True(t, mr.Exists("orch:active_requests"))
	list, err := mr.List("orch:build_queue")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Contains(t, list[0], `"buildId":"q1"`)
}

func TestRedisClaimMovesHeadIntoActiveSet(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, "redis://"+mr.Addr(), "orch", time.Hour)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.PushQueue(ctx, req("q1")))
	require.NoError(t, s.PushQueue(ctx, req("q2")))

	got, ok, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "q1", got.BuildID)

	members, err := mr.SMembers("orch:active_builds")
	require.NoError(t, err)
	require.Equal(t, []string{"q1"}, members)
	require.Contains(t, mr.HGet("orch:active_requests", "q1"), `"buildId":"q1"`)
	list, err := mr.List("orch:build_queue")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Contains(t, list[0], `"buildId":"q2"`)
}

func TestClaimNextDropsUndecodableHead(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, "redis://"+mr.Addr(), "orch", time.Hour)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = mr.Push("orch:build_queue", "{not json")
	require.NoError(t, err)
	require.NoError(t, s.PushQueue(ctx, req("q1")))

	_, _, err = s.ClaimNext(ctx)
	require.Error(t, err)

	got, ok, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "q1", got.BuildID)
}

func TestRedisClaimKeepsQueueWhenServerIsDown(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, "redis://"+mr.Addr(), "orch", time.Hour)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.PushQueue(ctx, req("q1")))

	mr.SetError("ERR simulated outage")
	_, _, err = s.ClaimNext(ctx)
	require.Error(t, err)
	mr.SetError("")

	list, err := mr.List("orch:build_queue")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, mr.Exists("orch:active_requests"))
}

func TestRedisStoreReportsUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedisStore(context.Background(), "redis://"+addr, "ns", time.Hour)
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: config.StoreMemory})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, config.StoreConfig{Driver: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "zookeeper"})
	require.Error(t, err)
}

func ids(reqs []build.Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.BuildID
	}
	return out
}
