package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/config"
	"git.home.luguber.info/inful/buildorch/internal/retry"
	"git.home.luguber.info/inful/buildorch/internal/store"
)

func req(id string) build.Request {
	return build.Request{BuildID: id, ProjectID: "p-" + id, OwnerID: "o", BuildNumber: 1}
}

// recordingDispatcher captures dispatch order.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) dispatch(r build.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, r.BuildID)
}

func (d *recordingDispatcher) started() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

// flakyStore fails selected operations while the matching flag is set.
type flakyStore struct {
	store.Store
	failClaim atomic.Bool
	failTerm  atomic.Bool
	failMark  atomic.Bool
}

func (f *flakyStore) ClaimNext(ctx context.Context) (build.Request, bool, error) {
	if f.failClaim.Load() {
		return build.Request{}, false, errors.New("store unreachable")
	}
	return f.Store.ClaimNext(ctx)
}

func (f *flakyStore) MarkTerminal(ctx context.Context, id string, status build.Status) error {
	if f.failMark.Load() {
		return errors.New("conn reset")
	}
	return f.Store.MarkTerminal(ctx, id, status)
}

func (f *flakyStore) TerminalStatus(ctx context.Context, id string) (build.Status, bool, error) {
	if f.failTerm.Load() {
		return "", false, errors.New("store unreachable")
	}
	return f.Store.TerminalStatus(ctx, id)
}

func TestSingleSlotQueuesSecondRequest(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(0)
	d := &recordingDispatcher{}
	c := New(st, 1, WithDispatcher(d.dispatch))

	decision, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)

	decision, err = c.TryAdmit(ctx, req("B"))
	require.NoError(t, err)
	require.Equal(t, Queued, decision)

	snap := c.Snapshot()
	require.Equal(t, []string{"A"}, snap.Active)
	require.Equal(t, 1, snap.Queued)
	require.Equal(t, []string{"A"}, d.started())

	require.NoError(t, c.Release(ctx, "A", build.StatusFailed))

	snap = c.Snapshot()
	require.Equal(t, []string{"B"}, snap.Active)
	require.Zero(t, snap.Queued)
	require.Equal(t, []string{"A", "B"}, d.started())

	n, err := st.QueueLength(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	active, err := st.ActiveRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, []build.Request{req("B")}, active)
}

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	c := New(store.NewMemoryStore(0), 1, WithDispatcher(d.dispatch))

	for i := 0; i < 5; i++ {
		_, err := c.TryAdmit(ctx, req(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Release(ctx, fmt.Sprintf("r%d", i), build.StatusSuccess))
	}
	require.Equal(t, []string{"r0", "r1", "r2", "r3", "r4"}, d.started())
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	c := New(store.NewMemoryStore(0), 1, WithDispatcher(d.dispatch))

	_, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	_, err = c.TryAdmit(ctx, req("B"))
	require.NoError(t, err)

	for _, id := range []string{"A", "B"} {
		decision, err := c.TryAdmit(ctx, req(id))
		require.NoError(t, err)
		require.Equal(t, Duplicate, decision, id)
	}
	require.Equal(t, 1, c.Snapshot().Queued)

	require.NoError(t, c.Release(ctx, "A", build.StatusSuccess))
	require.NoError(t, c.Release(ctx, "B", build.StatusSuccess))

	decision, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, decision)
	require.Equal(t, []string{"A", "B"}, d.started())
}

func TestFillDropsRequestsThatAlreadyFinished(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(0)
	d := &recordingDispatcher{}
	c := New(st, 1, WithDispatcher(d.dispatch))

	_, _ = c.TryAdmit(ctx, req("A"))
	_, _ = c.TryAdmit(ctx, req("B"))
	_, _ = c.TryAdmit(ctx, req("C"))
	require.NoError(t, st.MarkTerminal(ctx, "B", build.StatusCancelled))

	require.NoError(t, c.Release(ctx, "A", build.StatusSuccess))
	require.Equal(t, []string{"A", "C"}, d.started())
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	const (
		limit    = 3
		requests = 60
	)

	var (
		running    atomic.Int32
		maxRunning atomic.Int32
		finished   sync.WaitGroup
		startCount sync.Map
	)
	finished.Add(requests)

	var c *Controller
	c = New(store.NewMemoryStore(0), limit, WithDispatcher(func(r build.Request) {
		if _, loaded := startCount.LoadOrStore(r.BuildID, true); loaded {
			t.Errorf("build %s dispatched twice", r.BuildID)
		}
		go func() {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			if err := c.Release(ctx, r.BuildID, build.StatusSuccess); err != nil {
				t.Errorf("release %s: %v", r.BuildID, err)
			}
			finished.Done()
		}()
	}))

	var submit sync.WaitGroup
	for i := 0; i < requests; i++ {
		submit.Add(1)
		go func(i int) {
			defer submit.Done()
			_, err := c.TryAdmit(ctx, req(fmt.Sprintf("c%02d", i)))
			if err != nil {
				t.Errorf("admit: %v", err)
			}
		}(i)
	}
	submit.Wait()

	done := make(chan struct{})
	go func() { finished.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("builds did not finish; snapshot %+v", c.Snapshot())
	}

	require.LessOrEqual(t, maxRunning.Load(), int32(limit))
	snap := c.Snapshot()
	require.Empty(t, snap.Active)
	require.Zero(t, snap.Queued)
}

func TestFiveSimultaneousRequestsWithTwoSlots(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	c := New(store.NewMemoryStore(0), 2, WithDispatcher(d.dispatch))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.TryAdmit(ctx, req(fmt.Sprintf("s%d", i))); err != nil {
				t.Errorf("admit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	require.Len(t, snap.Active, 2)
	require.Equal(t, 3, snap.Queued)

	for len(c.Snapshot().Active) > 0 {
		id := c.Snapshot().Active[0]
		require.NoError(t, c.Release(ctx, id, build.StatusSuccess))
		require.LessOrEqual(t, len(c.Snapshot().Active), 2)
	}
	require.Len(t, d.started(), 5)
	require.Zero(t, c.Snapshot().Queued)
}

// A request arriving while a slot is free starts at once, even if earlier
// requests are still waiting because the last fill could not reach the store.
func TestArrivalWithFreeSlotMayOvertakeQueue(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemoryStore(0)}
	d := &recordingDispatcher{}
	c := New(st, 1, WithDispatcher(d.dispatch))

	_, _ = c.TryAdmit(ctx, req("A"))
	_, _ = c.TryAdmit(ctx, req("B"))

	st.failClaim.Store(true)
	require.NoError(t, c.Release(ctx, "A", build.StatusSuccess))
	require.Empty(t, c.Snapshot().Active)

	decision, err := c.TryAdmit(ctx, req("C"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)

	st.failClaim.Store(false)
	require.NoError(t, c.Release(ctx, "C", build.StatusSuccess))
	require.Equal(t, []string{"A", "C", "B"}, d.started())
}

func TestStoreErrorRejectsAdmission(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemoryStore(0)}
	c := New(st, 1)

	st.failTerm.Store(true)
	_, err := c.TryAdmit(ctx, req("A"))
	require.Error(t, err)
	require.Empty(t, c.Snapshot().Active)

	st.failTerm.Store(false)
	decision, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)
}

func TestSetLimitGrowsAndFills(t *testing.T) {
	ctx := context.Background()
	d := &recordingDispatcher{}
	c := New(store.NewMemoryStore(0), 1, WithDispatcher(d.dispatch))
	for _, id := range []string{"A", "B", "C"} {
		_, _ = c.TryAdmit(ctx, req(id))
	}

	c.SetLimit(ctx, 3)
	require.Equal(t, []string{"A", "B", "C"}, d.started())

	c.SetLimit(ctx, 1)
	snap := c.Snapshot()
	require.Len(t, snap.Active, 3)
	require.Equal(t, 1, snap.Limit)

	decision, err := c.TryAdmit(ctx, req("D"))
	require.NoError(t, err)
	require.Equal(t, Queued, decision)
}

func TestRestoreAndAbandon(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(0)
	require.NoError(t, st.AddActive(ctx, req("stale")))
	require.NoError(t, st.PushQueue(ctx, req("Q1")))
	require.NoError(t, st.PushQueue(ctx, req("Q2")))

	d := &recordingDispatcher{}
	c := New(st, 1, WithDispatcher(d.dispatch))
	stale, err := c.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, []build.Request{req("stale")}, stale)
	require.Equal(t, 2, c.Snapshot().Queued)

	decision, err := c.TryAdmit(ctx, req("Q1"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, decision)

	require.NoError(t, c.Abandon(ctx, "stale", build.StatusFailed))
	status, ok, err := st.TerminalStatus(ctx, "stale")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, build.StatusFailed, status)

	n, err := c.Fill(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"Q1"}, d.started())
}

func TestReleaseUnknownBuildIsNoop(t *testing.T) {
	c := New(store.NewMemoryStore(0), 1)
	require.NoError(t, c.Release(context.Background(), "ghost", build.StatusSuccess))
}

func TestDrainKeepsQueueDurable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(0)
	d := &recordingDispatcher{}
	c := New(st, 1, WithDispatcher(d.dispatch))

	_, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	_, err = c.TryAdmit(ctx, req("B"))
	require.NoError(t, err)

	c.Drain()
	decision, err := c.TryAdmit(ctx, req("C"))
	require.NoError(t, err)
	require.Equal(t, Queued, decision)

	require.NoError(t, c.Release(ctx, "A", build.StatusSuccess))
	require.Equal(t, []string{"A"}, d.started())

	snap := c.Snapshot()
	require.True(t, snap.Draining)
	require.Empty(t, snap.Active)

	n, err := st.QueueLength(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestFailedClaimLeavesRequestQueued(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(0)
	st := &flakyStore{Store: mem}
	d := &recordingDispatcher{}
	c := New(st, 1, WithDispatcher(d.dispatch))

	_, _ = c.TryAdmit(ctx, req("A"))
	_, _ = c.TryAdmit(ctx, req("B"))

	st.failClaim.Store(true)
	require.NoError(t, c.Release(ctx, "A", build.StatusSuccess))
	st.failClaim.Store(false)

	queued, err := mem.QueuedRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, []build.Request{req("B")}, queued)
	require.Equal(t, 1, c.Snapshot().Queued)

	n, err := c.Fill(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"A", "B"}, d.started())
	active, err := mem.ActiveRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, []build.Request{req("B")}, active)
}

func TestUnpersistedTerminalStatusKeepsRedeliveryDuplicate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(0)
	st := &flakyStore{Store: mem}
	d := &recordingDispatcher{}
	c := New(st, 1,
		WithDispatcher(d.dispatch),
		WithTerminalRetry(retry.Policy{Mode: config.RetryBackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 1}))

	_, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)

	st.failMark.Store(true)
	require.Error(t, c.Release(ctx, "A", build.StatusSuccess))
	require.Equal(t, 1, c.Snapshot().Unrecorded)

	decision, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, decision)
	require.Equal(t, []string{"A"}, d.started())

	st.failMark.Store(false)
	_, err = c.Fill(ctx)
	require.NoError(t, err)
	require.Zero(t, c.Snapshot().Unrecorded)
	status, ok, err := mem.TerminalStatus(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, build.StatusSuccess, status)
}

func TestTerminalWriteIsRetriedBeforeHolding(t *testing.T) {
	ctx := context.Background()
	st := &countingMarkStore{Store: store.NewMemoryStore(0), failures: 1}
	c := New(st, 1, WithTerminalRetry(retry.Policy{Mode: config.RetryBackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}))

	_, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, "A", build.StatusFailed))
	require.Equal(t, 2, st.calls)
	require.Zero(t, c.Snapshot().Unrecorded)
}

// countingMarkStore fails the first failures MarkTerminal calls.
type countingMarkStore struct {
	store.Store
	failures int
	calls    int
}

func (s *countingMarkStore) MarkTerminal(ctx context.Context, id string, status build.Status) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("conn reset")
	}
	return s.Store.MarkTerminal(ctx, id, status)
}

func TestRequeueReturnsBuildToQueueHead(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(0)
	c := New(st, 1)

	_, _ = c.TryAdmit(ctx, req("A"))
	_, _ = c.TryAdmit(ctx, req("B"))

	require.NoError(t, c.Requeue(ctx, "A"))
	require.NoError(t, c.Requeue(ctx, "ghost"))

	snap := c.Snapshot()
	require.Empty(t, snap.Active)
	require.Equal(t, 2, snap.Queued)

	queued, err := st.QueuedRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, []build.Request{req("A"), req("B")}, queued)
	active, err := st.ActiveRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	decision, err := c.TryAdmit(ctx, req("A"))
	require.NoError(t, err)
	require.Equal(t, Duplicate, decision)
}
