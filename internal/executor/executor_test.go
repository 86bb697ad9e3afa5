package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildorch/internal/build"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/sandbox"
)

type fakeSources struct {
	files []build.SourceFile
	err   error
	panic any
}

func (f fakeSources) FetchFiles(context.Context, string) ([]build.SourceFile, error) {
	if f.panic != nil {
		panic(f.panic)
	}
	return f.files, f.err
}

type startRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *startRecorder) BuildStarted(_ context.Context, req build.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, req.BuildID)
}

var (
	sampleReq   = build.Request{BuildID: "b1", ProjectID: "p1", BuildNumber: 3}
	sampleFiles = []build.SourceFile{{Path: "main.c", Content: "int main(){return 0;}"}}
)

func TestExecuteSuccess(t *testing.T) {
	notifier := &startRecorder{}
	var gotJob sandbox.Job
	sb := sandbox.Func(func(_ context.Context, job sandbox.Job) (sandbox.Result, error) {
		gotJob = job
		return sandbox.Result{Success: true, Logs: "ok", Artifacts: []build.Artifact{{Name: "a.out", Path: "a.out"}}}, nil
	})

	out := New(fakeSources{files: sampleFiles}, sb, WithNotifier(notifier)).Execute(context.Background(), sampleReq)

	require.True(t, out.Success)
	require.Equal(t, build.StatusSuccess, out.Status())
	require.Equal(t, "b1", out.BuildID)
	require.Equal(t, "ok", out.Logs)
	require.Len(t, out.Artifacts, 1)
	require.Equal(t, sandbox.Job{BuildID: "b1", ProjectID: "p1", Files: sampleFiles}, gotJob)
	require.Equal(t, []string{"b1"}, notifier.ids)
}

func TestExecuteSandboxPanicBecomesFailure(t *testing.T) {
	sb := sandbox.Func(func(context.Context, sandbox.Job) (sandbox.Result, error) {
		panic("compiler exploded")
	})

	out := New(fakeSources{files: sampleFiles}, sb).Execute(context.Background(), sampleReq)

	require.False(t, out.Success)
	require.Equal(t, build.StatusFailed, out.Status())
	require.Contains(t, out.ErrorMessage, "compiler exploded")
}

func TestExecuteSandboxErrorCarriesMessage(t *testing.T) {
	sb := sandbox.Func(func(context.Context, sandbox.Job) (sandbox.Result, error) {
		return sandbox.Result{}, errors.New("container exited with code 137")
	})
	out := New(fakeSources{files: sampleFiles}, sb).Execute(context.Background(), sampleReq)
	require.False(t, out.Success)
	require.Equal(t, "container exited with code 137", out.ErrorMessage)
}

func TestExecuteFetchFailureSkipsSandbox(t *testing.T) {
	var invoked atomic.Bool
	sb := sandbox.Func(func(context.Context, sandbox.Job) (sandbox.Result, error) {
		invoked.Store(true)
		return sandbox.Result{Success: true}, nil
	})
	fetchErr := ferrors.RepositoryError("GET /projects/p1/files returned 500 Internal Server Error").Build()

	out := New(fakeSources{err: fetchErr}, sb).Execute(context.Background(), sampleReq)

	require.False(t, invoked.Load())
	require.False(t, out.Success)
	require.Equal(t, "GET /projects/p1/files returned 500 Internal Server Error", out.ErrorMessage)
}

func TestExecuteFetchPanicIsContained(t *testing.T) {
	sb := sandbox.Func(func(context.Context, sandbox.Job) (sandbox.Result, error) {
		t.Fatal("sandbox must not run")
		return sandbox.Result{}, nil
	})
	out := New(fakeSources{panic: "nil map"}, sb).Execute(context.Background(), sampleReq)
	require.False(t, out.Success)
	require.Contains(t, out.ErrorMessage, "fetch_sources panicked: nil map")
}

func TestExecuteCompileFailure(t *testing.T) {
	sb := sandbox.Func(func(context.Context, sandbox.Job) (sandbox.Result, error) {
		return sandbox.Result{Success: false, Logs: "main.c:1: error", Error: "syntax error"}, nil
	})
	out := New(fakeSources{files: sampleFiles}, sb).Execute(context.Background(), sampleReq)
	require.False(t, out.Success)
	require.Equal(t, "syntax error", out.ErrorMessage)
	require.Equal(t, "main.c:1: error", out.Logs)
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sb := sandbox.Func(func(context.Context, sandbox.Job) (sandbox.Result, error) {
		<-release // ignores cancellation on purpose
		return sandbox.Result{Success: true}, nil
	})

	start := time.Now()
	out := New(fakeSources{files: sampleFiles}, sb, WithTimeout(50*time.Millisecond)).Execute(context.Background(), sampleReq)

	require.Less(t, time.Since(start), 5*time.Second)
	require.False(t, out.Success)
	require.Equal(t, "build timed out after 50ms", out.ErrorMessage)
}

func TestExecuteParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sb := sandbox.Func(func(ctx context.Context, _ sandbox.Job) (sandbox.Result, error) {
		cancel()
		<-ctx.Done()
		return sandbox.Result{}, ctx.Err()
	})
	out := New(fakeSources{files: sampleFiles}, sb).Execute(ctx, sampleReq)
	require.False(t, out.Success)
	require.Contains(t, out.ErrorMessage, "build aborted")
}

func TestPanickingBuildDoesNotAffectOthers(t *testing.T) {
	sb := sandbox.Func(func(_ context.Context, job sandbox.Job) (sandbox.Result, error) {
		if job.BuildID == "bad" {
			panic("boom")
		}
		return sandbox.Result{Success: true}, nil
	})
	ex := New(fakeSources{files: sampleFiles}, sb)

	var wg sync.WaitGroup
	results := make([]build.Outcome, 3)
	for i, id := range []string{"good-1", "bad", "good-2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = ex.Execute(context.Background(), build.Request{BuildID: id, ProjectID: "p"})
		}(i, id)
	}
	wg.Wait()

	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.True(t, results[2].Success)
}
