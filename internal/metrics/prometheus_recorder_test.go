package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncAdmission("admitted")
	pr.IncAdmission("queued")
	pr.IncAdmission("queued")
	pr.SetActiveBuilds(2)
	pr.SetQueueDepth(5)
	pr.ObserveStageDuration("sandbox", 150*time.Millisecond)
	pr.ObserveBuildDuration(3 * time.Second)
	pr.IncBuildOutcome("SUCCESS")
	pr.IncStatusReport("BUILDING", ResultSuccess)
	pr.IncReportRetry()
	pr.IncEventPublished("project.build.completed", ResultSuccess)
	pr.IncPoisonMessage()
	pr.IncCleanup(ResultFailed)

	require.InDelta(t, 2, testutil.ToFloat64(pr.admissions.WithLabelValues("queued")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(pr.activeBuilds), 0)
	require.InDelta(t, 5, testutil.ToFloat64(pr.queueDepth), 0)
	require.InDelta(t, 1, testutil.ToFloat64(pr.poisonMessages), 0)
	require.InDelta(t, 1, testutil.ToFloat64(pr.cleanups.WithLabelValues("failed")), 0)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestHTTPHandlerServesRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.SetQueueDepth(3)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "buildorch_queue_depth 3"))
}

func TestNoopAndOrNoop(t *testing.T) {
	var r Recorder = OrNoop(nil)
	require.IsType(t, NoopRecorder{}, r)
	r.IncAdmission("admitted")
	r.IncCleanup(ResultOf(true))
	require.Equal(t, ResultFailed, ResultOf(false))
}
