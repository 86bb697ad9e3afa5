package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/config"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
)

func newClient(url string) *HTTPClient {
	return NewHTTPClient(config.SandboxConfig{BaseURL: url, Token: "t", Timeout: config.Duration(time.Second)})
}

func TestRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/runs", r.URL.Path)
		require.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		var job Job
		require.NoError(t, json.NewDecoder(r.Body).Decode(&job))
		require.Equal(t, "b1", job.BuildID)
		require.Len(t, job.Files, 1)
		_, _ = w.Write([]byte(`{"success":true,"logs":"compiled","artifacts":[{"name":"app","path":"out/app","size":42}]}`))
	}))
	defer srv.Close()

	res, err := newClient(srv.URL).Run(context.Background(), Job{
		BuildID:   "b1",
		ProjectID: "p1",
		Files:     []build.SourceFile{{Path: "main.go", Content: "package main"}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "compiled", res.Logs)
	require.Equal(t, []build.Artifact{{Name: "app", Path: "out/app", Size: 42}}, res.Artifacts)
}

func TestRunServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Run(context.Background(), Job{BuildID: "b1"})
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategorySandbox))
}

func TestRemoveArtifacts(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/artifacts/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	require.NoError(t, c.RemoveArtifacts(context.Background(), "b1"))
	require.NoError(t, c.RemoveArtifacts(context.Background(), "gone"))
	require.Equal(t, []string{"DELETE /artifacts/b1", "DELETE /artifacts/gone"}, calls)
}
