// Package repository talks to the Source Repository Service: it fetches a
// project's source files and records build status.
package repository

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/config"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/httpclient"
)

// StatusUpdate is the PATCH /builds/{id} body. Optional fields are omitted when empty.
type StatusUpdate struct {
	Status      build.Status     `json:"status"`
	Logs        string           `json:"logs,omitempty"`
	Artifacts   []build.Artifact `json:"artifacts,omitempty"`
	Error       string           `json:"error,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

type filesResponse struct {
	Files []build.SourceFile `json:"files"`
}

// Client is the HTTP client for the Source Repository Service.
type Client struct {
	http *httpclient.Client
}

// NewClient builds a client from the repository section of the configuration.
func NewClient(cfg config.RepositoryConfig) *Client {
	hc := httpclient.New(cfg.BaseURL, ferrors.CategoryRepository, cfg.Timeout.Std())
	hc.SetAuth(cfg.AuthHeader, cfg.AuthPrefix, cfg.Token)
	return &Client{http: hc}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http.WithHTTPClient(hc)
	return c
}

// FetchFiles returns the source files of projectID.
func (c *Client) FetchFiles(ctx context.Context, projectID string) ([]build.SourceFile, error) {
	req, err := c.http.NewRequest(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/files", nil)
	if err != nil {
		return nil, err
	}
	var resp filesResponse
	if err := c.http.Do(req, &resp); err != nil {
		return nil, err
	}
	if resp.Files == nil {
		resp.Files = []build.SourceFile{}
	}
	return resp.Files, nil
}

// UpdateStatus records the build's status. The call is idempotent per build id and status.
func (c *Client) UpdateStatus(ctx context.Context, buildID string, update StatusUpdate) error {
	req, err := c.http.NewRequest(ctx, http.MethodPatch, "/builds/"+url.PathEscape(buildID), update)
	if err != nil {
		return err
	}
	return c.http.Do(req, nil)
}
