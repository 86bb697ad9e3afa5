package sandbox

import (
	"context"
	"net/http"
	"net/url"

	"git.home.luguber.info/inful/buildorch/internal/config"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/httpclient"
)

// HTTPClient runs jobs on a sandbox service (POST /runs) and removes their
// artifacts (DELETE /artifacts/{buildId}).
type HTTPClient struct {
	http *httpclient.Client
}

// NewHTTPClient builds a client from the sandbox section of the configuration.
func NewHTTPClient(cfg config.SandboxConfig) *HTTPClient {
	hc := httpclient.New(cfg.BaseURL, ferrors.CategorySandbox, cfg.Timeout.Std())
	hc.SetAuth("Authorization", "Bearer ", cfg.Token)
	return &HTTPClient{http: hc}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.http.WithHTTPClient(hc)
	return c
}

// Run submits job and waits for the sandbox's verdict.
func (c *HTTPClient) Run(ctx context.Context, job Job) (Result, error) {
	req, err := c.http.NewRequest(ctx, http.MethodPost, "/runs", job)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := c.http.Do(req, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// RemoveArtifacts deletes everything the sandbox stored for buildID.
// A 404 means there is nothing left to remove and counts as success.
func (c *HTTPClient) RemoveArtifacts(ctx context.Context, buildID string) error {
	req, err := c.http.NewRequest(ctx, http.MethodDelete, "/artifacts/"+url.PathEscape(buildID), nil)
	if err != nil {
		return err
	}
	err = c.http.Do(req, nil)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}
