// Package httpclient holds the JSON-over-HTTP plumbing shared by the
// repository and sandbox clients.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/version"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// Client builds authenticated JSON requests against one base URL and maps
// failures onto classified errors of the configured category.
type Client struct {
	httpClient *http.Client
	baseURL    string
	category   ferrors.ErrorCategory

	authHeader string
	authPrefix string
	token      string
}

// New creates a client. timeout <= 0 leaves the http.Client without a deadline.
func New(baseURL string, category ferrors.ErrorCategory, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		category:   category,
		authHeader: "Authorization",
		authPrefix: "Bearer ",
	}
}

// WithHTTPClient replaces the underlying http.Client (tests, custom transports).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// SetAuth configures the service token header. An empty header disables auth.
func (c *Client) SetAuth(header, prefix, token string) {
	c.authHeader = header
	c.authPrefix = prefix
	c.token = token
}

// NewRequest creates a request for endpoint (relative to the base URL),
// JSON-encoding body when it is non-nil.
func (c *Client) NewRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, ferrors.NewError(c.category, "failed to parse base URL").
			WithCause(err).
			WithContext("base_url", c.baseURL).
			Build()
	}
	u.Path = path.Join(strings.TrimSuffix(u.Path, "/"), strings.TrimPrefix(endpoint, "/"))

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, ferrors.NewError(c.category, "failed to marshal request body").WithCause(err).Build()
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, ferrors.NewError(c.category, "failed to create request").
			WithCause(err).
			WithContext("method", method).
			WithContext("url", u.String()).
			Build()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "buildorch/"+version.Version)
	if c.authHeader != "" && c.token != "" {
		req.Header.Set(c.authHeader, c.authPrefix+c.token)
	}
	return req, nil
}

// Do executes req and decodes a JSON response into result (when non-nil).
// Transport failures, 429 and 5xx responses are retryable; other 4xx are not.
func (c *Client) Do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ferrors.WrapError(ctxErr, c.category, "request aborted").
				WithContext("method", req.Method).
				WithContext("url", req.URL.String()).
				Build()
		}
		return ferrors.NetworkError(fmt.Sprintf("%s %s failed", req.Method, req.URL.Path)).
			WithCause(err).
			WithContext("method", req.Method).
			WithContext("url", req.URL.String()).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError(req, resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return ferrors.NewError(c.category, "failed to decode response").
				WithCause(err).
				WithContext("url", req.URL.String()).
				Build()
		}
	}
	return nil
}

func (c *Client) statusError(req *http.Request, resp *http.Response) error {
	limited, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body := strings.TrimSpace(strings.ReplaceAll(string(limited), "\n", " "))

	category := c.category
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		category = ferrors.CategoryAuth
	case http.StatusNotFound:
		category = ferrors.CategoryNotFound
	}

	msg := fmt.Sprintf("%s %s returned %s", req.Method, req.URL.Path, resp.Status)
	if body != "" {
		msg += ": " + body
	}
	b := ferrors.NewError(category, msg).
		WithContext("status", resp.Status).
		WithContext("code", resp.StatusCode).
		WithContext("url", req.URL.String()).
		WithContext("response", body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		b = b.RateLimit()
	case resp.StatusCode >= 500:
		b = b.Retryable()
	default:
		b = b.Permanent()
	}
	return b.Build()
}

// StatusCode returns the HTTP status carried by an error from Do, or 0.
func StatusCode(err error) int {
	classified, ok := ferrors.AsClassified(err)
	if !ok {
		return 0
	}
	if code, ok := classified.Context()["code"].(int); ok {
		return code
	}
	return 0
}
