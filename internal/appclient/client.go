// Package appclient is the Go client for the daemon's socket API, used by the
// CLI and by report publishers running on the same host.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Kodiack54/driftboard/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

// QueryOptions mirror the daemon's summary and family filters.
type QueryOptions struct {
	Group       string
	ProjectSlug string
	State       string
	Family      string
	ActiveOnly  bool
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return decode[api.HealthResponse](c.request(ctx, http.MethodGet, "/v1/health", nil, nil))
}

func (c *Client) Summary(ctx context.Context, opts QueryOptions) (api.ListEnvelope[api.RepoSummaryItem], error) {
	return decode[api.ListEnvelope[api.RepoSummaryItem]](
		c.request(ctx, http.MethodGet, "/v1/summary", queryValues(opts), nil))
}

func (c *Client) Families(ctx context.Context, opts QueryOptions) (api.ListEnvelope[api.FamilyItem], error) {
	return decode[api.ListEnvelope[api.FamilyItem]](
		c.request(ctx, http.MethodGet, "/v1/families", queryValues(opts), nil))
}

func (c *Client) Attention(ctx context.Context) (api.AttentionEnvelope, error) {
	return decode[api.AttentionEnvelope](c.request(ctx, http.MethodGet, "/v1/attention", nil, nil))
}

func (c *Client) Repos(ctx context.Context) (api.ListEnvelope[api.RepoItem], error) {
	return decode[api.ListEnvelope[api.RepoItem]](c.request(ctx, http.MethodGet, "/v1/repos", nil, nil))
}

func (c *Client) UpsertRepo(ctx context.Context, req api.RepoUpsertRequest) (api.RepoUpsertResponse, error) {
	return decode[api.RepoUpsertResponse](c.request(ctx, http.MethodPost, "/v1/repos", nil, req))
}

func (c *Client) SyncFamily(ctx context.Context, familyKey string) (api.SyncActionResponse, error) {
	path := "/v1/families/" + url.PathEscape(familyKey) + "/sync"
	return decode[api.SyncActionResponse](c.request(ctx, http.MethodPost, path, nil, struct{}{}))
}

func (c *Client) ReportGitState(ctx context.Context, req api.GitReportRequest) (api.ReportResponse, error) {
	return decode[api.ReportResponse](c.request(ctx, http.MethodPost, "/v1/reports/git", nil, req))
}

func (c *Client) ReportDBDrift(ctx context.Context, req api.DBReportRequest) (api.ReportResponse, error) {
	return decode[api.ReportResponse](c.request(ctx, http.MethodPost, "/v1/reports/db", nil, req))
}

func (c *Client) ReportNodeHealth(ctx context.Context, req api.NodeReportRequest) (api.ReportResponse, error) {
	return decode[api.ReportResponse](c.request(ctx, http.MethodPost, "/v1/reports/nodes", nil, req))
}

func queryValues(opts QueryOptions) url.Values {
	query := url.Values{}
	if opts.Group != "" {
		query.Set("group", opts.Group)
	}
	if opts.ProjectSlug != "" {
		query.Set("project_slug", opts.ProjectSlug)
	}
	if opts.State != "" {
		query.Set("state", opts.State)
	}
	if opts.Family != "" {
		query.Set("family", opts.Family)
	}
	if opts.ActiveOnly {
		query.Set("active_only", "true")
	}
	return query
}

func decode[T any](payload []byte, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
