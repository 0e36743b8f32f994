package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

// maxWriteConcurrency bounds parallel file uploads per WriteFiles call.
const maxWriteConcurrency = 8

// HTTPClient talks to the sandbox runner service over its JSON API.
// Transient failures get one retry with backoff; every call carries the
// package call budget on top of the caller's context.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logx.Logger
}

// NewHTTPClient creates a client for the runner at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DeployBudget},
		logger:  logx.NewLogger("sandbox"),
	}
}

// WithToken sets the bearer token sent on every runner call.
func (c *HTTPClient) WithToken(token string) *HTTPClient {
	c.token = token
	return c
}

type bootstrapRequest struct {
	Template string `json:"template"`
}

type bootstrapResponse struct {
	SessionID string `json:"sessionId"`
}

type writeFileRequest struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

type readFileResponse struct {
	Contents string `json:"contents"`
}

type execRequest struct {
	Cmd []string `json:"cmd"`
}

type runtimeErrorsResponse struct {
	Errors []proto.RuntimeError `json:"errors"`
}

type deployResponse struct {
	URL string `json:"url"`
}

// Bootstrap implements Client.
func (c *HTTPClient) Bootstrap(ctx context.Context, templateName string) (string, error) {
	var resp bootstrapResponse
	err := c.call(ctx, http.MethodPost, "/sessions", bootstrapRequest{Template: templateName}, &resp, CallBudget)
	if err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("runner returned empty session id")
	}
	return resp.SessionID, nil
}

// WriteFile implements Client.
func (c *HTTPClient) WriteFile(ctx context.Context, sessionID, path, contents string) error {
	endpoint := fmt.Sprintf("/sessions/%s/files", url.PathEscape(sessionID))
	return c.call(ctx, http.MethodPut, endpoint, writeFileRequest{Path: path, Contents: contents}, nil, CallBudget)
}

// WriteFiles implements Client, uploading files in parallel.
func (c *HTTPClient) WriteFiles(ctx context.Context, sessionID string, files map[string]string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWriteConcurrency)
	for path, contents := range files {
		g.Go(func() error {
			return c.WriteFile(gctx, sessionID, path, contents)
		})
	}
	return g.Wait()
}

// ReadFile implements Client.
func (c *HTTPClient) ReadFile(ctx context.Context, sessionID, path string) (string, error) {
	endpoint := fmt.Sprintf("/sessions/%s/files?path=%s", url.PathEscape(sessionID), url.QueryEscape(path))
	var resp readFileResponse
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &resp, CallBudget); err != nil {
		return "", err
	}
	return resp.Contents, nil
}

// Exec implements Client.
func (c *HTTPClient) Exec(ctx context.Context, sessionID string, cmd []string) (ExecResult, error) {
	endpoint := fmt.Sprintf("/sessions/%s/exec", url.PathEscape(sessionID))
	var resp ExecResult
	err := c.call(ctx, http.MethodPost, endpoint, execRequest{Cmd: cmd}, &resp, CallBudget)
	return resp, err
}

// StaticAnalysis implements Client.
func (c *HTTPClient) StaticAnalysis(ctx context.Context, sessionID string) (proto.StaticAnalysisReport, error) {
	endpoint := fmt.Sprintf("/sessions/%s/analysis", url.PathEscape(sessionID))
	var resp proto.StaticAnalysisReport
	err := c.call(ctx, http.MethodPost, endpoint, nil, &resp, CallBudget)
	return resp, err
}

// RuntimeErrors implements Client.
func (c *HTTPClient) RuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]proto.RuntimeError, error) {
	endpoint := fmt.Sprintf("/sessions/%s/errors?clear=%t", url.PathEscape(sessionID), clear)
	var resp runtimeErrorsResponse
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &resp, CallBudget); err != nil {
		return nil, err
	}
	return resp.Errors, nil
}

// DeployPreview implements Client.
func (c *HTTPClient) DeployPreview(ctx context.Context, sessionID string) (string, error) {
	return c.deploy(ctx, sessionID, "preview")
}

// DeployPermanent implements Client.
func (c *HTTPClient) DeployPermanent(ctx context.Context, sessionID string) (string, error) {
	return c.deploy(ctx, sessionID, "permanent")
}

func (c *HTTPClient) deploy(ctx context.Context, sessionID, kind string) (string, error) {
	endpoint := fmt.Sprintf("/sessions/%s/deploy/%s", url.PathEscape(sessionID), kind)
	var resp deployResponse
	if err := c.call(ctx, http.MethodPost, endpoint, nil, &resp, DeployBudget); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("runner returned empty deploy URL")
	}
	return resp.URL, nil
}

// GetTemplate implements Client.
func (c *HTTPClient) GetTemplate(ctx context.Context, name string) (proto.TemplateDetails, error) {
	endpoint := fmt.Sprintf("/templates/%s", url.PathEscape(name))
	var resp proto.TemplateDetails
	err := c.call(ctx, http.MethodGet, endpoint, nil, &resp, CallBudget)
	return resp, err
}

// call performs one JSON request with a single backoff retry on transport
// errors and 5xx responses. 4xx responses are never retried.
func (c *HTTPClient) call(ctx context.Context, method, endpoint string, reqBody, respBody any, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying %s %s after error: %v", method, endpoint, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		retryable, err := c.doOnce(ctx, method, endpoint, reqBody, respBody)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, method, endpoint string, reqBody, respBody any) (retryable bool, err error) {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return false, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("sandbox call %s %s failed: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, endpoint)
	case resp.StatusCode >= 500:
		stub, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return true, fmt.Errorf("sandbox runner error %d: %s", resp.StatusCode, stub)
	case resp.StatusCode >= 400:
		stub, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("sandbox rejected %s %s: %d %s", method, endpoint, resp.StatusCode, stub)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return false, fmt.Errorf("failed to decode runner response: %w", err)
		}
	}
	return false, nil
}
