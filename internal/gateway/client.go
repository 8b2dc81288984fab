package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/model"
)

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 4 << 10

// CredentialsProvider supplies identity headers per call.
// Implemented by *identity.Resolver.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (identity.Credentials, error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Client implements Gateway over JSON/HTTP.
//
// Client instances are safe for concurrent use by multiple goroutines.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialsProvider
	logger     *slog.Logger
}

var _ Gateway = (*Client)(nil)

// NewClient creates a client for baseURL (scheme and host, no trailing slash).
func NewClient(baseURL string, creds CredentialsProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		creds:      creds,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRoutine implements Gateway.
func (c *Client) CreateRoutine(ctx context.Context, req CreateRoutineRequest) (CreateRoutineResponse, error) {
	var resp CreateRoutineResponse
	if err := c.do(ctx, "gateway.create", http.MethodPost, PathRoutines, req, &resp); err != nil {
		return CreateRoutineResponse{}, err
	}
	if resp.ID == "" {
		return CreateRoutineResponse{}, model.NewRejectedError("gateway.create", "response carries no id")
	}
	return resp, nil
}

// ListRoutines implements Gateway.
func (c *Client) ListRoutines(ctx context.Context) ([]RoutineDTO, error) {
	var resp ListRoutinesResponse
	if err := c.do(ctx, "gateway.list", http.MethodGet, PathRoutines, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		resp.Items = []RoutineDTO{}
	}
	return resp.Items, nil
}

// GetRoutine implements Gateway.
func (c *Client) GetRoutine(ctx context.Context, id string) (RoutineDTO, error) {
	var resp RoutineDTO
	path := PathRoutines + "/" + url.PathEscape(id)
	if err := c.do(ctx, "gateway.get", http.MethodGet, path, nil, &resp); err != nil {
		return RoutineDTO{}, err
	}
	return resp, nil
}

// UpdateRoutine implements Gateway.
func (c *Client) UpdateRoutine(ctx context.Context, req UpdateRoutineRequest) error {
	var resp OKResponse
	if err := c.do(ctx, "gateway.update", http.MethodPost, PathUpdate, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return model.NewRejectedError("gateway.update", "remote refused update")
	}
	return nil
}

// DeleteRoutine implements Gateway.
func (c *Client) DeleteRoutine(ctx context.Context, id string) error {
	var resp OKResponse
	if err := c.do(ctx, "gateway.delete", http.MethodPost, PathDelete, DeleteRoutineRequest{ID: id}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return model.NewRejectedError("gateway.delete", "remote refused delete")
	}
	return nil
}

// CompleteBatch implements Gateway. A {"ok": false} reply is returned as a
// REJECTED error alongside the decoded response.
func (c *Client) CompleteBatch(ctx context.Context, items []CompletionItem) (CompleteBatchResponse, error) {
	var resp CompleteBatchResponse
	if err := c.do(ctx, "gateway.complete_batch", http.MethodPost, PathCompleteBatch, CompleteBatchRequest{Items: items}, &resp); err != nil {
		return CompleteBatchResponse{}, err
	}
	if !resp.OK {
		return resp, model.NewRejectedError("gateway.complete_batch", "remote refused batch")
	}
	return resp, nil
}

// MonthlyCompletions implements Gateway.
func (c *Client) MonthlyCompletions(ctx context.Context, tz string, month model.Month) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("tz", tz)
	q.Set("month", month.String())

	var raw json.RawMessage
	if err := c.do(ctx, "gateway.monthly", http.MethodGet, PathMonthly+"?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// do performs one request with identity headers and decodes a 2xx JSON
// body into out. Failures come back as classified *model.Error values.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return &model.Error{Kind: model.KindRejected, Op: op, Message: "credentials unavailable", Err: err}
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return &model.Error{Kind: model.KindValidation, Op: op, Message: "encode request", Err: err}
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return &model.Error{Kind: model.KindValidation, Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	creds.Apply(req.Header)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("gateway request failed", "op", op, "error", err)
		return model.NewTransientError(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if err := classifyStatus(op, path, resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.NewTransientError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyStatus maps a non-2xx status to the error taxonomy.
func classifyStatus(op, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readErrorMessage(resp)
	statusErr := fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, path, resp.StatusCode, msg)

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return model.NewTransientError(op, statusErr)
	case resp.StatusCode == http.StatusNotFound:
		return &model.Error{Kind: model.KindNotFound, Op: op, Message: msg, Err: statusErr}
	default:
		return &model.Error{Kind: model.KindRejected, Op: op, Message: msg, Err: statusErr}
	}
}

func readErrorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	var e ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

// IsOwnerInactive reports whether err came from missing credentials for a
// signed-out user.
func IsOwnerInactive(err error) bool {
	return errors.Is(err, identity.ErrOwnerInactive)
}
