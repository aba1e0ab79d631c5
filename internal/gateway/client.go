package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"dbresolve/internal/models"
)

const maxResponseBytes = 1 << 20

// ErrNotFound is returned when the store answers 404 or an empty record.
var ErrNotFound = errors.New("not found")

// StatusError is returned for any other non-2xx reply.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the REST profile store.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client for the store rooted at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetDetails fetches the profile including its detail collection.
func (c *Client) GetDetails(ctx context.Context, userID string) (*models.UserProfile, error) {
	var profile models.UserProfile
	if err := c.do(ctx, http.MethodGet, userPath(userID, "detail"), nil, &profile); err != nil {
		return nil, fmt.Errorf("get details: %w", err)
	}
	return &profile, nil
}

// SetDetail stores a single detail value.
func (c *Client) SetDetail(ctx context.Context, userID, detail, value string) error {
	body := map[string]string{"detail": detail, "value": value}
	if err := c.do(ctx, http.MethodPost, userPath(userID, "detail"), body, nil); err != nil {
		return fmt.Errorf("set detail: %w", err)
	}
	return nil
}

// RemoveDetails deletes the whole detail collection.
func (c *Client) RemoveDetails(ctx context.Context, userID string) error {
	if err := c.do(ctx, http.MethodDelete, userPath(userID, "detail"), nil, nil); err != nil {
		return fmt.Errorf("remove details: %w", err)
	}
	return nil
}

// RemoveDetail deletes one detail, addressed by query parameter.
func (c *Client) RemoveDetail(ctx context.Context, userID, detail string) error {
	path := userPath(userID, "detail") + "?" + url.Values{"q": {detail}}.Encode()
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remove detail: %w", err)
	}
	return nil
}

// IssueCode persists a registration code for the user.
func (c *Client) IssueCode(ctx context.Context, userID, code string, issuedAt time.Time) (models.WriteResult, error) {
	body := map[string]any{
		"id":        userID,
		"code":      code,
		"timestamp": issuedAt.UnixMilli(),
	}
	var res models.WriteResult
	if err := c.do(ctx, http.MethodPost, "/users/register/code", body, &res); err != nil {
		return models.WriteResult{}, fmt.Errorf("issue code: %w", err)
	}
	return res, nil
}

// LookupCode fetches the record stored for code.
func (c *Client) LookupCode(ctx context.Context, code string) (*models.LinkCode, error) {
	var rec *models.LinkCode
	if err := c.do(ctx, http.MethodGet, "/users/register/code/"+url.PathEscape(code), nil, &rec); err != nil {
		return nil, fmt.Errorf("lookup code: %w", err)
	}
	if rec == nil || rec.Code == "" {
		return nil, fmt.Errorf("lookup code: %w", ErrNotFound)
	}
	return rec, nil
}

// GetUser fetches a full user record.
func (c *Client) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	var profile *models.UserProfile
	if err := c.do(ctx, http.MethodGet, userPath(userID, ""), nil, &profile); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return profile, nil
}

// MergeAccounts combines the main account with the requesting one.
func (c *Client) MergeAccounts(ctx context.Context, main *models.UserProfile, requesting *models.User) (models.WriteResult, error) {
	body := map[string]any{"users": []any{main, requesting}}
	var res models.WriteResult
	if err := c.do(ctx, http.MethodPost, "/users/register/merge/", body, &res); err != nil {
		return models.WriteResult{}, fmt.Errorf("merge accounts: %w", err)
	}
	return res, nil
}

// LinkAccount attaches a messenger identity to the main account.
func (c *Client) LinkAccount(ctx context.Context, main *models.UserProfile, identity models.MessengerIdentity) (models.WriteResult, error) {
	body := map[string]any{"user": main, "accountData": identity}
	var res models.WriteResult
	if err := c.do(ctx, http.MethodPost, "/users/register/", body, &res); err != nil {
		return models.WriteResult{}, fmt.Errorf("link account: %w", err)
	}
	return res, nil
}

// DeleteUser removes a user record.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	if err := c.do(ctx, http.MethodDelete, userPath(userID, ""), nil, nil); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// UnlinkMessenger detaches a messenger identity from the user.
func (c *Client) UnlinkMessenger(ctx context.Context, user *models.User, messenger string) (models.WriteResult, error) {
	body := map[string]any{"user": user, "messenger": messenger}
	var res models.WriteResult
	if err := c.do(ctx, http.MethodDelete, "/users/register/", body, &res); err != nil {
		return models.WriteResult{}, fmt.Errorf("unlink messenger: %w", err)
	}
	return res, nil
}

func userPath(userID, suffix string) string {
	p := "/users/" + url.PathEscape(userID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// redactPath hides linking codes that travel in the URL.
func redactPath(path string) string {
	const prefix = "/users/register/code/"
	if strings.HasPrefix(path, prefix) {
		return prefix + "[REDACTED]"
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	shown := redactPath(path)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = c.baseURL + shown
		}
		return fmt.Errorf("%s %s: %w", method, shown, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, shown, err)
	}
	c.logger.Debug("store request",
		zap.String("method", method),
		zap.String("path", shown),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, shown, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: shown, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, shown, err)
	}
	return nil
}
