package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zen-systems/referralgate/pkg/backoff"
)

const (
	DefaultBaseURL = "https://npiregistry.cms.hhs.gov/api/"
	DefaultVersion = "2.1"
	DefaultLimit   = 10
	DefaultTimeout = 30 * time.Second

	enumerationIndividual = "NPI-1"
	maxErrorBody          = 512
)

// RetryPolicy bounds the attempts made for one search.
type RetryPolicy struct {
	// MaxAttempts counts the first request.
	MaxAttempts int
	// RateLimitBase is the first wait after a 429; it doubles per attempt.
	RateLimitBase time.Duration
	// TransientBase is multiplied by the attempt number after a network
	// failure, timeout or 5xx.
	TransientBase time.Duration
	MaxBackoff    time.Duration
}

// DefaultRetryPolicy waits 1s, 2s, 4s on rate limiting and 1s, 2s, 3s on
// transient failures, for three attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		RateLimitBase: time.Second,
		TransientBase: time.Second,
		MaxBackoff:    30 * time.Second,
	}
}

// Client searches the registry. It keeps no cache; every call goes to the
// network.
type Client struct {
	baseURL    string
	version    string
	limit      int
	timeout    time.Duration
	retry      RetryPolicy
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the registry endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithVersion overrides the API version parameter.
func WithVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.version = v
		}
	}
}

// WithLimit sets the result limit sent with each search.
func WithLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry replaces the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(c *Client) {
		if p.MaxAttempts > 0 {
			c.retry = p
		}
	}
}

// WithHTTPClient injects the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a registry client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		version:    DefaultVersion,
		limit:      DefaultLimit,
		timeout:    DefaultTimeout,
		retry:      DefaultRetryPolicy(),
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs one registry query for individual providers.
func (c *Client) Search(ctx context.Context, q Query) (*Result, error) {
	return c.search(ctx, q, c.limit)
}

// HealthCheck issues a minimal search and reports whether the registry
// answered.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.search(ctx, Query{FirstName: "John", LastName: "Smith"}, 1)
	return err
}

func (c *Client) search(ctx context.Context, q Query, limit int) (*Result, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	endpoint, err := c.buildURL(q, limit)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	log := c.logger.With(
		zap.String("request_id", requestID),
		zap.String("last_name", q.LastName),
	)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		attempts++
		res, err := c.do(ctx, endpoint)
		if err == nil {
			res.RequestID = requestID
			log.Debug("registry search",
				zap.Int("result_count", res.ResultCount),
				zap.Int("attempt", attempt+1))
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("registry search: %w", ctx.Err())
		}
		if !IsRetryable(err) {
			log.Warn("registry search failed", zap.Error(err))
			return nil, err
		}
		lastErr = err
		if attempt == c.retry.MaxAttempts-1 {
			break
		}

		wait := c.waitFor(err, attempt)
		log.Warn("registry search retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := backoff.Sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("registry search: %w", err)
		}
	}

	log.Error("registry unavailable", zap.Int("attempts", attempts), zap.Error(lastErr))
	return nil, &UnavailableError{Attempts: attempts, Err: lastErr}
}

func (c *Client) waitFor(err error, attempt int) time.Duration {
	if IsRateLimited(err) {
		return backoff.Exponential(c.retry.RateLimitBase, c.retry.MaxBackoff, attempt)
	}
	return backoff.Linear(c.retry.TransientBase, c.retry.MaxBackoff, attempt)
}

func (c *Client) buildURL(q Query, limit int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("registry base url: %w", err)
	}
	params := url.Values{}
	params.Set("version", c.version)
	params.Set("first_name", q.FirstName)
	params.Set("last_name", q.LastName)
	params.Set("enumeration_type", enumerationIndividual)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("pretty", "false")
	if q.City != "" {
		params.Set("city", q.City)
	}
	if q.State != "" {
		params.Set("state", q.State)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, endpoint string) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: text}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse registry response: %w", err)
	}
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		return nil, &ValidationError{Field: first.Field, Message: first.Description}
	}
	return &result, nil
}
