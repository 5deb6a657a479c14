// Package http is the shared upstream HTTP client. It retries transient
// failures, runs every attempt through the source's throttle and circuit
// breaker, and memoizes successful GET responses for the rest of the run.
package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"conan-inquiry/internal/circuitbreaker"
	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/common/ratelimit"
	"conan-inquiry/internal/common/utils"

	gocache "github.com/patrickmn/go-cache"
)

const maxBodySize = 16 << 20

// ClientConfig holds HTTP client configuration
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	UserAgent           string
	Retry               utils.RetryConfig
	// MemoTTL is how long successful GET responses are reused. Zero disables it.
	MemoTTL time.Duration
	Logger  logging.Logger
}

// DefaultClientConfig returns default HTTP client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "conan-inquiry",
		Retry:               utils.DefaultRetryConfig(),
		MemoTTL:             10 * time.Minute,
	}
}

// ClientOption is a function that modifies ClientConfig
type ClientOption func(*ClientConfig)

// WithTimeout sets the per-attempt timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header sent with every request
func WithUserAgent(ua string) ClientOption {
	return func(c *ClientConfig) {
		c.UserAgent = ua
	}
}

// WithRetryConfig replaces the retry policy
func WithRetryConfig(retry utils.RetryConfig) ClientOption {
	return func(c *ClientConfig) {
		c.Retry = retry
	}
}

// WithMemoTTL sets how long successful GET responses are reused
func WithMemoTTL(ttl time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.MemoTTL = ttl
	}
}

// WithLogger sets the client logger
func WithLogger(logger logging.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

func newHTTPClient(cfg ClientConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
	}
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// JSON decodes the body into v. A body that is not valid JSON is a data error.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.DataError(fmt.Sprintf("invalid JSON response: %v", err))
	}
	return nil
}

// Text returns the body as a string with invalid UTF-8 sequences replaced
// by U+FFFD.
func (r *Response) Text() string {
	return strings.ToValidUTF8(string(r.Body), "\uFFFD")
}

// RequestOptions tunes a single GET
type RequestOptions struct {
	Headers map[string]string
	// BasicAuth holds username and password when set
	BasicAuth []string
	Throttle  *ratelimit.Throttle
	Breaker   *circuitbreaker.Breaker
	// Inspect sees every response before status handling. Returning an error
	// ends the request with that error; rate_limit errors are never retried.
	Inspect func(*Response) error
	// NoMemo bypasses the in-run response memo
	NoMemo bool
}

// Client performs upstream GET requests
type Client struct {
	client *http.Client
	cfg    ClientConfig
	memo   *gocache.Cache
	logger logging.Logger
}

// NewClient creates a client with the given options
func NewClient(opts ...ClientOption) *Client {
	cfg := DefaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		client: newHTTPClient(cfg),
		cfg:    cfg,
		logger: logging.OrGlobal(cfg.Logger).WithFields(logging.String("component", "http")),
	}
	if cfg.MemoTTL > 0 {
		c.memo = gocache.New(cfg.MemoTTL, 2*cfg.MemoTTL)
	}
	return c
}

// Get fetches url. Non-2xx statuses become errors: 404 is not_found, 5xx,
// 408 and 429 are retried upstream errors, other statuses are upstream
// errors that are not retried. Every error carries the status in its context.
func (c *Client) Get(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	key := ""
	if c.memo != nil && !opts.NoMemo {
		key = memoKey(url, opts)
		if cached, found := c.memo.Get(key); found {
			return cached.(*Response), nil
		}
	}

	retry := c.cfg.Retry
	retry.RetryableErrors = IsRetryable

	var response *Response
	err := utils.RetryWithBackoff(ctx, retry, func(ctx context.Context) error {
		attempt := func(ctx context.Context) error {
			if opts.Breaker == nil {
				return c.do(ctx, url, opts, &response)
			}
			return opts.Breaker.Execute(ctx, func(ctx context.Context) error {
				return c.do(ctx, url, opts, &response)
			})
		}
		if opts.Throttle == nil {
			return attempt(ctx)
		}
		return opts.Throttle.Do(ctx, attempt)
	})
	if err != nil {
		c.logger.WithContext(ctx).Debug("GET failed", logging.String("url", url), logging.Err(err))
		return nil, err
	}

	if key != "" {
		c.memo.SetDefault(key, response)
	}
	return response, nil
}

// GetJSON fetches url and decodes the JSON body into v
func (c *Client) GetJSON(ctx context.Context, url string, opts *RequestOptions, v interface{}) (*Response, error) {
	resp, err := c.Get(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return resp, resp.JSON(v)
}

func (c *Client) do(ctx context.Context, url string, opts *RequestOptions, out **Response) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.InternalError("failed to create request", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if len(opts.BasicAuth) == 2 {
		req.SetBasicAuth(opts.BasicAuth[0], opts.BasicAuth[1])
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.UpstreamError(req.URL.Host, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errors.UpstreamError(req.URL.Host, "failed to read response body", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}
	c.logger.WithContext(ctx).Debug("GET",
		logging.String("url", url),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", response.Duration))

	if opts.Inspect != nil {
		if err := opts.Inspect(response); err != nil {
			return err
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		*out = response
		return nil
	}
	return statusError(req.URL.Host, url, resp.StatusCode)
}

func statusError(host, url string, status int) error {
	if status == http.StatusNotFound {
		return errors.NotFoundError(url).WithContext("status", status)
	}
	return errors.UpstreamError(host, fmt.Sprintf("GET %s returned HTTP %d", url, status), nil).
		WithContext("status", status)
}

// IsRetryable reports whether err is worth another attempt: network
// failures and 408, 429 and 5xx responses. Rate limit, not found, data
// errors, open breakers and cancellation are final.
func IsRetryable(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) || appErr.Type != errors.ErrTypeUpstream {
		return false
	}
	if appErr.Code == circuitbreaker.CodeOpen {
		return false
	}
	status, ok := appErr.Context["status"].(int)
	if !ok {
		return true
	}
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func memoKey(url string, opts *RequestOptions) string {
	h := sha256.New()
	h.Write([]byte(url))
	keys := make([]string, 0, len(opts.Headers))
	for k := range opts.Headers {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(headerValue(opts.Headers, k)))
	}
	for _, part := range opts.BasicAuth {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func headerValue(headers map[string]string, lowerKey string) string {
	for k, v := range headers {
		if strings.ToLower(k) == lowerKey {
			return v
		}
	}
	return ""
}
