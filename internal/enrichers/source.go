package enrichers

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	"conan-inquiry/internal/circuitbreaker"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/common/ratelimit"
)

// Quota is the last upstream request quota reported by a source.
type Quota struct {
	Source    string `json:"source"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Seen      bool   `json:"seen"`
}

// Source is one upstream service. Each call goes through the source's
// throttle and breaker.
type Source struct {
	name     string
	baseURL  string
	client   *commonhttp.Client
	throttle *ratelimit.Throttle
	breaker  *circuitbreaker.Breaker
	logger   logging.Logger

	limit     atomic.Int64
	remaining atomic.Int64
	seen      atomic.Bool
}

// NewSource creates a source. A nil throttle or breaker is skipped.
func NewSource(name, baseURL string, client *commonhttp.Client, throttle *ratelimit.Throttle, breaker *circuitbreaker.Breaker, logger logging.Logger) *Source {
	return &Source{
		name:     name,
		baseURL:  baseURL,
		client:   client,
		throttle: throttle,
		breaker:  breaker,
		logger:   logging.OrGlobal(logger).WithFields(logging.Source(name)),
	}
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// Breaker returns the source circuit breaker, possibly nil
func (s *Source) Breaker() *circuitbreaker.Breaker {
	return s.breaker
}

// Throttle returns the source throttle, possibly nil
func (s *Source) Throttle() *ratelimit.Throttle {
	return s.throttle
}

// Quota returns the last quota observed in response headers.
func (s *Source) Quota() Quota {
	return Quota{
		Source:    s.name,
		Limit:     s.limit.Load(),
		Remaining: s.remaining.Load(),
		Seen:      s.seen.Load(),
	}
}

func (s *Source) url(path string) string {
	return s.baseURL + path
}

func (s *Source) get(ctx context.Context, url string, opts commonhttp.RequestOptions) (*commonhttp.Response, error) {
	opts.Throttle = s.throttle
	opts.Breaker = s.breaker
	return s.client.Get(ctx, url, &opts)
}

func (s *Source) getJSON(ctx context.Context, url string, opts commonhttp.RequestOptions, v interface{}) error {
	resp, err := s.get(ctx, url, opts)
	if err != nil {
		return err
	}
	return resp.JSON(v)
}

// observeQuota records the quota headers when the response carries them.
func (s *Source) observeQuota(h http.Header, limitHeader, remainingHeader string) (remaining int64, ok bool) {
	rawRemaining := h.Get(remainingHeader)
	if rawRemaining == "" {
		return 0, false
	}
	remaining, err := strconv.ParseInt(rawRemaining, 10, 64)
	if err != nil {
		return 0, false
	}
	if limit, err := strconv.ParseInt(h.Get(limitHeader), 10, 64); err == nil {
		s.limit.Store(limit)
	}
	s.remaining.Store(remaining)
	s.seen.Store(true)
	return remaining, true
}
