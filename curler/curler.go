// Package curler is a small HTTP client for JSON APIs with pluggable
// response caching, request coalescing and retries.
//
//	c, err := curler.New("https://api.example.com/v1",
//	    curler.WithCache(curler.NewMemoryCache(), time.Minute),
//	    curler.WithRetry(retry.DefaultPolicy()),
//	)
//	var user map[string]any
//	err = c.GetJSON(ctx, "users/42", nil, &user)
package curler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/erfanmomeniii/entsync/retry"
)

// Hooks are optional callbacks around requests.
type Hooks struct {
	// BeforeRequest may modify the request before it is sent.
	BeforeRequest func(req *http.Request)
	// AfterResponse sees every attempt's outcome. resp is nil on
	// transport errors.
	AfterResponse func(req *http.Request, resp *Response, err error)
	// OnCacheHit is called when a GET is served from the cache.
	OnCacheHit func(key string)
}

// Option configures a Curler.
type Option func(*Curler)

// WithHTTPClient sets the underlying client. Default: a client with a
// 30s timeout. Panics if client is nil.
func WithHTTPClient(client *http.Client) Option {
	if client == nil {
		panic("curler: http client cannot be nil")
	}
	return func(c *Curler) {
		c.client = client
	}
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Curler) {
		c.header.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return WithHeader("User-Agent", ua)
}

// WithCache caches successful GET responses in cache for ttl.
// Panics if cache is nil or ttl <= 0.
func WithCache(cache Cache, ttl time.Duration) Option {
	if cache == nil {
		panic("curler: cache cannot be nil")
	}
	if ttl <= 0 {
		panic("curler: cache ttl must be positive")
	}
	return func(c *Curler) {
		c.cache, c.ttl = cache, ttl
	}
}

// WithCacheKey overrides how cache keys are derived from requests.
func WithCacheKey(fn func(req *http.Request) string) Option {
	return func(c *Curler) {
		if fn != nil {
			c.cacheKey = fn
		}
	}
}

// WithRetry retries transport errors, 429 and 5xx responses according
// to policy. Default: retry.Once().
func WithRetry(policy retry.Policy) Option {
	return func(c *Curler) {
		c.policy = policy
	}
}

// WithHooks sets request hooks.
func WithHooks(hooks Hooks) Option {
	return func(c *Curler) {
		c.hooks = hooks
	}
}

// WithLogger sets the logger. If nil, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Curler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Curler sends requests relative to a base URL.
type Curler struct {
	base     *url.URL
	client   *http.Client
	header   http.Header
	cache    Cache
	ttl      time.Duration
	cacheKey func(*http.Request) string
	policy   retry.Policy
	hooks    Hooks
	logger   *slog.Logger

	flight singleflight.Group
}

// New creates a client for baseURL, which must be absolute.
func New(baseURL string, opts ...Option) (*Curler, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("curler: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("curler: base url %q is not absolute", baseURL)
	}

	c := &Curler{
		base:     base,
		client:   &http.Client{Timeout: 30 * time.Second},
		header:   http.Header{"Accept": {"application/json"}},
		cacheKey: DefaultCacheKey,
		policy:   retry.Once(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the base URL.
func (c *Curler) BaseURL() string { return c.base.String() }

// DefaultCacheKey keys a request by method, URL and a digest of the
// Accept and Authorization headers.
func DefaultCacheKey(req *http.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Header.Get("Accept")))
	h.Write([]byte{0})
	h.Write([]byte(req.Header.Get("Authorization")))
	return req.Method + " " + req.URL.String() + " " + hex.EncodeToString(h.Sum(nil)[:8])
}
