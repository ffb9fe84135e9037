package curler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erfanmomeniii/entsync/retry"
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Cached is true when the response was served from the cache.
	Cached bool
}

// JSON decodes the body into out.
func (r *Response) JSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("curler: decode response: %w", err)
	}
	return nil
}

func (r *Response) clone() *Response {
	cp := *r
	cp.Header = r.Header.Clone()
	return &cp
}

// Get issues a GET request.
func (c *Curler) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Head issues a HEAD request.
func (c *Curler) Head(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodHead, path, query, nil)
}

// Post issues a POST request with body encoded as JSON.
func (c *Curler) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Put issues a PUT request with body encoded as JSON.
func (c *Curler) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

// Patch issues a PATCH request with body encoded as JSON.
func (c *Curler) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, nil, body)
}

// Delete issues a DELETE request.
func (c *Curler) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// GetJSON issues a GET request and decodes the body into out.
func (c *Curler) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	return resp.JSON(out)
}

// Do sends a request to path relative to the base URL. An absolute
// http(s) URL is used as is. body may be nil, []byte, json.RawMessage,
// string, io.Reader, or any value encodable as JSON.
//
// Non-2xx responses are returned as *HTTPError.
func (c *Curler) Do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	u, err := c.resolve(path, query)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, u, body)
}

// Invalidate drops the cached GET response for path and query.
func (c *Curler) Invalidate(ctx context.Context, path string, query url.Values) error {
	if c.cache == nil {
		return nil
	}
	u, err := c.resolve(path, query)
	if err != nil {
		return err
	}
	return c.invalidate(ctx, u)
}

func (c *Curler) do(ctx context.Context, method string, u *url.URL, body any) (*Response, error) {
	payload, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && method == http.MethodGet {
		return c.cachedGet(ctx, u)
	}

	resp, err := c.send(ctx, method, u, payload, contentType)
	if c.cache != nil && mutating(method) && (err == nil || StatusCode(err) != 0) {
		if ierr := c.invalidate(ctx, u); ierr != nil {
			c.logger.Warn("cache invalidation failed", "url", u.String(), "error", ierr)
		}
	}
	return resp, err
}

func (c *Curler) cachedGet(ctx context.Context, u *url.URL) (*Response, error) {
	key, err := c.keyFor(ctx, u)
	if err != nil {
		return nil, err
	}

	if data, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
	} else if ok {
		if resp, err := decodeEntry(data); err == nil {
			if c.hooks.OnCacheHit != nil {
				c.hooks.OnCacheHit(key)
			}
			resp.Cached = true
			return resp, nil
		}
		c.logger.Warn("dropping undecodable cache entry", "key", key)
	}

	// The shared request outlives any single caller; each caller stops
	// waiting when its own context ends. The HTTP client timeout still
	// bounds the request.
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		resp, err := c.send(shared, http.MethodGet, u, nil, "")
		if err != nil {
			return nil, err
		}
		if data, err := encodeEntry(resp); err == nil {
			if err := c.cache.Set(shared, key, data, c.ttl); err != nil {
				c.logger.Warn("cache write failed", "key", key, "error", err)
			}
		}
		return resp, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response).clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Curler) invalidate(ctx context.Context, u *url.URL) error {
	key, err := c.keyFor(ctx, u)
	if err != nil {
		return err
	}
	return c.cache.Delete(ctx, key)
}

func (c *Curler) keyFor(ctx context.Context, u *url.URL) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return "", err
	}
	return c.cacheKey(req), nil
}

// send performs the request, retrying transport errors and temporary
// HTTP statuses according to the retry policy.
func (c *Curler) send(ctx context.Context, method string, u *url.URL, payload []byte, contentType string) (*Response, error) {
	var (
		resp    *Response
		attempt int
	)
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attempt++
		req, err := c.newRequest(ctx, method, u, payload, contentType)
		if err != nil {
			return retry.Permanent(err)
		}
		if c.hooks.BeforeRequest != nil {
			c.hooks.BeforeRequest(req)
		}

		start := time.Now()
		r, err := c.roundTrip(req)
		if c.hooks.AfterResponse != nil {
			c.hooks.AfterResponse(req, r, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			c.logger.Debug("request failed",
				"method", method,
				"url", u.String(),
				"attempt", attempt,
				"error", err,
			)
			return err
		}

		c.logger.Debug("request",
			"method", method,
			"url", u.String(),
			"status", r.StatusCode,
			"attempt", attempt,
			"duration", time.Since(start),
		)

		if r.StatusCode < 200 || r.StatusCode > 299 {
			he := &HTTPError{
				Method:     method,
				URL:        u.String(),
				StatusCode: r.StatusCode,
				Body:       r.Body,
			}
			if he.Temporary() {
				return he
			}
			return retry.Permanent(he)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Curler) newRequest(ctx context.Context, method string, u *url.URL, payload []byte, contentType string) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("curler: build request: %w", err)
	}
	for k, vs := range c.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Curler) roundTrip(req *http.Request) (*Response, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("curler: read body: %w", err)
	}
	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       data,
	}, nil
}

func (c *Curler) resolve(path string, query url.Values) (*url.URL, error) {
	var u *url.URL
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		parsed, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("curler: parse url: %w", err)
		}
		u = parsed
	} else {
		rel, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("curler: parse path: %w", err)
		}
		u = c.base.JoinPath(rel.EscapedPath())
		u.RawQuery = c.base.RawQuery
		if rel.RawQuery != "" {
			u.RawQuery = mergeQuery(u.Query(), rel.Query()).Encode()
		}
	}
	if len(query) > 0 {
		u.RawQuery = mergeQuery(u.Query(), query).Encode()
	}
	return u, nil
}

func mergeQuery(dst, src url.Values) url.Values {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
	return dst
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "application/json", nil
	case json.RawMessage:
		return b, "application/json", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("curler: read body: %w", err)
		}
		return data, "application/octet-stream", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("curler: encode body: %w", err)
		}
		return data, "application/json", nil
	}
}

type cacheEntry struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
}

func encodeEntry(r *Response) ([]byte, error) {
	return json.Marshal(cacheEntry{StatusCode: r.StatusCode, Header: r.Header, Body: r.Body})
}

func decodeEntry(data []byte) (*Response, error) {
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &Response{StatusCode: e.StatusCode, Header: e.Header, Body: e.Body}, nil
}
