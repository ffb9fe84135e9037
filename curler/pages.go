package curler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GetAll fetches path and every following page advertised by a
// `Link: <...>; rel="next"` header, and returns the concatenated items.
// Each page body is a JSON array, or an object holding the array under
// listKey when listKey is not empty.
func (c *Curler) GetAll(ctx context.Context, path string, query url.Values, listKey string) ([]json.RawMessage, error) {
	u, err := c.resolve(path, query)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	seen := make(map[string]bool)
	for u != nil {
		if seen[u.String()] {
			return nil, fmt.Errorf("curler: pagination loop at %s", u)
		}
		seen[u.String()] = true

		resp, err := c.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		page, err := pageItems(resp.Body, listKey)
		if err != nil {
			return nil, fmt.Errorf("curler: page %s: %w", u, err)
		}
		items = append(items, page...)

		next, ok := NextLink(resp.Header)
		if !ok {
			break
		}
		if u, err = u.Parse(next); err != nil {
			return nil, fmt.Errorf("curler: parse next link: %w", err)
		}
	}
	return items, nil
}

func pageItems(body []byte, listKey string) ([]json.RawMessage, error) {
	if listKey == "" {
		var items []json.RawMessage
		err := json.Unmarshal(body, &items)
		return items, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	raw, ok := obj[listKey]
	if !ok {
		return nil, fmt.Errorf("missing list key %q", listKey)
	}
	var items []json.RawMessage
	err := json.Unmarshal(raw, &items)
	return items, err
}

// NextLink returns the target of the rel="next" entry in the Link headers.
func NextLink(h http.Header) (string, bool) {
	for _, line := range h.Values("Link") {
		for _, link := range strings.Split(line, ",") {
			parts := strings.Split(link, ";")
			target := strings.TrimSpace(parts[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range parts[1:] {
				key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(value, `"`)) {
					if strings.EqualFold(rel, "next") {
						return target[1 : len(target)-1], true
					}
				}
			}
		}
	}
	return "", false
}
