package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/opsight/opscheck/internal/diag"
)

// PathSet is the set of route templates an OpenAPI document registers.
type PathSet struct {
	paths map[string]struct{}
	// prefix is the base URL path, e.g. /api/v1, so callers can ask about
	// routes relative to the client's BaseURL.
	prefix string
}

// Has reports whether p is registered, either verbatim or relative to the
// client's base path.
func (ps PathSet) Has(p string) bool {
	if _, ok := ps.paths[p]; ok {
		return true
	}
	if ps.prefix == "" {
		return false
	}
	_, ok := ps.paths[ps.prefix+"/"+strings.TrimLeft(p, "/")]
	return ok
}

// Matching returns the sorted paths containing substr.
func (ps PathSet) Matching(substr string) []string {
	var out []string
	for p := range ps.paths {
		if strings.Contains(p, substr) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of registered paths.
func (ps PathSet) Len() int { return len(ps.paths) }

// serviceRoot splits a base URL like http://host:8000/api/v1 into the
// service root (http://host:8000) and the API prefix (/api/v1).
func serviceRoot(baseURL string) (root, prefix string, err error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", "", fmt.Errorf("parse base URL %q: %w", baseURL, err)
	}
	p := strings.TrimRight(u.Path, "/")
	if i := strings.Index(p, "/api"); i >= 0 {
		prefix = p[i:]
		p = p[:i]
	}
	u.Path = p
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), prefix, nil
}

type openAPIDocument struct {
	Paths map[string]json.RawMessage `json:"paths"`
}

// DiscoverPaths fetches {root}/openapi.json and returns its registered
// paths. Transient 429/5xx responses are retried up to MaxRetries times.
// A 404 is reported as a NotFoundError.
func (c *Client) DiscoverPaths(ctx context.Context) (PathSet, error) {
	root, prefix, err := serviceRoot(c.BaseURL)
	if err != nil {
		return PathSet{}, err
	}
	docURL := root + "/openapi.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return PathSet{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.doWithRetry(req)
	if err != nil {
		return PathSet{}, &diag.ConnectionError{Target: docURL, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PathSet{}, &diag.ConnectionError{Target: docURL, Cause: err}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return PathSet{}, diag.NotFound("openapi document", docURL)
	case resp.StatusCode != http.StatusOK:
		return PathSet{}, fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(body))
	}

	var doc openAPIDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return PathSet{}, fmt.Errorf("JSON decode error: %v", err)
	}

	ps := PathSet{paths: make(map[string]struct{}, len(doc.Paths)), prefix: prefix}
	for p := range doc.Paths {
		ps.paths[p] = struct{}{}
	}
	c.logger().Debug("discovered paths", zap.String("url", docURL), zap.Int("count", ps.Len()))
	return ps, nil
}
