package probe

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/opsight/opscheck/internal/diag"
)

// Probe is one request in a plan.
type Probe struct {
	Name   string
	Method string
	Path   string
	Body   string
	// ExpectStatus is the exact status wanted. Zero accepts any status
	// below 400.
	ExpectStatus int
	// RequirePath skips the probe unless the OpenAPI document registers it.
	RequirePath string
}

// Plan is a login followed by probes run in order.
type Plan struct {
	Credentials Credentials
	Probes      []Probe
}

// Result is the outcome of one probe.
type Result struct {
	Name    string `json:"name" yaml:"name"`
	Method  string `json:"method" yaml:"method"`
	Path    string `json:"path" yaml:"path"`
	Status  int    `json:"status,omitempty" yaml:"status,omitempty"`
	OK      bool   `json:"ok" yaml:"ok"`
	Skipped string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Body    string `json:"body,omitempty" yaml:"body,omitempty"`
}

const excerptLen = 200

// DefaultProbes exercises the session and the group membership endpoint.
func DefaultProbes() []Probe {
	return []Probe{
		{Name: "current user", Method: http.MethodGet, Path: "/auth/me", ExpectStatus: http.StatusOK},
		{Name: "list users", Method: http.MethodGet, Path: "/users"},
		{
			Name:         "group members",
			Method:       http.MethodGet,
			Path:         "/groups/1/members",
			RequirePath:  "/groups/{group_id}/members",
			ExpectStatus: http.StatusOK,
		},
	}
}

// RunPlan logs in and runs every probe with the resulting session. A failed
// login stops the plan before any probe is sent. A connection failure stops
// it too, returning the results gathered so far. An OpenAPI document that
// cannot be fetched or parsed only disables the RequirePath checks.
func (c *Client) RunPlan(ctx context.Context, plan Plan) ([]Result, error) {
	var paths *PathSet
	for _, p := range plan.Probes {
		if p.RequirePath == "" {
			continue
		}
		ps, err := c.DiscoverPaths(ctx)
		var ce *diag.ConnectionError
		switch {
		case err == nil:
			paths = &ps
		case errors.As(err, &ce):
			return nil, err
		default:
			c.logger().Warn("openapi document unavailable, path checks disabled", zap.Error(err))
		}
		break
	}

	sess, err := c.Authenticate(ctx, plan.Credentials)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(plan.Probes))
	for _, p := range plan.Probes {
		r := Result{Name: p.Name, Method: p.Method, Path: p.Path}
		if r.Method == "" {
			r.Method = http.MethodGet
		}
		if p.RequirePath != "" && paths != nil && !paths.Has(p.RequirePath) {
			r.Skipped = "path " + p.RequirePath + " not registered"
			results = append(results, r)
			continue
		}

		resp, err := c.Invoke(ctx, sess, r.Method, p.Path, p.Body)
		if err != nil {
			var ce *diag.ConnectionError
			if errors.As(err, &ce) {
				return results, err
			}
			r.Body = err.Error()
			results = append(results, r)
			continue
		}
		r.Status = resp.Status
		r.Body = resp.Excerpt(excerptLen)
		if p.ExpectStatus != 0 {
			r.OK = resp.Status == p.ExpectStatus
		} else {
			r.OK = resp.Status < 400
		}
		results = append(results, r)
	}
	return results, nil
}

// Passed reports whether every non-skipped result is OK.
func Passed(results []Result) bool {
	for _, r := range results {
		if r.Skipped == "" && !r.OK {
			return false
		}
	}
	return true
}
