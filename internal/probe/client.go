// Package probe exercises a running OpSight backend over HTTP.
//
// A Client logs in once, threads the resulting Session through single-shot
// requests, and reports raw status codes and bodies. Non-2xx responses are
// results, not errors: probing deliberately observes failures too.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/opsight/opscheck/internal/diag"
)

const initialBackoff = 500 * time.Millisecond

// Client talks to one backend instance.
type Client struct {
	BaseURL string // e.g. http://localhost:8000/api/v1
	HTTP    *http.Client
	Logger  *zap.Logger
	// MaxRetries bounds retries of the OpenAPI document fetch on 429/5xx.
	// Login and probes are never retried.
	MaxRetries int
}

// NewClient returns a Client with its own http.Client.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       &http.Client{Timeout: timeout},
		Logger:     logger,
		MaxRetries: maxRetries,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// Credentials are sent as the JSON login body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Session is the opaque handle returned by Authenticate. It carries the
// login cookies and, when the backend issues one, a bearer token.
type Session struct {
	ID      string
	Message string
	User    map[string]any

	client *http.Client
	token  string
}

// Role returns the logged-in user's role as reported by the login response.
func (s *Session) Role() string {
	role, _ := s.User["role"].(string)
	return role
}

// Identity returns identity_type, or identity for older backends.
func (s *Session) Identity() string {
	if v, ok := s.User["identity_type"].(string); ok {
		return v
	}
	v, _ := s.User["identity"].(string)
	return v
}

type loginResponse struct {
	Message     string         `json:"message"`
	User        map[string]any `json:"user"`
	AccessToken string         `json:"access_token"`
}

// Authenticate logs in with a single POST to /auth/login. Any status other
// than 200 fails with an AuthError carrying the response body.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	base := c.httpClient()
	hc := &http.Client{Transport: base.Transport, Timeout: base.Timeout, Jar: jar}

	payload, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	url := c.BaseURL + "/auth/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &diag.ConnectionError{Target: url, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &diag.ConnectionError{Target: url, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.logger().Error("login rejected",
			zap.String("username", creds.Username),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, &diag.AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("JSON decode error: %v (body: %s)", err, string(body))
	}

	s := &Session{
		ID:      uuid.NewString(),
		Message: lr.Message,
		User:    lr.User,
		client:  hc,
		token:   lr.AccessToken,
	}
	c.logger().Info("logged in",
		zap.String("session", s.ID),
		zap.String("username", creds.Username),
		zap.String("role", s.Role()))
	return s, nil
}

// Response is the raw outcome of one probe.
type Response struct {
	Method string      `json:"method" yaml:"method"`
	URL    string      `json:"url" yaml:"url"`
	Status int         `json:"status" yaml:"status"`
	Header http.Header `json:"-" yaml:"-"`
	Body   []byte      `json:"-" yaml:"-"`
}

// JSON decodes the body.
func (r *Response) JSON() (any, error) {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("JSON decode error: %v", err)
	}
	return v, nil
}

// HasListField reports whether the body is a JSON array or an object with
// at least one array-valued field.
func (r *Response) HasListField() bool {
	v, err := r.JSON()
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case []any:
		return true
	case map[string]any:
		for _, f := range t {
			if _, ok := f.([]any); ok {
				return true
			}
		}
	}
	return false
}

// Excerpt returns at most n runes of the body.
func (r *Response) Excerpt(n int) string {
	s := []rune(string(r.Body))
	if len(s) <= n {
		return string(s)
	}
	return string(s[:n]) + "…"
}

// Invoke sends one request and returns its status and body. A nil session
// sends the request unauthenticated. body may be nil, a string or []byte of
// raw JSON, or any value to marshal. Non-2xx statuses are not errors;
// only transport failures are, as ConnectionError.
func (c *Client) Invoke(ctx context.Context, s *Session, method, path string, body any) (*Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		if b != "" {
			reader = strings.NewReader(b)
		}
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := c.BaseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.httpClient()
	if s != nil {
		hc = s.client
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &diag.ConnectionError{Target: url, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &diag.ConnectionError{Target: url, Cause: err}
	}

	c.logger().Debug("probe",
		zap.String("method", req.Method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode))

	return &Response{
		Method: req.Method,
		URL:    url,
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

// doWithRetry retries 429 and 5xx responses with exponential backoff,
// honoring Retry-After.
func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	maxRetries := max(c.MaxRetries, 0)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}

		if attempt == maxRetries {
			return resp, nil
		}

		wait := initialBackoff * time.Duration(1<<uint(attempt))
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, parseErr := strconv.Atoi(retryAfter); parseErr == nil && seconds >= 0 {
				wait = time.Duration(seconds) * time.Second
			}
		}
		wait += time.Duration(float64(wait) * rand.Float64() * 0.5)

		resp.Body.Close()

		c.logger().Warn("retrying",
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("wait", wait.Round(time.Millisecond)))

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("exceeded maximum retries")
}
