package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

// HTTPError is a non-success status from the remote API. A 401 matches
// ErrUnauthorized.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Call is one HTTP-like request. URL may be absolute or relative to the
// client's base URL.
type Call struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"headers,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

type Result struct {
	Status int               `json:"status"`
	Header map[string]string `json:"headers,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

// OK reports whether the status is 2xx or one of the extra accepted codes.
func (r Result) OK(accept ...int) bool {
	if r.Status >= 200 && r.Status <= 299 {
		return true
	}
	for _, code := range accept {
		if r.Status == code {
			return true
		}
	}
	return false
}

// Err converts a rejected status into an *HTTPError, nil otherwise.
func (r Result) Err(accept ...int) error {
	if r.OK(accept...) {
		return nil
	}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(r.Body, &payload)
	httpErr := &HTTPError{StatusCode: r.Status, Code: payload.Code, Message: payload.Message}
	if payload.Error != nil {
		httpErr.Code = payload.Error.Code
		httpErr.Message = payload.Error.Message
	}
	return httpErr
}

type Fetcher interface {
	Do(ctx context.Context, call Call) (Result, error)
}

type FetchFunc func(ctx context.Context, call Call) (Result, error)

func (f FetchFunc) Do(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// TokenSource yields the bearer credential for the next request. An empty
// token is treated as logged out.
type TokenSource func(ctx context.Context) (string, error)

func StaticToken(token string) TokenSource {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type HTTPClient struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, token TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/beta"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if token == nil {
		token = StaticToken("")
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Do sends the call with the bearer credential, retrying transport failures,
// 429 and 5xx. The final status is returned as-is; only a missing credential
// or a transport failure that outlives the retries is an error.
func (c *HTTPClient) Do(ctx context.Context, call Call) (Result, error) {
	token, err := c.token(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load credential: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return Result{}, fmt.Errorf("%w: no credential", ErrUnauthorized)
	}
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolve(call.URL)

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if len(call.Body) > 0 {
			bodyReader = bytes.NewReader(call.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return Result{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if len(call.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range call.Header {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return Result{}, waitErr
				}
				continue
			}
			return Result{}, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Result{}, readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return Result{}, waitErr
			}
			continue
		}

		result := Result{Status: resp.StatusCode, Header: flattenHeader(resp.Header)}
		if len(payload) > 0 {
			result.Body = json.RawMessage(payload)
		}
		return result, nil
	}
}

// Relative strips the client's base URL so the target can travel inside a
// batch request.
func (c *HTTPClient) Relative(target string) string {
	return RelativeTo(c.baseURL, target)
}

func RelativeTo(baseURL, target string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL != "" && strings.HasPrefix(target, baseURL) {
		target = strings.TrimPrefix(target, baseURL)
	}
	if !strings.HasPrefix(target, "/") && !strings.Contains(target, "://") {
		target = "/" + target
	}
	return target
}

func (c *HTTPClient) resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return c.baseURL + target
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func correlationID() string {
	return "relaysync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HeaderValue looks a header up case-insensitively.
func HeaderValue(header map[string]string, name string) string {
	if value, ok := header[name]; ok {
		return value
	}
	for key, value := range header {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}
