package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

const defaultTimeout = 30 * time.Second

// HTTPConfig points a client at a collaborator API
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Dial overrides how connections are opened; nil uses TCP
	Dial fasthttp.DialFunc
}

// StatusError is returned when a collaborator answers with a non-2xx status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the call may succeed when repeated
func (e *StatusError) Temporary() bool {
	return e.Code == fasthttp.StatusTooManyRequests || e.Code >= 500
}

type jsonClient struct {
	cfg    HTTPConfig
	client *fasthttp.Client
}

func newJSONClient(cfg HTTPConfig, name string) *jsonClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &jsonClient{
		cfg: cfg,
		client: &fasthttp.Client{
			Name:                name,
			Dial:                cfg.Dial,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// post sends in as JSON and decodes the response into out
func (c *jsonClient) post(ctx context.Context, path string, headers map[string]string, in, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}

	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		return &StatusError{Code: code, Body: truncate(string(resp.Body()), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
