package apicall

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/interp"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// Config configures the external API caller.
type Config struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
)

// Caller executes external_api_call steps. URL, header values, query values,
// and the body may contain ${{ }} templates rendered against the run context.
type Caller struct {
	config   Config
	renderer *interp.Renderer
	client   *http.Client
}

// NewCaller creates a Caller with the given config and template renderer.
func NewCaller(cfg Config, renderer *interp.Renderer) *Caller {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &Caller{
		config:   cfg,
		renderer: renderer,
		client:   &http.Client{},
	}
}

// Call renders the request templates, executes the request, and classifies the
// response. A status outside the configured success codes is an execution
// error carrying the response for retry or on_failure handling.
func (c *Caller) Call(ctx context.Context, cfg schema.APICallConfig, runCtx map[string]any) (map[string]any, error) {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	rawURL, err := c.renderer.RenderString(ctx, cfg.URL, runCtx)
	if err != nil {
		return nil, err
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
	}

	query, err := c.renderer.RenderMap(ctx, cfg.Query, runCtx)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	if len(cfg.Body) > 0 {
		rendered, err := c.renderer.Render(ctx, cfg.Body, runCtx)
		if err != nil {
			return nil, err
		}
		bodyReader = strings.NewReader(string(rendered))
	}

	timeout := c.config.DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to create request").WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	headers, err := c.renderer.RenderMap(ctx, cfg.Headers, runCtx)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"request to %s timed out after %s", u.Host, timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(contentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": contentType,
		"duration_ms":  durationMs,
	}

	if !isSuccess(resp.StatusCode, cfg.SuccessCodes) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"unexpected status %d from %s", resp.StatusCode, u.Host).
			WithDetails(result)
	}

	return result, nil
}

// isSuccess classifies a status code. Empty success codes mean any 2xx.
func isSuccess(code int, successCodes []int) bool {
	if len(successCodes) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(successCodes, code)
}
