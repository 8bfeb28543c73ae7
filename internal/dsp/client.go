package dsp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/jamfx/internal/metrics"
	"github.com/google/uuid"
)

// Config contains DSP service client configuration
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	UploadField  string
	MaxErrorBody int64
	UserAgent    string
	Metrics      *metrics.Metrics
	HTTPClient   *http.Client
}

// Client talks to the remote DSP processing service.
// Requests are never retried; the user re-triggers the action instead.
type Client struct {
	config     Config
	base       *url.URL
	httpClient *http.Client
}

// NewClient creates a new DSP service HTTP client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use http or https, got %q", config.BaseURL)
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.UploadField == "" {
		config.UploadField = "file"
	}
	if config.MaxErrorBody <= 0 {
		config.MaxErrorBody = 64 << 10
	}
	if config.UserAgent == "" {
		config.UserAgent = "JamFX/1.0"
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		config:     config,
		base:       base,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the service origin that relative artifact paths resolve against
func (c *Client) BaseURL() string {
	return c.base.String()
}

// ResolveURL turns a server-relative artifact path into an absolute URL.
// Empty paths stay empty and absolute URLs are returned unchanged.
func (c *Client) ResolveURL(path string) string {
	return ResolveURL(c.base.String(), path)
}

// ResolveURL resolves path against base the way the browser client prefixes
// artifact paths with the service origin.
func ResolveURL(base, path string) string {
	if path == "" {
		return ""
	}
	ref, err := url.Parse(path)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if ref.IsAbs() {
		return path
	}
	b, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		return b.ResolveReference(ref).String()
	}
	// Keep any path prefix on the base (e.g. behind a reverse proxy)
	return strings.TrimRight(b.String(), "/") + path
}

// Upload sends the audio bytes as multipart form data to POST /upload
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	body, contentType, err := c.createMultipartRequest(filename, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	var result UploadResult
	if err := c.do(ctx, http.MethodPost, "/upload", contentType, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Apply posts params as JSON to the effect's endpoint
func (c *Client) Apply(ctx context.Context, params EffectParams) (*EffectResult, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s parameters: %w", params.Kind(), err)
	}

	var result EffectResult
	if err := c.do(ctx, http.MethodPost, params.Endpoint(), "application/json", bytes.NewReader(payload), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ApplyGain posts to /apply-gain
func (c *Client) ApplyGain(ctx context.Context, p GainParams) (*EffectResult, error) {
	return c.Apply(ctx, p)
}

// ApplyCompression posts to /apply-compression
func (c *Client) ApplyCompression(ctx context.Context, p CompressionParams) (*EffectResult, error) {
	return c.Apply(ctx, p)
}

// ApplyPitchShift posts to /apply-pitch-shift
func (c *Client) ApplyPitchShift(ctx context.Context, p PitchShiftParams) (*EffectResult, error) {
	return c.Apply(ctx, p)
}

// Ping checks that the service is reachable
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var result PingResult
	if err := c.do(ctx, http.MethodGet, "/", "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do performs a single HTTP request and decodes a JSON success body into out
func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	requestID := uuid.NewString()
	target := c.base.String() + endpoint
	metricName := strings.TrimPrefix(endpoint, "/")
	if metricName == "" {
		metricName = "root"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-Request-ID", requestID)

	slog.Debug("DSP request", "method", method, "endpoint", endpoint, "request_id", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.config.Metrics.DSPRequestObserved(metricName, "error", time.Since(start))
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.config.Metrics.DSPRequestObserved(metricName, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		diag, _ := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxErrorBody))
		slog.Debug("DSP request rejected", "endpoint", endpoint, "status", resp.StatusCode, "request_id", requestID)
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(diag),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response JSON: %w", endpoint, err)
	}

	slog.Debug("DSP request completed", "endpoint", endpoint, "status", resp.StatusCode,
		"request_id", requestID, "duration", time.Since(start))
	return nil
}

// createMultipartRequest creates a multipart/form-data body with a single file part
func (c *Client) createMultipartRequest(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile(c.config.UploadField, filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
