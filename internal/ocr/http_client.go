package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 2
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultBackoffMult = 2.0
	DefaultLanguage    = "eng"
)

// HTTPClient implements Extractor against a Tesseract HTTP sidecar.
// The sidecar accepts a multipart form with "options" (JSON) and "file" parts
// and answers {"data":{"stdout": "...", "stderr": "..."}}.
type HTTPClient struct {
	endpoint    string
	language    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithLanguage sets the Tesseract language code.
func WithLanguage(lang string) ClientOption {
	return func(c *HTTPClient) {
		c.language = lang
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new OCR sidecar client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		language:    DefaultLanguage,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ocrOptions struct {
	Languages []string `json:"languages"`
}

type ocrResponse struct {
	Data struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	} `json:"data"`
}

// statusError is a non-retryable rejection from the sidecar.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ocr status %d: %s", e.Code, e.Body)
}

// Extract uploads the image and returns the recognized text.
// Transport errors, 429 and 5xx responses are retried with exponential backoff.
func (c *HTTPClient) Extract(ctx context.Context, image []byte, mimeType string) (string, error) {
	body, contentType, err := c.encodeForm(image, mimeType)
	if err != nil {
		return "", err
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &statusError{Code: resp.StatusCode, Body: truncate(string(respBody), 200)}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", &statusError{Code: resp.StatusCode, Body: truncate(string(respBody), 200)}
		}

		var parsed ocrResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", fmt.Errorf("unmarshal response: %w", err)
		}

		text := strings.TrimSpace(parsed.Data.Stdout)
		if text == "" {
			return "", ErrNoText
		}
		return text, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) encodeForm(image []byte, mimeType string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	opts, err := json.Marshal(ocrOptions{Languages: []string{c.language}})
	if err != nil {
		return nil, "", fmt.Errorf("marshal options: %w", err)
	}
	if err := w.WriteField("options", string(opts)); err != nil {
		return nil, "", fmt.Errorf("write options: %w", err)
	}

	part, err := w.CreateFormFile("file", "proof"+extensionFor(mimeType))
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/tiff":
		return ".tiff"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Extractor = (*HTTPClient)(nil)
