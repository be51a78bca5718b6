package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/uo277440/go-notify-backend/internal/config"
)

// maxResponseBytes caps how much of an upstream body is read. Provider
// responses are small; anything beyond this is noise.
const maxResponseBytes = 1 << 20

// maxDetailBytes caps how much of an error body is carried into the failure
// reason recorded on a request.
const maxDetailBytes = 256

// bodyDetail squeezes an upstream error body into a single-line snippet.
func bodyDetail(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > maxDetailBytes {
		s = s[:maxDetailBytes]
	}
	return s
}

// Client talks to the provider over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	http           *http.Client
	extractTimeout time.Duration
	notifyTimeout  time.Duration
}

// NewClient builds a provider client from configuration. The underlying
// http.Client carries no global timeout; each call applies its own deadline.
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		http:           &http.Client{},
		extractTimeout: cfg.ExtractTimeout,
		notifyTimeout:  cfg.NotifyTimeout,
	}
}

// postJSON sends payload to path and decodes a 2xx response body into out.
// All failures come back as *UpstreamError tagged with op.
func (c *Client) postJSON(ctx context.Context, op, path string, timeout time.Duration, payload, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Surface the context error when the deadline fired so Transient()
		// can classify it.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Detail: bodyDetail(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &UpstreamError{Op: op, Err: err}
		}
	}
	return nil
}
