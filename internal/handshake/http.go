package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/study-federation/internal/shared"
)

// HTTPChannel is a ReplyChannel to a host instance in another process. The
// host serves its Responder at url.
type HTTPChannel struct {
	url  string
	http *http.Client
}

// NewHTTPChannel creates a channel posting requests to url. client may be
// nil; the per-request timeout bounds every call either way.
func NewHTTPChannel(url string, client *http.Client) *HTTPChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPChannel{url: url, http: client}
}

// Request implements ReplyChannel. Transport failures, timeouts and hosts
// that decline the request all count as no reply.
func (c *HTTPChannel) Request(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode auth request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrHandshakeTimeout, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: host answered %d", shared.ErrHandshakeTimeout, resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", shared.ErrHandshakeTimeout, err)
	}
	return &out, nil
}
