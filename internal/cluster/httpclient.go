package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient is the vLLM control-plane HTTP surface the controller drives:
// load/unload LoRA adapters and the streaming completion relay (§4.5.4,
// §4.5.5). Grounded on the teacher's internal/scheduler/vllm_proxy.go
// VLLMProxy, narrowed from a generic reverse proxy to the two JSON+SSE
// shapes this controller actually needs.
type HTTPClient interface {
	PostJSON(ctx context.Context, url string, body interface{}) (statusCode int, respBody []byte, err error)
	PostStream(ctx context.Context, url string, body interface{}) (io.ReadCloser, int, error)
}

// defaultHTTPClient is the production HTTPClient, a thin wrapper over
// net/http tuned the way the teacher's VLLMProxy tunes its transport for
// long-lived inference connections.
type defaultHTTPClient struct {
	client *http.Client
}

// NewHTTPClient builds the default vLLM control-plane client.
func NewHTTPClient() HTTPClient {
	return &defaultHTTPClient{
		client: &http.Client{
			Timeout: 0, // streaming completions are long-lived; callers supply ctx deadlines
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func (c *defaultHTTPClient) PostJSON(ctx context.Context, url string, body interface{}) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *defaultHTTPClient) PostStream(ctx context.Context, url string, body interface{}) (io.ReadCloser, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	return resp.Body, resp.StatusCode, nil
}
