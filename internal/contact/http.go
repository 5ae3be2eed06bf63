package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const userAgent = "cti-bridge/1.0"

// HTTPClient sends contact requests as JSON posts to a single ingest
// endpoint, distinguished by the X-Event-Type header.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	Endpoint string
	Timeout  time.Duration
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint: opts.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// createResponse is the body returned by a successful create.
type createResponse struct {
	ContactID string `json:"contact_id"`
}

func (c *HTTPClient) CreateContact(ctx context.Context, req CreateRequest) (string, error) {
	body, err := c.post(ctx, "CONTACT_CREATE", req)
	if err != nil {
		return "", err
	}

	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	if resp.ContactID == "" {
		return "", fmt.Errorf("create response missing contact_id")
	}
	return resp.ContactID, nil
}

func (c *HTTPClient) UpdateContact(ctx context.Context, req UpdateRequest) error {
	_, err := c.post(ctx, "CONTACT_UPDATE", req)
	return err
}

func (c *HTTPClient) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	_, err := c.post(ctx, "HEARTBEAT", hb)
	return err
}

func (c *HTTPClient) post(ctx context.Context, eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", eventType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", eventType, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", eventType, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", eventType, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d", eventType, resp.StatusCode)
	}
	return body, nil
}
