// Package client is a small Go SDK for the nexusd REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNotFound is returned by Resolve when no pending intervention matches.
var ErrNotFound = errors.New("nexus: intervention not found")

// Client wraps the HTTP interactions with the orchestrator API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// Submission is the payload of a new intent.
type Submission struct {
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Origin      string         `json:"origin,omitempty"`
}

// Receipt acknowledges an accepted intent.
type Receipt struct {
	ID       string `json:"id"`
	Queued   bool   `json:"queued"`
	Position int    `json:"position"`
}

// QueuedIntent is a pending intent as reported by the server.
type QueuedIntent struct {
	ID          string         `json:"id"`
	Origin      string         `json:"origin"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	UserID      string         `json:"userId,omitempty"`
	Depth       int            `json:"depth,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
}

// Stats mirrors the scheduler counters.
type Stats struct {
	QueueDepth       int    `json:"queueDepth"`
	InFlight         string `json:"inFlight,omitempty"`
	Dispatched       uint64 `json:"dispatched"`
	Failed           uint64 `json:"failed"`
	GovernorFailures int    `json:"governorFailures"`
}

// Queue is the response of the queue endpoint.
type Queue struct {
	Items []QueuedIntent `json:"items"`
	Stats Stats          `json:"stats"`
}

// Intervention is an outstanding operator request.
type Intervention struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("nexus api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("nexus api error (%d): %s", e.StatusCode, e.Message)
}

// New instantiates a client for the API rooted at rawURL.
func New(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Submit enqueues a new intent.
func (c *Client) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	var receipt Receipt
	if err := c.send(ctx, http.MethodPost, "/api/v1/intents", sub, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Queue returns the pending intents in dispatch order.
func (c *Client) Queue(ctx context.Context) (Queue, error) {
	var q Queue
	if err := c.send(ctx, http.MethodGet, "/api/v1/queue", nil, &q); err != nil {
		return Queue{}, err
	}
	return q, nil
}

// Interventions lists outstanding operator requests.
func (c *Client) Interventions(ctx context.Context) ([]Intervention, error) {
	var out []Intervention
	if err := c.send(ctx, http.MethodGet, "/api/v1/interventions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve answers an intervention. It returns ErrNotFound when the request
// was already answered or has expired.
func (c *Client) Resolve(ctx context.Context, id, value string) error {
	err := c.send(ctx, http.MethodPost, "/api/v1/interventions/resolve", map[string]string{"id": id, "value": value}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.baseURL
	u.Path = path.Join("/", c.baseURL.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
