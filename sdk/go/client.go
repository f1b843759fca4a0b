package makerspacesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal MakerSpace maintenance request API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Request represents a maintenance request.
type Request struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
}

// APIError wraps non-2xx responses. Kind, Message and Field come from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	Field      string
	Body       string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
	}
	if e.Field != "" {
		return fmt.Sprintf("api error: status=%d kind=%s field=%s: %s", e.StatusCode, e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("api error: status=%d kind=%s: %s", e.StatusCode, e.Kind, e.Message)
}

// Retryable reports whether the server advertised the failure as transient.
func (e *APIError) Retryable() bool { return e.Kind == "STORE_UNAVAILABLE" }

// CreateRequest files a request and returns its id.
func (c *Client) CreateRequest(ctx context.Context, title, body string) (string, error) {
	payload := map[string]string{
		"title": title,
		"body":  body,
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "api/requests/create", payload, &resp)
	return resp.ID, err
}

// DeleteRequest removes a request.
func (c *Client) DeleteRequest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "api/requests/delete", map[string]string{"request_id": id}, nil)
}

// ListRequests returns the requests visible to the caller.
func (c *Client) ListRequests(ctx context.Context) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, "api/requests", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
			Field   string `json:"field"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Kind = env.Error.Kind
		apiErr.Message = env.Error.Message
		apiErr.Field = env.Error.Field
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
