package commloopctl

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps HTTP operations for the relay's admin API.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIResponse wraps the standard API response format
type APIResponse struct {
	Data interface{} `json:"data"`
	Meta *APIMeta    `json:"meta,omitempty"`
}

type APIMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Get performs a GET request and returns the body of a 200 response.
func (c *HTTPClient) Get(path string) ([]byte, error) {
	status, body, err := c.do(path)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.parseError(status, body)
	}
	return body, nil
}

func (c *HTTPClient) do(path string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setAuthHeader(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to connect to relay at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *HTTPClient) setAuthHeader(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *HTTPClient) parseError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("authentication failed. Check your auth token")
		case http.StatusNotFound:
			return fmt.Errorf("resource not found")
		case http.StatusServiceUnavailable:
			return fmt.Errorf("relay service unavailable")
		default:
			return fmt.Errorf("server error (status %d)", statusCode)
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed. Check your auth token")
	case http.StatusNotFound:
		return fmt.Errorf("resource not found: %s", apiErr.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("invalid request: %s", apiErr.Error)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("relay service unavailable: %s", apiErr.Error)
	default:
		return fmt.Errorf("server error: %s", apiErr.Error)
	}
}

// ParseResponse decodes the data field of an API response into target.
func ParseResponse(body []byte, target interface{}) error {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if err := json.Unmarshal(resp.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}
