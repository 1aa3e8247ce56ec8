// Package homeassistant implements the todo service on top of the Home
// Assistant REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JohanCodinha/icasync/internal/service"
)

// DefaultTimeout bounds every HTTP request.
const DefaultTimeout = 30 * time.Second

const servicePath = "/api/services/todo/"

// Client calls todo services on a Home Assistant instance.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the Home Assistant instance at baseURL using a
// long-lived access token.
func New(baseURL, token string) *Client {
	return NewWithHTTPClient(baseURL, token, &http.Client{Timeout: DefaultTimeout})
}

// NewWithHTTPClient creates a client with a custom HTTP client.
func NewWithHTTPClient(baseURL, token string, httpClient *http.Client) *Client {
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type itemRequest struct {
	EntityID string `json:"entity_id"`
	Item     string `json:"item,omitempty"`
}

type todoItem struct {
	Summary string `json:"summary"`
	UID     string `json:"uid"`
	Status  string `json:"status"`
}

type getItemsResponse struct {
	ServiceResponse map[string]struct {
		Items []todoItem `json:"items"`
	} `json:"service_response"`
}

// callService posts to a todo service. The caller closes the body.
func (c *Client) callService(ctx context.Context, name, query string, payload itemRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.baseURL + servicePath + name
	if query != "" {
		url += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: Home Assistant %s", service.ErrAuth, resp.Status)
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: Home Assistant %s", service.ErrNotFound, resp.Status)
		default:
			return nil, fmt.Errorf("Home Assistant API error: %s - %s", resp.Status, string(respBody))
		}
	}

	return resp, nil
}

// GetItems implements service.TodoService.
func (c *Client) GetItems(ctx context.Context, listID string) ([]service.TodoItem, error) {
	resp, err := c.callService(ctx, "get_items", "return_response", itemRequest{EntityID: listID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result getItemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	entity, ok := result.ServiceResponse[listID]
	if !ok {
		return nil, fmt.Errorf("%w: no items returned for %s", service.ErrNotFound, listID)
	}

	items := make([]service.TodoItem, 0, len(entity.Items))
	for _, it := range entity.Items {
		status := service.StatusNeedsAction
		if it.Status == service.StatusCompleted {
			status = service.StatusCompleted
		}
		items = append(items, service.TodoItem{Summary: it.Summary, Status: status})
	}
	return items, nil
}

// AddItem implements service.TodoService.
func (c *Client) AddItem(ctx context.Context, listID, text string) error {
	resp, err := c.callService(ctx, "add_item", "", itemRequest{EntityID: listID, Item: text})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RemoveItem implements service.TodoService.
func (c *Client) RemoveItem(ctx context.Context, listID, text string) error {
	resp, err := c.callService(ctx, "remove_item", "", itemRequest{EntityID: listID, Item: text})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

var _ service.TodoService = (*Client)(nil)
