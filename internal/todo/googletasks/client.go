// Package googletasks implements the todo service on top of the Google
// Tasks API, for setups without Home Assistant.
package googletasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tasks "google.golang.org/api/tasks/v1"

	"github.com/JohanCodinha/icasync/internal/service"
)

const (
	// PageSize is the number of tasks per page.
	PageSize = 100

	// APITimeout is the timeout for API calls.
	APITimeout = 10 * time.Second

	// OAuth scope for Google Tasks
	tasksScope = "https://www.googleapis.com/auth/tasks"

	statusCompleted = "completed"
)

// Client implements service.TodoService using Google Tasks. List ids are
// Google task list ids (or "@default").
type Client struct {
	svc *tasks.Service
}

// New creates a new Google Tasks client.
// Requires oauth_client.json and token.json in credentialsDir.
func New(ctx context.Context, credentialsDir string) (*Client, error) {
	clientJSON, err := os.ReadFile(filepath.Join(credentialsDir, "oauth_client.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth_client.json: %w", err)
	}

	oauthConfig, err := google.ConfigFromJSON(clientJSON, tasksScope)
	if err != nil {
		return nil, fmt.Errorf("invalid oauth_client.json: %w", err)
	}

	tokenData, err := os.ReadFile(filepath.Join(credentialsDir, "token.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read token.json: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("invalid token.json: %w", err)
	}

	// The token source refreshes the access token as needed.
	httpClient := oauth2.NewClient(ctx, oauthConfig.TokenSource(ctx, &token))

	svc, err := tasks.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks service: %w", err)
	}

	return &Client{svc: svc}, nil
}

// NewWithHTTPClient creates a client against a custom endpoint (for testing).
func NewWithHTTPClient(ctx context.Context, httpClient *http.Client, endpoint string) (*Client, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{svc: svc}, nil
}

// listTasks returns every non-deleted task, including completed ones.
func (c *Client) listTasks(ctx context.Context, listID string) ([]*tasks.Task, error) {
	var result []*tasks.Task
	err := c.svc.Tasks.List(listID).
		MaxResults(PageSize).
		ShowCompleted(true).
		ShowHidden(true).
		ShowDeleted(false).
		Pages(ctx, func(resp *tasks.Tasks) error {
			for _, task := range resp.Items {
				if task.Deleted {
					continue
				}
				result = append(result, task)
			}
			return nil
		})
	if err != nil {
		return nil, wrapError(err)
	}
	return result, nil
}

// GetItems implements service.TodoService.
func (c *Client) GetItems(ctx context.Context, listID string) ([]service.TodoItem, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	list, err := c.listTasks(ctx, listID)
	if err != nil {
		return nil, err
	}

	items := make([]service.TodoItem, 0, len(list))
	for _, task := range list {
		status := service.StatusNeedsAction
		if task.Status == statusCompleted {
			status = service.StatusCompleted
		}
		items = append(items, service.TodoItem{Summary: task.Title, Status: status})
	}
	return items, nil
}

// AddItem implements service.TodoService.
func (c *Client) AddItem(ctx context.Context, listID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	_, err := c.svc.Tasks.Insert(listID, &tasks.Task{Title: text}).Context(ctx).Do()
	if err != nil {
		return wrapError(err)
	}
	return nil
}

// RemoveItem implements service.TodoService. Google Tasks addresses tasks
// by id, so the task is looked up by normalized title first.
func (c *Client) RemoveItem(ctx context.Context, listID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	list, err := c.listTasks(ctx, listID)
	if err != nil {
		return err
	}

	key := service.Normalize(text)
	for _, task := range list {
		if service.Normalize(task.Title) != key {
			continue
		}
		if err := c.svc.Tasks.Delete(listID, task.Id).Context(ctx).Do(); err != nil {
			return wrapError(err)
		}
		return nil
	}
	return fmt.Errorf("%w: task %q", service.ErrNotFound, text)
}

// wrapError maps API errors onto the service error sentinels.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timed out: %w", err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: token expired or revoked: %v", service.ErrAuth, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", service.ErrNotFound, err)
		}
	}

	return err
}

var _ service.TodoService = (*Client)(nil)
