// Package service defines the backend-agnostic interfaces for the two lists
// kept in sync: the retailer's shopping list and the to-do list provider.
package service

import (
	"context"
	"errors"
)

// ErrAuth is returned when a backend rejects the session or token.
// No automatic re-login is attempted; the caller surfaces it like any
// other transient failure.
var ErrAuth = errors.New("authentication failed")

// ErrNotFound is returned when a list or item does not exist.
var ErrNotFound = errors.New("not found")

// RemoteService is the shopping-list backend.
type RemoteService interface {
	// FetchLists returns every shopping list with its rows.
	FetchLists(ctx context.Context) ([]ShoppingList, error)

	// AddItem appends a row with the given text to a list.
	AddItem(ctx context.Context, listID, text string) error

	// RemoveItem deletes a row. The backend addresses rows by id, not text.
	RemoveItem(ctx context.Context, listID, rowID string) error
}

// TodoService is the to-do list provider.
// Items are addressed by their summary text, not by id.
type TodoService interface {
	GetItems(ctx context.Context, listID string) ([]TodoItem, error)
	AddItem(ctx context.Context, listID, text string) error
	RemoveItem(ctx context.Context, listID, text string) error
}
