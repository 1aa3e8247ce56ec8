package service

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Todo item statuses.
const (
	StatusNeedsAction = "needs_action"
	StatusCompleted   = "completed"
)

// ShoppingList is one list on the remote side.
type ShoppingList struct {
	ID   string
	Name string
	Rows []Row
}

// Row is a single shopping-list entry.
type Row struct {
	ID      string
	Text    string
	Striked bool
}

// TodoItem is a single to-do entry.
type TodoItem struct {
	Summary string
	Status  string
}

// Completed reports whether the item has been checked off.
func (i TodoItem) Completed() bool {
	return i.Status == StatusCompleted
}

// Normalize returns the matching key for an item text: trimmed, composed
// to NFC and lowercased. Two items are the same iff their keys are equal.
func Normalize(text string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(text)))
}
