// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/JohanCodinha/icasync/internal/service"
)

// FakeRemote is an in-memory implementation of service.RemoteService.
type FakeRemote struct {
	mu      sync.RWMutex
	lists   []service.ShoppingList
	nextRow int

	added   []string
	removed []string

	// Error injection for testing
	FetchErr  error
	AddErr    map[string]error // text -> error
	RemoveErr map[string]error // row id -> error
}

// NewFakeRemote creates an empty FakeRemote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		AddErr:    make(map[string]error),
		RemoveErr: make(map[string]error),
	}
}

// AddList adds an empty list.
func (f *FakeRemote) AddList(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, service.ShoppingList{ID: id, Name: name})
}

// AddRow appends a row to a list and returns its id.
func (f *FakeRemote) AddRow(listID, text string, striked bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRow++
	id := "row-" + strconv.Itoa(f.nextRow)
	f.appendRow(listID, service.Row{ID: id, Text: text, Striked: striked})
	return id
}

// AddRawRow appends a row as-is, including malformed rows.
func (f *FakeRemote) AddRawRow(listID string, row service.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendRow(listID, row)
}

// appendRow requires f.mu to be held.
func (f *FakeRemote) appendRow(listID string, row service.Row) {
	for i := range f.lists {
		if f.lists[i].ID == listID {
			f.lists[i].Rows = append(f.lists[i].Rows, row)
			return
		}
	}
	panic(fmt.Sprintf("testutil: unknown list %q", listID))
}

// Texts returns the texts of a list's rows in order.
func (f *FakeRemote) Texts(listID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, l := range f.lists {
		if l.ID == listID {
			texts := make([]string, 0, len(l.Rows))
			for _, r := range l.Rows {
				texts = append(texts, r.Text)
			}
			return texts
		}
	}
	return nil
}

// Added returns the texts passed to AddItem, in call order.
func (f *FakeRemote) Added() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.added...)
}

// Removed returns the row ids passed to RemoveItem, in call order.
func (f *FakeRemote) Removed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.removed...)
}

// ResetCalls clears the call logs.
func (f *FakeRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = nil
	f.removed = nil
}

// FetchLists implements service.RemoteService.
func (f *FakeRemote) FetchLists(ctx context.Context) ([]service.ShoppingList, error) {
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]service.ShoppingList, len(f.lists))
	for i, l := range f.lists {
		l.Rows = append([]service.Row(nil), l.Rows...)
		result[i] = l
	}
	return result, nil
}

// AddItem implements service.RemoteService.
func (f *FakeRemote) AddItem(ctx context.Context, listID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, text)
	if err := f.AddErr[text]; err != nil {
		return err
	}
	f.nextRow++
	for i := range f.lists {
		if f.lists[i].ID == listID {
			f.lists[i].Rows = append(f.lists[i].Rows, service.Row{ID: "row-" + strconv.Itoa(f.nextRow), Text: text})
			return nil
		}
	}
	return fmt.Errorf("%w: list %s", service.ErrNotFound, listID)
}

// RemoveItem implements service.RemoteService.
func (f *FakeRemote) RemoveItem(ctx context.Context, listID, rowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, rowID)
	if err := f.RemoveErr[rowID]; err != nil {
		return err
	}
	for i := range f.lists {
		if f.lists[i].ID != listID {
			continue
		}
		for j, r := range f.lists[i].Rows {
			if r.ID == rowID {
				f.lists[i].Rows = append(f.lists[i].Rows[:j], f.lists[i].Rows[j+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: row %s", service.ErrNotFound, rowID)
}

// FakeTodo is an in-memory implementation of service.TodoService.
type FakeTodo struct {
	mu    sync.RWMutex
	items map[string][]service.TodoItem // listID -> items

	added   []string
	removed []string

	// Error injection for testing
	GetErr    error
	AddErr    map[string]error // text -> error
	RemoveErr map[string]error // text -> error
}

// NewFakeTodo creates an empty FakeTodo.
func NewFakeTodo() *FakeTodo {
	return &FakeTodo{
		items:     make(map[string][]service.TodoItem),
		AddErr:    make(map[string]error),
		RemoveErr: make(map[string]error),
	}
}

// SetItems replaces the items of a list with needs_action items.
func (f *FakeTodo) SetItems(listID string, summaries ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]service.TodoItem, 0, len(summaries))
	for _, s := range summaries {
		items = append(items, service.TodoItem{Summary: s, Status: service.StatusNeedsAction})
	}
	f.items[listID] = items
}

// Put appends an item with an explicit status.
func (f *FakeTodo) Put(listID, summary, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[listID] = append(f.items[listID], service.TodoItem{Summary: summary, Status: status})
}

// Summaries returns the summaries of a list's items in order.
func (f *FakeTodo) Summaries(listID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	result := make([]string, 0, len(f.items[listID]))
	for _, it := range f.items[listID] {
		result = append(result, it.Summary)
	}
	return result
}

// Added returns the texts passed to AddItem, in call order.
func (f *FakeTodo) Added() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.added...)
}

// Removed returns the texts passed to RemoveItem, in call order.
func (f *FakeTodo) Removed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.removed...)
}

// ResetCalls clears the call logs.
func (f *FakeTodo) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = nil
	f.removed = nil
}

// GetItems implements service.TodoService.
func (f *FakeTodo) GetItems(ctx context.Context, listID string) ([]service.TodoItem, error) {
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	items, ok := f.items[listID]
	if !ok {
		return nil, fmt.Errorf("%w: list %s", service.ErrNotFound, listID)
	}
	return append([]service.TodoItem(nil), items...), nil
}

// AddItem implements service.TodoService.
func (f *FakeTodo) AddItem(ctx context.Context, listID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, text)
	if err := f.AddErr[text]; err != nil {
		return err
	}
	f.items[listID] = append(f.items[listID], service.TodoItem{Summary: text, Status: service.StatusNeedsAction})
	return nil
}

// RemoveItem implements service.TodoService. The first item whose summary
// equals text is removed.
func (f *FakeTodo) RemoveItem(ctx context.Context, listID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, text)
	if err := f.RemoveErr[text]; err != nil {
		return err
	}
	for i, it := range f.items[listID] {
		if it.Summary == text {
			f.items[listID] = append(f.items[listID][:i], f.items[listID][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: item %q", service.ErrNotFound, text)
}

var (
	_ service.RemoteService = (*FakeRemote)(nil)
	_ service.TodoService   = (*FakeTodo)(nil)
)
