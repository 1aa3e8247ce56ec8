// Package sync reconciles an ICA shopping list with a todo list.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/service"
)

const (
	// DefaultMaxRemoteItems is the ICA shopping-list row limit.
	DefaultMaxRemoteItems = 250
	// DefaultMaxTodoItems bounds the todo side.
	DefaultMaxTodoItems = 100
	// DefaultCallTimeout bounds every backend call.
	DefaultCallTimeout = 10 * time.Second
)

var (
	// ErrCapacityExceeded aborts a pass when the remote list is full.
	ErrCapacityExceeded = errors.New("remote list is at capacity")
	// ErrListNotFound means the configured remote list does not exist.
	ErrListNotFound = errors.New("remote list not found")
)

// ReadError is returned when a snapshot could not be read. No writes
// happen after a read error, so the pass is safe to retry.
type ReadError struct {
	Side string // "remote" or "todo"
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %s list: %v", e.Side, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Config pairs one remote list with one todo list.
type Config struct {
	RemoteListID string
	TodoListID   string
	// PurgeCompleted removes struck rows from the remote list on every pass.
	PurgeCompleted bool
	MaxRemoteItems int
	MaxTodoItems   int
	CallTimeout    time.Duration
}

// Result summarizes one reconciliation pass.
type Result struct {
	ListName      string
	RemoteAdded   int
	RemoteRemoved int
	Purged        int
	TodoAdded     int
	TodoRemoved   int
	// Dropped counts candidates skipped for lack of capacity.
	Dropped int
	// Failed counts individual writes that failed.
	Failed int
	// Malformed counts remote rows skipped for missing fields.
	Malformed int
	// Items are the remote list texts after the pass.
	Items []string
}

// Changed reports whether the pass wrote anything.
func (r Result) Changed() bool {
	return r.RemoteAdded+r.RemoteRemoved+r.Purged+r.TodoAdded+r.TodoRemoved > 0
}

// Engine reconciles the configured list pair.
type Engine struct {
	remote  service.RemoteService
	todo    service.TodoService
	tracker *Tracker
	cfg     Config

	mu    gosync.Mutex
	hooks []func(Result)
}

// NewEngine creates a new reconciliation engine. Zero caps and timeouts
// take their defaults.
func NewEngine(remote service.RemoteService, todo service.TodoService, tracker *Tracker, cfg Config) *Engine {
	if cfg.MaxRemoteItems <= 0 {
		cfg.MaxRemoteItems = DefaultMaxRemoteItems
	}
	if cfg.MaxTodoItems <= 0 {
		cfg.MaxTodoItems = DefaultMaxTodoItems
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if tracker == nil {
		tracker = NewTracker(DefaultRecentTTL)
	}
	return &Engine{remote: remote, todo: todo, tracker: tracker, cfg: cfg}
}

// Tracker returns the engine's recently-changed tracker.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// Config returns the engine configuration with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

// OnRefresh registers fn to be called after every completed pass.
func (e *Engine) OnRefresh(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// indexedItem is the todo item kept for a normalized key.
type indexedItem struct {
	item service.TodoItem
	key  string
}

// Reconcile runs one pass: it reads both lists, applies the adds and
// removes that converge them and consumes the tracked changes it
// accounted for. Only read failures, a missing list and a full remote list
// return an error; individual write failures are logged and counted.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	start := time.Now()

	list, todoItems, err := e.readSnapshots(ctx)
	if err != nil {
		logger.Warn("sync: pass aborted: %v", err)
		return Result{}, err
	}

	result := Result{ListName: list.Name}

	todoCount := len(todoItems)
	if len(todoItems) > e.cfg.MaxTodoItems {
		logger.Warn("sync: todo list has %d items, only the first %d are synced", len(todoItems), e.cfg.MaxTodoItems)
		todoItems = todoItems[:e.cfg.MaxTodoItems]
	}

	remoteCount := len(list.Rows)
	if remoteCount >= e.cfg.MaxRemoteItems {
		logger.Error("sync: remote list %q has %d items (limit %d), skipping pass", list.Name, remoteCount, e.cfg.MaxRemoteItems)
		return result, fmt.Errorf("%w: %d of %d items", ErrCapacityExceeded, remoteCount, e.cfg.MaxRemoteItems)
	}

	rows := make([]service.Row, 0, len(list.Rows))
	for _, row := range list.Rows {
		if strings.TrimSpace(row.Text) == "" || row.ID == "" {
			logger.Warn("sync: skipping malformed row (id=%q text=%q)", row.ID, row.Text)
			result.Malformed++
			continue
		}
		rows = append(rows, row)
	}

	// Struck rows go first so they never flow back to the todo side.
	struck := make(map[string]bool)
	if e.cfg.PurgeCompleted {
		kept := rows[:0]
		for _, row := range rows {
			if !row.Striked {
				kept = append(kept, row)
				continue
			}
			struck[service.Normalize(row.Text)] = true
			if err := e.removeRemote(ctx, row); err != nil {
				result.Failed++
				continue
			}
			result.Purged++
			remoteCount--
		}
		rows = kept
	}

	recent := e.tracker.Snapshot()

	// Index the remote side; later copies of a key are duplicates.
	remoteKeys := make(map[string]service.Row, len(rows))
	var remoteDups []service.Row
	for _, row := range rows {
		key := service.Normalize(row.Text)
		if _, ok := remoteKeys[key]; ok {
			remoteDups = append(remoteDups, row)
			continue
		}
		remoteKeys[key] = row
	}

	// Index the todo side, preferring an open copy of each key.
	todoKeys := make(map[string]indexedItem, len(todoItems))
	var order []string
	for _, item := range todoItems {
		key := service.Normalize(item.Summary)
		if key == "" {
			continue
		}
		prev, ok := todoKeys[key]
		if !ok {
			order = append(order, key)
			todoKeys[key] = indexedItem{item: item, key: key}
			continue
		}
		if prev.item.Completed() && !item.Completed() {
			todoKeys[key] = indexedItem{item: item, key: key}
		}
	}
	var todoDups []service.TodoItem
	seen := make(map[string]bool, len(todoKeys))
	for _, item := range todoItems {
		key := service.Normalize(item.Summary)
		if key == "" {
			continue
		}
		if !seen[key] && item == todoKeys[key].item {
			seen[key] = true
			continue
		}
		todoDups = append(todoDups, item)
	}

	// Todo -> remote.
	failedAdds := make(map[string]bool)
	var toRemote []indexedItem
	for _, key := range order {
		it := todoKeys[key]
		if it.item.Completed() || struck[key] || recent.Removed(key) {
			continue
		}
		if _, ok := remoteKeys[key]; ok {
			continue
		}
		toRemote = append(toRemote, it)
	}
	if headroom := e.cfg.MaxRemoteItems - remoteCount; len(toRemote) > headroom {
		if headroom < 0 {
			headroom = 0
		}
		logger.Warn("sync: remote list has room for %d of %d new items", headroom, len(toRemote))
		result.Dropped += len(toRemote) - headroom
		toRemote = toRemote[:headroom]
	}
	for _, it := range toRemote {
		cctx, cancel := e.callContext(ctx)
		err := e.remote.AddItem(cctx, e.cfg.RemoteListID, it.item.Summary)
		cancel()
		if err != nil {
			logger.Warn("sync: failed to add %q to remote list: %v", it.item.Summary, err)
			failedAdds[it.key] = true
			result.Failed++
			continue
		}
		logger.Info("sync: added %q to remote list", it.item.Summary)
		remoteKeys[it.key] = service.Row{Text: it.item.Summary}
		rows = append(rows, service.Row{Text: it.item.Summary})
		result.RemoteAdded++
		remoteCount++
	}

	// Remove from remote what the todo side removed or completed, and
	// duplicate rows.
	removedRows := make(map[string]bool)
	var retain []string
	for _, row := range rows {
		if row.ID == "" {
			continue
		}
		key := service.Normalize(row.Text)
		if remoteKeys[key].ID != row.ID {
			continue
		}
		it, onTodo := todoKeys[key]
		if !recent.Removed(key) && !(onTodo && it.item.Completed()) {
			continue
		}
		if err := e.removeRemote(ctx, row); err != nil {
			result.Failed++
			if recent.Removed(key) {
				retain = append(retain, key)
			}
			continue
		}
		delete(remoteKeys, key)
		removedRows[row.ID] = true
		result.RemoteRemoved++
	}
	for _, row := range remoteDups {
		if err := e.removeRemote(ctx, row); err != nil {
			result.Failed++
			continue
		}
		removedRows[row.ID] = true
		result.RemoteRemoved++
	}

	// The remote list is now the source of truth for membership.
	var fromTodo []service.TodoItem
	fromTodo = append(fromTodo, todoDups...)
	for _, key := range order {
		if _, ok := remoteKeys[key]; ok || failedAdds[key] {
			continue
		}
		fromTodo = append(fromTodo, todoKeys[key].item)
	}
	for _, item := range fromTodo {
		e.tracker.ExpectEcho(ChangeRemove, item.Summary)
		cctx, cancel := e.callContext(ctx)
		err := e.todo.RemoveItem(cctx, e.cfg.TodoListID, item.Summary)
		cancel()
		if err != nil {
			e.tracker.ForgetEcho(ChangeRemove, item.Summary)
			logger.Warn("sync: failed to remove %q from todo list: %v", item.Summary, err)
			result.Failed++
			continue
		}
		logger.Info("sync: removed %q from todo list", item.Summary)
		result.TodoRemoved++
		todoCount--
	}

	// Remote -> todo.
	var toTodo []string
	for _, row := range rows {
		key := service.Normalize(row.Text)
		if removedRows[row.ID] || remoteKeys[key].ID != row.ID {
			continue
		}
		if _, ok := todoKeys[key]; ok || recent.Removed(key) {
			continue
		}
		toTodo = append(toTodo, row.Text)
	}
	if headroom := e.cfg.MaxTodoItems - todoCount; len(toTodo) > headroom {
		if headroom < 0 {
			headroom = 0
		}
		logger.Warn("sync: todo list has room for %d of %d new items", headroom, len(toTodo))
		result.Dropped += len(toTodo) - headroom
		toTodo = toTodo[:headroom]
	}
	for _, text := range toTodo {
		e.tracker.ExpectEcho(ChangeAdd, text)
		cctx, cancel := e.callContext(ctx)
		err := e.todo.AddItem(cctx, e.cfg.TodoListID, text)
		cancel()
		if err != nil {
			e.tracker.ForgetEcho(ChangeAdd, text)
			logger.Warn("sync: failed to add %q to todo list: %v", text, err)
			result.Failed++
			continue
		}
		logger.Info("sync: added %q to todo list", text)
		result.TodoAdded++
	}

	e.tracker.Consume(recent, retain...)

	for _, row := range rows {
		if row.ID != "" && removedRows[row.ID] {
			continue
		}
		if row.ID != "" && remoteKeys[service.Normalize(row.Text)].ID != row.ID {
			continue
		}
		result.Items = append(result.Items, row.Text)
	}

	if result.Changed() || result.Failed > 0 {
		logger.Info("sync: pass complete in %s: remote +%d -%d (purged %d), todo +%d -%d, %d failed, %d dropped",
			time.Since(start).Round(time.Millisecond), result.RemoteAdded, result.RemoteRemoved, result.Purged,
			result.TodoAdded, result.TodoRemoved, result.Failed, result.Dropped)
	} else {
		logger.Debug("sync: pass complete, lists already in sync")
	}

	e.mu.Lock()
	hooks := append([]func(Result){}, e.hooks...)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(result)
	}

	return result, nil
}

// readSnapshots reads both sides concurrently. Either failure aborts.
func (e *Engine) readSnapshots(ctx context.Context) (service.ShoppingList, []service.TodoItem, error) {
	var (
		lists []service.ShoppingList
		items []service.TodoItem
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cctx, cancel := e.callContext(gctx)
		defer cancel()
		var err error
		if lists, err = e.remote.FetchLists(cctx); err != nil {
			return &ReadError{Side: "remote", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		cctx, cancel := e.callContext(gctx)
		defer cancel()
		var err error
		if items, err = e.todo.GetItems(cctx, e.cfg.TodoListID); err != nil {
			return &ReadError{Side: "todo", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return service.ShoppingList{}, nil, err
	}

	for _, l := range lists {
		if l.ID == e.cfg.RemoteListID {
			return l, items, nil
		}
	}
	return service.ShoppingList{}, nil, fmt.Errorf("%w: %s", ErrListNotFound, e.cfg.RemoteListID)
}

// removeRemote deletes one remote row, logging the outcome.
func (e *Engine) removeRemote(ctx context.Context, row service.Row) error {
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.remote.RemoveItem(cctx, e.cfg.RemoteListID, row.ID); err != nil {
		logger.Warn("sync: failed to remove %q from remote list: %v", row.Text, err)
		return err
	}
	logger.Info("sync: removed %q from remote list", row.Text)
	return nil
}
