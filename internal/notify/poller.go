package notify

import (
	"context"
	"sync"
	"time"

	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/service"
)

// Poller emits change events for todo backends that have no event stream
// by diffing consecutive snapshots of one list.
type Poller struct {
	todo     service.TodoService
	listID   string
	interval time.Duration
	handler  func(Event)

	mu sync.Mutex
	// seen maps normalized key to the last observed item. Nil until the
	// first successful poll.
	seen map[string]service.TodoItem
}

// NewPoller creates a poller that calls handler for every observed change.
func NewPoller(todo service.TodoService, listID string, interval time.Duration, handler func(Event)) *Poller {
	return &Poller{
		todo:     todo,
		listID:   listID,
		interval: interval,
		handler:  handler,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches the list once and emits the differences to the previous
// snapshot. The first successful poll only records a baseline.
func (p *Poller) Poll(ctx context.Context) {
	items, err := p.todo.GetItems(ctx, p.listID)
	if err != nil {
		logger.Warn("notify: poll of %s failed: %v", p.listID, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]service.TodoItem, len(items))
	for _, item := range items {
		key := service.Normalize(item.Summary)
		if _, dup := current[key]; !dup {
			current[key] = item
		}
	}

	if p.seen == nil {
		p.seen = current
		logger.Debug("notify: baseline of %d items for %s", len(current), p.listID)
		return
	}

	for key, item := range current {
		prev, ok := p.seen[key]
		switch {
		case !ok:
			p.handler(Event{Kind: KindAdd, ListID: p.listID, Item: item.Summary})
		case prev.Status != item.Status:
			p.handler(Event{Kind: KindUpdateStatus, ListID: p.listID, Item: item.Summary, Status: item.Status})
		}
	}
	for key, item := range p.seen {
		if _, ok := current[key]; !ok {
			p.handler(Event{Kind: KindRemove, ListID: p.listID, Item: item.Summary})
		}
	}

	p.seen = current
}

// Reset drops the baseline so the next poll records a fresh one. The sync
// engine's own writes would otherwise show up as user changes.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = nil
}
