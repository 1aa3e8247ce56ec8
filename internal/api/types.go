package api

import (
	"time"

	"github.com/JohanCodinha/icasync/internal/cache"
	"github.com/JohanCodinha/icasync/internal/sync"
)

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// EventsResponse is returned by POST /api/events.
type EventsResponse struct {
	Accepted int `json:"accepted"`
	Ignored  int `json:"ignored"`
}

// PassResult is the JSON form of sync.Result.
type PassResult struct {
	ListName      string   `json:"list_name"`
	RemoteAdded   int      `json:"remote_added"`
	RemoteRemoved int      `json:"remote_removed"`
	Purged        int      `json:"purged"`
	TodoAdded     int      `json:"todo_added"`
	TodoRemoved   int      `json:"todo_removed"`
	Dropped       int      `json:"dropped"`
	Failed        int      `json:"failed"`
	Malformed     int      `json:"malformed"`
	Items         []string `json:"items"`
}

// NewPassResult converts a pass result to its JSON form.
func NewPassResult(r sync.Result) PassResult {
	items := r.Items
	if items == nil {
		items = []string{}
	}
	return PassResult{
		ListName:      r.ListName,
		RemoteAdded:   r.RemoteAdded,
		RemoteRemoved: r.RemoteRemoved,
		Purged:        r.Purged,
		TodoAdded:     r.TodoAdded,
		TodoRemoved:   r.TodoRemoved,
		Dropped:       r.Dropped,
		Failed:        r.Failed,
		Malformed:     r.Malformed,
		Items:         items,
	}
}

// Run is one entry of the pass history.
type Run struct {
	ID            string    `json:"id"`
	Trigger       string    `json:"trigger"`
	Outcome       string    `json:"outcome"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	RemoteAdded   int       `json:"remote_added"`
	RemoteRemoved int       `json:"remote_removed"`
	Purged        int       `json:"purged"`
	TodoAdded     int       `json:"todo_added"`
	TodoRemoved   int       `json:"todo_removed"`
	Failed        int       `json:"failed"`
	Dropped       int       `json:"dropped"`
	Error         string    `json:"error,omitempty"`
}

func newRun(r cache.Run) Run {
	return Run{
		ID:            r.ID,
		Trigger:       r.Trigger,
		Outcome:       r.Outcome,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		RemoteAdded:   r.RemoteAdded,
		RemoteRemoved: r.RemoteRemoved,
		Purged:        r.Purged,
		TodoAdded:     r.TodoAdded,
		TodoRemoved:   r.TodoRemoved,
		Failed:        r.Failed,
		Dropped:       r.Dropped,
		Error:         r.Error,
	}
}

// ListState is the last synced view of a remote list.
type ListState struct {
	ListID    string    `json:"list_id"`
	Name      string    `json:"name"`
	ItemCount int       `json:"item_count"`
	Items     []string  `json:"items"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newListState(s *cache.ListState) *ListState {
	if s == nil {
		return nil
	}
	return &ListState{
		ListID:    s.ListID,
		Name:      s.Name,
		ItemCount: s.ItemCount,
		Items:     s.Items,
		UpdatedAt: s.UpdatedAt,
	}
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	State string `json:"state"`
	// LastOutcome is empty until the first pass. Anything but "ok" marks
	// the last refresh as failed.
	LastOutcome string     `json:"last_outcome,omitempty"`
	List        *ListState `json:"list"`
	Runs        []Run      `json:"runs"`
}
