package main

import (
	"context"
	"time"

	"github.com/JohanCodinha/icasync/internal/cache"
	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/sync"
)

const (
	// historyLimit is the number of passes kept in the cache.
	historyLimit = 500

	hookTimeout = 5 * time.Second
)

// saveListState stores the remote list after every completed pass.
func saveListState(db *cache.DB, listID string) func(sync.Result) {
	return func(r sync.Result) {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		err := db.UpsertListState(ctx, cache.ListState{
			ListID:    listID,
			Name:      r.ListName,
			ItemCount: len(r.Items),
			Items:     r.Items,
		})
		if err != nil {
			logger.Warn("cache: failed to save state of %s: %v", listID, err)
		}
	}
}

// toRun converts a pass to its history record.
func toRun(p sync.Pass) cache.Run {
	run := cache.Run{
		ID:            p.ID,
		Trigger:       p.Trigger,
		Outcome:       p.Outcome(),
		StartedAt:     p.StartedAt,
		FinishedAt:    p.FinishedAt,
		RemoteAdded:   p.Result.RemoteAdded,
		RemoteRemoved: p.Result.RemoteRemoved,
		Purged:        p.Result.Purged,
		TodoAdded:     p.Result.TodoAdded,
		TodoRemoved:   p.Result.TodoRemoved,
		Failed:        p.Result.Failed,
		Dropped:       p.Result.Dropped,
	}
	if p.Err != nil {
		run.Error = p.Err.Error()
	}
	return run
}

// recordPass appends every pass to the history and trims old entries.
func recordPass(db *cache.DB) func(sync.Pass) {
	return func(p sync.Pass) {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		if err := db.RecordRun(ctx, toRun(p)); err != nil {
			logger.Warn("cache: failed to record pass %s: %v", p.ID, err)
			return
		}
		if err := db.PruneRuns(ctx, historyLimit); err != nil {
			logger.Warn("cache: failed to prune history: %v", err)
		}
	}
}
