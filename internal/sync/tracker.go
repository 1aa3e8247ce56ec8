package sync

import (
	gosync "sync"
	"time"

	"github.com/JohanCodinha/icasync/internal/service"
)

// DefaultRecentTTL bounds how long a recorded change suppresses bounce-back
// when no pass consumes it.
const DefaultRecentTTL = 5 * time.Minute

// EchoTTL bounds how long an event reporting one of the engine's own todo
// writes is awaited.
const EchoTTL = 30 * time.Second

// ChangeKind is the kind of a recorded change.
type ChangeKind int

const (
	// ChangeAdd records an item added on the todo side.
	ChangeAdd ChangeKind = iota
	// ChangeRemove records an item removed or completed on the todo side.
	ChangeRemove
)

// String returns the string representation of a ChangeKind.
func (k ChangeKind) String() string {
	if k == ChangeAdd {
		return "add"
	}
	return "remove"
}

type recentChange struct {
	kind    ChangeKind
	seq     uint64
	expires time.Time
}

// Tracker remembers items that were just added or removed on the todo side,
// keyed by normalized text. A later change of the same key replaces the
// earlier one.
type Tracker struct {
	mu      gosync.Mutex
	ttl     time.Duration
	now     func() time.Time
	seq     uint64
	entries map[string]recentChange

	// echoes counts pending own writes by kind and key.
	echoes map[echoKey]pendingEcho
}

type echoKey struct {
	kind ChangeKind
	key  string
}

type pendingEcho struct {
	count   int
	expires time.Time
}

// NewTracker creates a tracker whose entries expire after ttl.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultRecentTTL
	}
	return &Tracker{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]recentChange),
		echoes:  make(map[echoKey]pendingEcho),
	}
}

// Record notes a change of the item with the given text.
func (t *Tracker) Record(kind ChangeKind, text string) {
	key := service.Normalize(text)
	if key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.entries[key] = recentChange{kind: kind, seq: t.seq, expires: t.now().Add(t.ttl)}
}

// RecentSnapshot is a point-in-time view of the unexpired changes.
type RecentSnapshot struct {
	adds    map[string]struct{}
	removes map[string]struct{}
	seq     uint64
}

// Added reports whether key was recently added.
func (s RecentSnapshot) Added(key string) bool {
	_, ok := s.adds[key]
	return ok
}

// Removed reports whether key was recently removed.
func (s RecentSnapshot) Removed(key string) bool {
	_, ok := s.removes[key]
	return ok
}

// Len returns the number of changes in the snapshot.
func (s RecentSnapshot) Len() int {
	return len(s.adds) + len(s.removes)
}

// Snapshot returns the current unexpired changes and drops expired ones.
func (t *Tracker) Snapshot() RecentSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	snap := RecentSnapshot{
		adds:    make(map[string]struct{}),
		removes: make(map[string]struct{}),
		seq:     t.seq,
	}
	for key, c := range t.entries {
		if !now.Before(c.expires) {
			delete(t.entries, key)
			continue
		}
		if c.kind == ChangeAdd {
			snap.adds[key] = struct{}{}
		} else {
			snap.removes[key] = struct{}{}
		}
	}
	return snap
}

// Consume clears the changes a completed pass accounted for. Changes
// recorded after the snapshot was taken, and the retained keys, are kept
// for the next pass.
func (t *Tracker) Consume(snap RecentSnapshot, retain ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := make(map[string]bool, len(retain))
	for _, key := range retain {
		keep[key] = true
	}
	for key, c := range t.entries {
		if c.seq <= snap.seq && !keep[key] {
			delete(t.entries, key)
		}
	}
}

// Len returns the number of tracked changes, including expired ones not yet
// pruned.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ExpectEcho notes a todo write about to be made by the engine, so the
// event reporting it can be told apart from a user change.
func (t *Tracker) ExpectEcho(kind ChangeKind, text string) {
	k := echoKey{kind: kind, key: service.Normalize(text)}
	if k.key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.echoes[k]
	if !t.now().Before(e.expires) {
		e.count = 0
	}
	e.count++
	e.expires = t.now().Add(EchoTTL)
	t.echoes[k] = e
}

// ForgetEcho withdraws an expectation whose write failed.
func (t *Tracker) ForgetEcho(kind ChangeKind, text string) {
	k := echoKey{kind: kind, key: service.Normalize(text)}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropEchoLocked(k)
}

// TakeEcho reports whether a change matches a pending own write, and
// consumes that expectation if so.
func (t *Tracker) TakeEcho(kind ChangeKind, text string) bool {
	k := echoKey{kind: kind, key: service.Normalize(text)}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.echoes[k]
	if !ok {
		return false
	}
	if !t.now().Before(e.expires) {
		delete(t.echoes, k)
		return false
	}
	t.dropEchoLocked(k)
	return true
}

func (t *Tracker) dropEchoLocked(k echoKey) {
	e, ok := t.echoes[k]
	if !ok {
		return
	}
	if e.count <= 1 {
		delete(t.echoes, k)
		return
	}
	e.count--
	t.echoes[k] = e
}
