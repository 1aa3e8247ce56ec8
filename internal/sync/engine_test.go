package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/JohanCodinha/icasync/internal/service"
	"github.com/JohanCodinha/icasync/internal/testutil"
)

const (
	testRemoteList = "list-1"
	testTodoList   = "todo.shopping"
)

func setupTestEngine(t *testing.T, cfg Config) (*Engine, *testutil.FakeRemote, *testutil.FakeTodo) {
	t.Helper()

	remote := testutil.NewFakeRemote()
	remote.AddList(testRemoteList, "Veckohandling")
	todo := testutil.NewFakeTodo()
	todo.SetItems(testTodoList)

	cfg.RemoteListID = testRemoteList
	cfg.TodoListID = testTodoList
	engine := NewEngine(remote, todo, NewTracker(DefaultRecentTTL), cfg)
	return engine, remote, todo
}

// keys returns the sorted normalized keys of texts.
func keys(texts []string) []string {
	result := make([]string, 0, len(texts))
	for _, s := range texts {
		result = append(result, service.Normalize(s))
	}
	sort.Strings(result)
	return result
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewEngine_Defaults(t *testing.T) {
	engine := NewEngine(nil, nil, nil, Config{})
	cfg := engine.Config()

	if cfg.MaxRemoteItems != DefaultMaxRemoteItems {
		t.Errorf("MaxRemoteItems = %d, want %d", cfg.MaxRemoteItems, DefaultMaxRemoteItems)
	}
	if cfg.MaxTodoItems != DefaultMaxTodoItems {
		t.Errorf("MaxTodoItems = %d, want %d", cfg.MaxTodoItems, DefaultMaxTodoItems)
	}
	if cfg.CallTimeout != DefaultCallTimeout {
		t.Errorf("CallTimeout = %v, want %v", cfg.CallTimeout, DefaultCallTimeout)
	}
	if engine.Tracker() == nil {
		t.Error("expected a default tracker")
	}
}

func TestReconcile_Convergence(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Mjölk", false)
	remote.AddRow(testRemoteList, "Bröd", false)
	todo.SetItems(testTodoList, "mjölk", "Ägg")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	remoteKeys := keys(remote.Texts(testRemoteList))
	todoKeys := keys(todo.Summaries(testTodoList))
	if !equalStrings(remoteKeys, todoKeys) {
		t.Errorf("lists did not converge: remote %v, todo %v", remoteKeys, todoKeys)
	}
	want := []string{"bröd", "mjölk", "ägg"}
	if !equalStrings(remoteKeys, want) {
		t.Errorf("remote keys = %v, want %v", remoteKeys, want)
	}
	if result.RemoteAdded != 1 || result.TodoAdded != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.ListName != "Veckohandling" {
		t.Errorf("ListName = %q", result.ListName)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{PurgeCompleted: true})
	remote.AddRow(testRemoteList, "Milk", false)
	remote.AddRow(testRemoteList, "Old", true)
	remote.AddRow(testRemoteList, "milk", false)
	todo.SetItems(testTodoList, "Eggs", "EGGS", "Bread")
	todo.Put(testTodoList, "Cheese", service.StatusCompleted)

	ctx := context.Background()
	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("first Reconcile() unexpected error: %v", err)
	}

	remote.ResetCalls()
	todo.ResetCalls()

	result, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second Reconcile() unexpected error: %v", err)
	}
	if result.Changed() {
		t.Errorf("second pass changed something: %+v", result)
	}
	if n := len(remote.Added()) + len(remote.Removed()) + len(todo.Added()) + len(todo.Removed()); n != 0 {
		t.Errorf("second pass issued %d writes", n)
	}
}

func TestReconcile_CaseAndWhitespaceInsensitive(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	todo.SetItems(testTodoList, "Milk", " milk ", "MILK")

	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if got := remote.Texts(testRemoteList); !equalStrings(got, []string{"Milk"}) {
		t.Errorf("remote = %v, want [Milk]", got)
	}
	if got := todo.Summaries(testTodoList); len(got) != 1 {
		t.Errorf("expected one surviving todo item, got %v", got)
	}
}

func TestReconcile_RemoteHeadroom(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	for i := 0; i < 248; i++ {
		remote.AddRow(testRemoteList, fmt.Sprintf("item-%d", i), false)
	}
	var fresh []string
	for i := 0; i < 10; i++ {
		fresh = append(fresh, fmt.Sprintf("new-%d", i))
	}
	todo.SetItems(testTodoList, fresh...)

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if got := remote.Added(); !equalStrings(got, []string{"new-0", "new-1"}) {
		t.Errorf("remote adds = %v, want [new-0 new-1]", got)
	}
	if n := len(remote.Texts(testRemoteList)); n != 250 {
		t.Errorf("remote has %d items, want 250", n)
	}
	if result.Dropped < 8 {
		t.Errorf("expected at least 8 dropped candidates, got %d", result.Dropped)
	}
}

func TestReconcile_RemoteFull(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	for i := 0; i < 250; i++ {
		remote.AddRow(testRemoteList, fmt.Sprintf("item-%d", i), false)
	}
	todo.SetItems(testTodoList, "Milk")
	engine.Tracker().Record(ChangeRemove, "item-3")

	_, err := engine.Reconcile(context.Background())
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if n := len(remote.Added()) + len(remote.Removed()) + len(todo.Added()) + len(todo.Removed()); n != 0 {
		t.Errorf("aborted pass issued %d writes", n)
	}
	if engine.Tracker().Len() != 1 {
		t.Errorf("aborted pass must not consume tracked changes")
	}
}

func TestReconcile_ReadFailure(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*testutil.FakeRemote, *testutil.FakeTodo)
		wantSide string
	}{
		{
			name:     "remote",
			setup:    func(r *testutil.FakeRemote, _ *testutil.FakeTodo) { r.FetchErr = errors.New("connection refused") },
			wantSide: "remote",
		},
		{
			name:     "todo",
			setup:    func(_ *testutil.FakeRemote, td *testutil.FakeTodo) { td.GetErr = service.ErrAuth },
			wantSide: "todo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, remote, todo := setupTestEngine(t, Config{})
			remote.AddRow(testRemoteList, "Milk", false)
			todo.SetItems(testTodoList, "Eggs")
			engine.Tracker().Record(ChangeRemove, "Bread")
			tt.setup(remote, todo)

			_, err := engine.Reconcile(context.Background())
			var readErr *ReadError
			if !errors.As(err, &readErr) {
				t.Fatalf("expected *ReadError, got %v", err)
			}
			if readErr.Side != tt.wantSide {
				t.Errorf("Side = %q, want %q", readErr.Side, tt.wantSide)
			}
			if n := len(remote.Added()) + len(remote.Removed()) + len(todo.Added()) + len(todo.Removed()); n != 0 {
				t.Errorf("failed read issued %d writes", n)
			}
			if engine.Tracker().Len() != 1 {
				t.Errorf("failed pass must not consume tracked changes")
			}
		})
	}
}

func TestReconcile_ReadErrorUnwraps(t *testing.T) {
	engine, _, todo := setupTestEngine(t, Config{})
	todo.GetErr = service.ErrAuth

	_, err := engine.Reconcile(context.Background())
	if !errors.Is(err, service.ErrAuth) {
		t.Errorf("expected ErrAuth to be reachable, got %v", err)
	}
}

func TestReconcile_ListNotFound(t *testing.T) {
	remote := testutil.NewFakeRemote()
	remote.AddList("other", "Annan lista")
	todo := testutil.NewFakeTodo()
	todo.SetItems(testTodoList, "Milk")

	engine := NewEngine(remote, todo, nil, Config{RemoteListID: testRemoteList, TodoListID: testTodoList})

	_, err := engine.Reconcile(context.Background())
	if !errors.Is(err, ErrListNotFound) {
		t.Fatalf("expected ErrListNotFound, got %v", err)
	}
	if len(todo.Removed()) != 0 {
		t.Error("missing list must not empty the todo side")
	}
}

func TestReconcile_RecentRemoveSuppressesBounceBack(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Eggs", false)
	remote.AddRow(testRemoteList, "Milk", false)
	todo.SetItems(testTodoList, "Milk")

	engine.Tracker().Record(ChangeRemove, "eggs")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if len(todo.Added()) != 0 {
		t.Errorf("Eggs bounced back to the todo side: %v", todo.Added())
	}
	if got := remote.Texts(testRemoteList); !equalStrings(got, []string{"Milk"}) {
		t.Errorf("remote = %v, want [Milk]", got)
	}
	if result.RemoteRemoved != 1 {
		t.Errorf("RemoteRemoved = %d, want 1", result.RemoteRemoved)
	}
	if engine.Tracker().Len() != 0 {
		t.Errorf("tracker should be consumed, has %d entries", engine.Tracker().Len())
	}
}

func TestReconcile_WithoutRecentRemoveMirrorsToTodo(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Eggs", false)
	todo.SetItems(testTodoList)

	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if got := todo.Summaries(testTodoList); !equalStrings(got, []string{"Eggs"}) {
		t.Errorf("todo = %v, want [Eggs]", got)
	}
}

func TestReconcile_FailedRecentRemoveIsRetained(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	id := remote.AddRow(testRemoteList, "Eggs", false)
	remote.RemoveErr[id] = errors.New("503 Service Unavailable")
	todo.SetItems(testTodoList)
	engine.Tracker().Record(ChangeRemove, "Eggs")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
	if len(todo.Added()) != 0 {
		t.Errorf("Eggs bounced back to the todo side: %v", todo.Added())
	}
	if engine.Tracker().Len() != 1 {
		t.Errorf("failed removal should stay tracked for the next pass")
	}
}

func TestReconcile_PurgeStruckRows(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{PurgeCompleted: true})
	struckID := remote.AddRow(testRemoteList, "Milk", true)
	remote.AddRow(testRemoteList, "Bread", false)
	todo.SetItems(testTodoList, "Milk", "Bread")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	removed := remote.Removed()
	if len(removed) == 0 || removed[0] != struckID {
		t.Errorf("struck row should be removed first, removals: %v", removed)
	}
	if result.Purged != 1 {
		t.Errorf("Purged = %d, want 1", result.Purged)
	}
	if got := remote.Texts(testRemoteList); !equalStrings(got, []string{"Bread"}) {
		t.Errorf("remote = %v, want [Bread]", got)
	}
	if got := todo.Summaries(testTodoList); !equalStrings(got, []string{"Bread"}) {
		t.Errorf("todo = %v, want [Bread]", got)
	}
	if len(remote.Added()) != 0 {
		t.Errorf("struck item was pushed back: %v", remote.Added())
	}
}

func TestReconcile_StruckRowsKeptWithoutPurge(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Milk", true)
	todo.SetItems(testTodoList, "Milk")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if result.Changed() {
		t.Errorf("expected no changes without purge, got %+v", result)
	}
}

func TestReconcile_CompletedTodoItem(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Milk", false)
	remote.AddRow(testRemoteList, "Bread", false)
	todo.Put(testTodoList, "Milk", service.StatusCompleted)
	todo.Put(testTodoList, "Bread", service.StatusNeedsAction)
	todo.Put(testTodoList, "Cheese", service.StatusCompleted)

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if got := remote.Texts(testRemoteList); !equalStrings(got, []string{"Bread"}) {
		t.Errorf("remote = %v, want [Bread]", got)
	}
	if got := todo.Summaries(testTodoList); !equalStrings(got, []string{"Bread"}) {
		t.Errorf("todo = %v, want [Bread]", got)
	}
	if len(remote.Added()) != 0 {
		t.Errorf("completed items must not be pushed: %v", remote.Added())
	}
	if result.TodoRemoved != 2 {
		t.Errorf("TodoRemoved = %d, want 2", result.TodoRemoved)
	}
}

func TestReconcile_OpenCopyWinsOverCompleted(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Milk", false)
	todo.Put(testTodoList, "Milk", service.StatusCompleted)
	todo.Put(testTodoList, "milk", service.StatusNeedsAction)

	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if got := remote.Texts(testRemoteList); !equalStrings(got, []string{"Milk"}) {
		t.Errorf("remote = %v, want [Milk]", got)
	}
	if got := todo.Summaries(testTodoList); !equalStrings(got, []string{"milk"}) {
		t.Errorf("todo = %v, want [milk]", got)
	}
}

func TestReconcile_WriteFailureIsolated(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	todo.SetItems(testTodoList, "Apples", "Bananas", "Cherries")
	remote.AddErr["Bananas"] = errors.New("500 Internal Server Error")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if got := remote.Texts(testRemoteList); !equalStrings(got, []string{"Apples", "Cherries"}) {
		t.Errorf("remote = %v, want [Apples Cherries]", got)
	}
	if result.Failed != 1 || result.RemoteAdded != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	// The failed item stays on the todo side for the next pass.
	if got := todo.Summaries(testTodoList); !equalStrings(got, []string{"Apples", "Bananas", "Cherries"}) {
		t.Errorf("todo = %v", got)
	}
}

func TestReconcile_TodoWriteFailureIsolated(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Apples", false)
	remote.AddRow(testRemoteList, "Bananas", false)
	todo.AddErr["Apples"] = errors.New("timeout")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if result.TodoAdded != 1 || result.Failed != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if got := todo.Summaries(testTodoList); !equalStrings(got, []string{"Bananas"}) {
		t.Errorf("todo = %v, want [Bananas]", got)
	}
}

func TestReconcile_MalformedRowsSkipped(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRawRow(testRemoteList, service.Row{ID: "", Text: "Ghost"})
	remote.AddRawRow(testRemoteList, service.Row{ID: "r-blank", Text: "   "})
	remote.AddRow(testRemoteList, "Milk", false)

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if result.Malformed != 2 {
		t.Errorf("Malformed = %d, want 2", result.Malformed)
	}
	if got := todo.Summaries(testTodoList); !equalStrings(got, []string{"Milk"}) {
		t.Errorf("todo = %v, want [Milk]", got)
	}
}

func TestReconcile_TodoTruncated(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{MaxTodoItems: 3})
	todo.SetItems(testTodoList, "A", "B", "C", "D", "E")

	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if got := remote.Added(); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("remote adds = %v, want [A B C]", got)
	}
	if len(todo.Removed()) != 0 {
		t.Errorf("items beyond the cap must not be removed: %v", todo.Removed())
	}
}

func TestReconcile_TodoHeadroom(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{MaxTodoItems: 2})
	remote.AddRow(testRemoteList, "A", false)
	remote.AddRow(testRemoteList, "B", false)
	remote.AddRow(testRemoteList, "C", false)
	todo.SetItems(testTodoList, "A")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}
	if got := todo.Added(); !equalStrings(got, []string{"B"}) {
		t.Errorf("todo adds = %v, want [B]", got)
	}
	if result.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", result.Dropped)
	}
}

func TestReconcile_DuplicateRemoteRows(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Milk", false)
	dupID := remote.AddRow(testRemoteList, "milk ", false)
	todo.SetItems(testTodoList, "Milk")

	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if got := remote.Removed(); !equalStrings(got, []string{dupID}) {
		t.Errorf("remote removals = %v, want [%s]", got, dupID)
	}
	if got := remote.Texts(testRemoteList); !equalStrings(got, []string{"Milk"}) {
		t.Errorf("remote = %v, want [Milk]", got)
	}
}

func TestReconcile_OnRefreshHook(t *testing.T) {
	engine, remote, todo := setupTestEngine(t, Config{})
	remote.AddRow(testRemoteList, "Milk", false)
	todo.SetItems(testTodoList, "Eggs")

	var got []Result
	engine.OnRefresh(func(r Result) { got = append(got, r) })

	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() unexpected error: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected hook to run once, ran %d times", len(got))
	}
	if got[0].ListName != "Veckohandling" {
		t.Errorf("ListName = %q", got[0].ListName)
	}
	if !equalStrings(got[0].Items, []string{"Milk", "Eggs"}) {
		t.Errorf("Items = %v, want [Milk Eggs]", got[0].Items)
	}
}

func TestReconcile_HookNotCalledOnAbort(t *testing.T) {
	engine, remote, _ := setupTestEngine(t, Config{})
	remote.FetchErr = errors.New("offline")

	called := false
	engine.OnRefresh(func(Result) { called = true })

	if _, err := engine.Reconcile(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if called {
		t.Error("hook must not run for aborted passes")
	}
}

func TestReadError(t *testing.T) {
	inner := errors.New("boom")
	err := &ReadError{Side: "remote", Err: inner}
	if err.Error() != "failed to read remote list: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("ReadError should unwrap to the inner error")
	}
}
