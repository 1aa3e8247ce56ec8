package homeassistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/JohanCodinha/icasync/internal/service"
)

func newTestServer(t *testing.T, token string) *MockServer {
	t.Helper()
	m := NewMockServer(token)
	t.Cleanup(m.Close)
	return m
}

func TestGetItems(t *testing.T) {
	ha := newTestServer(t, "secret")
	ha.AddList("todo.shopping", "Milk", "Eggs", "Bread")
	ha.SetStatus("todo.shopping", "Eggs", "completed")
	ha.SetStatus("todo.shopping", "Bread", "weird")

	client := New(ha.URL, "secret")
	items, err := client.GetItems(context.Background(), "todo.shopping")
	if err != nil {
		t.Fatalf("GetItems() unexpected error: %v", err)
	}

	want := []service.TodoItem{
		{Summary: "Milk", Status: service.StatusNeedsAction},
		{Summary: "Eggs", Status: service.StatusCompleted},
		{Summary: "Bread", Status: service.StatusNeedsAction},
	}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("item %d = %+v, want %+v", i, items[i], want[i])
		}
	}
}

func TestAddAndRemoveItem(t *testing.T) {
	ha := newTestServer(t, "secret")
	ha.AddList("todo.shopping")

	client := New(ha.URL+"/", "secret")
	ctx := context.Background()

	if err := client.AddItem(ctx, "todo.shopping", "Milk"); err != nil {
		t.Fatalf("AddItem() unexpected error: %v", err)
	}
	if err := client.AddItem(ctx, "todo.shopping", "Eggs"); err != nil {
		t.Fatalf("AddItem() unexpected error: %v", err)
	}
	if err := client.RemoveItem(ctx, "todo.shopping", "Milk"); err != nil {
		t.Fatalf("RemoveItem() unexpected error: %v", err)
	}

	items, err := client.GetItems(ctx, "todo.shopping")
	if err != nil {
		t.Fatalf("GetItems() unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Summary != "Eggs" {
		t.Errorf("expected only Eggs, got %+v", items)
	}
}

func TestRemoveItem_Missing(t *testing.T) {
	ha := newTestServer(t, "secret")
	ha.AddList("todo.shopping")

	client := New(ha.URL, "secret")
	err := client.RemoveItem(context.Background(), "todo.shopping", "Nothing")
	if err == nil {
		t.Fatal("RemoveItem() expected error, got nil")
	}
}

func TestErrors(t *testing.T) {
	ha := newTestServer(t, "secret")
	ha.AddList("todo.shopping")

	tests := []struct {
		name   string
		token  string
		entity string
		want   error
	}{
		{"bad token", "wrong", "todo.shopping", service.ErrAuth},
		{"unknown entity", "secret", "todo.missing", service.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(ha.URL, tt.token)
			_, err := client.GetItems(context.Background(), tt.entity)
			if !errors.Is(err, tt.want) {
				t.Errorf("GetItems() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGetItems_MissingEntityInResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"changed_states": [], "service_response": {}}`))
	}))
	defer server.Close()

	client := New(server.URL, "t")
	_, err := client.GetItems(context.Background(), "todo.shopping")
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMockServer_RecordsCalls(t *testing.T) {
	ha := newTestServer(t, "secret")
	ha.AddList("todo.shopping", "Milk")

	client := New(ha.URL, "secret")
	ctx := context.Background()
	if _, err := client.GetItems(ctx, "todo.shopping"); err != nil {
		t.Fatalf("GetItems() unexpected error: %v", err)
	}
	if err := client.AddItem(ctx, "todo.shopping", "Eggs"); err != nil {
		t.Fatalf("AddItem() unexpected error: %v", err)
	}

	calls := ha.Calls()
	if len(calls) != 2 || calls[0] != "get_items" || calls[1] != "add_item" {
		t.Errorf("Calls() = %v", calls)
	}
	if got := ha.Summaries("todo.shopping"); len(got) != 2 || got[1] != "Eggs" {
		t.Errorf("Summaries() = %v", got)
	}
}
