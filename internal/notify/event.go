// Package notify turns todo-list mutations into change events for the
// scheduler.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies what happened to an item.
type Kind int

const (
	// KindAdd means an item was added.
	KindAdd Kind = iota
	// KindRemove means an item was removed.
	KindRemove
	// KindUpdateStatus means an item was renamed or its status changed.
	KindUpdateStatus
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindRemove:
		return "remove"
	case KindUpdateStatus:
		return "update"
	default:
		return "unknown"
	}
}

// Event is one observed mutation of a todo list.
type Event struct {
	Kind   Kind
	ListID string
	// Item is the affected item text. For updates it is the text the item
	// had before the update.
	Item string
	// Rename is the new text of a renamed item, if any.
	Rename string
	// Status is the new status of an updated item, if any.
	Status string
}

// ErrIgnored is returned for service calls that are not todo mutations.
var ErrIgnored = errors.New("not a todo item mutation")

// callServiceData is the data of a Home Assistant call_service event.
type callServiceData struct {
	Domain      string `json:"domain"`
	Service     string `json:"service"`
	ServiceData struct {
		EntityID entityIDs `json:"entity_id"`
		Item     itemField `json:"item"`
		Rename   string    `json:"rename"`
		Status   string    `json:"status"`
	} `json:"service_data"`
}

// entityIDs accepts a single entity id or a list of them.
type entityIDs []string

// UnmarshalJSON implements json.Unmarshaler.
func (e *entityIDs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*e = entityIDs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("entity_id must be a string or list: %w", err)
	}
	*e = many
	return nil
}

// itemField accepts a single item or a list of items (remove_item takes
// a list).
type itemField []string

// UnmarshalJSON implements json.Unmarshaler.
func (f *itemField) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = itemField{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("item must be a string or list: %w", err)
	}
	*f = many
	return nil
}

// DecodeCallService decodes the data of a Home Assistant call_service event
// into one event per (entity, item) pair. Services outside the todo domain
// return ErrIgnored.
func DecodeCallService(data []byte) ([]Event, error) {
	var call callServiceData
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("invalid call_service payload: %w", err)
	}
	if call.Domain != "" && call.Domain != "todo" {
		return nil, ErrIgnored
	}

	var kind Kind
	switch call.Service {
	case "add_item":
		kind = KindAdd
	case "remove_item":
		kind = KindRemove
	case "update_item":
		kind = KindUpdateStatus
	default:
		return nil, ErrIgnored
	}

	sd := call.ServiceData
	if len(sd.EntityID) == 0 {
		return nil, errors.New("call_service payload has no entity_id")
	}
	if len(sd.Item) == 0 {
		return nil, errors.New("call_service payload has no item")
	}

	events := make([]Event, 0, len(sd.EntityID)*len(sd.Item))
	for _, entity := range sd.EntityID {
		for _, item := range sd.Item {
			events = append(events, Event{
				Kind:   kind,
				ListID: entity,
				Item:   item,
				Rename: sd.Rename,
				Status: sd.Status,
			})
		}
	}
	return events, nil
}
