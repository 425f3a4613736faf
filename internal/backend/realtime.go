package backend

import "reflect"

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a row-level change. Old is set for updates and deletes, New for
// inserts and updates.
type Event struct {
	Type  EventType `json:"type"`
	Table string    `json:"table"`
	Old   Row       `json:"old,omitempty"`
	New   Row       `json:"new,omitempty"`
}

// Record is the row the event is about: New, or Old for deletes.
func (e Event) Record() Row {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// Subscription selects events by table, event type and an optional equality
// filter. No event types means all of them.
type Subscription struct {
	Table  string
	Events []EventType
	Filter *Filter
}

// Matches reports whether ev belongs to the subscription.
func (s Subscription) Matches(ev Event) bool {
	if s.Table != ev.Table {
		return false
	}
	if len(s.Events) > 0 {
		found := false
		for _, t := range s.Events {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Filter == nil {
		return true
	}
	return MatchFilter(ev.Record(), *s.Filter)
}

// MatchFilter evaluates a single filter against a row.
func MatchFilter(row Row, f Filter) bool {
	val, ok := row[f.Column]
	switch f.Op {
	case OpIsNull:
		return !ok || val == nil
	case OpEq:
		return ok && reflect.DeepEqual(val, Normalize(f.Value))
	case OpNeq:
		return !reflect.DeepEqual(val, Normalize(f.Value))
	case OpIn:
		values, _ := f.Value.([]any)
		for _, v := range values {
			if ok && reflect.DeepEqual(val, Normalize(v)) {
				return true
			}
		}
		return false
	}
	return false
}
