package domain

import "time"

// MetaField is one server-defined event field. Order follows the select clauses.
type MetaField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Event is one occurrence of a source event.
type Event struct {
	EventID      string      `json:"event_id"`
	Time         time.Time   `json:"time"`
	EmittingNode string      `json:"emitting_node"`
	EventType    string      `json:"event_type"`
	SourceNode   string      `json:"source_node,omitempty"`
	Message      string      `json:"message,omitempty"`
	MetaData     []MetaField `json:"metadata,omitempty"`
}

// Meta returns the first metadata field with the given name.
func (e *Event) Meta(name string) (any, bool) {
	for _, f := range e.MetaData {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}
