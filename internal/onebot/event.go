// Package onebot models the OneBot v11 wire protocol as seen by the gateway.
//
// Events are weakly typed JSON objects. They are kept as raw maps so that
// fields the gateway does not interpret round-trip bit-exact through the
// forwarding path.
package onebot

import (
	"encoding/json"
	"fmt"
)

// Event post types.
const (
	PostTypeMessage   = "message"
	PostTypeMetaEvent = "meta_event"
	PostTypeNotice    = "notice"
	PostTypeRequest   = "request"
)

// Message types.
const (
	MessageTypeGroup   = "group"
	MessageTypePrivate = "private"
)

// Meta event types.
const (
	MetaLifecycle = "lifecycle"
	MetaHeartbeat = "heartbeat"
)

// Event is a decoded OneBot v11 event.
type Event map[string]any

// Decode parses a raw frame into an Event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode onebot event: %w", err)
	}
	return ev, nil
}

// Encode serializes the event. encoding/json leaves non-ASCII text verbatim,
// which the downstream bot frameworks require.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode onebot event: %w", err)
	}
	return data, nil
}

// PostType returns the event's post_type, or "" when absent.
func (e Event) PostType() string { return e.str("post_type") }

// MessageType returns "group" or "private" for message events.
func (e Event) MessageType() string { return e.str("message_type") }

// SubType returns the event's sub_type.
func (e Event) SubType() string { return e.str("sub_type") }

// MetaEventType returns the meta_event_type for meta events.
func (e Event) MetaEventType() string { return e.str("meta_event_type") }

// RawMessage returns the raw text of a message event.
func (e Event) RawMessage() string { return e.str("raw_message") }

// SelfID returns the self_id field.
func (e Event) SelfID() int64 { v, _ := e.num("self_id"); return v }

// UserID returns the user_id field.
func (e Event) UserID() int64 { v, _ := e.num("user_id"); return v }

// GroupID returns the group_id field and whether it was present.
func (e Event) GroupID() (int64, bool) { return e.num("group_id") }

// MessageID returns the message_id in its original JSON shape. OneBot
// implementations disagree on whether it is a number or a string.
func (e Event) MessageID() any { return e["message_id"] }

// Echo returns the echo correlation value, or "" when absent or non-string.
func (e Event) Echo() string { return e.str("echo") }

// Nickname returns sender.nickname for message events.
func (e Event) Nickname() string {
	sender, ok := e["sender"].(map[string]any)
	if !ok {
		return ""
	}
	nick, _ := sender["nickname"].(string)
	return nick
}

// Clone returns a structural deep copy of the event. Nested maps and slices
// are copied; scalars are shared.
func (e Event) Clone() Event {
	if e == nil {
		return nil
	}
	return Event(cloneMap(map[string]any(e)))
}

func (e Event) str(key string) string {
	s, _ := e[key].(string)
	return s
}

func (e Event) num(key string) (int64, bool) {
	switch v := e[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
