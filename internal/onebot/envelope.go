package onebot

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// ForwardEnvelope builds the frame forwarded to a downstream bot.
//
// When a raw inbound event is available it is deep-copied and only self_id,
// message and raw_message are overwritten; every other field (message_id,
// sender, time, sub_type, ...) passes through untouched. Without a raw event
// a minimal OneBot v11 message event is synthesized.
func ForwardEnvelope(raw Event, selfID, userID int64, groupID *int64, text string) ([]byte, error) {
	var event Event
	if raw != nil {
		event = raw.Clone()
		event["self_id"] = selfID
		// Matcha and friends may deliver a message segment array while some
		// simple bots only accept a string; force both fields to the text form.
		event["message"] = text
		event["raw_message"] = text
	} else {
		event = NewMessageEvent(selfID, userID, groupID, text)
	}
	return event.Encode()
}

// NewMessageEvent synthesizes a minimal OneBot v11 message event.
func NewMessageEvent(selfID, userID int64, groupID *int64, text string) Event {
	messageType := MessageTypePrivate
	if groupID != nil {
		messageType = MessageTypeGroup
	}

	event := Event{
		"time":         time.Now().Unix(),
		"self_id":      selfID,
		"post_type":    PostTypeMessage,
		"message_type": messageType,
		"sub_type":     "normal",
		"message_id":   rand.Int63n(1000000) + 1,
		"user_id":      userID,
		"message":      text,
		"raw_message":  text,
		"font":         0,
		"sender": map[string]any{
			"user_id":  userID,
			"nickname": "User",
			"sex":      "unknown",
			"age":      0,
		},
	}
	if groupID != nil {
		event["group_id"] = *groupID
	}
	return event
}

// LifecycleConnect builds the meta event emitted when an outbound link opens.
// NoneBot-style frameworks refuse events until they have seen it.
func LifecycleConnect(selfID int64) Event {
	return Event{
		"time":            time.Now().Unix(),
		"self_id":         selfID,
		"post_type":       PostTypeMetaEvent,
		"meta_event_type": MetaLifecycle,
		"sub_type":        "connect",
	}
}

// ReplyAction builds the action frame replying to an inbound message event.
// Group messages are answered with send_group_msg, everything else with
// send_private_msg.
func ReplyAction(original Event, message string) ([]byte, error) {
	var action string
	params := map[string]any{"message": message}

	if original.MessageType() == MessageTypeGroup {
		action = "send_group_msg"
		if gid, ok := original.GroupID(); ok {
			params["group_id"] = gid
		}
	} else {
		action = "send_private_msg"
		params["user_id"] = original.UserID()
	}

	frame := map[string]any{
		"action": action,
		"params": params,
		"echo":   fmt.Sprintf("reply_%v", messageIDString(original)),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode reply action: %w", err)
	}
	return data, nil
}

func messageIDString(e Event) any {
	id := e.MessageID()
	if f, ok := id.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	if id == nil {
		return ""
	}
	return id
}
