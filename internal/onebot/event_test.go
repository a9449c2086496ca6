package onebot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageEvent(t *testing.T) {
	frame := `{
		"post_type": "message",
		"message_type": "group",
		"sub_type": "normal",
		"message_id": 42,
		"self_id": 123,
		"user_id": 100,
		"group_id": 200,
		"raw_message": "/chat 你好",
		"sender": {"nickname": "小明", "user_id": 100}
	}`

	ev, err := Decode([]byte(frame))
	require.NoError(t, err)

	assert.Equal(t, PostTypeMessage, ev.PostType())
	assert.Equal(t, MessageTypeGroup, ev.MessageType())
	assert.Equal(t, int64(123), ev.SelfID())
	assert.Equal(t, int64(100), ev.UserID())
	assert.Equal(t, "/chat 你好", ev.RawMessage())
	assert.Equal(t, "小明", ev.Nickname())

	gid, ok := ev.GroupID()
	require.True(t, ok)
	assert.Equal(t, int64(200), gid)
}

func TestGroupIDAbsent(t *testing.T) {
	ev, err := Decode([]byte(`{"post_type":"message","message_type":"private","user_id":7}`))
	require.NoError(t, err)

	_, ok := ev.GroupID()
	assert.False(t, ok)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"post_type": `))
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	ev, err := Decode([]byte(`{"sender":{"nickname":"a"},"tags":["x","y"],"n":1}`))
	require.NoError(t, err)

	clone := ev.Clone()
	clone["n"] = 2
	clone["sender"].(map[string]any)["nickname"] = "b"
	clone["tags"].([]any)[0] = "z"

	assert.Equal(t, float64(1), ev["n"])
	assert.Equal(t, "a", ev["sender"].(map[string]any)["nickname"])
	assert.Equal(t, "x", ev["tags"].([]any)[0])
}

func TestForwardEnvelopePreservesUnknownFields(t *testing.T) {
	frame := `{
		"post_type": "message",
		"message_type": "group",
		"message_id": 99,
		"self_id": 1,
		"user_id": 100,
		"group_id": 200,
		"time": 1700000000,
		"message": [{"type":"text","data":{"text":"萌:/chat 你好"}}],
		"raw_message": "萌:/chat 你好",
		"sender": {"nickname": "小明", "card": "组长"},
		"anonymous": null,
		"font": 7
	}`
	raw, err := Decode([]byte(frame))
	require.NoError(t, err)

	out, err := ForwardEnvelope(raw, 555, 100, nil, "/chat 你好")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	assert.Equal(t, float64(555), got["self_id"])
	assert.Equal(t, "/chat 你好", got["message"])
	assert.Equal(t, "/chat 你好", got["raw_message"])

	// Everything else survives byte-for-byte at the structural level.
	assert.Equal(t, float64(99), got["message_id"])
	assert.Equal(t, float64(1700000000), got["time"])
	assert.Equal(t, float64(7), got["font"])
	assert.Equal(t, "组长", got["sender"].(map[string]any)["card"])
	assert.Contains(t, got, "anonymous")

	// The source event is untouched.
	assert.Equal(t, float64(1), raw["self_id"])
}

func TestForwardEnvelopeSynthesized(t *testing.T) {
	gid := int64(200)
	out, err := ForwardEnvelope(nil, 5, 100, &gid, "/info")
	require.NoError(t, err)

	ev, err := Decode(out)
	require.NoError(t, err)

	assert.Equal(t, PostTypeMessage, ev.PostType())
	assert.Equal(t, MessageTypeGroup, ev.MessageType())
	assert.Equal(t, "normal", ev.SubType())
	assert.Equal(t, int64(5), ev.SelfID())
	assert.Equal(t, int64(100), ev.UserID())
	assert.Equal(t, "/info", ev.RawMessage())
	gotGID, ok := ev.GroupID()
	require.True(t, ok)
	assert.Equal(t, gid, gotGID)
	assert.NotNil(t, ev.MessageID())
	assert.Equal(t, "User", ev.Nickname())
}

func TestForwardEnvelopeSynthesizedPrivate(t *testing.T) {
	out, err := ForwardEnvelope(nil, 5, 100, nil, "hello")
	require.NoError(t, err)

	ev, err := Decode(out)
	require.NoError(t, err)

	assert.Equal(t, MessageTypePrivate, ev.MessageType())
	_, ok := ev.GroupID()
	assert.False(t, ok)
}

func TestReplyActionGroup(t *testing.T) {
	original, err := Decode([]byte(`{"message_type":"group","group_id":200,"user_id":100,"message_id":42}`))
	require.NoError(t, err)

	data, err := ReplyAction(original, "你好")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "send_group_msg", got["action"])
	assert.Equal(t, "reply_42", got["echo"])
	params := got["params"].(map[string]any)
	assert.Equal(t, float64(200), params["group_id"])
	assert.Equal(t, "你好", params["message"])
}

func TestReplyActionPrivate(t *testing.T) {
	original, err := Decode([]byte(`{"message_type":"private","user_id":100,"message_id":"abc"}`))
	require.NoError(t, err)

	data, err := ReplyAction(original, "hi")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "send_private_msg", got["action"])
	assert.Equal(t, "reply_abc", got["echo"])
	params := got["params"].(map[string]any)
	assert.Equal(t, float64(100), params["user_id"])
}

func TestLifecycleConnect(t *testing.T) {
	ev := LifecycleConnect(0)
	assert.Equal(t, PostTypeMetaEvent, ev.PostType())
	assert.Equal(t, MetaLifecycle, ev.MetaEventType())
	assert.Equal(t, "connect", ev.SubType())
	assert.Equal(t, int64(0), ev.SelfID())
}

func TestEncodeKeepsNonASCII(t *testing.T) {
	ev := Event{"raw_message": "萌:/chat 你好"}
	data, err := ev.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), "萌:/chat 你好")
}
