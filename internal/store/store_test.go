package store

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetOrCreateUser(t *testing.T) {
	s := newTestStore(t)

	user, err := s.GetOrCreateUser(100, "小明")
	require.NoError(t, err)
	assert.Equal(t, int64(100), user.QQID)
	assert.Equal(t, "小明", user.Nickname)
	assert.False(t, user.IsPrivileged)
	assert.NotNil(t, user.SelectedStyles)

	again, err := s.GetOrCreateUser(100, "别名")
	require.NoError(t, err)
	assert.Equal(t, "小明", again.Nickname, "existing nickname is not overwritten")
}

func TestGetOrCreateUserBackfillsNickname(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetOrCreateUser(100, "")
	require.NoError(t, err)

	user, err := s.GetOrCreateUser(100, "小明")
	require.NoError(t, err)
	assert.Equal(t, "小明", user.Nickname)

	fetched, err := s.GetUser(100)
	require.NoError(t, err)
	assert.Equal(t, "小明", fetched.Nickname)
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUser(42)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSetSelectedStyle(t *testing.T) {
	s := newTestStore(t)

	// Creates the row on first use.
	require.NoError(t, s.SetSelectedStyle(100, "tone", "cute"))
	require.NoError(t, s.SetSelectedStyle(100, "music", "netease"))
	require.NoError(t, s.SetSelectedStyle(100, "tone", "serious"))

	user, err := s.GetUser(100)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tone": "serious", "music": "netease"}, user.SelectedStyles)

	style, ok := user.SelectedStyle("tone")
	require.True(t, ok)
	assert.Equal(t, "serious", style)
	_, ok = user.SelectedStyle("nope")
	assert.False(t, ok)
}

func TestSetPrivileged(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetPrivileged(100, true))
	user, err := s.GetUser(100)
	require.NoError(t, err)
	assert.True(t, user.IsPrivileged)

	require.NoError(t, s.SetPrivileged(100, false))
	user, err = s.GetUser(100)
	require.NoError(t, err)
	assert.False(t, user.IsPrivileged)
}

func TestSwitchGroups(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AllowSwitchGroup(100, "tone"))
	require.NoError(t, s.AllowSwitchGroup(100, "tone")) // idempotent
	require.NoError(t, s.AllowSwitchGroup(100, "music"))

	user, err := s.GetUser(100)
	require.NoError(t, err)
	assert.Equal(t, []string{"tone", "music"}, user.AllowedSwitchGroups)
	assert.True(t, user.CanSwitch("tone"))
	assert.False(t, user.CanSwitch("other"))

	require.NoError(t, s.DenySwitchGroup(100, "tone"))
	user, err = s.GetUser(100)
	require.NoError(t, err)
	assert.Equal(t, []string{"music"}, user.AllowedSwitchGroups)
}

func TestUpdateUserMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateUser(&User{QQID: 7})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestListUsers(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreateUser(200, "b")
	require.NoError(t, err)
	_, err = s.GetOrCreateUser(100, "a")
	require.NoError(t, err)

	users, err := s.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, int64(100), users[0].QQID)
	assert.Equal(t, int64(200), users[1].QQID)
}

func TestAppendAndListMessageLogs(t *testing.T) {
	s := newTestStore(t)
	gid := int64(200)

	require.NoError(t, s.AppendMessageLog(&MessageLog{
		UserID:       100,
		GroupID:      &gid,
		Command:      "萌:/chat 你好",
		CommandSetID: "cute",
		TargetWS:     "botA",
		Status:       StatusSuccess,
	}))
	require.NoError(t, s.AppendMessageLog(&MessageLog{
		UserID:       100,
		Command:      "/trade eth",
		Status:       StatusRejected,
		ErrorMessage: "此指令需要特权才能使用",
	}))
	require.NoError(t, s.AppendMessageLog(&MessageLog{
		UserID:  300,
		Command: "/info",
		Status:  StatusSuccess,
	}))

	logs, err := s.ListMessageLogs(10, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "/info", logs[0].Command, "newest first")

	uid := int64(100)
	logs, err = s.ListMessageLogs(10, LogFilter{UserID: &uid})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, StatusRejected, logs[0].Status)
	assert.Equal(t, "此指令需要特权才能使用", logs[0].ErrorMessage)

	require.NotNil(t, logs[1].GroupID)
	assert.Equal(t, gid, *logs[1].GroupID)
	assert.Equal(t, "cute", logs[1].CommandSetID)
	assert.Equal(t, "botA", logs[1].TargetWS)
	assert.False(t, logs[1].Timestamp.IsZero())

	logs, err = s.ListMessageLogs(10, LogFilter{GroupID: &gid})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "萌:/chat 你好", logs[0].Command)

	logs, err = s.ListMessageLogs(10, LogFilter{Status: StatusRejected})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "/trade eth", logs[0].Command)

	logs, err = s.ListMessageLogs(10, LogFilter{UserID: &uid, Status: StatusSuccess})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "萌:/chat 你好", logs[0].Command)
}

func TestListMessageLogsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessageLog(&MessageLog{UserID: 1, Command: "/x", Status: StatusSuccess}))
	}
	logs, err := s.ListMessageLogs(3, LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestTruncateOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab", truncate("abc", 2))

	// 256 is not a multiple of three bytes, so a naive byte slice would split
	// the 86th rune.
	got := truncate(strings.Repeat("萌", 100), 256)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 255, len(got))
}

func TestAppendMessageLogKeepsValidUTF8(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendMessageLog(&MessageLog{
		UserID:       100,
		Command:      strings.Repeat("萌:/chat 你好 ", 40),
		Status:       StatusRejected,
		ErrorMessage: strings.Repeat("此指令需要特权才能使用", 30),
	}))

	logs, err := s.ListMessageLogs(1, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, utf8.ValidString(logs[0].Command))
	assert.True(t, utf8.ValidString(logs[0].ErrorMessage))
}
