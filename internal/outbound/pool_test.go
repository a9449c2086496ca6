package outbound

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsdispatch/wsdispatch/internal/onebot"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockBotServer speaks the downstream side of the protocol. The handler gets
// the upgraded connection after the gateway dials in.
func mockBotServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testPool(t *testing.T) *Pool {
	t.Helper()
	return NewPool(zerolog.New(zerolog.NewTestWriter(t)))
}

func readEvent(t *testing.T, conn *websocket.Conn) onebot.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := onebot.Decode(data)
	require.NoError(t, err)
	return ev
}

func TestConnectSendsHeadersAndLifecycle(t *testing.T) {
	type handshake struct {
		header    http.Header
		lifecycle onebot.Event
	}
	got := make(chan handshake, 1)

	server := mockBotServer(t, func(r *http.Request, conn *websocket.Conn) {
		got <- handshake{header: r.Header.Clone(), lifecycle: readEvent(t, conn)}
	})
	defer server.Close()

	pool := testPool(t)
	conn, err := pool.Add(Config{ID: "botA", URL: wsURL(server), Token: "secret"})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer pool.StopAll()

	select {
	case hs := <-got:
		assert.Equal(t, "wsdispatch/1.0", hs.header.Get("User-Agent"))
		assert.Equal(t, "0", hs.header.Get("X-Self-ID"))
		assert.Equal(t, "Universal", hs.header.Get("X-Client-Role"))
		assert.Equal(t, "Bearer secret", hs.header.Get("Authorization"))
		assert.Equal(t, onebot.PostTypeMetaEvent, hs.lifecycle.PostType())
		assert.Equal(t, onebot.MetaLifecycle, hs.lifecycle.MetaEventType())
		assert.Equal(t, "connect", hs.lifecycle.SubType())
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the handshake")
	}
	assert.Equal(t, StateOpen, conn.State())
}

func TestSendAndWaitCorrelatesByEcho(t *testing.T) {
	server := mockBotServer(t, func(_ *http.Request, conn *websocket.Conn) {
		readEvent(t, conn) // lifecycle
		action := readEvent(t, conn)

		// Answer with a stale echo first; it must not satisfy the waiter.
		stale := onebot.Event{"status": "ok", "echo": "someone-else"}
		frame, _ := stale.Encode()
		conn.WriteMessage(websocket.TextMessage, frame)

		resp := onebot.Event{"status": "ok", "retcode": 0, "echo": action.Echo()}
		frame, _ = resp.Encode()
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	pool := testPool(t)
	_, err := pool.Add(Config{ID: "botA", URL: wsURL(server)})
	require.NoError(t, err)
	pool.ConnectAll(context.Background())
	defer pool.StopAll()

	resp, err := pool.SendAndWait("botA", onebot.Event{"action": "get_status"}, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp["status"])
}

func TestSendAndWaitTimeout(t *testing.T) {
	server := mockBotServer(t, func(_ *http.Request, conn *websocket.Conn) {
		readEvent(t, conn) // lifecycle
		readEvent(t, conn) // action, never answered
		time.Sleep(time.Second)
	})
	defer server.Close()

	pool := testPool(t)
	conn, err := pool.Add(Config{ID: "botA", URL: wsURL(server)})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer pool.StopAll()

	_, err = pool.SendAndWait("botA", onebot.Event{"action": "get_status"}, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
}

func TestUnclaimedFramesGoToHandler(t *testing.T) {
	server := mockBotServer(t, func(_ *http.Request, conn *websocket.Conn) {
		readEvent(t, conn) // lifecycle
		push := onebot.Event{"action": "send_group_msg", "params": map[string]any{"group_id": 42}}
		frame, _ := push.Encode()
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	pool := testPool(t)
	received := make(chan string, 1)
	pool.SetHandler(func(connID string, frame []byte) {
		received <- connID
	})

	conn, err := pool.Add(Config{ID: "botA", URL: wsURL(server)})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer pool.StopAll()

	select {
	case id := <-received:
		assert.Equal(t, "botA", id)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never received the pushed frame")
	}
}

func TestAutoReconnect(t *testing.T) {
	var dials atomic.Int32
	server := mockBotServer(t, func(_ *http.Request, conn *websocket.Conn) {
		n := dials.Add(1)
		readEvent(t, conn) // lifecycle
		if n == 1 {
			return // drop the first connection immediately
		}
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	pool := testPool(t)
	conn, err := pool.Add(Config{
		ID:                "botA",
		URL:               wsURL(server),
		AutoReconnect:     true,
		ReconnectInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	defer pool.StopAll()

	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && conn.State() == StateOpen
	}, 5*time.Second, 25*time.Millisecond, "connection never re-established")
}

func TestStopIsTerminal(t *testing.T) {
	server := mockBotServer(t, func(_ *http.Request, conn *websocket.Conn) {
		readEvent(t, conn)
		time.Sleep(time.Second)
	})
	defer server.Close()

	pool := testPool(t)
	conn, err := pool.Add(Config{ID: "botA", URL: wsURL(server), AutoReconnect: true})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	conn.Stop()
	assert.Equal(t, StateStopped, conn.State())
	assert.ErrorIs(t, conn.Connect(context.Background()), ErrStopped)
	assert.ErrorIs(t, conn.Send([]byte("{}")), ErrNotConnected)
}

func TestSendBeforeConnect(t *testing.T) {
	pool := testPool(t)
	_, err := pool.Add(Config{ID: "botA", URL: "ws://127.0.0.1:1/ws"})
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Send("botA", []byte("{}")), ErrNotConnected)
	assert.ErrorIs(t, pool.Send("nope", []byte("{}")), ErrUnknownConnection)
	_, err = pool.SendAndWait("nope", onebot.Event{}, time.Second)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestAddDuplicateAndRemove(t *testing.T) {
	pool := testPool(t)
	_, err := pool.Add(Config{ID: "botA", URL: "ws://example/ws"})
	require.NoError(t, err)

	_, err = pool.Add(Config{ID: "botA", URL: "ws://example/other"})
	assert.Error(t, err)

	require.NoError(t, pool.Remove("botA"))
	assert.ErrorIs(t, pool.Remove("botA"), ErrUnknownConnection)
}

func TestStatuses(t *testing.T) {
	pool := testPool(t)
	_, err := pool.Add(Config{ID: "b", Name: "Bot B", URL: "ws://example/b", AllowForward: true})
	require.NoError(t, err)
	_, err = pool.Add(Config{ID: "a", Name: "Bot A", URL: "ws://example/a"})
	require.NoError(t, err)

	statuses := pool.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].ID)
	assert.Equal(t, StateIdle, statuses[0].State)
	assert.Equal(t, "b", statuses[1].ID)
	assert.True(t, statuses[1].AllowForward)
}
