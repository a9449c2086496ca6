// Package outbound maintains the pool of persistent WebSocket connections to
// downstream bot services and the echo-correlated request/response flow over
// them.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/wsdispatch/wsdispatch/internal/metrics"
	"github.com/wsdispatch/wsdispatch/internal/onebot"
)

// Sentinel errors for the outbound layer.
var (
	ErrNotConnected      = errors.New("outbound connection not open")
	ErrUnknownConnection = errors.New("unknown outbound connection")
	ErrAwaitTimeout      = errors.New("timed out waiting for downstream response")
	ErrStopped           = errors.New("outbound connection stopped")
)

const (
	handshakeTimeout         = 15 * time.Second
	writeWait                = 10 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultAwaitTimeout      = 30 * time.Second
)

// State is the lifecycle state of one outbound connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateStopped    State = "stopped"
)

// Config describes one downstream connection.
type Config struct {
	ID                string
	Name              string
	URL               string
	Token             string
	AutoReconnect     bool
	ReconnectInterval time.Duration
	AllowForward      bool
}

// Handler receives frames a downstream service pushed that were not claimed
// by an echo waiter.
type Handler func(connID string, frame []byte)

// Status is the externally visible state of a connection.
type Status struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	State        State  `json:"state"`
	AllowForward bool   `json:"allow_forward"`
	LastError    string `json:"last_error,omitempty"`
}

// Conn is a single managed downstream connection.
type Conn struct {
	cfg     Config
	logger  zerolog.Logger
	handler func() Handler

	// Connection state (protected by mu)
	mu           sync.Mutex
	ws           *websocket.Conn
	state        State
	lastError    string
	reconnecting bool
	stopped      bool

	// Serializes frames onto the socket; gorilla allows one writer at a time.
	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan onebot.Event
}

func newConn(cfg Config, handler func() Handler, logger zerolog.Logger) *Conn {
	return &Conn{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		state:   StateIdle,
		waiters: make(map[string]chan onebot.Event),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.cfg.ID }

// Config returns the connection's configuration.
func (c *Conn) Config() Config { return c.cfg }

// AllowForward reports whether frames this service pushes on its own may be
// fanned back to the chat adapter.
func (c *Conn) AllowForward() bool { return c.cfg.AllowForward }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the externally visible connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:           c.cfg.ID,
		Name:         c.cfg.Name,
		URL:          c.cfg.URL,
		State:        c.state,
		AllowForward: c.cfg.AllowForward,
		LastError:    c.lastError,
	}
}

func (c *Conn) header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "wsdispatch/1.0")
	h.Set("X-Self-ID", "0")
	h.Set("X-Client-Role", "Universal")
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

// Connect dials the downstream service, emits the lifecycle connect event and
// starts the read loop. It is a no-op when the connection is already open or
// mid-dial, and fails with ErrStopped after Stop.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, c.header())
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.lastError = err.Error()
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.cfg.ID, err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		ws.Close()
		return ErrStopped
	}
	c.ws = ws
	c.state = StateOpen
	c.lastError = ""
	c.mu.Unlock()

	// NoneBot-style frameworks refuse action frames until they have seen the
	// lifecycle connect event.
	frame, err := onebot.LifecycleConnect(0).Encode()
	if err == nil {
		if werr := c.write(ws, frame); werr != nil {
			c.handleDisconnect(ws, werr)
			return fmt.Errorf("lifecycle handshake %s: %w", c.cfg.ID, werr)
		}
	}

	metrics.Get().SetOutboundUp(c.cfg.ID, true)
	c.logger.Info().
		Str("connection", c.cfg.ID).
		Str("url", c.cfg.URL).
		Msg("Outbound connection established")

	go c.readLoop(ws)
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		c.deliver(data)
	}
}

// deliver hands an inbound frame either to the waiter registered for its echo
// or to the pool handler.
func (c *Conn) deliver(data []byte) {
	if ev, err := onebot.Decode(data); err == nil {
		if echo := ev.Echo(); echo != "" {
			c.waitMu.Lock()
			ch, ok := c.waiters[echo]
			if ok {
				delete(c.waiters, echo)
			}
			c.waitMu.Unlock()
			if ok {
				ch <- ev
				return
			}
		}
	}
	if h := c.handler(); h != nil {
		h(c.cfg.ID, data)
	}
}

func (c *Conn) handleDisconnect(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer socket already replaced this one.
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = nil
	stopped := c.stopped
	if !stopped {
		c.state = StateClosed
		c.lastError = err.Error()
	}
	c.mu.Unlock()
	ws.Close()
	metrics.Get().SetOutboundUp(c.cfg.ID, false)

	if stopped {
		return
	}
	c.logger.Warn().Err(err).Str("connection", c.cfg.ID).Msg("Outbound connection lost")
	if c.cfg.AutoReconnect {
		c.scheduleReconnect()
	}
}

// scheduleReconnect starts the reconnect goroutine unless one is already
// running or the connection was stopped.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	interval := c.cfg.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		for {
			time.Sleep(interval)
			c.mu.Lock()
			stopped := c.stopped
			open := c.state == StateOpen
			c.mu.Unlock()
			if stopped || open {
				return
			}
			metrics.Get().RecordReconnectAttempt(c.cfg.ID)
			err := c.Connect(context.Background())
			if err == nil {
				return
			}
			if errors.Is(err, ErrStopped) {
				return
			}
			c.logger.Debug().Err(err).
				Str("connection", c.cfg.ID).
				Dur("retry_in", interval).
				Msg("Reconnect attempt failed")
		}
	}()
}

// Send delivers one frame to the downstream service.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || ws == nil {
		return ErrNotConnected
	}
	return c.write(ws, frame)
}

func (c *Conn) write(ws *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write to %s: %w", c.cfg.ID, err)
	}
	return nil
}

// SendAndWait attaches a fresh echo to the action frame, sends it and blocks
// until the downstream service answers with the same echo or the timeout
// expires.
func (c *Conn) SendAndWait(action onebot.Event, timeout time.Duration) (onebot.Event, error) {
	echo := ulid.Make().String()
	action = action.Clone()
	action["echo"] = echo

	frame, err := action.Encode()
	if err != nil {
		return nil, err
	}

	ch := make(chan onebot.Event, 1)
	c.waitMu.Lock()
	c.waiters[echo] = ch
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		delete(c.waiters, echo)
		c.waitMu.Unlock()
	}()

	if err := c.Send(frame); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		metrics.Get().RecordAwaitTimeout(c.cfg.ID)
		return nil, ErrAwaitTimeout
	}
}

// Stop closes the connection permanently. A stopped connection never
// reconnects; Connect returns ErrStopped afterwards.
func (c *Conn) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.state = StateStopped
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		ws.Close()
	}
	metrics.Get().SetOutboundUp(c.cfg.ID, false)
	c.logger.Info().Str("connection", c.cfg.ID).Msg("Outbound connection stopped")
}

// Reconnect drops the current socket, if any, and dials again. Used by the
// manual reconnect endpoint; automatic reconnection goes through
// scheduleReconnect instead.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	ws := c.ws
	c.ws = nil
	c.state = StateClosed
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
		metrics.Get().SetOutboundUp(c.cfg.ID, false)
	}
	return c.Connect(ctx)
}
