package outbound

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsdispatch/wsdispatch/internal/onebot"
)

// Pool owns every configured downstream connection, keyed by id.
type Pool struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	conns   map[string]*Conn
	handler Handler
}

// NewPool builds an empty pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// SetHandler installs the callback for downstream frames not claimed by an
// echo waiter. It applies to existing and future connections.
func (p *Pool) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Pool) currentHandler() Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handler
}

// Add registers a new connection without dialing it.
func (p *Pool) Add(cfg Config) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[cfg.ID]; exists {
		return nil, fmt.Errorf("outbound connection %q already exists", cfg.ID)
	}
	conn := newConn(cfg, p.currentHandler, p.logger)
	p.conns[cfg.ID] = conn
	return conn, nil
}

// Remove stops and forgets the connection.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	conn, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	conn.Stop()
	return nil
}

// Get returns the connection with the given id.
func (p *Pool) Get(id string) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[id]
	return conn, ok
}

// List returns every connection sorted by id.
func (p *Pool) List() []*Conn {
	p.mu.RLock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// Statuses returns the status of every connection sorted by id.
func (p *Pool) Statuses() []Status {
	conns := p.List()
	statuses := make([]Status, 0, len(conns))
	for _, c := range conns {
		statuses = append(statuses, c.Status())
	}
	return statuses
}

// ConnectAll dials every connection. Failed dials fall back to the per
// connection reconnect loop when auto reconnect is enabled.
func (p *Pool) ConnectAll(ctx context.Context) {
	for _, conn := range p.List() {
		if err := conn.Connect(ctx); err != nil {
			p.logger.Warn().Err(err).
				Str("connection", conn.ID()).
				Msg("Initial outbound dial failed")
			if conn.Config().AutoReconnect {
				conn.scheduleReconnect()
			}
		}
	}
}

// StopAll stops every connection.
func (p *Pool) StopAll() {
	for _, conn := range p.List() {
		conn.Stop()
	}
}

// Send delivers one frame to the named connection.
func (p *Pool) Send(id string, frame []byte) error {
	conn, ok := p.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	return conn.Send(frame)
}

// SendEvent encodes and delivers one event to the named connection.
func (p *Pool) SendEvent(id string, ev onebot.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.Send(id, frame)
}

// SendAndWait sends an echo-correlated action to the named connection and
// waits for the matching response.
func (p *Pool) SendAndWait(id string, action onebot.Event, timeout time.Duration) (onebot.Event, error) {
	conn, ok := p.Get(id)
	if !ok {
		return nil, ErrUnknownConnection
	}
	return conn.SendAndWait(action, timeout)
}

// Reconnect forces a fresh dial of the named connection.
func (p *Pool) Reconnect(ctx context.Context, id string) error {
	conn, ok := p.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	return conn.Reconnect(ctx)
}
