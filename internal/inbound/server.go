// Package inbound accepts reverse-WebSocket connections from OneBot v11
// adapters, feeds message events through the router and replies on the
// originating socket.
package inbound

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wsdispatch/wsdispatch/internal/metrics"
	"github.com/wsdispatch/wsdispatch/internal/onebot"
	"github.com/wsdispatch/wsdispatch/internal/router"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// client is one connected adapter socket. Writes go through the send channel
// so the single writePump owns the connection's write side.
type client struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

func (c *client) enqueue(logger zerolog.Logger, frame []byte) {
	select {
	case c.send <- frame:
	default:
		logger.Warn().Str("client_id", c.id).Msg("Inbound client send buffer full, dropping frame")
	}
}

// Server is the inbound WebSocket endpoint the chat adapter connects to.
type Server struct {
	router *router.Router
	store  *store.Store
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
}

// NewServer builds the inbound endpoint. Frames from any origin are accepted;
// adapters do not send browser origins.
func NewServer(rt *router.Router, st *store.Store, logger zerolog.Logger) *Server {
	return &Server{
		router: rt,
		store:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Inbound upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}
	s.register(c)
	defer s.unregister(c)

	s.logger.Info().
		Str("client_id", c.id).
		Str("remote", r.RemoteAddr).
		Msg("Adapter connected")

	go s.writePump(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Err(err).Str("client_id", c.id).Msg("Adapter disconnected")
			}
			return
		}
		s.handleFrame(c, data)
	}
}

// Start serves the endpoint on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s}
	s.logger.Info().Str("addr", addr).Msg("Inbound WebSocket server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes all client sockets and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.ws.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends a frame to every connected adapter. Used to fan frames from
// downstream bots back to the chat side.
func (s *Server) Broadcast(frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.enqueue(s.logger, frame)
	}
	metrics.Get().RecordBroadcast()
}

// ClientCount returns the number of connected adapters.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	metrics.Get().SetInboundClients(n)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	close(c.send)
	c.ws.Close()
	metrics.Get().SetInboundClients(n)
}

func (s *Server) writePump(c *client) {
	for frame := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Info().Err(err).Str("client_id", c.id).Msg("Inbound write failed")
			c.ws.Close()
			return
		}
	}
}

func (s *Server) handleFrame(c *client, data []byte) {
	event, err := onebot.Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("client_id", c.id).Msg("Discarding malformed frame")
		return
	}

	switch event.PostType() {
	case onebot.PostTypeMessage:
		s.handleMessage(c, event)

	case onebot.PostTypeMetaEvent:
		if event.MetaEventType() == onebot.MetaLifecycle {
			s.logger.Info().
				Str("client_id", c.id).
				Str("sub_type", event.SubType()).
				Int64("self_id", event.SelfID()).
				Msg("Adapter lifecycle event")
		}
		// Heartbeats are noise.

	case onebot.PostTypeNotice, onebot.PostTypeRequest:
		s.logger.Debug().Str("post_type", event.PostType()).Msg("Ignoring event")

	default:
		// Likely an action response to a frame a downstream bot sent through
		// Broadcast; nothing for the gateway to do with it.
		s.logger.Debug().Str("client_id", c.id).Msg("Ignoring frame without post_type")
	}
}

func (s *Server) handleMessage(c *client, event onebot.Event) {
	req := router.Request{
		Message:  event.RawMessage(),
		UserID:   event.UserID(),
		Nickname: event.Nickname(),
		SelfID:   event.SelfID(),
		RawEvent: event,
	}
	if gid, ok := event.GroupID(); ok {
		req.GroupID = &gid
	}

	res := s.router.Route(req)
	s.audit(req, res)

	reply := res.Response
	if reply == "" {
		reply = res.ErrorMessage
	}
	if reply == "" {
		return
	}

	frame, err := onebot.ReplyAction(event, reply)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build reply action")
		return
	}
	c.enqueue(s.logger, frame)
}

// audit appends one message log row. Logging failures must not break routing.
// Dispatch failures (unreachable target, envelope errors) count as rejected,
// with the internal error recorded in place of the user-facing message.
func (s *Server) audit(req router.Request, res router.Result) {
	status := store.StatusRejected
	if res.Success {
		status = store.StatusSuccess
	}

	entry := &store.MessageLog{
		UserID:       req.UserID,
		GroupID:      req.GroupID,
		Command:      req.Message,
		Status:       status,
		TargetWS:     res.TargetWS,
		ErrorMessage: res.ErrorMessage,
	}
	if res.CommandSet != nil {
		entry.CommandSetID = res.CommandSet.ID
	}
	if res.InternalError != "" {
		entry.ErrorMessage = res.InternalError
	}

	if err := s.store.AppendMessageLog(entry); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append message log")
	}
}
