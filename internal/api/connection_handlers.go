package api

import (
	"fmt"
	"net/http"

	"github.com/wsdispatch/wsdispatch/internal/config"
)

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.manager.Current().Connections
	if conns == nil {
		conns = []config.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if conn := s.manager.Current().Connection(id); conn != nil {
		writeJSON(w, http.StatusOK, conn)
		return
	}
	s.writeError(w, fmt.Errorf("%w: connection %q", config.ErrNotFound, id))
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var conn config.Connection
	if err := decodeBody(r, &conn); err != nil {
		s.writeError(w, err)
		return
	}
	if conn.ID == "" {
		s.writeError(w, fmt.Errorf("%w: connection id is required", config.ErrValidation))
		return
	}

	err := s.manager.Update(func(settings *config.Settings) error {
		if settings.Connection(conn.ID) != nil {
			return fmt.Errorf("%w: connection %q", config.ErrIDConflict, conn.ID)
		}
		settings.Connections = append(settings.Connections, conn)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var conn config.Connection
	if err := decodeBody(r, &conn); err != nil {
		s.writeError(w, err)
		return
	}
	conn.ID = id

	err := s.manager.Update(func(settings *config.Settings) error {
		for i := range settings.Connections {
			if settings.Connections[i].ID == id {
				settings.Connections[i] = conn
				return nil
			}
		}
		return fmt.Errorf("%w: connection %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.manager.Update(func(settings *config.Settings) error {
		for _, set := range settings.CommandSets {
			if set.TargetWS == id {
				return fmt.Errorf("%w: connection %q is the target of command set %q",
					config.ErrReferentialIntegrity, id, set.ID)
			}
		}
		if settings.Final.TargetWS == id {
			return fmt.Errorf("%w: connection %q is the final-rule target",
				config.ErrReferentialIntegrity, id)
		}
		for i := range settings.Connections {
			if settings.Connections[i].ID == id {
				settings.Connections = append(settings.Connections[:i], settings.Connections[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: connection %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Statuses())
}

func (s *Server) handleReconnectConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pool.Reconnect(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
