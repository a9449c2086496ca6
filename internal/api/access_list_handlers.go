package api

import (
	"fmt"
	"net/http"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/config"
)

func (s *Server) handleListAccessLists(w http.ResponseWriter, r *http.Request) {
	lists := s.manager.Current().AccessLists
	if lists == nil {
		lists = []catalog.AccessList{}
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleGetAccessList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, list := range s.manager.Current().AccessLists {
		if list.ID == id {
			writeJSON(w, http.StatusOK, list)
			return
		}
	}
	s.writeError(w, fmt.Errorf("%w: access list %q", config.ErrNotFound, id))
}

func (s *Server) handleCreateAccessList(w http.ResponseWriter, r *http.Request) {
	var list catalog.AccessList
	if err := decodeBody(r, &list); err != nil {
		s.writeError(w, err)
		return
	}
	if list.ID == "" {
		s.writeError(w, fmt.Errorf("%w: access list id is required", config.ErrValidation))
		return
	}

	err := s.manager.Update(func(settings *config.Settings) error {
		for _, existing := range settings.AccessLists {
			if existing.ID == list.ID {
				return fmt.Errorf("%w: access list %q", config.ErrIDConflict, list.ID)
			}
		}
		settings.AccessLists = append(settings.AccessLists, list)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, list)
}

func (s *Server) handleUpdateAccessList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var list catalog.AccessList
	if err := decodeBody(r, &list); err != nil {
		s.writeError(w, err)
		return
	}
	list.ID = id

	err := s.manager.Update(func(settings *config.Settings) error {
		for i := range settings.AccessLists {
			if settings.AccessLists[i].ID == id {
				settings.AccessLists[i] = list
				return nil
			}
		}
		return fmt.Errorf("%w: access list %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteAccessList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.manager.Update(func(settings *config.Settings) error {
		for _, set := range settings.CommandSets {
			if set.UserAccessList == id || set.GroupAccessList == id {
				return fmt.Errorf("%w: access list %q is used by command set %q",
					config.ErrReferentialIntegrity, id, set.ID)
			}
		}
		for i := range settings.AccessLists {
			if settings.AccessLists[i].ID == id {
				settings.AccessLists = append(settings.AccessLists[:i], settings.AccessLists[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: access list %q", config.ErrNotFound, id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAccessListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := catalog.FindConflicts(s.manager.Current().AccessLists)
	if conflicts == nil {
		conflicts = []catalog.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}
