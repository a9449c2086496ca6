package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/wsdispatch/wsdispatch/internal/config"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	qqID, err := parseQQID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.store.GetUser(qqID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserUpdateRequest carries the admin-editable user fields. Pointers
// distinguish "leave unchanged" from explicit values.
type UserUpdateRequest struct {
	Nickname            *string            `json:"nickname,omitempty"`
	IsPrivileged        *bool              `json:"is_privileged,omitempty"`
	SelectedStyles      *map[string]string `json:"selected_styles,omitempty"`
	AllowedSwitchGroups *[]string          `json:"allowed_switch_groups,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	qqID, err := parseQQID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req UserUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	user, err := s.store.GetUser(qqID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Nickname != nil {
		user.Nickname = *req.Nickname
	}
	if req.IsPrivileged != nil {
		user.IsPrivileged = *req.IsPrivileged
	}
	if req.SelectedStyles != nil {
		user.SelectedStyles = *req.SelectedStyles
	}
	if req.AllowedSwitchGroups != nil {
		user.AllowedSwitchGroups = *req.AllowedSwitchGroups
	}

	if err := s.store.UpdateUser(user); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func parseQQID(r *http.Request) (int64, error) {
	qqID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: user id must be numeric", config.ErrValidation)
	}
	return qqID, nil
}
