package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/wsdispatch/wsdispatch/internal/config"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

const maxLogPageSize = 1000

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", config.ErrValidation))
			return
		}
		limit = parsed
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}

	var filter store.LogFilter
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: user_id must be numeric", config.ErrValidation))
			return
		}
		filter.UserID = &parsed
	}
	if raw := r.URL.Query().Get("group_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: group_id must be numeric", config.ErrValidation))
			return
		}
		filter.GroupID = &parsed
	}
	switch status := r.URL.Query().Get("status"); status {
	case "", store.StatusSuccess, store.StatusRejected:
		filter.Status = status
	default:
		s.writeError(w, fmt.Errorf("%w: status must be %q or %q",
			config.ErrValidation, store.StatusSuccess, store.StatusRejected))
		return
	}

	logs, err := s.store.ListMessageLogs(limit, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []store.MessageLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
